// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when optional fields are unset.
const (
	// defaultEntryTime is the ladder entry wall clock in the exchange zone.
	defaultEntryTime = "08:33"
	// defaultTimezone is the exchange-local zone for schedule fields.
	defaultTimezone = "America/Chicago"
	// defaultCheckInterval paces the monitoring cycle.
	defaultCheckInterval = "5s"
	// defaultWingWidth is the points from body to each wing.
	defaultWingWidth = 60
	// defaultLadderRungs is the bodies on each side of ATM.
	defaultLadderRungs = 4
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. In paper mode the provider is
// the built-in simulator and credentials may be empty.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
}

// StrategyConfig defines the iron-fly ladder parameters.
type StrategyConfig struct {
	Name        string  `yaml:"name"`         // export folder name, e.g. spx_9if_0dte
	Symbol      string  `yaml:"symbol"`       // underlying, e.g. SPX
	LadderRungs int     `yaml:"ladder_rungs"` // bodies each side of ATM
	WingWidth   int     `yaml:"wing_width"`   // points from body to wing
	Lot         int     `yaml:"lot"`          // contracts per fly
	MinCredit   float64 `yaml:"min_credit"`   // per-unit credit floor for a rung
}

// RiskConfig defines risk management parameters, in dollars.
type RiskConfig struct {
	PerFlyStop    float64 `yaml:"per_fly_stop"`
	PortfolioStop float64 `yaml:"portfolio_stop"`
}

// ScheduleConfig defines the session schedule.
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone"`       // e.g. "America/Chicago"
	EntryTime     string `yaml:"entry_time"`     // "HH:MM"
	CheckInterval string `yaml:"check_interval"` // Go duration, e.g. "5s"
}

// StorageConfig defines where the snapshot and export files live.
type StorageConfig struct {
	Path    string `yaml:"path"`     // snapshot file, e.g. state.json
	DataDir string `yaml:"data_dir"` // daily CSV root, e.g. Data
}

// DashboardConfig defines the JSON API server settings. Port 0 disables it.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Defaults for optional fields are applied first.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required in live mode")
		}
	}

	if c.Strategy.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Strategy.LadderRungs < 0 {
		return fmt.Errorf("strategy.ladder_rungs must be >= 0")
	}
	if c.Strategy.WingWidth <= 0 {
		return fmt.Errorf("strategy.wing_width must be > 0")
	}
	if c.Strategy.WingWidth%5 != 0 {
		return fmt.Errorf("strategy.wing_width must sit on the 5-point strike grid")
	}
	if c.Strategy.Lot <= 0 {
		return fmt.Errorf("strategy.lot must be > 0")
	}
	if c.Strategy.MinCredit < 0 {
		return fmt.Errorf("strategy.min_credit must be >= 0")
	}

	if c.Risk.PerFlyStop <= 0 {
		return fmt.Errorf("risk.per_fly_stop must be > 0")
	}
	if c.Risk.PortfolioStop <= 0 {
		return fmt.Errorf("risk.portfolio_stop must be > 0")
	}
	if c.Risk.PerFlyStop > c.Risk.PortfolioStop {
		return fmt.Errorf("risk.per_fly_stop (%.0f) must be <= risk.portfolio_stop (%.0f)",
			c.Risk.PerFlyStop, c.Risk.PortfolioStop)
	}

	if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}
	loc := c.Location()
	if _, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc); err != nil {
		return fmt.Errorf("schedule.entry_time invalid: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be a valid port or 0 to disable")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Schedule.EntryTime == "" {
		c.Schedule.EntryTime = defaultEntryTime
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = defaultCheckInterval
	}
	if c.Strategy.WingWidth == 0 {
		c.Strategy.WingWidth = defaultWingWidth
	}
	if c.Strategy.LadderRungs == 0 {
		c.Strategy.LadderRungs = defaultLadderRungs
	}
	if c.Strategy.Lot == 0 {
		c.Strategy.Lot = 1
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured monitoring interval duration.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return 5 * time.Second // default
	}
	return d
}

// Location resolves the schedule timezone, falling back to a fixed CT offset
// for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("CT", -6*60*60)
	}
	return loc
}

// MinCredit returns the per-rung credit floor as a decimal price.
func (c *Config) MinCredit() decimal.Decimal {
	return decimal.NewFromFloat(c.Strategy.MinCredit)
}

// PerFlyStop returns the single-fly stop in dollars.
func (c *Config) PerFlyStop() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.PerFlyStop)
}

// PortfolioStop returns the whole-book stop in dollars.
func (c *Config) PortfolioStop() decimal.Decimal {
	return decimal.NewFromFloat(c.Risk.PortfolioStop)
}
