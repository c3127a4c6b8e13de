package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsang/spx-bot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker:      config.BrokerConfig{Provider: "sim"},
		Schedule: config.ScheduleConfig{
			Timezone:      "America/Chicago",
			EntryTime:     "08:33",
			CheckInterval: "10ms",
		},
		Strategy: config.StrategyConfig{
			Name:        "spx_9if_0dte",
			Symbol:      "SPX",
			LadderRungs: 4,
			WingWidth:   60,
			Lot:         1,
			MinCredit:   0.5,
		},
		Risk:    config.RiskConfig{PerFlyStop: 500, PortfolioStop: 4000},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "state.json"), DataDir: filepath.Join(dir, "Data")},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNewBotWiresComponents(t *testing.T) {
	cfg := testConfig(t)

	bot, err := newBot(cfg, quietLogger())
	require.NoError(t, err)

	assert.NotNil(t, bot.strategy)
	assert.NotNil(t, bot.storage)
	require.NotNil(t, bot.state)
	assert.Empty(t, bot.state.ActiveFlies)
	assert.Nil(t, bot.server, "dashboard should be disabled when port is 0")
}

func TestNewBotEnablesDashboardWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dashboard.Port = 18080

	bot, err := newBot(cfg, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, bot.server)
}

func TestRunCyclePersistsState(t *testing.T) {
	cfg := testConfig(t)
	bot, err := newBot(cfg, quietLogger())
	require.NoError(t, err)

	bot.runCycle(context.Background())

	_, err = os.Stat(cfg.Storage.Path)
	assert.NoError(t, err, "cycle should write the snapshot")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	bot, err := newBot(cfg, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	_, err = os.Stat(cfg.Storage.Path)
	assert.NoError(t, err, "state should be saved on shutdown")
}
