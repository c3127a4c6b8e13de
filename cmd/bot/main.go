package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/config"
	"github.com/meetsang/spx-bot/internal/dashboard"
	"github.com/meetsang/spx-bot/internal/export"
	"github.com/meetsang/spx-bot/internal/mock"
	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/retry"
	"github.com/meetsang/spx-bot/internal/storage"
	"github.com/meetsang/spx-bot/internal/strategy"
)

type Bot struct {
	config   *config.Config
	strategy *strategy.IronFlyStrategy
	storage  storage.Interface
	state    *models.StrategyState
	server   *dashboard.Server
	logger   *log.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg)

	logger.Printf("Starting SPX Iron Fly Bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Fatalf("Live mode requested but no live broker is wired for provider %q", cfg.Broker.Provider)
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

// newLogger writes to stdout and a size-rotated file next to the snapshot.
func newLogger(cfg *config.Config) *log.Logger {
	writers := []io.Writer{os.Stdout}
	logDir := filepath.Join(filepath.Dir(cfg.Storage.Path), "logs")
	if err := os.MkdirAll(logDir, 0o750); err == nil {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "strategy.log"),
			MaxSize:    50, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return log.New(io.MultiWriter(writers...), "[BOT] ", log.LstdFlags|log.Lshortfile)
}

func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	store, err := storage.NewStorage(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	logger.Printf("Loaded state: %d active, %d closed flies, realized %s",
		len(state.ActiveFlies), len(state.ClosedFlies), state.RealizedPnL)

	var brk broker.Broker = broker.NewPaperBroker(mock.NewSimProvider(), logger)
	brk = broker.NewCircuitBreakerBroker(brk)

	strat := strategy.NewIronFlyStrategy(
		brk,
		retry.NewClient(brk, logger),
		store,
		export.NewWriter(cfg.Storage.DataDir, cfg.Strategy.Name),
		logger,
		strategy.Config{
			Symbol:        cfg.Strategy.Symbol,
			EntryTime:     cfg.Schedule.EntryTime,
			Location:      cfg.Location(),
			LadderRungs:   cfg.Strategy.LadderRungs,
			WingWidth:     cfg.Strategy.WingWidth,
			Lot:           cfg.Strategy.Lot,
			MinCredit:     cfg.MinCredit(),
			PerFlyStop:    cfg.PerFlyStop(),
			PortfolioStop: cfg.PortfolioStop(),
		},
	)
	strat.OnExit = dashboard.IncExitReason
	strat.OnSaveFailure = dashboard.IncSaveFailure

	bot := &Bot{
		config:   cfg,
		strategy: strat,
		storage:  store,
		state:    state,
		logger:   logger,
	}

	if cfg.Dashboard.Port > 0 {
		bot.server = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, newDashboardLogger(cfg))
	}

	return bot, nil
}

func newDashboardLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l
}

// Run drives the dashboard server and the monitoring loop until ctx is
// cancelled or either fails.
func (b *Bot) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if b.server != nil {
		g.Go(func() error {
			if err := b.server.Start(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return b.loop(ctx)
	})

	return g.Wait()
}

func (b *Bot) loop(ctx context.Context) error {
	b.logger.Println("Bot starting main loop...")

	ticker := time.NewTicker(b.config.GetCheckInterval())
	defer ticker.Stop()

	// Run immediately on start
	b.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			b.logger.Println("Shutdown signal received, persisting state...")
			if err := b.storage.Save(b.state); err != nil {
				b.logger.Printf("Final state save failed: %v", err)
			}
			return nil
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}

func (b *Bot) runCycle(ctx context.Context) {
	res, err := b.strategy.RunCycle(ctx, b.state)
	if err != nil {
		b.logger.Printf("Cycle failed: %v", err)
		return
	}
	dashboard.ObserveCycle(res, b.state)
}
