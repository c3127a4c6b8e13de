package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/export"
	"github.com/meetsang/spx-bot/internal/mock"
	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/retry"
	"github.com/meetsang/spx-bot/internal/storage"
	"github.com/meetsang/spx-bot/internal/strategy"
)

// End-to-end harness: drives a full paper session against the simulated
// market and checks each stage of the pipeline.
func main() {
	fmt.Println("=== SPX Iron Fly Bot - End-to-End Integration Test ===")
	fmt.Println()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	workDir, err := os.MkdirTemp("", "spx-bot-e2e")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Printf("Warning: failed to cleanup work dir: %v", err)
		}
	}()

	storageClient, err := storage.NewStorage(filepath.Join(workDir, "state.json"), logger)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}

	var brokerClient broker.Broker = broker.NewPaperBroker(mock.NewSimProvider(), logger)
	brokerClient = broker.NewCircuitBreakerBroker(brokerClient)

	// Entry at midnight so the ladder is always due, whatever the wall clock.
	strat := strategy.NewIronFlyStrategy(
		brokerClient,
		retry.NewClient(brokerClient, logger),
		storageClient,
		export.NewWriter(filepath.Join(workDir, "Data"), "spx_9if_0dte"),
		logger,
		strategy.Config{
			Symbol:        "SPX",
			EntryTime:     "00:00",
			Location:      time.UTC,
			LadderRungs:   4,
			WingWidth:     60,
			Lot:           1,
			MinCredit:     decimal.NewFromFloat(0.05),
			PerFlyStop:    decimal.NewFromInt(500),
			PortfolioStop: decimal.NewFromInt(4000),
		},
	)

	fmt.Println("All components initialized successfully")
	fmt.Println()

	runIntegrationTests(brokerClient, strat, storageClient, logger)
}

func runIntegrationTests(brk broker.Broker, strat *strategy.IronFlyStrategy, store storage.Interface, logger *log.Logger) {
	state, err := store.Load()
	if err != nil {
		log.Fatalf("Failed to load initial state: %v", err)
	}

	testsPassed := 0
	tests := []struct {
		name string
		run  func() bool
	}{
		{"Market Data Retrieval", func() bool { return testMarketData(brk, logger) }},
		{"Ladder Entry", func() bool { return testLadderEntry(strat, state, logger) }},
		{"Book Valuation", func() bool { return testValuation(strat, state, logger) }},
		{"Snapshot Round-Trip", func() bool { return testSnapshotRoundTrip(store, state, logger) }},
		{"Daily Exports", func() bool { return testExports(store, logger) }},
		{"Session Close", func() bool { return testSessionClose(strat, state, logger) }},
	}

	for i, tt := range tests {
		fmt.Printf("Test %d: %s\n", i+1, tt.name)
		fmt.Println("========================")
		if tt.run() {
			testsPassed++
			fmt.Println("PASSED")
		} else {
			fmt.Println("FAILED")
		}
		fmt.Println()
	}

	fmt.Println("=== Integration Test Results ===")
	fmt.Printf("Tests Passed: %d/%d\n", testsPassed, len(tests))
	if testsPassed != len(tests) {
		fmt.Printf("%d test(s) failed - review issues above\n", len(tests)-testsPassed)
		os.Exit(1)
	}
	fmt.Println("ALL TESTS PASSED")
}

func testMarketData(brk broker.Broker, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	quote, err := brk.GetQuote(ctx, "SPX")
	if err != nil {
		logger.Printf("Failed to get SPX quote: %v", err)
		return false
	}
	logger.Printf("SPX Last: %s", quote.Last)

	expirations, err := brk.GetExpirations(ctx, "SPX")
	if err != nil {
		logger.Printf("Failed to get expirations: %v", err)
		return false
	}
	logger.Printf("Found %d expirations", len(expirations))
	if len(expirations) == 0 {
		return false
	}

	options, err := brk.GetOptionChain(ctx, "SPX", expirations[0])
	if err != nil {
		logger.Printf("Failed to get option chain: %v", err)
		return false
	}
	logger.Printf("Found %d options for %s", len(options), expirations[0])
	return len(options) > 0
}

func testLadderEntry(strat *strategy.IronFlyStrategy, state *models.StrategyState, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := strat.RunCycle(ctx, state); err != nil {
		logger.Printf("Cycle failed: %v", err)
		return false
	}

	logger.Printf("Entered %d flies, expiry %s", len(state.ActiveFlies), state.Expiry)
	for body, fly := range state.ActiveFlies {
		if len(fly.Legs) != 4 {
			logger.Printf("Fly %s has %d legs, want 4", body, len(fly.Legs))
			return false
		}
	}
	return state.EnteredToday && len(state.ActiveFlies) > 0
}

func testValuation(strat *strategy.IronFlyStrategy, state *models.StrategyState, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := strat.RunCycle(ctx, state)
	if err != nil {
		logger.Printf("Cycle failed: %v", err)
		return false
	}

	logger.Printf("Net PnL: %s (min %s, max %s)", res.Net, state.MinNetPnL, state.MaxNetPnL)
	if len(res.PerFly) != len(state.ActiveFlies) {
		logger.Printf("Valued %d flies, want %d", len(res.PerFly), len(state.ActiveFlies))
		return false
	}
	return state.HasExtremes()
}

func testSnapshotRoundTrip(store storage.Interface, state *models.StrategyState, logger *log.Logger) bool {
	if err := store.Save(state); err != nil {
		logger.Printf("Failed to save state: %v", err)
		return false
	}

	reloaded, err := store.Load()
	if err != nil {
		logger.Printf("Failed to reload state: %v", err)
		return false
	}

	logger.Printf("Reloaded %d active flies from %s", len(reloaded.ActiveFlies), store.Path())
	return len(reloaded.ActiveFlies) == len(state.ActiveFlies) &&
		reloaded.TotalPnL.Equal(state.TotalPnL)
}

func testExports(store storage.Interface, logger *log.Logger) bool {
	dataDir := filepath.Join(filepath.Dir(store.Path()), "Data")
	var found int
	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".csv" {
			logger.Printf("Export: %s (%d bytes)", path, info.Size())
			found++
		}
		return nil
	})
	if err != nil {
		logger.Printf("Failed to walk export dir: %v", err)
		return false
	}
	return found > 0
}

func testSessionClose(strat *strategy.IronFlyStrategy, state *models.StrategyState, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Force-close on final marks so the harness does not depend on the
	// simulated book accepting a limit debit.
	var decisions []strategy.ExitDecision
	for body := range state.ActiveFlies {
		decisions = append(decisions, strategy.ExitDecision{BodyKey: body, Reason: "session end", Force: true})
	}
	strat.ApplyExits(ctx, state, decisions)

	logger.Printf("Closed book: %d active, %d closed, realized %s",
		len(state.ActiveFlies), len(state.ClosedFlies), state.RealizedPnL)
	return len(state.ActiveFlies) == 0 && len(state.ClosedFlies) > 0
}
