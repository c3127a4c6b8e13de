package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/retry"
	"github.com/meetsang/spx-bot/internal/storage"
	"github.com/meetsang/spx-bot/internal/util"
)

// stubBroker serves a deterministic chain around a fixed spot and fills every
// order immediately.
type stubBroker struct {
	spot       float64
	expiration string
	closeFill  decimal.Decimal
	marksErr   error
}

func newStubBroker() *stubBroker {
	return &stubBroker{spot: 6000, expiration: "2025-09-01", closeFill: decimal.NewFromFloat(1.00)}
}

func (b *stubBroker) chain() []broker.Option {
	var options []broker.Option
	for strike := b.spot - 100; strike <= b.spot+100; strike += 5 {
		d := math.Abs(strike - b.spot)
		price := math.Max(0.05, 3.00-0.045*d)
		for _, typ := range []models.OptionType{models.Call, models.Put} {
			options = append(options, broker.Option{
				Symbol:     "stub",
				Underlying: "SPX",
				Strike:     decimal.NewFromFloat(strike),
				Expiration: b.expiration,
				OptionType: typ,
				Bid:        util.RoundToNickel(decimal.NewFromFloat(price - 0.05)),
				Ask:        util.RoundToNickel(decimal.NewFromFloat(price + 0.05)),
			})
		}
	}
	return options
}

func (b *stubBroker) GetQuote(context.Context, string) (*broker.Quote, error) {
	last := decimal.NewFromFloat(b.spot)
	return &broker.Quote{Symbol: "SPX", Last: last, Bid: last, Ask: last}, nil
}

func (b *stubBroker) GetExpirations(context.Context, string) ([]string, error) {
	return []string{b.expiration}, nil
}

func (b *stubBroker) GetOptionChain(context.Context, string, string) ([]broker.Option, error) {
	return b.chain(), nil
}

func (b *stubBroker) GetMarks(_ context.Context, refs []models.OptionRef) (map[string]decimal.Decimal, error) {
	if b.marksErr != nil {
		return nil, b.marksErr
	}
	chain := b.chain()
	marks := make(map[string]decimal.Decimal, len(refs))
	for _, ref := range refs {
		if opt := broker.FindOption(chain, ref.Strike, ref.Type); opt != nil {
			marks[ref.Key()] = opt.Mid()
		}
	}
	return marks, nil
}

func (b *stubBroker) PlaceFlyOrder(_ context.Context, _ *models.Fly, limitCredit decimal.Decimal) (*broker.OrderResponse, error) {
	return &broker.OrderResponse{ID: "entry", Status: broker.OrderFilled, FillPrice: limitCredit, FilledAt: time.Now().UTC()}, nil
}

func (b *stubBroker) CloseFlyOrder(context.Context, *models.Fly, decimal.Decimal) (*broker.OrderResponse, error) {
	return &broker.OrderResponse{ID: "close", Status: broker.OrderFilled, FillPrice: b.closeFill, FilledAt: time.Now().UTC()}, nil
}

var _ broker.Broker = (*stubBroker)(nil)

func testConfig() Config {
	return Config{
		Symbol:        "SPX",
		EntryTime:     "08:33",
		Location:      time.UTC,
		LadderRungs:   4,
		WingWidth:     60,
		Lot:           1,
		MinCredit:     decimal.NewFromFloat(0.50),
		PerFlyStop:    decimal.NewFromInt(500),
		PortfolioStop: decimal.NewFromInt(4000),
	}
}

func newTestStrategy(t *testing.T, b broker.Broker) (*IronFlyStrategy, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	closer := retry.NewClient(b, nil, retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	s := NewIronFlyStrategy(b, closer, store, nil, nil, testConfig())
	s.now = func() time.Time {
		return time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC) // 14:00 UTC, past 08:33
	}
	return s, store
}

func TestCheckEntryConditions(t *testing.T) {
	s, _ := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()

	if ok, reason := s.CheckEntryConditions(state); !ok {
		t.Errorf("expected entry after entry time, got %q", reason)
	}

	s.now = func() time.Time {
		return time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	}
	if ok, _ := s.CheckEntryConditions(state); ok {
		t.Error("expected no entry before entry time")
	}

	s.now = func() time.Time {
		return time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC)
	}
	state.EnteredToday = true
	if ok, _ := s.CheckEntryConditions(state); ok {
		t.Error("expected no second entry in one session")
	}
}

func TestDeriveATMRoundsToGrid(t *testing.T) {
	b := newStubBroker()
	b.spot = 6003.4
	s, _ := newTestStrategy(t, b)

	atm, err := s.DeriveATM(context.Background(), b.expiration)
	if err != nil {
		t.Fatal(err)
	}
	if !atm.Equal(decimal.NewFromInt(6005)) {
		t.Errorf("atm = %s, want 6005", atm)
	}
}

func TestEnterLadderBuildsFullRung(t *testing.T) {
	s, _ := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()

	if err := s.EnterLadder(context.Background(), state); err != nil {
		t.Fatal(err)
	}

	if !state.EnteredToday {
		t.Error("EnteredToday not set")
	}
	if state.Expiry != "2025-09-01" {
		t.Errorf("expiry = %s", state.Expiry)
	}
	if len(state.ActiveFlies) != 9 {
		t.Fatalf("active flies = %d, want 9 (ATM +/- 4 rungs)", len(state.ActiveFlies))
	}
	for body, fly := range state.ActiveFlies {
		if fly.State != models.FlyActive {
			t.Errorf("fly %s in state %s", body, fly.State)
		}
		if fly.EntryPrice.Sign() <= 0 {
			t.Errorf("fly %s entered with non-positive credit %s", body, fly.EntryPrice)
		}
		if len(fly.Legs) != 4 {
			t.Errorf("fly %s has %d legs", body, len(fly.Legs))
		}
		if !fly.Body.Equal(util.RoundToStrike(fly.Body)) {
			t.Errorf("body %s off the strike grid", body)
		}
	}
	if _, ok := state.ActiveFlies["5980.00"]; !ok {
		t.Error("missing lowest rung 5980")
	}
	if _, ok := state.ActiveFlies["6020.00"]; !ok {
		t.Error("missing highest rung 6020")
	}
}

func TestEvaluateExitRulesPerFlyStop(t *testing.T) {
	s, _ := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()
	if err := s.EnterLadder(context.Background(), state); err != nil {
		t.Fatal(err)
	}

	// -6.00 points x $100 = -$600, through the $500 stop.
	state.PerFlyPnL["6000.00"] = decimal.NewFromInt(-6)
	state.PerFlyPnL["6005.00"] = decimal.NewFromInt(-4)

	decisions := s.EvaluateExitRules(state)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %v, want exactly the stopped fly", decisions)
	}
	if decisions[0].BodyKey != "6000.00" || decisions[0].Force {
		t.Errorf("decision = %+v", decisions[0])
	}
}

func TestEvaluateExitRulesPortfolioStopClosesAll(t *testing.T) {
	s, _ := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()
	if err := s.EnterLadder(context.Background(), state); err != nil {
		t.Fatal(err)
	}

	// -45 points x $100 = -$4500, through the $4000 portfolio stop.
	state.TotalPnL = decimal.NewFromInt(-45)

	decisions := s.EvaluateExitRules(state)
	if len(decisions) != len(state.ActiveFlies) {
		t.Fatalf("decisions = %d, want all %d flies", len(decisions), len(state.ActiveFlies))
	}
	for _, d := range decisions {
		if d.Reason != "portfolio stop" {
			t.Errorf("reason = %s", d.Reason)
		}
	}
}

func TestEvaluateExitRulesExpiryForcesAll(t *testing.T) {
	s, _ := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()
	if err := s.EnterLadder(context.Background(), state); err != nil {
		t.Fatal(err)
	}

	// Next morning, flies from yesterday's expiry are dead.
	s.now = func() time.Time {
		return time.Date(2025, 9, 2, 9, 0, 0, 0, time.UTC)
	}
	decisions := s.EvaluateExitRules(state)
	if len(decisions) != len(state.ActiveFlies) {
		t.Fatalf("decisions = %d, want all flies", len(decisions))
	}
	for _, d := range decisions {
		if !d.Force {
			t.Errorf("expiry exit must be a force close: %+v", d)
		}
	}
}

func TestApplyExitsRecordsClose(t *testing.T) {
	b := newStubBroker()
	s, _ := newTestStrategy(t, b)
	state := models.NewStrategyState()
	if err := s.EnterLadder(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	entry := state.ActiveFlies["6000.00"].EntryPrice

	s.ApplyExits(context.Background(), state, []ExitDecision{{BodyKey: "6000.00", Reason: "per-fly stop"}})

	if _, ok := state.ActiveFlies["6000.00"]; ok {
		t.Fatal("fly still active after exit")
	}
	fly, ok := state.ClosedFlies["6000.00"]
	if !ok {
		t.Fatal("fly not in closed map after exit")
	}
	// realized = (entry credit - close debit) x lot
	want := entry.Sub(b.closeFill)
	if !state.RealizedPnL.Equal(want) {
		t.Errorf("realized = %s, want %s", state.RealizedPnL, want)
	}
	if fly.ClosePrice == nil || !fly.ClosePrice.Equal(b.closeFill) {
		t.Error("close price not recorded")
	}
}

func TestRunCyclePersistsAndValues(t *testing.T) {
	s, store := newTestStrategy(t, newStubBroker())
	state := models.NewStrategyState()

	res, err := s.RunCycle(context.Background(), state)
	if err != nil {
		t.Fatal(err)
	}
	if store.SaveCalls == 0 {
		t.Error("cycle did not persist state")
	}
	if !state.EnteredToday {
		t.Error("cycle did not attempt entry")
	}
	if len(res.PerFly) == 0 {
		t.Error("cycle produced no per-fly valuations")
	}
	if !state.HasExtremes() {
		t.Error("cycle did not fold extremes")
	}
	if !state.TotalPnL.Equal(res.Net) {
		t.Errorf("state total %s != result net %s", state.TotalPnL, res.Net)
	}
}

func TestRunCycleDegradesOnMarksFailure(t *testing.T) {
	b := newStubBroker()
	s, store := newTestStrategy(t, b)
	state := models.NewStrategyState()

	if _, err := s.RunCycle(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	netBefore := state.TotalPnL
	savesBefore := store.SaveCalls

	// Mark feed goes down: the cycle must value on last known marks, still
	// evaluate exits, and still persist.
	b.marksErr = errors.New("connection reset by peer")
	res, err := s.RunCycle(context.Background(), state)
	if err != nil {
		t.Fatalf("cycle aborted on marks failure: %v", err)
	}
	if store.SaveCalls != savesBefore+1 {
		t.Error("degraded cycle did not persist state")
	}
	if len(res.PerFly) != len(state.ActiveFlies) {
		t.Errorf("valued %d flies on stale marks, want %d", len(res.PerFly), len(state.ActiveFlies))
	}
	if !res.Net.Equal(netBefore) {
		t.Errorf("stale-mark net = %s, want unchanged %s", res.Net, netBefore)
	}
}
