package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// mustIronFly builds a standard 4-leg iron fly at the given body: short
// straddle at the body, long wings at body±width, unit quantity.
func mustIronFly(t *testing.T, body string, width int, entryPrices map[string]string) *Fly {
	t.Helper()
	b := dec(t, body)
	w := decimal.NewFromInt(int64(width))

	legOf := func(strike decimal.Decimal, typ OptionType, qty int, role string) Leg {
		ref, err := NewOptionRef("SPX", strike, testExpiry(), typ, "")
		if err != nil {
			t.Fatalf("leg %s: %v", role, err)
		}
		entry := decimal.Zero
		if p, ok := entryPrices[role]; ok {
			entry = dec(t, p)
		}
		return Leg{Option: ref, Quantity: qty, EntryPrice: entry}
	}

	legs := []Leg{
		legOf(b, Call, -1, "short_call"),
		legOf(b.Add(w), Call, 1, "long_call"),
		legOf(b, Put, -1, "short_put"),
		legOf(b.Sub(w), Put, 1, "long_put"),
	}
	fly, err := NewFly("fly-test", b, width, 1, legs)
	if err != nil {
		t.Fatalf("NewFly failed: %v", err)
	}
	return fly
}

func marksFor(t *testing.T, fly *Fly, prices map[OptionType]map[string]string) map[string]decimal.Decimal {
	t.Helper()
	marks := make(map[string]decimal.Decimal)
	for _, ref := range fly.OptionRefs() {
		byStrike, ok := prices[ref.Type]
		if !ok {
			continue
		}
		if p, ok := byStrike[ref.Strike.StringFixed(2)]; ok {
			marks[ref.Key()] = dec(t, p)
		}
	}
	return marks
}

func TestNewFlyValidation(t *testing.T) {
	good := mustIronFly(t, "6000", 60, nil)
	if got := len(good.Legs); got != 4 {
		t.Fatalf("expected 4 legs, got %d", got)
	}
	if good.State != FlyProposed {
		t.Fatalf("new fly must start proposed, got %s", good.State)
	}

	t.Run("duplicate leg rejected", func(t *testing.T) {
		legs := append([]Leg(nil), good.Legs...)
		legs[1] = legs[0]
		if _, err := NewFly("dup", good.Body, 60, 1, legs); err == nil {
			t.Error("expected error for duplicate leg")
		}
	})

	t.Run("zero quantity leg rejected", func(t *testing.T) {
		legs := append([]Leg(nil), good.Legs...)
		legs[2].Quantity = 0
		if _, err := NewFly("zq", good.Body, 60, 1, legs); err == nil {
			t.Error("expected error for zero-quantity leg")
		}
	})

	t.Run("mixed expiries rejected", func(t *testing.T) {
		legs := append([]Leg(nil), good.Legs...)
		other, err := NewOptionRef("SPX", dec(t, "6060"), testExpiry().AddDate(0, 0, 1), Call, "")
		if err != nil {
			t.Fatal(err)
		}
		legs[1].Option = other
		if _, err := NewFly("mx", good.Body, 60, 1, legs); err == nil {
			t.Error("expected error for mixed expiries")
		}
	})

	t.Run("empty legs rejected", func(t *testing.T) {
		if _, err := NewFly("empty", good.Body, 60, 1, nil); err == nil {
			t.Error("expected error for empty leg set")
		}
	})
}

func TestFlyLifecycle(t *testing.T) {
	fly := mustIronFly(t, "6000", 60, nil)
	now := time.Date(2025, 9, 1, 13, 33, 0, 0, time.UTC)

	// Proposed flies cannot close.
	if err := fly.Close(dec(t, "1.00"), now); err == nil {
		t.Error("closing a proposed fly must fail")
	}

	if err := fly.Activate(dec(t, "2.50"), now); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if fly.State != FlyActive {
		t.Fatalf("state = %s, want active", fly.State)
	}
	if err := fly.Activate(dec(t, "2.50"), now); err == nil {
		t.Error("double activation must fail")
	}

	if err := fly.Close(dec(t, "1.00"), now.Add(time.Hour)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if fly.State != FlyClosed {
		t.Fatalf("state = %s, want closed", fly.State)
	}
	if fly.ClosePrice == nil || !fly.ClosePrice.Equal(dec(t, "1.00")) {
		t.Errorf("close price not recorded: %v", fly.ClosePrice)
	}
	if fly.CloseTime == nil || fly.CloseTime.IsZero() {
		t.Error("close time not recorded")
	}
	if err := fly.Close(dec(t, "0.50"), now.Add(2*time.Hour)); err == nil {
		t.Error("closing a closed fly must fail")
	}
}

func TestRefreshMarksAfterCloseIsNoOp(t *testing.T) {
	fly := mustIronFly(t, "6000", 60, map[string]string{
		"short_call": "1.50", "long_call": "0.20", "short_put": "1.60", "long_put": "0.40",
	})
	ts := time.Now().UTC()
	if err := fly.Activate(dec(t, "2.50"), ts); err != nil {
		t.Fatal(err)
	}

	marks := marksFor(t, fly, map[OptionType]map[string]string{
		Call: {"6000.00": "1.20", "6060.00": "0.10"},
		Put:  {"6000.00": "1.30", "5940.00": "0.30"},
	})
	fly.RefreshMarks(marks)
	if fly.Mark == nil {
		t.Fatal("fly mark not computed after full refresh")
	}
	markBefore := *fly.Mark

	if err := fly.Close(markBefore, ts); err != nil {
		t.Fatal(err)
	}

	// Late stale update after close: must not change anything.
	stale := marksFor(t, fly, map[OptionType]map[string]string{
		Call: {"6000.00": "9.99", "6060.00": "9.99"},
		Put:  {"6000.00": "9.99", "5940.00": "9.99"},
	})
	fly.RefreshMarks(stale)
	if !fly.Mark.Equal(markBefore) {
		t.Errorf("mark changed after close: %s -> %s", markBefore, fly.Mark)
	}
	for i := range fly.Legs {
		if fly.Legs[i].Mark.Equal(dec(t, "9.99")) {
			t.Errorf("leg %d mark mutated after close", i)
		}
	}
}

func TestUnrealizedPnLWithPartialMarks(t *testing.T) {
	fly := mustIronFly(t, "6000", 60, map[string]string{
		"short_call": "1.50", "long_call": "0.20", "short_put": "1.60", "long_put": "0.40",
	})
	if err := fly.Activate(dec(t, "2.50"), time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	// Marks for the calls only; puts have never been marked.
	marks := marksFor(t, fly, map[OptionType]map[string]string{
		Call: {"6000.00": "2.00", "6060.00": "0.30"},
	})
	fly.RefreshMarks(marks)

	pnl, missing := fly.UnrealizedPnL()
	if len(missing) != 2 {
		t.Fatalf("expected 2 unmarked legs, got %d (%v)", len(missing), missing)
	}
	// short call: -1 * (2.00 - 1.50) = -0.50; long call: +1 * (0.30 - 0.20) = 0.10
	if want := dec(t, "-0.40"); !pnl.Equal(want) {
		t.Errorf("partial unrealized = %s, want %s", pnl, want)
	}
	if fly.Mark != nil {
		t.Error("fly-level mark must stay nil while a leg has never been marked")
	}

	// Puts arrive; a later refresh missing the calls keeps their last marks.
	fly.RefreshMarks(marksFor(t, fly, map[OptionType]map[string]string{
		Put: {"6000.00": "1.00", "5940.00": "0.50"},
	}))
	pnl, missing = fly.UnrealizedPnL()
	if len(missing) != 0 {
		t.Fatalf("expected no unmarked legs, got %v", missing)
	}
	// calls -0.40, short put: -1*(1.00-1.60)=0.60, long put: +1*(0.50-0.40)=0.10
	if want := dec(t, "0.30"); !pnl.Equal(want) {
		t.Errorf("unrealized = %s, want %s", pnl, want)
	}
	if fly.Mark == nil {
		t.Fatal("fly-level mark missing after all legs marked")
	}
	// credit to close: (2.00 + 1.00) - (0.30 + 0.50) = 2.20
	if want := dec(t, "2.20"); !fly.Mark.Equal(want) {
		t.Errorf("fly mark = %s, want %s", fly.Mark, want)
	}
}

func TestForceCloseUsesFreshestMarks(t *testing.T) {
	fly := mustIronFly(t, "6000", 60, map[string]string{
		"short_call": "1.50", "long_call": "0.20", "short_put": "1.60", "long_put": "0.40",
	})
	ts := time.Now().UTC()
	if err := fly.Activate(dec(t, "2.50"), ts); err != nil {
		t.Fatal(err)
	}
	fly.RefreshMarks(marksFor(t, fly, map[OptionType]map[string]string{
		Call: {"6000.00": "0.60", "6060.00": "0.05"},
		Put:  {"6000.00": "0.70", "5940.00": "0.05"},
	}))

	if err := fly.ForceClose(ts.Add(time.Hour)); err != nil {
		t.Fatalf("ForceClose failed: %v", err)
	}
	// synthetic close credit: (0.60+0.70) - (0.05+0.05) = 1.20
	if fly.ClosePrice == nil || !fly.ClosePrice.Equal(dec(t, "1.20")) {
		t.Errorf("synthetic close price = %v, want 1.20", fly.ClosePrice)
	}
	if want := dec(t, "1.30"); !fly.RealizedPnL().Equal(want) {
		t.Errorf("realized = %s, want %s", fly.RealizedPnL(), want)
	}
}

func TestForceCloseWithSubLotLegsStaysExact(t *testing.T) {
	// Leg quantities smaller than the lot must weigh in fractionally, not
	// truncate to zero. A flat book (every leg marked at its entry premium)
	// has to force-close at the entry credit with zero realized.
	template := mustIronFly(t, "6000", 60, map[string]string{
		"short_call": "1.50", "long_call": "0.20", "short_put": "1.60", "long_put": "0.40",
	})
	fly, err := NewFly("fly-sublot", template.Body, 60, 2, append([]Leg(nil), template.Legs...))
	if err != nil {
		t.Fatalf("NewFly failed: %v", err)
	}

	ts := time.Now().UTC()
	// Per-unit entry credit at lot 2 with ±1 legs:
	// (1.50 + 1.60 - 0.20 - 0.40) / 2 = 1.25
	if err := fly.Activate(dec(t, "1.25"), ts); err != nil {
		t.Fatal(err)
	}
	fly.RefreshMarks(marksFor(t, fly, map[OptionType]map[string]string{
		Call: {"6000.00": "1.50", "6060.00": "0.20"},
		Put:  {"6000.00": "1.60", "5940.00": "0.40"},
	}))

	if fly.Mark == nil || !fly.Mark.Equal(dec(t, "1.25")) {
		t.Fatalf("fly mark = %v, want 1.25", fly.Mark)
	}
	if err := fly.ForceClose(ts.Add(time.Hour)); err != nil {
		t.Fatalf("ForceClose failed: %v", err)
	}
	if fly.ClosePrice == nil || !fly.ClosePrice.Equal(dec(t, "1.25")) {
		t.Errorf("synthetic close price = %v, want 1.25", fly.ClosePrice)
	}
	if !fly.RealizedPnL().IsZero() {
		t.Errorf("flat book must close flat, got realized %s", fly.RealizedPnL())
	}
}

func TestForceCloseWithoutMarksFallsFlat(t *testing.T) {
	fly := mustIronFly(t, "6000", 60, nil)
	ts := time.Now().UTC()
	if err := fly.Activate(dec(t, "2.50"), ts); err != nil {
		t.Fatal(err)
	}
	if err := fly.ForceClose(ts); err != nil {
		t.Fatalf("ForceClose failed: %v", err)
	}
	if !fly.RealizedPnL().IsZero() {
		t.Errorf("never-marked force close should be flat, got %s", fly.RealizedPnL())
	}
}
