package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/util"
)

// FlyState represents the lifecycle state of a fly structure.
type FlyState string

const (
	// FlyProposed means legs are assembled but no entry credit is confirmed.
	// Proposed flies exist only transiently during construction and are never
	// persisted.
	FlyProposed FlyState = "proposed"
	// FlyActive means all legs have a confirmed entry price and the fly
	// accepts mark refreshes.
	FlyActive FlyState = "active"
	// FlyClosed is terminal; no further mark updates are applied.
	FlyClosed FlyState = "closed"
)

// Leg is one option contract within a fly: an OptionRef plus a signed
// quantity (positive = long, negative = short), the premium it was entered
// at, and the last observed mark. A Leg is owned exclusively by its parent
// Fly and its membership never changes after construction.
type Leg struct {
	Option     OptionRef
	Quantity   int
	EntryPrice decimal.Decimal
	Mark       *decimal.Decimal
}

// PnL returns this leg's contribution, signed quantity x (mark - entry),
// using the last known mark. ok is false when no mark has ever been observed,
// in which case the contribution must be excluded, not zeroed.
func (l *Leg) PnL() (decimal.Decimal, bool) {
	if l.Mark == nil {
		return decimal.Zero, false
	}
	return l.Mark.Sub(l.EntryPrice).Mul(decimal.NewFromInt(int64(l.Quantity))), true
}

// Fly is an iron-fly structure: a short straddle at the body strike plus two
// long wings, tracked as one unit. Legs never change membership after
// construction; only marks and the closed status mutate.
type Fly struct {
	ID         string           `json:"id"`
	Body       decimal.Decimal  `json:"body"`
	Width      int              `json:"width"`
	Quantity   int              `json:"qty"`
	Legs       []Leg            `json:"legs"`
	State      FlyState         `json:"state"`
	EntryTime  time.Time        `json:"entry_time"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	Mark       *decimal.Decimal `json:"mark"`
	CloseTime  *time.Time       `json:"close_time"`
	ClosePrice *decimal.Decimal `json:"close_price"`
}

// NewFly assembles a proposed fly from its legs. All legs must share one
// expiry, quantities must be non-zero, and no two legs may reference the same
// contract.
func NewFly(id string, body decimal.Decimal, width, quantity int, legs []Leg) (*Fly, error) {
	if body.Sign() <= 0 {
		return nil, fmt.Errorf("fly: body must be positive (got %s)", body)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("fly %s: quantity must be > 0 (got %d)", util.BodyKey(body), quantity)
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("fly %s: at least one leg is required", util.BodyKey(body))
	}
	seen := make(map[string]struct{}, len(legs))
	expiry := legs[0].Option.Expiry
	for i := range legs {
		leg := &legs[i]
		if leg.Quantity == 0 {
			return nil, fmt.Errorf("fly %s: leg %s has zero quantity", util.BodyKey(body), leg.Option.Key())
		}
		if !leg.Option.Expiry.Equal(expiry) {
			return nil, fmt.Errorf("fly %s: leg %s expiry %s differs from %s",
				util.BodyKey(body), leg.Option.Key(), leg.Option.ExpiryString(), expiry.Format("2006-01-02"))
		}
		key := leg.Option.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("fly %s: duplicate leg %s", util.BodyKey(body), key)
		}
		seen[key] = struct{}{}
	}
	return &Fly{
		ID:       id,
		Body:     body,
		Width:    width,
		Quantity: quantity,
		Legs:     legs,
		State:    FlyProposed,
	}, nil
}

// BodyKey returns the canonical map key for this fly's body strike.
func (f *Fly) BodyKey() string {
	return util.BodyKey(f.Body)
}

// Expiry returns the shared expiry of the fly's legs.
func (f *Fly) Expiry() time.Time {
	return f.Legs[0].Option.Expiry
}

// Activate transitions PROPOSED -> ACTIVE once the entry net credit is
// confirmed. From here the fly accepts mark refreshes.
func (f *Fly) Activate(entryCredit decimal.Decimal, at time.Time) error {
	if f.State != FlyProposed {
		return fmt.Errorf("fly %s: cannot activate from state %s", f.BodyKey(), f.State)
	}
	f.EntryPrice = entryCredit
	f.EntryTime = at.UTC()
	f.State = FlyActive
	return nil
}

// RefreshMarks updates leg marks from the supplied mark table, keyed by
// OptionRef.Key(). Legs without a fresh mark keep their last known value.
// When every leg has a mark, the fly-level mark (current net credit to close)
// is recomputed. Refreshing a closed fly is a no-op, not an error, so that
// late-arriving stale updates after close are tolerated.
func (f *Fly) RefreshMarks(marks map[string]decimal.Decimal) {
	if f.State == FlyClosed {
		return
	}
	for i := range f.Legs {
		if m, ok := marks[f.Legs[i].Option.Key()]; ok {
			v := m
			f.Legs[i].Mark = &v
		}
	}
	if credit, ok := f.currentCredit(); ok {
		f.Mark = &credit
	}
}

// currentCredit returns the net credit to close at current marks, per unit
// lot: short premiums minus long premiums. ok is false while any leg has
// never been marked.
func (f *Fly) currentCredit() (decimal.Decimal, bool) {
	total := decimal.Zero
	lot := decimal.NewFromInt(int64(f.Quantity))
	for i := range f.Legs {
		leg := &f.Legs[i]
		if leg.Mark == nil {
			return decimal.Zero, false
		}
		// Exact division; leg quantities need not be multiples of the lot.
		perUnit := decimal.NewFromInt(int64(leg.Quantity)).Div(lot)
		total = total.Sub(leg.Mark.Mul(perUnit))
	}
	return total, true
}

// UnrealizedPnL sums signed quantity x (mark - entry) over the legs, using
// each leg's last known mark. Legs that have never been marked are excluded
// from the sum and returned by identity key so the caller can flag them.
func (f *Fly) UnrealizedPnL() (decimal.Decimal, []string) {
	total := decimal.Zero
	var missing []string
	for i := range f.Legs {
		leg := &f.Legs[i]
		pnl, ok := leg.PnL()
		if !ok {
			missing = append(missing, leg.Option.Key())
			continue
		}
		total = total.Add(pnl)
	}
	return total, missing
}

// Close transitions ACTIVE -> CLOSED, recording the closing net credit and
// timestamp. Closed is terminal.
func (f *Fly) Close(closePrice decimal.Decimal, at time.Time) error {
	if f.State != FlyActive {
		return fmt.Errorf("fly %s: cannot close from state %s", f.BodyKey(), f.State)
	}
	price := closePrice
	ts := at.UTC()
	f.ClosePrice = &price
	f.CloseTime = &ts
	f.State = FlyClosed
	return nil
}

// ForceClose closes the fly with a synthetic price derived from the freshest
// marks. This is the documented expiry fallback, not a failure path: when no
// leg has ever been marked the synthetic price degrades to the entry credit
// (flat PnL) rather than inventing a fill.
func (f *Fly) ForceClose(at time.Time) error {
	if f.State != FlyActive {
		return fmt.Errorf("fly %s: cannot force-close from state %s", f.BodyKey(), f.State)
	}
	price := f.EntryPrice
	if credit, ok := f.currentCredit(); ok {
		price = credit
	} else if f.Mark != nil {
		price = *f.Mark
	}
	return f.Close(price, at)
}

// RealizedPnL returns the locked-in result of a closed fly, per the signed
// quantity convention: (entry credit - close credit) x lot quantity. It is
// zero for flies that are not closed.
func (f *Fly) RealizedPnL() decimal.Decimal {
	if f.State != FlyClosed || f.ClosePrice == nil {
		return decimal.Zero
	}
	return f.EntryPrice.Sub(*f.ClosePrice).Mul(decimal.NewFromInt(int64(f.Quantity)))
}

// OptionRefs returns the fly's leg contracts in construction order.
func (f *Fly) OptionRefs() []OptionRef {
	refs := make([]OptionRef, 0, len(f.Legs))
	for i := range f.Legs {
		refs = append(refs, f.Legs[i].Option)
	}
	return refs
}
