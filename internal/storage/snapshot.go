package storage

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/models"
)

// SchemaVersion is written into every snapshot. Loaders apply explicit
// per-field defaulting rules for older snapshots rather than relying on
// absence-means-zero.
const SchemaVersion = 2

// snapshot is the flat, primitive-only form handed to the JSON encoder.
// Decimals travel as strings and timestamps as RFC 3339 so no pricing
// precision is lost in transit. Every field is declared exactly once, so a
// duplicate key in the encoded document is impossible by construction.
type snapshot struct {
	SchemaVersion int                  `json:"schema_version"`
	EnteredToday  bool                 `json:"entered_today"`
	Expiry        string               `json:"expiry,omitempty"`
	ActiveFlies   map[string]flyRecord `json:"active_flies"`
	ClosedFlies   map[string]flyRecord `json:"closed_flies"`
	PerFlyPnL     map[string]string    `json:"per_if_pnl"`
	TotalPnL      string               `json:"total_pnl"`
	RealizedPnL   string               `json:"realized_pnl"`
	MinNetPnL     *string              `json:"min_net_pnl,omitempty"`
	MaxNetPnL     *string              `json:"max_net_pnl,omitempty"`
	SavedAt       time.Time            `json:"saved_at"`
}

type flyRecord struct {
	ID         string      `json:"id"`
	Body       string      `json:"body"`
	Width      int         `json:"width"`
	Quantity   int         `json:"qty"`
	Legs       []legRecord `json:"legs"`
	EntryTime  time.Time   `json:"entry_time"`
	EntryPrice string      `json:"entry_price"`
	Mark       *string     `json:"mark"`
	Closed     bool        `json:"closed"`
	CloseTime  *time.Time  `json:"close_time"`
	ClosePrice *string     `json:"close_price"`
}

type legRecord struct {
	Underlying string  `json:"underlying"`
	Strike     string  `json:"strike"`
	Expiry     string  `json:"expiry"`
	OptionType string  `json:"option_type"`
	BrokerID   string  `json:"broker_id,omitempty"`
	Quantity   int     `json:"quantity"`
	EntryPrice string  `json:"entry_price"`
	Mark       *string `json:"mark,omitempty"`
}

func decString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func newSnapshot(state *models.StrategyState) snapshot {
	snap := snapshot{
		SchemaVersion: SchemaVersion,
		EnteredToday:  state.EnteredToday,
		Expiry:        state.Expiry,
		ActiveFlies:   make(map[string]flyRecord, len(state.ActiveFlies)),
		ClosedFlies:   make(map[string]flyRecord, len(state.ClosedFlies)),
		PerFlyPnL:     make(map[string]string, len(state.PerFlyPnL)),
		TotalPnL:      state.TotalPnL.String(),
		RealizedPnL:   state.RealizedPnL.String(),
		SavedAt:       time.Now().UTC(),
	}
	if state.HasExtremes() {
		snap.MinNetPnL = decString(&state.MinNetPnL)
		snap.MaxNetPnL = decString(&state.MaxNetPnL)
	}
	for body, fly := range state.ActiveFlies {
		snap.ActiveFlies[body] = newFlyRecord(fly)
	}
	for body, fly := range state.ClosedFlies {
		snap.ClosedFlies[body] = newFlyRecord(fly)
	}
	for body, pnl := range state.PerFlyPnL {
		snap.PerFlyPnL[body] = pnl.String()
	}
	return snap
}

func newFlyRecord(fly *models.Fly) flyRecord {
	rec := flyRecord{
		ID:         fly.ID,
		Body:       fly.Body.String(),
		Width:      fly.Width,
		Quantity:   fly.Quantity,
		Legs:       make([]legRecord, 0, len(fly.Legs)),
		EntryTime:  fly.EntryTime,
		EntryPrice: fly.EntryPrice.String(),
		Mark:       decString(fly.Mark),
		Closed:     fly.State == models.FlyClosed,
		CloseTime:  fly.CloseTime,
		ClosePrice: decString(fly.ClosePrice),
	}
	for _, leg := range fly.Legs {
		rec.Legs = append(rec.Legs, legRecord{
			Underlying: leg.Option.Underlying,
			Strike:     leg.Option.Strike.String(),
			Expiry:     leg.Option.ExpiryString(),
			OptionType: string(leg.Option.Type),
			BrokerID:   leg.Option.StreamerSymbol,
			Quantity:   leg.Quantity,
			EntryPrice: leg.EntryPrice.String(),
			Mark:       decString(leg.Mark),
		})
	}
	return rec
}

// restore rebuilds a StrategyState from a decoded snapshot. A fly record that
// fails to decode (bad strike, bad expiry, unparsable price) is logged with
// its body key and dropped; the rest of the state still loads. An unparsable
// top-level aggregate is returned as an error so the caller can fall back to
// a fresh state.
func (s snapshot) restore(logger *log.Logger) (*models.StrategyState, error) {
	state := models.NewStrategyState()
	state.EnteredToday = s.EnteredToday
	state.Expiry = s.Expiry

	realized, err := parseDecimal(s.RealizedPnL, "realized_pnl")
	if err != nil {
		return nil, err
	}
	total, err := parseDecimal(s.TotalPnL, "total_pnl")
	if err != nil {
		return nil, err
	}
	state.RealizedPnL = realized
	state.TotalPnL = total

	for body, rec := range s.ActiveFlies {
		fly, err := rec.restore(body, false)
		if err != nil {
			logger.Printf("snapshot: dropping active fly %s: %v", body, err)
			continue
		}
		state.ActiveFlies[body] = fly
	}
	for body, rec := range s.ClosedFlies {
		fly, err := rec.restore(body, true)
		if err != nil {
			logger.Printf("snapshot: dropping closed fly %s: %v", body, err)
			continue
		}
		state.ClosedFlies[body] = fly
	}
	for body, raw := range s.PerFlyPnL {
		pnl, err := parseDecimal(raw, "per_if_pnl")
		if err != nil {
			logger.Printf("snapshot: dropping per-fly pnl for %s: %v", body, err)
			continue
		}
		if _, ok := state.ActiveFlies[body]; !ok {
			continue
		}
		state.PerFlyPnL[body] = pnl
	}

	// A pre-versioning snapshot carries no extremes. They initialize from
	// the snapshot's own net PnL so a session that was underwater at save
	// time does not resurrect with a false zero maximum.
	minNet, maxNet, err := s.extremes(total)
	if err != nil {
		return nil, err
	}
	state.SeedExtremes(minNet, maxNet)

	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s snapshot) extremes(net decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if s.MinNetPnL == nil || s.MaxNetPnL == nil {
		return net, net, nil
	}
	minNet, err := parseDecimal(*s.MinNetPnL, "min_net_pnl")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	maxNet, err := parseDecimal(*s.MaxNetPnL, "max_net_pnl")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return minNet, maxNet, nil
}

func (r flyRecord) restore(body string, closed bool) (*models.Fly, error) {
	if r.Closed != closed {
		return nil, fmt.Errorf("closed flag %t contradicts its map", r.Closed)
	}
	bodyStrike, err := parseDecimal(r.Body, "body")
	if err != nil {
		return nil, err
	}
	entryPrice, err := parseDecimal(r.EntryPrice, "entry_price")
	if err != nil {
		return nil, err
	}

	legs := make([]models.Leg, 0, len(r.Legs))
	for i, lr := range r.Legs {
		leg, err := lr.restore()
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		legs = append(legs, leg)
	}

	fly, err := models.NewFly(r.ID, bodyStrike, r.Width, r.Quantity, legs)
	if err != nil {
		return nil, err
	}
	if fly.BodyKey() != body {
		return nil, fmt.Errorf("body key %s does not match record body %s", body, fly.BodyKey())
	}
	fly.State = models.FlyActive
	fly.EntryTime = r.EntryTime
	fly.EntryPrice = entryPrice
	if r.Mark != nil {
		mark, err := parseDecimal(*r.Mark, "mark")
		if err != nil {
			return nil, err
		}
		fly.Mark = &mark
	}
	if closed {
		fly.State = models.FlyClosed
		fly.CloseTime = r.CloseTime
		if r.ClosePrice != nil {
			price, err := parseDecimal(*r.ClosePrice, "close_price")
			if err != nil {
				return nil, err
			}
			fly.ClosePrice = &price
		}
	}
	return fly, nil
}

func (r legRecord) restore() (models.Leg, error) {
	// strike and expiry are identity; a leg without them cannot be priced and
	// the whole fly is rejected. broker_id is non-identity metadata and may be
	// absent.
	if r.Strike == "" {
		return models.Leg{}, fmt.Errorf("missing strike")
	}
	if r.Expiry == "" {
		return models.Leg{}, fmt.Errorf("missing expiry")
	}
	strike, err := parseDecimal(r.Strike, "strike")
	if err != nil {
		return models.Leg{}, err
	}
	expiry, err := time.Parse("2006-01-02", r.Expiry)
	if err != nil {
		return models.Leg{}, fmt.Errorf("parsing expiry %q: %w", r.Expiry, err)
	}
	ref, err := models.NewOptionRef(r.Underlying, strike, expiry, models.OptionType(r.OptionType), r.BrokerID)
	if err != nil {
		return models.Leg{}, err
	}
	entryPrice, err := parseDecimal(r.EntryPrice, "entry_price")
	if err != nil {
		return models.Leg{}, err
	}
	leg := models.Leg{Option: ref, Quantity: r.Quantity, EntryPrice: entryPrice}
	if r.Mark != nil {
		mark, err := parseDecimal(*r.Mark, "mark")
		if err != nil {
			return models.Leg{}, err
		}
		leg.Mark = &mark
	}
	return leg, nil
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}
