// Package pnl folds the latest option marks into a strategy session's
// profit-and-loss aggregates. It owns the one place where realized and
// unrealized results meet: everything downstream (exit rules, exports, the
// dashboard) reads the numbers this package produces.
package pnl

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/models"
)

// Result is one valuation pass over the session. Net is always
// Realized + Unrealized; the engine never publishes the two halves without
// their sum agreeing.
type Result struct {
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Net        decimal.Decimal

	// PerFly holds the unrealized PnL of each active fly, keyed by body.
	PerFly map[string]decimal.Decimal

	// MissingLegs lists, per body, the legs that have never been marked and
	// are therefore excluded from that fly's unrealized figure. A leg with a
	// stale mark still contributes its last known value and does not appear
	// here.
	MissingLegs map[string][]string
}

// Compute refreshes every active fly with the given marks (keyed by
// models.OptionRef.Key), recomputes the session aggregates, and folds the
// resulting net PnL into the running extremes. Closed flies contribute only
// through the realized total frozen at close time; their marks are never
// touched again.
//
// The pass mutates state in place: PerFlyPnL, TotalPnL, and the extremes are
// updated before Compute returns, so a snapshot taken immediately after is
// internally consistent.
func Compute(state *models.StrategyState, marks map[string]decimal.Decimal) Result {
	res := Result{
		Realized:    state.RealizedPnL,
		PerFly:      make(map[string]decimal.Decimal, len(state.ActiveFlies)),
		MissingLegs: make(map[string][]string),
	}

	unrealized := decimal.Zero
	for body, fly := range state.ActiveFlies {
		fly.RefreshMarks(marks)
		flyPnL, missing := fly.UnrealizedPnL()
		res.PerFly[body] = flyPnL
		state.PerFlyPnL[body] = flyPnL
		unrealized = unrealized.Add(flyPnL)
		if len(missing) > 0 {
			sort.Strings(missing)
			res.MissingLegs[body] = missing
		}
	}

	res.Unrealized = unrealized
	res.Net = res.Realized.Add(unrealized)

	state.TotalPnL = res.Net
	state.UpdateExtremes(res.Net)
	return res
}

// Bodies returns the per-fly keys of the result in ascending body order,
// for deterministic export and log output.
func (r Result) Bodies() []string {
	keys := make([]string, 0, len(r.PerFly))
	for k := range r.PerFly {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
