// Package util provides common utility functions for price rounding.
package util

import "github.com/shopspring/decimal"

var (
	// Nickel is the SPX minimum price increment for multi-leg option orders.
	Nickel = decimal.RequireFromString("0.05")
	// StrikeStep is the SPX strike grid spacing.
	StrikeStep = decimal.NewFromInt(5)
)

// RoundToTick rounds x to the nearest tick increment, half away from zero.
// For example, with tick=0.05, 2.53 becomes 2.55.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// RoundToNickel rounds a price to the $0.05 grid.
func RoundToNickel(x decimal.Decimal) decimal.Decimal {
	return RoundToTick(x, Nickel)
}

// RoundToStrike rounds a spot price to the nearest strike on the 5-point grid.
func RoundToStrike(x decimal.Decimal) decimal.Decimal {
	return RoundToTick(x, StrikeStep)
}

// BodyKey formats a body strike as the canonical map key, e.g. "6000.00".
func BodyKey(body decimal.Decimal) string {
	return body.StringFixed(2)
}

// Mid returns the midpoint of bid and ask.
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
