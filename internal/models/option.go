// Package models provides data structures and state management for iron-fly positions.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	// Call is a call option.
	Call OptionType = "call"
	// Put is a put option.
	Put OptionType = "put"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// OptionRef is an immutable descriptor of one tradable option contract.
// Identity for equality and deduplication is (underlying, strike, expiry, type);
// StreamerSymbol is broker-native metadata used only for re-lookup and never
// participates in identity comparison.
type OptionRef struct {
	Underlying     string
	Strike         decimal.Decimal
	Expiry         time.Time // calendar date, midnight UTC
	Type           OptionType
	StreamerSymbol string
}

// NewOptionRef constructs a validated OptionRef. The expiry is truncated to
// its calendar date so that identity does not depend on intraday components.
func NewOptionRef(underlying string, strike decimal.Decimal, expiry time.Time, typ OptionType, streamerSymbol string) (OptionRef, error) {
	if strings.TrimSpace(underlying) == "" {
		return OptionRef{}, fmt.Errorf("option ref: underlying is required")
	}
	if strike.Sign() <= 0 {
		return OptionRef{}, fmt.Errorf("option ref: strike must be positive (got %s)", strike)
	}
	if expiry.IsZero() {
		return OptionRef{}, fmt.Errorf("option ref: expiry is required")
	}
	if !typ.Valid() {
		return OptionRef{}, fmt.Errorf("option ref: invalid option type %q", typ)
	}
	y, m, d := expiry.UTC().Date()
	return OptionRef{
		Underlying:     underlying,
		Strike:         strike,
		Expiry:         time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Type:           typ,
		StreamerSymbol: streamerSymbol,
	}, nil
}

// Key returns the canonical identity string for mark-feed lookup and map use,
// e.g. "SPX|6000.00|2025-09-01|call".
func (o OptionRef) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", o.Underlying, o.Strike.StringFixed(2), o.ExpiryString(), o.Type)
}

// Equal reports identity equality. StreamerSymbol is excluded.
func (o OptionRef) Equal(other OptionRef) bool {
	return o.Underlying == other.Underlying &&
		o.Strike.Equal(other.Strike) &&
		o.Expiry.Equal(other.Expiry) &&
		o.Type == other.Type
}

// ExpiryString returns the expiry as a YYYY-MM-DD date string.
func (o OptionRef) ExpiryString() string {
	return o.Expiry.Format("2006-01-02")
}

// String implements fmt.Stringer.
func (o OptionRef) String() string {
	return o.Key()
}
