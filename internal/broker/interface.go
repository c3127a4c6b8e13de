package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/util"
)

// Broker defines the interface for interacting with a brokerage. Market-data
// transport and order routing live behind this boundary; the strategy core
// only ever sees these calls.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]Option, error)

	// GetMarks resolves the latest observed price for each contract, keyed
	// by models.OptionRef.Key. A contract with no current price is simply
	// absent from the result, not an error.
	GetMarks(ctx context.Context, refs []models.OptionRef) (map[string]decimal.Decimal, error)

	// Order placement
	// PlaceFlyOrder: limitCredit is the minimum net credit for the entire
	// fly (per unit). CloseFlyOrder: maxDebit is the maximum debit paid to
	// buy the structure back.
	PlaceFlyOrder(ctx context.Context, fly *models.Fly, limitCredit decimal.Decimal) (*OrderResponse, error)
	CloseFlyOrder(ctx context.Context, fly *models.Fly, maxDebit decimal.Decimal) (*OrderResponse, error)
}

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Volume int64
}

// Mid returns the bid/ask midpoint.
func (q *Quote) Mid() decimal.Decimal {
	return util.Mid(q.Bid, q.Ask)
}

// Greeks carries the per-contract risk sensitivities a chain may attach.
type Greeks struct {
	Delta decimal.Decimal
	Gamma decimal.Decimal
	Theta decimal.Decimal
	Vega  decimal.Decimal
}

// Option is one contract row of an option chain.
type Option struct {
	Symbol     string // broker's contract symbol
	Underlying string
	Strike     decimal.Decimal
	Expiration string // YYYY-MM-DD
	OptionType models.OptionType
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Greeks     *Greeks
}

// Mid returns the bid/ask midpoint for the contract.
func (o *Option) Mid() decimal.Decimal {
	return util.Mid(o.Bid, o.Ask)
}

// Ref converts the chain row into the closed identity record the strategy
// core persists. Broker-specific extras stay behind this boundary.
func (o *Option) Ref() (models.OptionRef, error) {
	expiry, err := time.Parse("2006-01-02", o.Expiration)
	if err != nil {
		return models.OptionRef{}, err
	}
	return models.NewOptionRef(o.Underlying, o.Strike, expiry, o.OptionType, o.Symbol)
}

// OrderStatus is the terminal disposition of a paper or live order.
type OrderStatus string

const (
	// OrderFilled means the order executed completely.
	OrderFilled OrderStatus = "filled"
	// OrderRejected means the order was refused and nothing executed.
	OrderRejected OrderStatus = "rejected"
)

// OrderResponse reports the outcome of an order placement.
type OrderResponse struct {
	ID        string
	Status    OrderStatus
	FillPrice decimal.Decimal // net credit on entry, net debit on close, per unit
	FilledAt  time.Time
}

// FindOption returns the chain row matching strike and type, or nil.
func FindOption(options []Option, strike decimal.Decimal, optionType models.OptionType) *Option {
	for i := range options {
		if options[i].OptionType == optionType && options[i].Strike.Equal(strike) {
			return &options[i]
		}
	}
	return nil
}
