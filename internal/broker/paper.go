package broker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/util"
)

// MarketData supplies quotes and chains to the paper broker. The simulator in
// internal/mock implements it; a recorded-data replayer could too.
type MarketData interface {
	Quote(symbol string) (*Quote, error)
	OptionChain(symbol, expiration string) ([]Option, error)
	Expirations(symbol string) ([]string, error)
}

// PaperBroker fills orders immediately against the provider's current
// midpoints. There is no queue and no partial fills: a credit order fills at
// the market midpoint when it satisfies the limit, otherwise it is rejected.
type PaperBroker struct {
	mu     sync.Mutex
	data   MarketData
	logger *log.Logger
}

// NewPaperBroker creates a paper broker over the given market data provider.
// A nil logger discards diagnostics.
func NewPaperBroker(data MarketData, logger *log.Logger) *PaperBroker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PaperBroker{data: data, logger: logger}
}

var _ Broker = (*PaperBroker)(nil)

// GetQuote returns the provider's current quote.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Quote(symbol)
}

// GetExpirations returns the provider's available expirations.
func (p *PaperBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Expirations(symbol)
}

// GetOptionChain returns the provider's current chain.
func (p *PaperBroker) GetOptionChain(ctx context.Context, symbol, expiration string) ([]Option, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.OptionChain(symbol, expiration)
}

// GetMarks resolves midpoints for each contract from the current chain.
// Contracts absent from the chain are omitted from the result.
func (p *PaperBroker) GetMarks(ctx context.Context, refs []models.OptionRef) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	chains := make(map[string][]Option)
	marks := make(map[string]decimal.Decimal, len(refs))
	for _, ref := range refs {
		key := ref.Underlying + "|" + ref.ExpiryString()
		chain, ok := chains[key]
		if !ok {
			var err error
			chain, err = p.data.OptionChain(ref.Underlying, ref.ExpiryString())
			if err != nil {
				return nil, fmt.Errorf("paper: chain for %s: %w", key, err)
			}
			chains[key] = chain
		}
		if opt := FindOption(chain, ref.Strike, ref.Type); opt != nil {
			marks[ref.Key()] = util.RoundToNickel(opt.Mid())
		}
	}
	return marks, nil
}

// PlaceFlyOrder fills the fly at the current midpoint credit when it meets
// limitCredit. When the chain cannot price every leg the order fills at the
// limit itself, the optimistic paper fallback.
func (p *PaperBroker) PlaceFlyOrder(ctx context.Context, fly *models.Fly, limitCredit decimal.Decimal) (*OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fly == nil {
		return nil, fmt.Errorf("paper: nil fly")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	credit, ok, err := p.flyMidCredit(fly)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.logger.Printf("paper: fly %s not fully quoted, filling entry at limit %s", fly.BodyKey(), limitCredit)
		return p.fill(limitCredit), nil
	}
	if credit.LessThan(limitCredit) {
		p.logger.Printf("paper: fly %s mid credit %s below limit %s, rejecting", fly.BodyKey(), credit, limitCredit)
		return &OrderResponse{ID: uuid.NewString(), Status: OrderRejected}, nil
	}
	return p.fill(credit), nil
}

// CloseFlyOrder buys the fly back at the current midpoint when it costs no
// more than maxDebit.
func (p *PaperBroker) CloseFlyOrder(ctx context.Context, fly *models.Fly, maxDebit decimal.Decimal) (*OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fly == nil {
		return nil, fmt.Errorf("paper: nil fly")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	debit, ok, err := p.flyMidCredit(fly)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.logger.Printf("paper: fly %s not fully quoted, filling close at max debit %s", fly.BodyKey(), maxDebit)
		return p.fill(maxDebit), nil
	}
	if debit.GreaterThan(maxDebit) {
		p.logger.Printf("paper: fly %s mid debit %s above max %s, rejecting", fly.BodyKey(), debit, maxDebit)
		return &OrderResponse{ID: uuid.NewString(), Status: OrderRejected}, nil
	}
	return p.fill(debit), nil
}

func (p *PaperBroker) fill(price decimal.Decimal) *OrderResponse {
	return &OrderResponse{
		ID:        uuid.NewString(),
		Status:    OrderFilled,
		FillPrice: util.RoundToNickel(price),
		FilledAt:  time.Now().UTC(),
	}
}

// flyMidCredit prices the whole structure at current midpoints, as a net
// credit per unit. ok is false when any leg is missing from the chain.
func (p *PaperBroker) flyMidCredit(fly *models.Fly) (decimal.Decimal, bool, error) {
	chains := make(map[string][]Option)
	credit := decimal.Zero
	lot := decimal.NewFromInt(int64(fly.Quantity))
	for _, leg := range fly.Legs {
		key := leg.Option.Underlying + "|" + leg.Option.ExpiryString()
		chain, ok := chains[key]
		if !ok {
			var err error
			chain, err = p.data.OptionChain(leg.Option.Underlying, leg.Option.ExpiryString())
			if err != nil {
				return decimal.Zero, false, fmt.Errorf("paper: chain for %s: %w", key, err)
			}
			chains[key] = chain
		}
		opt := FindOption(chain, leg.Option.Strike, leg.Option.Type)
		if opt == nil {
			return decimal.Zero, false, nil
		}
		perUnit := decimal.NewFromInt(int64(leg.Quantity)).Div(lot)
		credit = credit.Sub(opt.Mid().Mul(perUnit))
	}
	return credit, true, nil
}
