// Package mock simulates SPX market data for paper trading and tests. Prices
// follow a random walk and option premiums use a crude distance-decay model,
// enough to exercise entry, marking, and exit paths without a live feed.
package mock

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/util"
)

// SimProvider implements broker.MarketData over a simulated SPX underlier.
type SimProvider struct {
	mu   sync.Mutex
	spot float64
	vol  float64 // daily volatility in index points
	now  func() time.Time
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

// NewSimProvider starts the simulated SPX near 6400 with moderate intraday
// volatility.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		spot: 6400.0 + secureFloat64()*100,
		vol:  25.0 + secureFloat64()*25,
		now:  time.Now,
	}
}

var _ broker.MarketData = (*SimProvider)(nil)

// Quote returns the current simulated underlier quote, advancing the walk one
// step.
func (s *SimProvider) Quote(symbol string) (*broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spot += (secureFloat64() - 0.5) * 2.0
	spread := 0.50
	return &broker.Quote{
		Symbol: symbol,
		Last:   util.RoundToNickel(decimal.NewFromFloat(s.spot)),
		Bid:    util.RoundToNickel(decimal.NewFromFloat(s.spot - spread/2)),
		Ask:    util.RoundToNickel(decimal.NewFromFloat(s.spot + spread/2)),
		Volume: secureInt63n(1_000_000),
	}, nil
}

// Expirations returns the single same-day expiry the simulator quotes.
func (s *SimProvider) Expirations(symbol string) ([]string, error) {
	return []string{s.now().UTC().Format("2006-01-02")}, nil
}

// OptionChain generates calls and puts on the 5-point strike grid within 100
// points of spot. Premiums decay exponentially with distance from the money
// and shrink as the session runs out.
func (s *SimProvider) OptionChain(symbol, expiration string) ([]broker.Option, error) {
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Fraction of the session remaining, floored so expired chains still
	// carry a token premium.
	remaining := time.Until(expDate.Add(20 * time.Hour)).Hours() / 6.5
	timeValue := math.Max(0.05, math.Min(1.0, remaining))

	step := 5.0
	start := math.Floor(s.spot/step)*step - 100
	end := start + 200

	var options []broker.Option
	for strike := start; strike <= end; strike += step {
		distance := math.Abs(strike - s.spot)
		decay := math.Exp(-distance / s.vol)
		atmPremium := s.vol * 0.1 * timeValue

		callPrice := math.Max(0.05, atmPremium*decay)
		putPrice := callPrice
		if strike > s.spot {
			putPrice += strike - s.spot // intrinsic
		} else {
			callPrice += s.spot - strike
		}

		callDelta := 0.5 * decay
		if strike < s.spot {
			callDelta = 1 - 0.5*decay
		}

		options = append(options,
			s.contract(symbol, expDate, strike, callPrice, callDelta, models.Call),
			s.contract(symbol, expDate, strike, putPrice, callDelta-1, models.Put),
		)
	}
	return options, nil
}

func (s *SimProvider) contract(symbol string, expDate time.Time, strike, price, delta float64, typ models.OptionType) broker.Option {
	side := "C"
	if typ == models.Put {
		side = "P"
	}
	mid := math.Round(price/0.05) * 0.05
	halfSpread := 0.05
	bid := math.Max(0, mid-halfSpread)

	return broker.Option{
		Symbol:     fmt.Sprintf(".%sW%s%s%d", symbol, expDate.Format("060102"), side, int(strike)),
		Underlying: symbol,
		Strike:     decimal.NewFromFloat(strike),
		Expiration: expDate.Format("2006-01-02"),
		OptionType: typ,
		Bid:        util.RoundToNickel(decimal.NewFromFloat(bid)),
		Ask:        util.RoundToNickel(decimal.NewFromFloat(mid + halfSpread)),
		Last:       util.RoundToNickel(decimal.NewFromFloat(mid)),
		Greeks: &broker.Greeks{
			Delta: decimal.NewFromFloat(delta).Round(3),
			Gamma: decimal.NewFromFloat(0.001),
			Theta: decimal.NewFromFloat(-0.05 * s.vol * 0.1).Round(3),
			Vega:  decimal.NewFromFloat(0.01 * s.vol).Round(3),
		},
	}
}
