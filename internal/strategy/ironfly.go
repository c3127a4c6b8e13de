// Package strategy implements the SPX 0DTE iron-fly ladder: one entry per
// session placing a rung of flies around the money, then a monitoring loop
// that marks, values, exports, and exits them.
package strategy

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/export"
	"github.com/meetsang/spx-bot/internal/models"
	"github.com/meetsang/spx-bot/internal/pnl"
	"github.com/meetsang/spx-bot/internal/retry"
	"github.com/meetsang/spx-bot/internal/storage"
	"github.com/meetsang/spx-bot/internal/util"
)

// Multiplier converts index points to dollars per contract.
var Multiplier = decimal.NewFromInt(100)

// Config carries the ladder and risk parameters.
type Config struct {
	Symbol        string          // underlying, e.g. SPX
	EntryTime     string          // HH:MM wall clock in Location
	Location      *time.Location  // exchange-local clock for EntryTime
	LadderRungs   int             // bodies on each side of ATM (4 -> 9 flies)
	WingWidth     int             // points from body to each wing
	Lot           int             // contracts per fly
	MinCredit     decimal.Decimal // reject a rung whose credit is below this
	PerFlyStop    decimal.Decimal // dollars; close one fly at this loss
	PortfolioStop decimal.Decimal // dollars; close everything at this loss
}

// IronFlyStrategy drives one session of the ladder.
type IronFlyStrategy struct {
	broker  broker.Broker
	closer  *retry.Client
	storage storage.Interface
	writer  *export.Writer
	logger  *log.Logger
	config  Config
	now     func() time.Time

	// OnExit and OnSaveFailure are optional observer hooks, called after a
	// fly is recorded closed and after a failed snapshot write respectively.
	OnExit        func(reason string)
	OnSaveFailure func()
}

// NewIronFlyStrategy wires the strategy to its collaborators. A nil logger
// discards diagnostics.
func NewIronFlyStrategy(b broker.Broker, closer *retry.Client, store storage.Interface,
	writer *export.Writer, logger *log.Logger, config Config) *IronFlyStrategy {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &IronFlyStrategy{
		broker:  b,
		closer:  closer,
		storage: store,
		writer:  writer,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// CheckEntryConditions reports whether the ladder should be placed now.
func (s *IronFlyStrategy) CheckEntryConditions(state *models.StrategyState) (bool, string) {
	if state.EnteredToday {
		return false, "already entered this session"
	}
	local := s.now().In(s.config.Location)
	entry, err := time.ParseInLocation("15:04", s.config.EntryTime, s.config.Location)
	if err != nil {
		return false, fmt.Sprintf("bad entry time %q: %v", s.config.EntryTime, err)
	}
	entryToday := time.Date(local.Year(), local.Month(), local.Day(),
		entry.Hour(), entry.Minute(), 0, 0, s.config.Location)
	if local.Before(entryToday) {
		return false, fmt.Sprintf("before entry time %s", s.config.EntryTime)
	}
	return true, "entry conditions met"
}

// DeriveATM finds the at-the-money body strike: the underlying's last trade,
// falling back to the bid/ask midpoint, falling back to the chain's median
// strike, rounded to the strike grid.
func (s *IronFlyStrategy) DeriveATM(ctx context.Context, expiration string) (decimal.Decimal, error) {
	quote, err := s.broker.GetQuote(ctx, s.config.Symbol)
	if err == nil && quote != nil {
		if quote.Last.Sign() > 0 {
			return util.RoundToStrike(quote.Last), nil
		}
		if mid := quote.Mid(); mid.Sign() > 0 {
			return util.RoundToStrike(mid), nil
		}
	}
	if err != nil {
		s.logger.Printf("[STRAT] quote for %s failed, falling back to chain median: %v", s.config.Symbol, err)
	}

	chain, err := s.broker.GetOptionChain(ctx, s.config.Symbol, expiration)
	if err != nil {
		return decimal.Zero, fmt.Errorf("strategy: no quote and no chain for ATM: %w", err)
	}
	if len(chain) == 0 {
		return decimal.Zero, fmt.Errorf("strategy: empty chain for %s %s", s.config.Symbol, expiration)
	}
	strikes := make([]decimal.Decimal, 0, len(chain))
	seen := make(map[string]struct{})
	for i := range chain {
		key := chain[i].Strike.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		strikes = append(strikes, chain[i].Strike)
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].LessThan(strikes[j]) })
	return util.RoundToStrike(strikes[len(strikes)/2]), nil
}

// EnterLadder chooses the expiry, derives ATM, and places one fly at each
// rung. A rung that cannot be priced or filled is logged and skipped; the
// session counts as entered as long as the ladder was attempted.
func (s *IronFlyStrategy) EnterLadder(ctx context.Context, state *models.StrategyState) error {
	expirations, err := s.broker.GetExpirations(ctx, s.config.Symbol)
	if err != nil {
		return fmt.Errorf("strategy: expirations: %w", err)
	}
	if len(expirations) == 0 {
		return fmt.Errorf("strategy: no expirations for %s", s.config.Symbol)
	}
	expiration := expirations[0]

	atm, err := s.DeriveATM(ctx, expiration)
	if err != nil {
		return err
	}
	s.logger.Printf("[STRAT] entering ladder around ATM %s for expiry %s", atm, expiration)

	chain, err := s.broker.GetOptionChain(ctx, s.config.Symbol, expiration)
	if err != nil {
		return fmt.Errorf("strategy: chain for entry: %w", err)
	}

	state.EnteredToday = true
	state.Expiry = expiration

	step := util.StrikeStep
	for i := -s.config.LadderRungs; i <= s.config.LadderRungs; i++ {
		body := atm.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if err := s.enterFly(ctx, state, chain, body, expiration); err != nil {
			s.logger.Printf("[STRAT] skipping rung %s: %v", body, err)
		}
	}
	if len(state.ActiveFlies) == 0 {
		return fmt.Errorf("strategy: no rung of the ladder could be entered")
	}
	return nil
}

func (s *IronFlyStrategy) enterFly(ctx context.Context, state *models.StrategyState,
	chain []broker.Option, body decimal.Decimal, expiration string) error {
	width := decimal.NewFromInt(int64(s.config.WingWidth))
	lot := s.config.Lot

	legSpecs := []struct {
		strike decimal.Decimal
		typ    models.OptionType
		qty    int
	}{
		{body, models.Call, -lot},
		{body, models.Put, -lot},
		{body.Add(width), models.Call, lot},
		{body.Sub(width), models.Put, lot},
	}

	legs := make([]models.Leg, 0, len(legSpecs))
	credit := decimal.Zero
	for _, spec := range legSpecs {
		opt := broker.FindOption(chain, spec.strike, spec.typ)
		if opt == nil {
			return fmt.Errorf("no %s at strike %s", spec.typ, spec.strike)
		}
		ref, err := opt.Ref()
		if err != nil {
			return err
		}
		mid := util.RoundToNickel(opt.Mid())
		legs = append(legs, models.Leg{Option: ref, Quantity: spec.qty, EntryPrice: mid})
		perUnit := decimal.NewFromInt(int64(spec.qty)).Div(decimal.NewFromInt(int64(lot)))
		credit = credit.Sub(mid.Mul(perUnit))
	}
	if credit.LessThan(s.config.MinCredit) {
		return fmt.Errorf("credit %s below minimum %s", credit, s.config.MinCredit)
	}

	fly, err := models.NewFly(uuid.NewString(), body, s.config.WingWidth, lot, legs)
	if err != nil {
		return err
	}
	resp, err := s.broker.PlaceFlyOrder(ctx, fly, credit)
	if err != nil {
		return err
	}
	if resp.Status != broker.OrderFilled {
		return fmt.Errorf("entry order %s %s", resp.ID, resp.Status)
	}
	if err := fly.Activate(resp.FillPrice, resp.FilledAt); err != nil {
		return err
	}
	if err := state.AddFly(fly); err != nil {
		return err
	}
	s.logger.Printf("[STRAT] entered fly %s credit %s order %s", fly.BodyKey(), resp.FillPrice, resp.ID)
	return nil
}

// ExitDecision names one fly to close and why.
type ExitDecision struct {
	BodyKey string
	Reason  string
	Force   bool // synthetic close from final marks, no order
}

// EvaluateExitRules inspects the valued state and returns the closes this
// cycle requires. Order of precedence: expiry passed (force-close all),
// portfolio stop (close all), per-fly stop.
func (s *IronFlyStrategy) EvaluateExitRules(state *models.StrategyState) []ExitDecision {
	if len(state.ActiveFlies) == 0 {
		return nil
	}

	bodies := make([]string, 0, len(state.ActiveFlies))
	for body := range state.ActiveFlies {
		bodies = append(bodies, body)
	}
	sort.Strings(bodies)

	if s.expiryPassed(state.Expiry) {
		decisions := make([]ExitDecision, 0, len(bodies))
		for _, body := range bodies {
			decisions = append(decisions, ExitDecision{BodyKey: body, Reason: "expiry passed", Force: true})
		}
		return decisions
	}

	// PnL figures already carry the lot through signed leg quantities, so
	// only the contract multiplier converts points to dollars.
	if state.TotalPnL.Mul(Multiplier).LessThanOrEqual(s.config.PortfolioStop.Neg()) {
		decisions := make([]ExitDecision, 0, len(bodies))
		for _, body := range bodies {
			decisions = append(decisions, ExitDecision{BodyKey: body, Reason: "portfolio stop"})
		}
		return decisions
	}

	var decisions []ExitDecision
	for _, body := range bodies {
		flyPnL, ok := state.PerFlyPnL[body]
		if !ok {
			continue
		}
		if flyPnL.Mul(Multiplier).LessThanOrEqual(s.config.PerFlyStop.Neg()) {
			decisions = append(decisions, ExitDecision{BodyKey: body, Reason: "per-fly stop"})
		}
	}
	return decisions
}

func (s *IronFlyStrategy) expiryPassed(expiry string) bool {
	if expiry == "" {
		return false
	}
	expDate, err := time.ParseInLocation("2006-01-02", expiry, s.config.Location)
	if err != nil {
		return false
	}
	// The session's flies expire at the close of the expiry date.
	sessionEnd := expDate.Add(16 * time.Hour)
	return s.now().In(s.config.Location).After(sessionEnd)
}

// ApplyExits executes the decisions against the broker and moves the flies to
// closed. A rejected or failed close stays active and is retried next cycle.
func (s *IronFlyStrategy) ApplyExits(ctx context.Context, state *models.StrategyState, decisions []ExitDecision) {
	for _, d := range decisions {
		fly, ok := state.ActiveFlies[d.BodyKey]
		if !ok {
			continue
		}
		if d.Force {
			if err := state.ForceCloseFly(d.BodyKey, s.now().UTC()); err != nil {
				s.logger.Printf("[STRAT] force-close %s failed: %v", d.BodyKey, err)
				continue
			}
			s.logger.Printf("[STRAT] force-closed %s (%s)", d.BodyKey, d.Reason)
			s.notifyExit(d.Reason)
			continue
		}

		resp, err := s.closer.CloseFlyWithRetry(ctx, fly, s.closeBudget(fly))
		if err != nil {
			s.logger.Printf("[STRAT] close %s failed, will retry next cycle: %v", d.BodyKey, err)
			continue
		}
		if resp.Status != broker.OrderFilled {
			s.logger.Printf("[STRAT] close order for %s %s, will retry next cycle", d.BodyKey, resp.Status)
			continue
		}
		if err := state.CloseFly(d.BodyKey, resp.FillPrice, resp.FilledAt); err != nil {
			s.logger.Printf("[STRAT] recording close of %s failed: %v", d.BodyKey, err)
			continue
		}
		s.logger.Printf("[STRAT] closed %s at %s (%s)", d.BodyKey, resp.FillPrice, d.Reason)
		s.notifyExit(d.Reason)
	}
}

func (s *IronFlyStrategy) notifyExit(reason string) {
	if s.OnExit != nil {
		s.OnExit(reason)
	}
}

// closeBudget is the maximum debit offered when buying a fly back: a small
// buffer over the freshest mark, or over entry when no mark exists yet.
func (s *IronFlyStrategy) closeBudget(fly *models.Fly) decimal.Decimal {
	base := fly.EntryPrice
	if fly.Mark != nil {
		base = *fly.Mark
	}
	buffer := decimal.NewFromFloat(0.50)
	return util.RoundToNickel(base.Add(buffer))
}

// RunCycle executes one monitoring pass: refresh marks, value the book,
// export the observations, apply exits, persist. Save failures are logged
// and the in-memory state carries to the next attempt.
func (s *IronFlyStrategy) RunCycle(ctx context.Context, state *models.StrategyState) (pnl.Result, error) {
	if entry, reason := s.CheckEntryConditions(state); entry {
		if err := s.EnterLadder(ctx, state); err != nil {
			s.logger.Printf("[STRAT] ladder entry failed: %v", err)
		}
	} else if !state.EnteredToday {
		s.logger.Printf("[STRAT] holding off entry: %s", reason)
	}

	refs := activeRefs(state)
	marks := map[string]decimal.Decimal{}
	if len(refs) > 0 {
		fetched, err := s.broker.GetMarks(ctx, refs)
		if err != nil {
			// Degrade, don't abort: legs keep their last known marks so the
			// stop rules and the snapshot save still run this tick.
			s.logger.Printf("[STRAT] marks fetch failed, valuing on last known marks: %v", err)
		} else {
			marks = fetched
		}
	}

	res := pnl.Compute(state, marks)
	s.exportCycle(ctx, res, state)
	s.ApplyExits(ctx, state, s.EvaluateExitRules(state))

	if err := s.storage.Save(state); err != nil {
		s.logger.Printf("[STRAT] state save failed, keeping in-memory state: %v", err)
		if s.OnSaveFailure != nil {
			s.OnSaveFailure()
		}
	}
	return res, nil
}

func (s *IronFlyStrategy) exportCycle(ctx context.Context, res pnl.Result, state *models.StrategyState) {
	if s.writer == nil {
		return
	}
	now := s.now().UTC()
	date := s.sessionDate(state)
	if err := s.writer.AppendPnL(date, export.PnLRows(now, res)); err != nil {
		s.logger.Printf("[STRAT] pnl export failed: %v", err)
	}
	if err := s.writer.AppendStrategyPnL(date, export.StrategyPnLRows(now, res)); err != nil {
		s.logger.Printf("[STRAT] strategy pnl export failed: %v", err)
	}
	if state.Expiry != "" && len(state.ActiveFlies) > 0 {
		chain, err := s.broker.GetOptionChain(ctx, s.config.Symbol, state.Expiry)
		if err != nil {
			s.logger.Printf("[STRAT] quotes export skipped, chain failed: %v", err)
			return
		}
		if err := s.writer.AppendQuotes(date, export.QuoteRows(now, chain)); err != nil {
			s.logger.Printf("[STRAT] quotes export failed: %v", err)
		}
	}
}

func (s *IronFlyStrategy) sessionDate(state *models.StrategyState) string {
	if state.Expiry != "" {
		return state.Expiry
	}
	return s.now().In(s.config.Location).Format("2006-01-02")
}

func activeRefs(state *models.StrategyState) []models.OptionRef {
	var refs []models.OptionRef
	seen := make(map[string]struct{})
	for _, fly := range state.ActiveFlies {
		for _, ref := range fly.OptionRefs() {
			key := ref.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			refs = append(refs, ref)
		}
	}
	return refs
}
