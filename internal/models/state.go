package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyState is the aggregate root for one trading session: every active
// and closed fly, the running per-fly PnL, and the cumulative and extreme PnL
// counters. It is constructed fresh at session start (or rehydrated from the
// last snapshot), threaded explicitly through every engine call, and
// discarded at session end. There is no hidden singleton.
type StrategyState struct {
	EnteredToday bool
	Expiry       string // YYYY-MM-DD, empty until an expiry is chosen
	ActiveFlies  map[string]*Fly
	ClosedFlies  map[string]*Fly
	PerFlyPnL    map[string]decimal.Decimal
	TotalPnL     decimal.Decimal
	RealizedPnL  decimal.Decimal
	MinNetPnL    decimal.Decimal
	MaxNetPnL    decimal.Decimal

	extremesSet bool
}

// NewStrategyState creates an empty session state.
func NewStrategyState() *StrategyState {
	return &StrategyState{
		ActiveFlies: make(map[string]*Fly),
		ClosedFlies: make(map[string]*Fly),
		PerFlyPnL:   make(map[string]decimal.Decimal),
	}
}

// AddFly registers an active fly under its body key. A body key may exist in
// at most one of active/closed at a time; a duplicate is an invariant
// violation and the operation is rejected rather than silently applied.
func (s *StrategyState) AddFly(f *Fly) error {
	if f == nil {
		return fmt.Errorf("state: nil fly")
	}
	if f.State != FlyActive {
		return fmt.Errorf("state: fly %s must be active before registration (state %s)", f.BodyKey(), f.State)
	}
	key := f.BodyKey()
	if _, exists := s.ActiveFlies[key]; exists {
		return fmt.Errorf("state: body %s already active", key)
	}
	if _, exists := s.ClosedFlies[key]; exists {
		return fmt.Errorf("state: body %s already closed this session", key)
	}
	s.ActiveFlies[key] = f
	return nil
}

// CloseFly closes the active fly at bodyKey and moves it active -> closed,
// atomically from the caller's perspective: the fly is removed from the
// active map, closed, inserted into the closed map, and its final result is
// accumulated into RealizedPnL exactly once. The realized contribution is
// never recomputed afterwards, regardless of later mark updates.
func (s *StrategyState) CloseFly(bodyKey string, closePrice decimal.Decimal, at time.Time) error {
	fly, ok := s.ActiveFlies[bodyKey]
	if !ok {
		return fmt.Errorf("state: no active fly at body %s", bodyKey)
	}
	if err := fly.Close(closePrice, at); err != nil {
		return err
	}
	delete(s.ActiveFlies, bodyKey)
	delete(s.PerFlyPnL, bodyKey)
	s.ClosedFlies[bodyKey] = fly
	s.RealizedPnL = s.RealizedPnL.Add(fly.RealizedPnL())
	return nil
}

// ForceCloseFly is CloseFly with a synthetic close price derived from the
// fly's freshest marks (the expiry fallback).
func (s *StrategyState) ForceCloseFly(bodyKey string, at time.Time) error {
	fly, ok := s.ActiveFlies[bodyKey]
	if !ok {
		return fmt.Errorf("state: no active fly at body %s", bodyKey)
	}
	if err := fly.ForceClose(at); err != nil {
		return err
	}
	delete(s.ActiveFlies, bodyKey)
	delete(s.PerFlyPnL, bodyKey)
	s.ClosedFlies[bodyKey] = fly
	s.RealizedPnL = s.RealizedPnL.Add(fly.RealizedPnL())
	return nil
}

// UpdateExtremes folds one net PnL observation into the running extremes.
// On the very first observation both extremes initialize to net rather than
// zero, so a session that opens at a loss does not keep a false zero maximum.
func (s *StrategyState) UpdateExtremes(net decimal.Decimal) {
	if !s.extremesSet {
		s.MinNetPnL = net
		s.MaxNetPnL = net
		s.extremesSet = true
		return
	}
	if net.LessThan(s.MinNetPnL) {
		s.MinNetPnL = net
	}
	if net.GreaterThan(s.MaxNetPnL) {
		s.MaxNetPnL = net
	}
}

// SeedExtremes installs extremes restored from a snapshot, preserving the
// first-observation initialization invariant across restarts.
func (s *StrategyState) SeedExtremes(minNet, maxNet decimal.Decimal) {
	s.MinNetPnL = minNet
	s.MaxNetPnL = maxNet
	s.extremesSet = true
}

// HasExtremes reports whether any net PnL observation has been recorded.
func (s *StrategyState) HasExtremes() bool {
	return s.extremesSet
}

// Validate checks the aggregate's strong invariants. Violations indicate a
// programming defect, not a market condition.
func (s *StrategyState) Validate() error {
	for key, fly := range s.ActiveFlies {
		if fly.State != FlyActive {
			return fmt.Errorf("state: active map holds fly %s in state %s", key, fly.State)
		}
		if _, dup := s.ClosedFlies[key]; dup {
			return fmt.Errorf("state: body %s present in both active and closed maps", key)
		}
	}
	for key, fly := range s.ClosedFlies {
		if fly.State != FlyClosed {
			return fmt.Errorf("state: closed map holds fly %s in state %s", key, fly.State)
		}
	}
	if s.extremesSet && s.MinNetPnL.GreaterThan(s.MaxNetPnL) {
		return fmt.Errorf("state: min net PnL %s exceeds max %s", s.MinNetPnL, s.MaxNetPnL)
	}
	return nil
}
