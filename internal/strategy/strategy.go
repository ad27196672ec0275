// Package strategy turns normalized signals into trade plans.
package strategy

import (
	"context"

	"sniper-core/internal/domain"
	"sniper-core/internal/idhash"
)

// Strategy proposes at most one trade plan per signal.
type Strategy interface {
	// Propose returns a nil plan when the signal does not qualify.
	Propose(ctx context.Context, in Input) (*domain.TradePlan, error)

	// ID returns strategy identifier (includes parameters).
	ID() string
}

// Input holds all data needed to propose a plan.
type Input struct {
	Signal         *domain.Signal
	ReferencePrice float64
	NowMs          int64
}

// buildPlan fills the fields every strategy derives the same way.
func buildPlan(strategyID string, cfg domain.StrategyConfig, in Input, side domain.Side, size float64) *domain.TradePlan {
	sig := in.Signal
	plan := &domain.TradePlan{
		PlanID:         idhash.ComputePlanID(strategyID, sig.ID),
		SignalID:       sig.ID,
		StrategyID:     strategyID,
		Venue:          sig.Venue,
		Instrument:     sig.Instrument,
		Side:           side,
		Size:           size,
		ReferencePrice: in.ReferencePrice,
		MaxSlippageBps: cfg.MaxSlippageBps,
		CreatedAtMs:    in.NowMs,
		Exits:          cfg.Exits,
		Status:         domain.PlanPending,
	}
	if cfg.TTLMs > 0 {
		plan.DeadlineMs = in.NowMs + cfg.TTLMs
	}
	return plan
}

// notionalSize converts base notional scaled by confidence into units.
func notionalSize(cfg domain.StrategyConfig, confidence, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return cfg.BaseNotional * confidence / price
}
