package strategy

import (
	"context"
	"fmt"
	"math"

	"sniper-core/internal/domain"
)

// MomentumStrategy trades in the direction of a price move whose absolute
// magnitude reaches MinMagnitude.
type MomentumStrategy struct {
	Config domain.StrategyConfig
}

// NewMomentumStrategy creates a new MomentumStrategy.
func NewMomentumStrategy(cfg domain.StrategyConfig) *MomentumStrategy {
	return &MomentumStrategy{Config: cfg}
}

// ID returns the strategy identifier including parameters.
func (s *MomentumStrategy) ID() string {
	return fmt.Sprintf("MOMENTUM_n%.0f_conf%.0f_mag%g_slip%.0f_ttl%dms",
		s.Config.BaseNotional,
		s.Config.MinConfidence*100,
		s.Config.MinMagnitude,
		s.Config.MaxSlippageBps,
		s.Config.TTLMs)
}

// Propose buys on up-moves and sells on down-moves.
func (s *MomentumStrategy) Propose(_ context.Context, in Input) (*domain.TradePlan, error) {
	sig := in.Signal
	if sig.EventType != domain.EventPriceMove {
		return nil, nil
	}
	if sig.Confidence < s.Config.MinConfidence || math.Abs(sig.Magnitude) < s.Config.MinMagnitude || sig.Magnitude == 0 {
		return nil, nil
	}
	if in.ReferencePrice <= 0 {
		return nil, ErrNoReferencePrice
	}

	side := domain.SideBuy
	if sig.Magnitude < 0 {
		side = domain.SideSell
	}
	size := notionalSize(s.Config, sig.Confidence, in.ReferencePrice)
	return buildPlan(s.ID(), s.Config, in, side, size), nil
}

var _ Strategy = (*MomentumStrategy)(nil)
