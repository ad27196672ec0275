package strategy

import (
	"context"
	"fmt"

	"sniper-core/internal/domain"
)

// ListingStrategy buys on new-market events: listings, first liquidity and
// trading being enabled.
type ListingStrategy struct {
	Config domain.StrategyConfig
}

// NewListingStrategy creates a new ListingStrategy.
func NewListingStrategy(cfg domain.StrategyConfig) *ListingStrategy {
	return &ListingStrategy{Config: cfg}
}

// ID returns the strategy identifier including parameters.
func (s *ListingStrategy) ID() string {
	return fmt.Sprintf("LISTING_n%.0f_conf%.0f_mag%g_slip%.0f_ttl%dms",
		s.Config.BaseNotional,
		s.Config.MinConfidence*100,
		s.Config.MinMagnitude,
		s.Config.MaxSlippageBps,
		s.Config.TTLMs)
}

// Propose buys when the event is a new-market event with enough
// confidence. MinMagnitude, when set, is the minimum liquidity added.
func (s *ListingStrategy) Propose(_ context.Context, in Input) (*domain.TradePlan, error) {
	sig := in.Signal
	switch sig.EventType {
	case domain.EventListing, domain.EventLiquidityAdded, domain.EventTradingEnabled:
	default:
		return nil, nil
	}
	if sig.Confidence < s.Config.MinConfidence {
		return nil, nil
	}
	if s.Config.MinMagnitude > 0 && sig.EventType == domain.EventLiquidityAdded && sig.Magnitude < s.Config.MinMagnitude {
		return nil, nil
	}
	if in.ReferencePrice <= 0 {
		return nil, ErrNoReferencePrice
	}

	size := notionalSize(s.Config, sig.Confidence, in.ReferencePrice)
	return buildPlan(s.ID(), s.Config, in, domain.SideBuy, size), nil
}

var _ Strategy = (*ListingStrategy)(nil)
