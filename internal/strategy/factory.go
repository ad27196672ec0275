package strategy

import (
	"errors"

	"sniper-core/internal/domain"
)

// Factory errors
var (
	ErrUnknownStrategyType = errors.New("unknown strategy type")
	ErrMissingBaseNotional = errors.New("strategy requires positive BaseNotional")
	ErrMissingMinMagnitude = errors.New("MOMENTUM requires positive MinMagnitude")
	ErrInvalidConfidence   = errors.New("MinConfidence must be in [0,1]")
	ErrInvalidSlippage     = errors.New("MaxSlippageBps must be non-negative")
	ErrInvalidExitRules    = errors.New("exit rule percentages must be non-negative")
	ErrNoReferencePrice    = errors.New("no reference price for signal")
)

// FromConfig creates a Strategy from domain.StrategyConfig.
// Validates required parameters per strategy type.
func FromConfig(cfg domain.StrategyConfig) (Strategy, error) {
	if err := validateCommon(cfg); err != nil {
		return nil, err
	}
	switch cfg.StrategyType {
	case domain.StrategyTypeListing:
		return NewListingStrategy(cfg), nil
	case domain.StrategyTypeMomentum:
		if cfg.MinMagnitude <= 0 {
			return nil, ErrMissingMinMagnitude
		}
		return NewMomentumStrategy(cfg), nil
	default:
		return nil, ErrUnknownStrategyType
	}
}

func validateCommon(cfg domain.StrategyConfig) error {
	if cfg.BaseNotional <= 0 {
		return ErrMissingBaseNotional
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return ErrInvalidConfidence
	}
	if cfg.MaxSlippageBps < 0 {
		return ErrInvalidSlippage
	}
	e := cfg.Exits
	if e.TakeProfitPct < 0 || e.StopLossPct < 0 || e.TrailingPct < 0 || e.MaxHoldMs < 0 {
		return ErrInvalidExitRules
	}
	return nil
}
