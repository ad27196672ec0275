// Package risk sizes trade plans and gates them against portfolio constraints.
package risk

import (
	"errors"
	"fmt"
)

// SizingMethod selects how the sizing cap for a plan is computed.
type SizingMethod string

const (
	SizingNone               SizingMethod = ""
	SizingFixedFraction      SizingMethod = "fixed_fraction"
	SizingVolatilityAdjusted SizingMethod = "volatility_adjusted"
	SizingKelly              SizingMethod = "kelly"
	SizingRiskParity         SizingMethod = "risk_parity"
)

// SizingConfig holds parameters for every sizing method; only the fields
// relevant to Method are read.
type SizingConfig struct {
	Method SizingMethod `json:"method" mapstructure:"method"`

	// Fraction of equity committed per position (fixed_fraction).
	Fraction float64 `json:"fraction" mapstructure:"fraction"`

	// TargetVolatility is the per-position volatility target (volatility_adjusted).
	TargetVolatility float64 `json:"target_volatility" mapstructure:"target_volatility"`

	// WinProbability and PayoffRatio feed the Kelly formula.
	WinProbability float64 `json:"win_probability" mapstructure:"win_probability"`
	PayoffRatio    float64 `json:"payoff_ratio" mapstructure:"payoff_ratio"`
	// KellyFraction caps the bet at this fraction of full Kelly.
	KellyFraction float64 `json:"kelly_fraction" mapstructure:"kelly_fraction"`

	// RiskBudget is total portfolio risk as a fraction of equity, split
	// equally across concurrently held positions (risk_parity).
	RiskBudget float64 `json:"risk_budget" mapstructure:"risk_budget"`

	// MaxPositionFraction caps any computed notional at this fraction of equity.
	MaxPositionFraction float64 `json:"max_position_fraction" mapstructure:"max_position_fraction"`
}

// DrawdownConfig controls the drawdown size multiplier.
type DrawdownConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Below RecoveryThreshold sizes are untouched.
	RecoveryThreshold float64 `json:"recovery_threshold" mapstructure:"recovery_threshold"`
	// At ReductionThreshold the multiplier reaches ReductionFactor.
	ReductionThreshold float64 `json:"reduction_threshold" mapstructure:"reduction_threshold"`
	ReductionFactor    float64 `json:"reduction_factor" mapstructure:"reduction_factor"`
	// At MaxDrawdown the multiplier reaches FloorMultiplier. Zero disables
	// the second stage.
	MaxDrawdown     float64 `json:"max_drawdown" mapstructure:"max_drawdown"`
	FloorMultiplier float64 `json:"floor_multiplier" mapstructure:"floor_multiplier"`
}

// LimitsConfig holds portfolio constraints. Zero disables a limit.
type LimitsConfig struct {
	// MaxExposure is the aggregate notional ceiling across all positions.
	MaxExposure float64 `json:"max_exposure" mapstructure:"max_exposure"`
	// MaxInstrumentUnits caps the absolute quantity held per instrument.
	MaxInstrumentUnits float64 `json:"max_instrument_units" mapstructure:"max_instrument_units"`
	// MaxCorrelation is the highest pairwise correlation allowed between the
	// plan's instrument and any open position.
	MaxCorrelation   float64 `json:"max_correlation" mapstructure:"max_correlation"`
	MaxOpenPositions int     `json:"max_open_positions" mapstructure:"max_open_positions"`
	// MaxDailyLossPct rejects new risk once the day's loss reaches this
	// fraction of equity.
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" mapstructure:"max_daily_loss_pct"`
	// MinUnit is the smallest tradable size; smaller approvals become rejects.
	MinUnit float64 `json:"min_unit" mapstructure:"min_unit"`
}

// Config is the complete risk engine configuration.
type Config struct {
	InitialEquity float64        `json:"initial_equity" mapstructure:"initial_equity"`
	Sizing        SizingConfig   `json:"sizing" mapstructure:"sizing"`
	Drawdown      DrawdownConfig `json:"drawdown" mapstructure:"drawdown"`
	Limits        LimitsConfig   `json:"limits" mapstructure:"limits"`
	Breaker       BreakerConfig  `json:"breaker" mapstructure:"breaker"`
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid risk config")

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		InitialEquity: 10_000,
		Sizing: SizingConfig{
			Method:              SizingFixedFraction,
			Fraction:            0.02,
			MaxPositionFraction: 0.10,
			KellyFraction:       0.5,
		},
		Drawdown: DrawdownConfig{
			Enabled:            true,
			RecoveryThreshold:  0.02,
			ReductionThreshold: 0.05,
			ReductionFactor:    0.5,
			MaxDrawdown:        0.20,
			FloorMultiplier:    0.1,
		},
		Limits: LimitsConfig{
			MaxExposure:      5_000,
			MaxCorrelation:   0.8,
			MaxOpenPositions: 10,
			MaxDailyLossPct:  0.05,
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			MaxDrawdown:      0.25,
			MaxSpreadBps:     500,
			LiquidityDropPct: 0.9,
		},
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.InitialEquity <= 0 {
		return fmt.Errorf("%w: initial_equity must be positive", ErrInvalidConfig)
	}
	switch c.Sizing.Method {
	case SizingNone:
	case SizingFixedFraction:
		if c.Sizing.Fraction <= 0 || c.Sizing.Fraction > 1 {
			return fmt.Errorf("%w: sizing.fraction must be in (0,1]", ErrInvalidConfig)
		}
	case SizingVolatilityAdjusted:
		if c.Sizing.TargetVolatility <= 0 {
			return fmt.Errorf("%w: sizing.target_volatility must be positive", ErrInvalidConfig)
		}
	case SizingKelly:
		if c.Sizing.WinProbability <= 0 || c.Sizing.WinProbability >= 1 {
			return fmt.Errorf("%w: sizing.win_probability must be in (0,1)", ErrInvalidConfig)
		}
		if c.Sizing.PayoffRatio <= 0 {
			return fmt.Errorf("%w: sizing.payoff_ratio must be positive", ErrInvalidConfig)
		}
		if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
			return fmt.Errorf("%w: sizing.kelly_fraction must be in (0,1]", ErrInvalidConfig)
		}
	case SizingRiskParity:
		if c.Sizing.RiskBudget <= 0 {
			return fmt.Errorf("%w: sizing.risk_budget must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sizing method %q", ErrInvalidConfig, c.Sizing.Method)
	}
	if c.Sizing.MaxPositionFraction < 0 || c.Sizing.MaxPositionFraction > 1 {
		return fmt.Errorf("%w: sizing.max_position_fraction must be in [0,1]", ErrInvalidConfig)
	}

	d := c.Drawdown
	if d.Enabled {
		if d.RecoveryThreshold < 0 || d.ReductionThreshold < d.RecoveryThreshold {
			return fmt.Errorf("%w: drawdown thresholds must satisfy 0 <= recovery <= reduction", ErrInvalidConfig)
		}
		if d.MaxDrawdown != 0 && d.MaxDrawdown < d.ReductionThreshold {
			return fmt.Errorf("%w: drawdown.max_drawdown below reduction_threshold", ErrInvalidConfig)
		}
		if d.ReductionFactor < 0 || d.ReductionFactor > 1 {
			return fmt.Errorf("%w: drawdown.reduction_factor must be in [0,1]", ErrInvalidConfig)
		}
		if d.FloorMultiplier < 0 || d.FloorMultiplier > d.ReductionFactor {
			return fmt.Errorf("%w: drawdown.floor_multiplier must be in [0,reduction_factor]", ErrInvalidConfig)
		}
	}

	l := c.Limits
	if l.MaxExposure < 0 || l.MaxInstrumentUnits < 0 || l.MinUnit < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrInvalidConfig)
	}
	if l.MaxCorrelation < 0 || l.MaxCorrelation > 1 {
		return fmt.Errorf("%w: limits.max_correlation must be in [0,1]", ErrInvalidConfig)
	}
	if l.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: limits.max_open_positions must be non-negative", ErrInvalidConfig)
	}
	if l.MaxDailyLossPct < 0 || l.MaxDailyLossPct > 1 {
		return fmt.Errorf("%w: limits.max_daily_loss_pct must be in [0,1]", ErrInvalidConfig)
	}
	return c.Breaker.validate()
}

// spansInstruments reports whether any enabled limit depends on more than
// one instrument, which widens evaluation serialization to the portfolio.
func (l LimitsConfig) spansInstruments() bool {
	return l.MaxExposure > 0 || l.MaxCorrelation > 0 || l.MaxOpenPositions > 0 || l.MaxDailyLossPct > 0
}
