package risk

import (
	"math"

	"sniper-core/internal/domain"
)

// Size returns the maximum size in units the sizing method allows for plan
// given the portfolio snapshot. SizingNone returns +Inf.
func Size(cfg SizingConfig, snap *domain.PortfolioSnapshot, plan *domain.TradePlan) float64 {
	if plan.ReferencePrice <= 0 {
		return 0
	}
	notional := sizeNotional(cfg, snap, plan.Instrument)
	if math.IsInf(notional, 1) {
		return notional
	}
	if notional <= 0 {
		return 0
	}
	return notional / plan.ReferencePrice
}

func sizeNotional(cfg SizingConfig, snap *domain.PortfolioSnapshot, instrument string) float64 {
	equity := snap.Equity
	if equity <= 0 && cfg.Method != SizingNone {
		return 0
	}

	var notional float64
	switch cfg.Method {
	case SizingNone:
		return math.Inf(1)

	case SizingFixedFraction:
		notional = equity * cfg.Fraction

	case SizingVolatilityAdjusted:
		vol := snap.Volatility[instrument]
		if vol <= 0 {
			// Unknown volatility sizes at the position cap.
			return positionCap(cfg, equity, equity)
		}
		notional = equity * cfg.TargetVolatility / vol

	case SizingKelly:
		notional = equity * KellyFraction(cfg.WinProbability, cfg.PayoffRatio, cfg.KellyFraction)

	case SizingRiskParity:
		n := float64(snap.OpenPositions + 1)
		budget := equity * cfg.RiskBudget / n
		vol := snap.Volatility[instrument]
		if vol > 0 {
			notional = budget / vol
		} else {
			notional = budget
		}

	default:
		return 0
	}

	return positionCap(cfg, equity, notional)
}

func positionCap(cfg SizingConfig, equity, notional float64) float64 {
	if cfg.MaxPositionFraction > 0 {
		return math.Min(notional, equity*cfg.MaxPositionFraction)
	}
	return notional
}

// KellyFraction returns the capped Kelly bet as a fraction of equity:
// f* = p - (1-p)/b, scaled by capFraction. Negative edges return 0.
func KellyFraction(p, b, capFraction float64) float64 {
	if b <= 0 || p <= 0 || p >= 1 {
		return 0
	}
	f := p - (1-p)/b
	if f <= 0 {
		return 0
	}
	if capFraction > 0 {
		f *= capFraction
	}
	return math.Min(f, 1)
}
