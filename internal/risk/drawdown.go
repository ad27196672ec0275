package risk

// DrawdownMultiplier returns the size multiplier for a running drawdown
// (fraction of peak equity). The result is non-increasing in drawdown:
//
//	drawdown <= recovery             -> 1
//	recovery < drawdown < reduction  -> linear from 1 to ReductionFactor
//	reduction <= drawdown < max      -> linear from ReductionFactor to FloorMultiplier
//	drawdown >= max                  -> FloorMultiplier
func DrawdownMultiplier(cfg DrawdownConfig, drawdown float64) float64 {
	if !cfg.Enabled || drawdown <= cfg.RecoveryThreshold {
		return 1
	}

	factor := clamp01(cfg.ReductionFactor)
	floor := clamp01(cfg.FloorMultiplier)
	if floor > factor {
		floor = factor
	}

	if drawdown < cfg.ReductionThreshold {
		span := cfg.ReductionThreshold - cfg.RecoveryThreshold
		progress := (drawdown - cfg.RecoveryThreshold) / span
		return 1 - progress*(1-factor)
	}

	if cfg.MaxDrawdown <= cfg.ReductionThreshold {
		return factor
	}
	if drawdown >= cfg.MaxDrawdown {
		return floor
	}
	progress := (drawdown - cfg.ReductionThreshold) / (cfg.MaxDrawdown - cfg.ReductionThreshold)
	return factor - progress*(factor-floor)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
