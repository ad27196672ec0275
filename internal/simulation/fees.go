package simulation

import (
	"time"

	"sniper-core/internal/domain"
)

// FeeContext carries the non-notional inputs of fee models.
type FeeContext struct {
	AtMs           int64   // execution time, used by time-of-day fees
	TrailingVolume float64 // 30d traded notional, used by tiered fees
}

// Fee returns the fee for a fill of the given notional. Pure.
func Fee(m domain.FeeModel, notional float64, ctx FeeContext) float64 {
	if notional <= 0 {
		return 0
	}
	return notional*feeBps(m, notional, ctx)/10000 + m.FlatFee
}

// feeBps resolves the applicable rate in basis points.
func feeBps(m domain.FeeModel, notional float64, ctx FeeContext) float64 {
	switch m.Kind {
	case domain.FeeTiered:
		return tieredBps(m, ctx.TrailingVolume)
	case domain.FeeTimeOfDay:
		return timeOfDayBps(m, ctx.AtMs)
	case domain.FeeVolumeWeighted:
		return volumeWeightedBps(m, notional)
	default:
		return m.Bps
	}
}

// tieredBps picks the tier with the highest MinVolume not above volume.
// Tier order in config does not matter.
func tieredBps(m domain.FeeModel, volume float64) float64 {
	bps := m.Bps
	best := -1.0
	for _, tier := range m.Tiers {
		if volume >= tier.MinVolume && tier.MinVolume > best {
			best = tier.MinVolume
			bps = tier.Bps
		}
	}
	return bps
}

// timeOfDayBps returns the rate of the first window containing the UTC hour of atMs.
func timeOfDayBps(m domain.FeeModel, atMs int64) float64 {
	hour := time.UnixMilli(atMs).UTC().Hour()
	for _, w := range m.Windows {
		if inWindow(hour, w.StartHour, w.EndHour) {
			return w.Bps
		}
	}
	return m.Bps
}

func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	// wraps midnight
	return hour >= start || hour < end
}

// volumeWeightedBps interpolates from MaxBps (tiny orders) down to MinBps
// for orders at or above ReferenceNotional.
func volumeWeightedBps(m domain.FeeModel, notional float64) float64 {
	if m.ReferenceNotional <= 0 {
		return m.Bps
	}
	ratio := notional / m.ReferenceNotional
	if ratio > 1 {
		ratio = 1
	}
	return m.MaxBps - (m.MaxBps-m.MinBps)*ratio
}
