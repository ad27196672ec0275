package simulation

import (
	"math"

	"sniper-core/internal/domain"
)

// defaultMaxSlippageBps caps every model when SlippageModel.MaxBps is unset.
const defaultMaxSlippageBps = 1000.0

// SlippageBps returns the adverse slippage in basis points for a taker order
// of size on side against state. Pure; result is clamped to [0, MaxBps].
//
// Size-dependent models measure participation as size / depth, where depth is
// the book size on the consumed side, falling back to 24h volume. With no
// depth information at all they return the cap.
func SlippageBps(m domain.SlippageModel, size float64, side domain.Side, state *domain.PriceState) float64 {
	maxBps := maxSlippageBps(m)

	var bps float64
	switch m.Kind {
	case domain.SlippageFixedBps, "":
		bps = m.Bps
	case domain.SlippageVolatility:
		bps = m.Bps + m.Coefficient*state.Volatility*10000
	default:
		p, ok := participation(size, side, state)
		if !ok {
			return maxBps
		}
		switch m.Kind {
		case domain.SlippageLinear:
			bps = m.Bps + m.Coefficient*p*10000
		case domain.SlippageSqrt:
			bps = m.Bps + m.Coefficient*math.Sqrt(p)*10000
		case domain.SlippagePowerLaw:
			exp := m.Exponent
			if exp <= 0 {
				exp = 1
			}
			bps = m.Bps + m.Coefficient*math.Pow(p, exp)*10000
		case domain.SlippageKyle:
			bps = KyleImpactBps(m.Lambda, size, depthFor(side, state))
		}
	}

	return clamp(bps, 0, maxBps)
}

// maxSlippageBps is the cap applied to every slippage and impact figure.
func maxSlippageBps(m domain.SlippageModel) float64 {
	if m.MaxBps <= 0 {
		return defaultMaxSlippageBps
	}
	return m.MaxBps
}

// KyleImpactBps implements impact = lambda * (orderSize / availableDepth),
// expressed in basis points.
func KyleImpactBps(lambda, size, depth float64) float64 {
	if depth <= 0 || size <= 0 {
		return 0
	}
	return lambda * (size / depth) * 10000
}

func participation(size float64, side domain.Side, state *domain.PriceState) (float64, bool) {
	depth := depthFor(side, state)
	if depth <= 0 {
		return 0, false
	}
	return size / depth, true
}

func depthFor(side domain.Side, state *domain.PriceState) float64 {
	if state == nil {
		return 0
	}
	if d := state.Depth(side); d > 0 {
		return d
	}
	return state.Volume24h
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return hi
	}
	return math.Max(lo, math.Min(v, hi))
}
