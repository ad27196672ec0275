package simulation

import (
	"math"
	"testing"

	"sniper-core/internal/domain"
)

func bookState(asks ...domain.BookLevel) *domain.PriceState {
	return &domain.PriceState{
		Venue:       "sim",
		Instrument:  "TKN/USD",
		Mid:         1.0,
		Asks:        asks,
		Bids:        []domain.BookLevel{{Price: 0.99, Size: 1000}},
		TimestampMs: 1000,
	}
}

func TestSlippageBps_Models(t *testing.T) {
	state := bookState(domain.BookLevel{Price: 1.0, Size: 400})
	state.Volatility = 0.02

	tests := []struct {
		name  string
		model domain.SlippageModel
		size  float64
		want  float64
	}{
		{"fixed", domain.SlippageModel{Kind: domain.SlippageFixedBps, Bps: 15}, 100, 15},
		{"linear", domain.SlippageModel{Kind: domain.SlippageLinear, Bps: 5, Coefficient: 0.01}, 100, 5 + 0.01*0.25*10000},
		{"sqrt", domain.SlippageModel{Kind: domain.SlippageSqrt, Coefficient: 0.01}, 100, 0.01 * 0.5 * 10000},
		{"power law", domain.SlippageModel{Kind: domain.SlippagePowerLaw, Coefficient: 0.01, Exponent: 2}, 200, 0.01 * 0.25 * 10000},
		{"volatility", domain.SlippageModel{Kind: domain.SlippageVolatility, Bps: 5, Coefficient: 0.5}, 100, 5 + 0.5*0.02*10000},
		{"kyle", domain.SlippageModel{Kind: domain.SlippageKyle, Lambda: 0.1}, 100, 0.1 * 0.25 * 10000},
		{"capped", domain.SlippageModel{Kind: domain.SlippageLinear, Coefficient: 1, MaxBps: 50}, 400, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SlippageBps(tt.model, tt.size, domain.SideBuy, state)
			if !approxEqual(got, tt.want) {
				t.Errorf("SlippageBps() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSlippageBps_NoDepthReturnsCap(t *testing.T) {
	state := &domain.PriceState{Mid: 1, TimestampMs: 1}
	m := domain.SlippageModel{Kind: domain.SlippageSqrt, Coefficient: 0.01, MaxBps: 300}

	if got := SlippageBps(m, 10, domain.SideBuy, state); got != 300 {
		t.Errorf("SlippageBps() = %v, want cap 300", got)
	}
}

func TestSlippageBps_MonotonicInSize(t *testing.T) {
	state := bookState(domain.BookLevel{Price: 1.0, Size: 10_000})
	models := []domain.SlippageModel{
		{Kind: domain.SlippageLinear, Coefficient: 0.05},
		{Kind: domain.SlippageSqrt, Coefficient: 0.05},
		{Kind: domain.SlippagePowerLaw, Coefficient: 0.05, Exponent: 1.5},
		{Kind: domain.SlippageKyle, Lambda: 0.05},
	}

	for _, m := range models {
		prev := -1.0
		for size := 10.0; size <= 10_000; size *= 2 {
			got := SlippageBps(m, size, domain.SideBuy, state)
			if got < prev {
				t.Fatalf("%s: slippage decreased from %v to %v at size %v", m.Kind, prev, got, size)
			}
			prev = got
		}
	}
}

func TestKyleImpactBps(t *testing.T) {
	if got := KyleImpactBps(0.2, 50, 100); math.Abs(got-1000) > 1e-9 {
		t.Errorf("KyleImpactBps() = %v, want 1000", got)
	}
	if got := KyleImpactBps(0.2, 50, 0); got != 0 {
		t.Errorf("KyleImpactBps() with no depth = %v, want 0", got)
	}
}
