package chaos

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sniper-core/internal/backtest"
	"sniper-core/internal/domain"
	"sniper-core/internal/risk"
	"sniper-core/internal/storage/memory"
	"sniper-core/internal/telemetry"
)

func priceState(ts int64, mid float64) *domain.PriceState {
	return &domain.PriceState{
		Venue:       "dex",
		Instrument:  "PEPE/WETH",
		Mid:         mid,
		Asks:        []domain.BookLevel{{Price: mid + 0.001, Size: 1_000_000}},
		Bids:        []domain.BookLevel{{Price: mid - 0.001, Size: 1_000_000}},
		TimestampMs: ts,
	}
}

// One listing at 1500 that takes profit at 6000.
func newFixture(t *testing.T) (*Harness, *telemetry.Recorder, backtest.RunConfig) {
	t.Helper()
	ctx := context.Background()
	h := memory.NewHistoryStore()
	require.NoError(t, h.InsertBooks(ctx, []*domain.PriceState{priceState(1_000, 1.0), priceState(6_000, 1.2)}))
	require.NoError(t, h.InsertSignals(ctx, []*domain.Signal{{
		ID:          "sig-1",
		Venue:       "dex",
		Instrument:  "PEPE/WETH",
		EventType:   domain.EventListing,
		TimestampMs: 1_500,
		Confidence:  1,
		Price:       1,
	}}))

	logger := zaptest.NewLogger(t)
	rec := telemetry.NewRecorder()
	runner := backtest.NewRunner(backtest.Options{History: h, Logger: logger})
	harness := NewHarness(runner, Options{Sink: rec, Logger: logger})

	base := backtest.RunConfig{
		RunID:   "chaos",
		StartMs: 0,
		EndMs:   10_000,
		Strategy: domain.StrategyConfig{
			StrategyType:   domain.StrategyTypeListing,
			BaseNotional:   100,
			MinConfidence:  0.5,
			MaxSlippageBps: 200,
			TTLMs:          2_000,
			Exits:          domain.ExitRules{TakeProfitPct: 0.1},
		},
		Risk: risk.DefaultConfig(),
		Simulation: domain.SimulationConfig{
			Fee:           domain.FeeModel{Kind: domain.FeeFixedPct, Bps: 30},
			Slippage:      domain.SlippageModel{Kind: domain.SlippageFixedBps},
			Execution:     domain.ExecutionOrderBook,
			MaxPriceAgeMs: 10_000,
		},
	}
	return harness, rec, base
}

func TestHarness_VenueOutageDegradesOnePlan(t *testing.T) {
	harness, rec, base := newFixture(t)

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "outage", Kind: domain.ChaosVenueOutage, StartMs: 1_000, DurationMs: 1_000},
	})
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 1)
	require.NotNil(t, report.Baseline)
	assert.Len(t, report.Baseline.Trades, 1)

	sc := report.Scenarios[0]
	require.Equal(t, StatusCompleted, sc.Status, sc.Error)
	assert.Equal(t, 1, sc.Applied)

	entries := sc.Perturbed.Entries()
	require.Len(t, entries, 1)
	res := entries[0].Result
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.FailureInfrastructure, res.FailureKind)

	assert.Equal(t, 1, sc.Impact.Degraded)
	assert.Equal(t, 0, sc.Impact.Failed)
	assert.Equal(t, 0, sc.Impact.Unaffected)
	assert.Equal(t, 100.0, sc.Delta.FailedTradePct)
	assert.Less(t, sc.Delta.TotalReturn, 0.0)

	events := rec.ByType(telemetry.EventChaosApplied)
	require.Len(t, events, 1)
	assert.Equal(t, entries[0].PlanID, events[0].PlanID)
	assert.NotEmpty(t, events[0].IdempotencyKey)
}

func TestHarness_LatencyPastDeadlineFailsPlan(t *testing.T) {
	harness, _, base := newFixture(t)

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "lag", Kind: domain.ChaosLatency, StartMs: 1_000, DurationMs: 1_000, LatencyMs: 3_000},
	})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	require.Equal(t, StatusCompleted, sc.Status, sc.Error)
	res := sc.Perturbed.Entries()[0].Result
	assert.True(t, res.IsExpired())
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, sc.Impact.Failed)
	assert.Equal(t, domain.ReasonExpired, sc.Impact.Plans[0].Perturbed)
}

func TestHarness_PriceSpikeWidensSlippage(t *testing.T) {
	harness, _, base := newFixture(t)

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "spike", Kind: domain.ChaosPriceSpike, StartMs: 1_000, DurationMs: 1_000, SlippageMultiplier: 3},
	})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	require.Equal(t, StatusCompleted, sc.Status, sc.Error)
	res := sc.Perturbed.Entries()[0].Result
	require.True(t, res.Success)
	assert.InDelta(t, 30, res.SlippageBps, 1e-6)
	assert.InDelta(t, 1.003, res.FillPrice, 1e-9)

	assert.Equal(t, 1, sc.Impact.Degraded)
	assert.Greater(t, sc.Delta.AdditionalSlippage, 0.0)
	assert.Less(t, sc.Delta.TotalPnL, 0.0)
}

func TestHarness_StaleFeedFailsWithStalePriceState(t *testing.T) {
	harness, _, base := newFixture(t)
	base.Simulation.MaxPriceAgeMs = 1_000

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "stale", Kind: domain.ChaosFeedStaleness, StartMs: 1_000, DurationMs: 1_000, StaleByMs: 5_000},
	})
	require.NoError(t, err)
	require.True(t, report.Baseline.Entries()[0].Result.Success)

	sc := report.Scenarios[0]
	require.Equal(t, StatusCompleted, sc.Status, sc.Error)
	res := sc.Perturbed.Entries()[0].Result
	assert.Equal(t, domain.ReasonStalePriceState, res.Reason)
	assert.Equal(t, domain.FailureLiquidity, res.FailureKind)
	assert.Equal(t, 1, sc.Impact.Failed)
}

func TestHarness_InactiveScenarioLeavesPlansUnaffected(t *testing.T) {
	harness, rec, base := newFixture(t)

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "late outage", Kind: domain.ChaosVenueOutage, StartMs: 9_000, DurationMs: 500},
	})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, 0, sc.Applied)
	assert.Equal(t, 1, sc.Impact.Unaffected)
	assert.Equal(t, Delta{}, sc.Delta)
	assert.Equal(t, 0, rec.Count(telemetry.EventChaosApplied))
}

func TestHarness_RunsScenariosIndependently(t *testing.T) {
	harness, _, base := newFixture(t)

	report, err := harness.Run(context.Background(), base, []domain.ChaosScenario{
		{Name: "outage", Kind: domain.ChaosVenueOutage, StartMs: 1_000, DurationMs: 1_000},
		{Name: "late outage", Kind: domain.ChaosVenueOutage, StartMs: 9_000, DurationMs: 500},
	})
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 2)
	assert.Equal(t, 1, report.Scenarios[0].Impact.Degraded)
	assert.Equal(t, 1, report.Scenarios[1].Impact.Unaffected)
}

func TestHarness_BaselineFailure(t *testing.T) {
	harness, _, base := newFixture(t)
	base.StartMs, base.EndMs = 20_000, 30_000

	_, err := harness.Run(context.Background(), base, nil)
	if !errors.Is(err, backtest.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	sim := domain.SimulationConfig{}
	tests := []struct {
		name string
		s    domain.ChaosScenario
	}{
		{"unknown kind", domain.ChaosScenario{Kind: "meteor", DurationMs: 1}},
		{"zero duration", domain.ChaosScenario{Kind: domain.ChaosVenueOutage}},
		{"latency without delay", domain.ChaosScenario{Kind: domain.ChaosLatency, DurationMs: 1}},
		{"spike without multiplier", domain.ChaosScenario{Kind: domain.ChaosPriceSpike, DurationMs: 1, SlippageMultiplier: 1}},
		{"staleness without age", domain.ChaosScenario{Kind: domain.ChaosFeedStaleness, DurationMs: 1}},
		{"staleness without max price age", domain.ChaosScenario{Kind: domain.ChaosFeedStaleness, DurationMs: 1, StaleByMs: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.s, sim); !errors.Is(err, ErrInvalidScenario) {
				t.Errorf("Validate() = %v, want ErrInvalidScenario", err)
			}
		})
	}
	require.NoError(t, Validate(domain.ChaosScenario{Kind: domain.ChaosVenueOutage, DurationMs: 1}, sim))
}
