package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/telemetry"
)

type stubQuoter struct {
	state *domain.PriceState
	err   error
}

func (q stubQuoter) GetBook(context.Context, string) (*domain.PriceState, error) {
	return q.state, q.err
}

func newTestEngine(t *testing.T, mode domain.Mode, opts EngineOptions) (*Engine, *telemetry.Recorder) {
	t.Helper()
	rec := telemetry.NewRecorder()
	opts.Mode = mode
	if opts.Strategy == nil {
		opts.Strategy = NewListingStrategy(listingConfig())
	}
	opts.Clock = clock.NewSim(50_000)
	opts.Sink = rec
	opts.Logger = zaptest.NewLogger(t)
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e, rec
}

func TestEngine_Modes(t *testing.T) {
	tests := []struct {
		mode    domain.Mode
		outcome Outcome
		target  domain.Target
	}{
		{domain.ModeNormal, OutcomeForward, domain.TargetVenue},
		{domain.ModeShadow, OutcomeForward, domain.TargetSimulation},
		{domain.ModeObserveOnly, OutcomeObserved, domain.TargetSimulation},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			e, rec := newTestEngine(t, tt.mode, EngineOptions{})

			d, err := e.Decide(context.Background(), makeSignal(domain.EventListing, 0, 1))
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, d.Outcome)
			require.NotNil(t, d.Plan)
			assert.Equal(t, tt.mode, d.Plan.Mode)
			assert.Equal(t, tt.target, d.Plan.Target)
			assert.Equal(t, int64(52_000), d.Plan.DeadlineMs)
			assert.Equal(t, 1, rec.Count(telemetry.EventPlanCreated))
		})
	}
}

func TestEngine_InvalidMode(t *testing.T) {
	_, err := NewEngine(EngineOptions{Mode: "paper", Strategy: NewListingStrategy(listingConfig())})
	assert.True(t, errors.Is(err, ErrInvalidMode))
}

func TestEngine_NoTrade(t *testing.T) {
	e, rec := newTestEngine(t, domain.ModeNormal, EngineOptions{})

	d, err := e.Decide(context.Background(), makeSignal(domain.EventPriceMove, 0.5, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTrade, d.Outcome)
	assert.Nil(t, d.Plan)
	assert.Zero(t, rec.Count(telemetry.EventPlanCreated))
}

func TestEngine_BelowMinUnit(t *testing.T) {
	// 100 notional at 0.5 with full confidence is 200 units.
	e, rec := newTestEngine(t, domain.ModeNormal, EngineOptions{
		MinUnits:       map[string]float64{"dex": 250},
		DefaultMinUnit: 1,
	})

	d, err := e.Decide(context.Background(), makeSignal(domain.EventListing, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBelowMinUnit, d.Outcome)
	assert.Nil(t, d.Plan)
	assert.Zero(t, rec.Count(telemetry.EventPlanCreated))

	sig := makeSignal(domain.EventListing, 0, 1)
	sig.Venue = "cex"
	d, err = e.Decide(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeForward, d.Outcome)
}

func TestEngine_QuoterReferencePrice(t *testing.T) {
	e, _ := newTestEngine(t, domain.ModeShadow, EngineOptions{
		Quoter: stubQuoter{state: &domain.PriceState{Mid: 0.25}},
	})

	d, err := e.Decide(context.Background(), makeSignal(domain.EventListing, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, d.Plan)
	assert.Equal(t, 0.25, d.Plan.ReferencePrice)
	assert.Equal(t, 400.0, d.Plan.Size)
}

func TestEngine_QuoterFailureFallsBackToSignalPrice(t *testing.T) {
	e, _ := newTestEngine(t, domain.ModeShadow, EngineOptions{
		Quoter: stubQuoter{err: errors.New("book unavailable")},
	})

	d, err := e.Decide(context.Background(), makeSignal(domain.EventListing, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, d.Plan)
	assert.Equal(t, 0.5, d.Plan.ReferencePrice)
}

func TestEngine_NoPriceIsNoTrade(t *testing.T) {
	e, _ := newTestEngine(t, domain.ModeNormal, EngineOptions{})

	sig := makeSignal(domain.EventListing, 0, 1)
	sig.Price = 0
	d, err := e.Decide(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTrade, d.Outcome)
}

func TestEngine_RedeliveredSignalSamePlan(t *testing.T) {
	e, _ := newTestEngine(t, domain.ModeNormal, EngineOptions{})
	sig := makeSignal(domain.EventListing, 0, 1)

	a, err := e.Decide(context.Background(), sig)
	require.NoError(t, err)
	b, err := e.Decide(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, a.Plan.PlanID, b.Plan.PlanID)
}
