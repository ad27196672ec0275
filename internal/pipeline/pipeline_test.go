package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sniper-core/internal/clock"
	"sniper-core/internal/dispatch"
	"sniper-core/internal/domain"
	"sniper-core/internal/policy"
	"sniper-core/internal/risk"
	"sniper-core/internal/storage/memory"
	"sniper-core/internal/strategy"
	"sniper-core/internal/telemetry"
)

const startMs = 1_700_000_000_000

type bookMap map[string]*domain.PriceState

func (b bookMap) BookAt(_ context.Context, instrument string, atMs int64) (*domain.PriceState, error) {
	s, ok := b[instrument]
	if !ok || s.TimestampMs > atMs {
		return nil, dispatch.ErrNoBook
	}
	cp := *s
	return &cp, nil
}

type outageVenue struct{ dispatch.Venue }

func (outageVenue) Submit(context.Context, *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	return nil, dispatch.ErrVenueUnavailable
}

func book(instrument string) *domain.PriceState {
	return &domain.PriceState{
		Venue:       "dex",
		Instrument:  instrument,
		Mid:         1.0,
		Asks:        []domain.BookLevel{{Price: 1.001, Size: 1_000}},
		Bids:        []domain.BookLevel{{Price: 0.999, Size: 1_000}},
		TimestampMs: startMs - 100,
	}
}

type harness struct {
	pipeline  *Pipeline
	risk      *risk.Engine
	store     *memory.IdempotencyStore
	positions *memory.PositionStore
	sink      *telemetry.Recorder
}

type harnessOptions struct {
	mode   domain.Mode
	policy policy.Oracle
	limits risk.LimitsConfig
	venue  dispatch.Venue
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.mode == "" {
		o.mode = domain.ModeNormal
	}
	clk := clock.NewSim(startMs)
	logger := zaptest.NewLogger(t)
	sink := telemetry.NewRecorder()
	books := bookMap{"PEPE/WETH": book("PEPE/WETH"), "WIF/WETH": book("WIF/WETH")}
	sim := dispatch.NewSimVenue(domain.SimulationConfig{
		Fee:       domain.FeeModel{Kind: domain.FeeFixedPct, Bps: 30},
		Slippage:  domain.SlippageModel{Kind: domain.SlippageFixedBps},
		Execution: domain.ExecutionOrderBook,
	}, books, clk)
	venue := o.venue
	if venue == nil {
		venue = sim
	}

	strat, err := strategy.FromConfig(domain.StrategyConfig{
		StrategyType:   domain.StrategyTypeListing,
		BaseNotional:   100,
		MinConfidence:  0.5,
		MaxSlippageBps: 200,
		TTLMs:          2_000,
	})
	require.NoError(t, err)
	engine, err := strategy.NewEngine(strategy.EngineOptions{
		Mode:     o.mode,
		Strategy: strat,
		Quoter:   sim,
		Clock:    clk,
		Sink:     sink,
		Logger:   logger,
	})
	require.NoError(t, err)

	cfg := risk.DefaultConfig()
	cfg.Limits = o.limits
	riskEngine := risk.NewEngine(risk.Options{Config: cfg, Clock: clk, Logger: logger})

	h := &harness{
		risk:      riskEngine,
		store:     memory.NewIdempotencyStore(),
		positions: memory.NewPositionStore(),
		sink:      sink,
	}
	h.pipeline, err = New(Options{
		Env: Env{
			Clock:     clk,
			Venue:     venue,
			Simulator: sim,
			Store:     h.store,
		},
		Strategy:  engine,
		Policy:    o.policy,
		Risk:      riskEngine,
		Positions: h.positions,
		Sink:      sink,
		Logger:    logger,
	})
	require.NoError(t, err)
	return h
}

func listing(id, instrument string) *domain.Signal {
	return &domain.Signal{
		ID:          id,
		Venue:       "dex",
		Instrument:  instrument,
		EventType:   domain.EventListing,
		TimestampMs: startMs,
		Confidence:  1,
		Price:       1,
	}
}

func TestProcess_FillCommitsToLedger(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFilled, tr.Outcome, "result: %+v", tr.Result)
	assert.Equal(t, domain.TargetVenue, tr.Target)
	assert.Equal(t, domain.PlanFilled, tr.Plan.Status)
	assert.Equal(t, domain.VerdictApprove, tr.Decision.Verdict)

	pos, ok := h.risk.Ledger().Position("dex", "PEPE/WETH")
	require.True(t, ok)
	assert.InDelta(t, 100, pos.Quantity, 1e-9)

	stored, err := h.positions.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 100, stored[0].Quantity, 1e-9)

	assert.Equal(t, 1, h.sink.Count(telemetry.EventPlanCreated))
	assert.Equal(t, 1, h.sink.Count(telemetry.EventRiskDecision))
	assert.Equal(t, 1, h.sink.Count(telemetry.EventExecutionResult))
}

func TestProcess_RedeliveredSignalDoesNotDoubleFill(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sig := listing("sig-1", "PEPE/WETH")

	first, err := h.pipeline.Process(context.Background(), sig)
	require.NoError(t, err)
	second, err := h.pipeline.Process(context.Background(), sig)
	require.NoError(t, err)

	assert.Equal(t, OutcomeReplayed, second.Outcome)
	assert.Equal(t, first.Plan.PlanID, second.Plan.PlanID)
	assert.Equal(t, *first.Result, *second.Result)

	pos, _ := h.risk.Ledger().Position("dex", "PEPE/WETH")
	assert.InDelta(t, 100, pos.Quantity, 1e-9)
	snap := h.risk.Snapshot()
	assert.InDelta(t, pos.Exposure(), snap.Exposure, 1e-9, "replay must not leave pending exposure")
}

func TestProcess_PolicyDenial(t *testing.T) {
	h := newHarness(t, harnessOptions{
		policy: policy.NewRuleOracle(policy.Rules{BlockedInstruments: []string{"PEPE/WETH"}}),
	})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, tr.Outcome)
	assert.Equal(t, domain.VerdictReject, tr.Decision.Verdict)
	assert.Equal(t, []domain.Constraint{domain.ConstraintPolicy}, tr.Decision.Triggered)
	assert.Equal(t, domain.PlanRiskRejected, tr.Plan.Status)
	assert.Equal(t, 0, h.store.Len())
}

func TestProcess_RiskRejection(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: risk.LimitsConfig{MaxOpenPositions: 1}})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFilled, tr.Outcome)

	tr, err = h.pipeline.Process(context.Background(), listing("sig-2", "WIF/WETH"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, tr.Outcome)
	assert.Contains(t, tr.Decision.Triggered, domain.ConstraintOpenPositions)
	assert.Nil(t, tr.Result)
	assert.Equal(t, 1, h.store.Len())
}

func TestProcess_ObserveOnlyNeverDispatches(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.ModeObserveOnly})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeObserved, tr.Outcome)
	require.NotNil(t, tr.Plan)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.sink.Count(telemetry.EventRiskDecision))
}

func TestProcess_ShadowRoutesToSimulation(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.ModeShadow, venue: outageVenue{}})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, tr.Outcome)
	assert.Equal(t, domain.TargetSimulation, tr.Target)
}

func TestProcess_VenueOutageReleasesReservation(t *testing.T) {
	h := newHarness(t, harnessOptions{venue: outageVenue{}})

	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, tr.Outcome)
	assert.True(t, tr.Result.Retryable)
	assert.Equal(t, domain.PlanFailed, tr.Plan.Status)
	assert.Zero(t, h.risk.Snapshot().Exposure)
	assert.Equal(t, 0, h.store.Len())
}

func TestProcess_SkipsUnqualifiedSignal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sig := listing("sig-1", "PEPE/WETH")
	sig.EventType = domain.EventPriceMove

	tr, err := h.pipeline.Process(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, tr.Outcome)
	assert.Nil(t, tr.Plan)
}

func TestClose_ReducesPosition(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tr, err := h.pipeline.Process(context.Background(), listing("sig-1", "PEPE/WETH"))
	require.NoError(t, err)
	require.Equal(t, OutcomeFilled, tr.Outcome)

	exit := *tr.Plan
	exit.PlanID = "exit-" + tr.Plan.PlanID
	exit.Side = domain.SideSell
	exit.Size = tr.Result.FillSize
	exit.Status = domain.PlanPending

	closed, err := h.pipeline.Close(context.Background(), &exit)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, closed.Outcome)
	assert.InDelta(t, 100, closed.Fill.ClosedQty, 1e-9)

	pos, _ := h.risk.Ledger().Position("dex", "PEPE/WETH")
	assert.False(t, pos.IsOpen())
}
