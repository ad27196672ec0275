package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/telemetry"
)

// Outcome is what the engine did with a signal.
type Outcome string

const (
	// OutcomeForward: a plan was created and must go to risk evaluation.
	OutcomeForward Outcome = "forward"
	// OutcomeObserved: a plan was created and logged only.
	OutcomeObserved Outcome = "observed"
	// OutcomeNoTrade: the signal did not qualify.
	OutcomeNoTrade Outcome = "no_trade"
	// OutcomeBelowMinUnit: the plan was smaller than the venue minimum and discarded.
	OutcomeBelowMinUnit Outcome = "below_min_unit"
)

// ErrInvalidMode is returned by NewEngine for an unknown mode.
var ErrInvalidMode = errors.New("invalid operating mode")

// Quoter supplies the current book for an instrument.
type Quoter interface {
	GetBook(ctx context.Context, instrument string) (*domain.PriceState, error)
}

// Decision is the result of one Decide call. Plan is nil for OutcomeNoTrade.
type Decision struct {
	Outcome Outcome
	Plan    *domain.TradePlan
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Mode     domain.Mode
	Strategy Strategy
	// MinUnits maps venue to its minimum tradable size. Venues not listed
	// use DefaultMinUnit.
	MinUnits       map[string]float64
	DefaultMinUnit float64
	Quoter         Quoter
	Clock          clock.Clock
	Sink           telemetry.Sink
	Logger         *zap.Logger
}

// Engine applies one strategy under a fixed operating mode. The mode is set
// at construction and never changes for the life of the engine.
type Engine struct {
	mode     domain.Mode
	strategy Strategy
	minUnits map[string]float64
	minUnit  float64
	quoter   Quoter
	clock    clock.Clock
	sink     telemetry.Sink
	logger   *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}
	if opts.Strategy == nil {
		return nil, errors.New("strategy engine requires a strategy")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		mode:     opts.Mode,
		strategy: opts.Strategy,
		minUnits: opts.MinUnits,
		minUnit:  opts.DefaultMinUnit,
		quoter:   opts.Quoter,
		clock:    opts.Clock,
		sink:     opts.Sink,
		logger:   opts.Logger,
	}, nil
}

// Mode returns the engine's operating mode.
func (e *Engine) Mode() domain.Mode {
	return e.mode
}

// Strategy returns the wrapped strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Decide converts sig into zero or one plan. In normal mode the plan
// targets the venue, in shadow mode the simulator; in observe-only mode it
// is logged and never forwarded.
func (e *Engine) Decide(ctx context.Context, sig *domain.Signal) (Decision, error) {
	nowMs := e.clock.NowMs()

	plan, err := e.strategy.Propose(ctx, Input{
		Signal:         sig,
		ReferencePrice: e.referencePrice(ctx, sig),
		NowMs:          nowMs,
	})
	if err != nil {
		if errors.Is(err, ErrNoReferencePrice) {
			e.logger.Info("no reference price, skipping signal",
				zap.String("signal_id", sig.ID),
				zap.String("instrument", sig.Instrument),
			)
			return Decision{Outcome: OutcomeNoTrade}, nil
		}
		return Decision{}, fmt.Errorf("propose: %w", err)
	}
	if plan == nil {
		return Decision{Outcome: OutcomeNoTrade}, nil
	}

	plan.Mode = e.mode
	switch e.mode {
	case domain.ModeNormal:
		plan.Target = domain.TargetVenue
	default:
		plan.Target = domain.TargetSimulation
	}

	if minUnit := e.minUnitFor(plan.Venue); plan.Size <= 0 || (minUnit > 0 && plan.Size < minUnit) {
		e.logger.Debug("plan below minimum tradable unit",
			zap.String("plan_id", plan.PlanID),
			zap.String("venue", plan.Venue),
			zap.Float64("size", plan.Size),
			zap.Float64("min_unit", minUnit),
		)
		return Decision{Outcome: OutcomeBelowMinUnit}, nil
	}

	observability.RecordPlanCreated(string(e.mode), e.strategy.ID())
	ev := telemetry.NewEvent(telemetry.EventPlanCreated, nowMs, plan)
	ev.SignalID = sig.ID
	ev.PlanID = plan.PlanID
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Warn("telemetry emit failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}

	if e.mode == domain.ModeObserveOnly {
		e.logger.Info("observed plan",
			zap.String("plan_id", plan.PlanID),
			zap.String("instrument", plan.Instrument),
			zap.String("side", string(plan.Side)),
			zap.Float64("size", plan.Size),
			zap.Float64("reference_price", plan.ReferencePrice),
		)
		return Decision{Outcome: OutcomeObserved, Plan: plan}, nil
	}
	return Decision{Outcome: OutcomeForward, Plan: plan}, nil
}

func (e *Engine) referencePrice(ctx context.Context, sig *domain.Signal) float64 {
	if e.quoter != nil {
		state, err := e.quoter.GetBook(ctx, sig.Instrument)
		if err == nil && state != nil && state.Mid > 0 {
			return state.Mid
		}
		if err != nil {
			e.logger.Debug("book lookup failed", zap.String("instrument", sig.Instrument), zap.Error(err))
		}
	}
	return sig.Price
}

func (e *Engine) minUnitFor(venue string) float64 {
	if m, ok := e.minUnits[venue]; ok {
		return m
	}
	return e.minUnit
}
