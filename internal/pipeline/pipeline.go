// Package pipeline runs one signal through strategy, policy, risk and
// dispatch. Live, shadow, backtest and chaos runs share this code path and
// differ only in the Env they pass in.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/dispatch"
	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/policy"
	"sniper-core/internal/risk"
	"sniper-core/internal/storage"
	"sniper-core/internal/strategy"
	"sniper-core/internal/telemetry"
)

// Outcome summarizes what happened to a signal.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"  // no plan, or plan below the venue minimum
	OutcomeObserved Outcome = "observed" // plan logged in observe-only mode
	OutcomeDenied   Outcome = "denied"   // policy oracle refused the plan
	OutcomeRejected Outcome = "rejected" // risk rejected the plan
	OutcomeFilled   Outcome = "filled"
	OutcomeFailed   Outcome = "failed"
	OutcomeReplayed Outcome = "replayed" // result served from the idempotency store
)

// Env is what differs between live, shadow, backtest and chaos runs.
type Env struct {
	Clock     clock.Clock
	Venue     dispatch.Venue // live adapter; nil when everything is simulated
	Simulator dispatch.Venue
	Store     storage.IdempotencyStore

	// Optional.
	Locker          dispatch.Locker
	Log             storage.ExecutionLogStore
	ForceSimulation bool
}

// Options configures a Pipeline.
type Options struct {
	Env      Env
	Strategy *strategy.Engine
	Policy   policy.Oracle // policy.AllowAll when nil
	Risk     *risk.Engine

	// Dispatch carries retry and timeout settings. Store, venues, clock,
	// sink and logger are taken from Env and the fields below.
	Dispatch dispatch.Options

	Positions storage.PositionStore // optional
	Sink      telemetry.Sink
	Logger    *zap.Logger
}

// Trace records what Process did with one signal.
type Trace struct {
	Signal   *domain.Signal
	Outcome  Outcome
	Plan     *domain.TradePlan
	Decision *domain.RiskDecision
	Result   *domain.ExecutionResult
	Target   domain.Target
	Fill     risk.FillEffect
}

// Pipeline wires the decision stages together.
type Pipeline struct {
	strategy   *strategy.Engine
	policy     policy.Oracle
	risk       *risk.Engine
	dispatcher *dispatch.Dispatcher
	positions  storage.PositionStore
	sink       telemetry.Sink
	logger     *zap.Logger
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Strategy == nil || opts.Risk == nil {
		return nil, errors.New("pipeline requires a strategy engine and a risk engine")
	}
	if opts.Env.Store == nil || opts.Env.Simulator == nil {
		return nil, errors.New("pipeline requires an idempotency store and a simulator")
	}
	if opts.Env.Clock == nil {
		opts.Env.Clock = clock.System{}
	}
	if opts.Policy == nil {
		opts.Policy = policy.AllowAll{}
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dopts := opts.Dispatch
	dopts.Store = opts.Env.Store
	dopts.Venue = opts.Env.Venue
	dopts.Simulator = opts.Env.Simulator
	dopts.Clock = opts.Env.Clock
	dopts.Locker = opts.Env.Locker
	dopts.Log = opts.Env.Log
	dopts.ForceSimulation = opts.Env.ForceSimulation
	dopts.Sink = opts.Sink
	dopts.Logger = opts.Logger

	return &Pipeline{
		strategy:   opts.Strategy,
		policy:     opts.Policy,
		risk:       opts.Risk,
		dispatcher: dispatch.New(dopts),
		positions:  opts.Positions,
		sink:       opts.Sink,
		logger:     opts.Logger,
	}, nil
}

// Risk returns the pipeline's risk engine.
func (p *Pipeline) Risk() *risk.Engine {
	return p.risk
}

// Process runs sig through strategy, policy, risk and dispatch, then
// commits or releases the risk reservation.
//
// Steps:
//  1. Strategy decides under the engine's fixed mode
//  2. Policy oracle authorizes the plan; a denial is a risk rejection
//  3. Risk evaluates and reserves the approved size
//  4. Dispatcher executes at most once per idempotency key
//  5. Fill is committed to the ledger, anything else releases the reservation
func (p *Pipeline) Process(ctx context.Context, sig *domain.Signal) (*Trace, error) {
	tr := &Trace{Signal: sig}

	// 1. Strategy
	d, err := p.strategy.Decide(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	tr.Plan = d.Plan
	switch d.Outcome {
	case strategy.OutcomeForward:
	case strategy.OutcomeObserved:
		tr.Outcome = OutcomeObserved
		return tr, nil
	default:
		tr.Outcome = OutcomeSkipped
		return tr, nil
	}

	// 2. Policy
	auth, err := p.policy.Authorize(ctx, d.Plan)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if !auth.Allowed {
		tr.Decision = p.risk.Deny(d.Plan, auth.Reason)
		p.recordDecision(ctx, d.Plan, tr.Decision, 0)
		_ = d.Plan.Advance(domain.PlanRiskRejected)
		tr.Outcome = OutcomeDenied
		p.logger.Info("policy denied plan",
			zap.String("plan_id", d.Plan.PlanID),
			zap.String("instrument", d.Plan.Instrument),
			zap.String("reason", auth.Reason),
		)
		return tr, nil
	}

	return p.execute(ctx, tr)
}

// Close submits an exit plan that reduces an open position. Exits skip the
// strategy and the policy oracle but still pass risk and dispatch.
func (p *Pipeline) Close(ctx context.Context, plan *domain.TradePlan) (*Trace, error) {
	return p.execute(ctx, &Trace{Plan: plan})
}

func (p *Pipeline) execute(ctx context.Context, tr *Trace) (*Trace, error) {
	plan := tr.Plan

	// 3. Risk
	start := time.Now()
	decision, res, err := p.risk.Evaluate(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	tr.Decision = decision
	p.recordDecision(ctx, plan, decision, time.Since(start).Seconds())
	if !decision.Approved() {
		_ = plan.Advance(domain.PlanRiskRejected)
		tr.Outcome = OutcomeRejected
		return tr, nil
	}
	_ = plan.Advance(domain.PlanRiskApproved)
	_ = plan.Advance(domain.PlanDispatched)

	// 4. Dispatch
	receipt, err := p.dispatcher.Execute(ctx, plan, decision)
	if err != nil {
		res.Release()
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	tr.Result = receipt.Result
	tr.Target = receipt.Target

	// 5. Ledger
	switch {
	case receipt.Replayed:
		res.Release()
		tr.Outcome = OutcomeReplayed
	case receipt.Result.Success:
		effect, err := res.Commit(receipt.Result)
		if err != nil {
			return nil, fmt.Errorf("commit fill: %w", err)
		}
		tr.Fill = effect
		tr.Outcome = OutcomeFilled
		p.persist(ctx, &effect.Position)
	default:
		res.Release()
		tr.Outcome = OutcomeFailed
	}
	p.advanceTerminal(plan, receipt.Result)

	snap := p.risk.Snapshot()
	observability.UpdatePortfolio(snap.Equity, snap.Exposure, snap.Drawdown)
	return tr, nil
}

func (p *Pipeline) advanceTerminal(plan *domain.TradePlan, res *domain.ExecutionResult) {
	next := domain.PlanFailed
	switch {
	case res.Success:
		next = domain.PlanFilled
	case res.IsExpired():
		next = domain.PlanExpired
	}
	_ = plan.Advance(next)
}

func (p *Pipeline) persist(ctx context.Context, pos *domain.Position) {
	if p.positions == nil || pos.Instrument == "" {
		return
	}
	if err := p.positions.Upsert(ctx, pos); err != nil {
		p.logger.Warn("persist position",
			zap.String("instrument", pos.Instrument),
			zap.String("venue", pos.Venue),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) recordDecision(ctx context.Context, plan *domain.TradePlan, d *domain.RiskDecision, seconds float64) {
	observability.RecordRiskDecision(string(d.Verdict), seconds)
	ev := telemetry.NewEvent(telemetry.EventRiskDecision, d.DecidedAtMs, d)
	ev.SignalID = plan.SignalID
	ev.PlanID = plan.PlanID
	if err := p.sink.Emit(ctx, ev); err != nil {
		p.logger.Warn("telemetry emit failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}
}
