// Package backtest replays history through the live decision pipeline with
// simulated execution, and evaluates strategies in rolling walk-forward
// windows.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/dispatch"
	"sniper-core/internal/domain"
	"sniper-core/internal/idhash"
	"sniper-core/internal/lookup"
	"sniper-core/internal/observability"
	"sniper-core/internal/pipeline"
	"sniper-core/internal/policy"
	"sniper-core/internal/replay"
	"sniper-core/internal/risk"
	"sniper-core/internal/storage"
	"sniper-core/internal/storage/memory"
	"sniper-core/internal/strategy"
	"sniper-core/internal/telemetry"
)

// ErrNoData is returned when a run range holds no historical events.
var ErrNoData = errors.New("no historical data in range")

// Perturber injects faults into a run. The chaos harness implements it.
type Perturber interface {
	// WrapBooks wraps the price source the simulated venue fills against.
	WrapBooks(books dispatch.BookSource) dispatch.BookSource
	// WrapVenue wraps the simulated venue the dispatcher submits to.
	WrapVenue(venue dispatch.Venue) dispatch.Venue
}

// RunConfig describes one backtest run. It is copied by Run and not
// modified.
type RunConfig struct {
	RunID      string
	StartMs    int64
	EndMs      int64 // exclusive
	Strategy   domain.StrategyConfig
	MinUnits   map[string]float64
	Policy     policy.Oracle // policy.AllowAll when nil
	Risk       risk.Config
	Simulation domain.SimulationConfig
	Perturb    Perturber // optional
}

// Execution is one plan that reached risk evaluation.
type Execution struct {
	PlanID     string                  `json:"plan_id"`
	SignalID   string                  `json:"signal_id"`
	Instrument string                  `json:"instrument"`
	Side       domain.Side             `json:"side"`
	Exit       bool                    `json:"exit"`
	Outcome    pipeline.Outcome        `json:"outcome"`
	Verdict    domain.Verdict          `json:"verdict"`
	Result     *domain.ExecutionResult `json:"result,omitempty"` // nil when risk rejected the plan
}

// Report is the outcome of one run.
type Report struct {
	RunID      string                   `json:"run_id"`
	StartMs    int64                    `json:"start_ms"`
	EndMs      int64                    `json:"end_ms"`
	StrategyID string                   `json:"strategy_id"`
	Config     domain.StrategyConfig    `json:"config"`
	Events     int                      `json:"events"`
	Signals    int                      `json:"signals"`
	Outcomes   map[pipeline.Outcome]int `json:"outcomes"`
	Metrics    Metrics                  `json:"metrics"`
	Trades     []domain.ClosedTrade     `json:"trades"`
	Executions []Execution              `json:"executions"`
}

// Entries returns the executions of entry plans, in dispatch order.
func (r *Report) Entries() []Execution {
	out := make([]Execution, 0, len(r.Executions))
	for _, e := range r.Executions {
		if !e.Exit {
			out = append(out, e)
		}
	}
	return out
}

// Options configures a Runner.
type Options struct {
	History storage.HistoryStore
	Log     storage.ExecutionLogStore // optional audit of simulated fills
	Sink    telemetry.Sink
	Logger  *zap.Logger
}

// Runner executes backtests. Each run gets its own ledger, clock and
// idempotency store, so runs can execute in parallel.
type Runner struct {
	replay *replay.Runner
	log    storage.ExecutionLogStore
	sink   telemetry.Sink
	logger *zap.Logger
}

// NewRunner creates a new backtest runner.
func NewRunner(opts Options) *Runner {
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		replay: replay.NewRunner(opts.History),
		log:    opts.Log,
		sink:   opts.Sink,
		logger: opts.Logger,
	}
}

// Run replays [cfg.StartMs, cfg.EndMs) through the pipeline with dispatch
// forced to the simulator, then closes every position still open at the
// end of the range.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	start := time.Now()
	report, err := r.run(ctx, cfg)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	observability.RecordRun("backtest", status, time.Since(start).Seconds())
	return report, err
}

func (r *Runner) run(ctx context.Context, cfg RunConfig) (*Report, error) {
	events, err := r.replay.Load(ctx, cfg.StartMs, cfg.EndMs)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrNoData, cfg.StartMs, cfg.EndMs)
	}

	s, err := r.newSession(cfg, events[0].TimestampMs)
	if err != nil {
		return nil, err
	}
	if err := replay.Play(ctx, events, s); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if err := s.closeAll(ctx); err != nil {
		return nil, fmt.Errorf("close positions: %w", err)
	}

	SortTrades(s.report.Trades)
	s.report.Metrics = ComputeMetrics(s.report.Trades, cfg.Risk.InitialEquity)

	r.logger.Info("backtest run completed",
		zap.String("run_id", cfg.RunID),
		zap.String("strategy_id", s.report.StrategyID),
		zap.Int("events", s.report.Events),
		zap.Int("trades", s.report.Metrics.Trades),
		zap.Float64("total_return", s.report.Metrics.TotalReturn),
	)
	return s.report, nil
}

// session is the state of one run. It is driven by a single replay
// goroutine.
type session struct {
	cfg      RunConfig
	clock    *clock.Sim
	index    *lookup.Index
	pipeline *pipeline.Pipeline
	risk     *risk.Engine
	lots     *lotBook
	report   *Report
	logger   *zap.Logger
}

func (r *Runner) newSession(cfg RunConfig, startMs int64) (*session, error) {
	clk := clock.NewSim(startMs)
	index := lookup.NewIndex()

	var books dispatch.BookSource = index
	if cfg.Perturb != nil {
		books = cfg.Perturb.WrapBooks(books)
	}
	sim := dispatch.NewSimVenue(cfg.Simulation, books, clk)
	var venue dispatch.Venue = sim
	if cfg.Perturb != nil {
		venue = cfg.Perturb.WrapVenue(venue)
	}

	strat, err := strategy.FromConfig(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	engine, err := strategy.NewEngine(strategy.EngineOptions{
		Mode:           domain.ModeShadow,
		Strategy:       strat,
		MinUnits:       cfg.MinUnits,
		DefaultMinUnit: cfg.Strategy.MinUnit,
		Quoter:         sim,
		Clock:          clk,
		Sink:           r.sink,
		Logger:         r.logger,
	})
	if err != nil {
		return nil, err
	}

	riskEngine := risk.NewEngine(risk.Options{Config: cfg.Risk, Clock: clk, Logger: r.logger})
	p, err := pipeline.New(pipeline.Options{
		Env: pipeline.Env{
			Clock:           clk,
			Simulator:       venue,
			Store:           memory.NewIdempotencyStore(),
			Log:             r.log,
			ForceSimulation: true,
		},
		Strategy: engine,
		Policy:   cfg.Policy,
		Risk:     riskEngine,
		// The simulated venue answers at once, so venue retries only
		// need a token pause.
		Dispatch: dispatch.Options{
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		},
		Sink:   r.sink,
		Logger: r.logger,
	})
	if err != nil {
		return nil, err
	}

	return &session{
		cfg:      cfg,
		clock:    clk,
		index:    index,
		pipeline: p,
		risk:     riskEngine,
		lots:     newLotBook(),
		report: &Report{
			RunID:      cfg.RunID,
			StartMs:    cfg.StartMs,
			EndMs:      cfg.EndMs,
			StrategyID: strat.ID(),
			Config:     cfg.Strategy,
			Outcomes:   make(map[pipeline.Outcome]int),
			Trades:     []domain.ClosedTrade{},
			Executions: []Execution{},
		},
		logger: r.logger,
	}, nil
}

// OnEvent implements replay.Handler.
func (s *session) OnEvent(ctx context.Context, event *replay.Event) error {
	s.clock.Set(event.TimestampMs)
	s.report.Events++

	switch event.Type {
	case replay.EventTypeBook:
		return s.onBook(ctx, event.Book)
	case replay.EventTypeSignal:
		return s.onSignal(ctx, event.Signal)
	}
	return nil
}

func (s *session) onBook(ctx context.Context, book *domain.PriceState) error {
	s.index.Add(book)
	s.risk.Ledger().Mark(book.Instrument, book.Mid, book.TimestampMs)
	s.risk.ObserveBook(book)
	if book.Volatility > 0 {
		s.risk.UpdateVolatility(book.Instrument, book.Volatility)
	}

	// Copy: closing a lot edits the slice.
	open := append([]*lot(nil), s.lots.lots(book.Venue, book.Instrument)...)
	for _, l := range open {
		reason := l.exit.Check(l.rules, book.Mid, book.TimestampMs)
		if reason == "" {
			continue
		}
		if err := s.close(ctx, l, reason, book.Mid); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) onSignal(ctx context.Context, sig *domain.Signal) error {
	s.report.Signals++
	tr, err := s.pipeline.Process(ctx, sig)
	if err != nil {
		return fmt.Errorf("process signal %s: %w", sig.ID, err)
	}
	s.record(tr, false)
	if tr.Outcome == pipeline.OutcomeFilled {
		s.report.Trades = append(s.report.Trades, s.lots.entry(tr.Plan, tr.Result)...)
	}
	return nil
}

// close submits an exit plan for the rest of l. A failed exit leaves the
// lot open so the next book can retry it.
func (s *session) close(ctx context.Context, l *lot, reason string, price float64) error {
	l.attempts++
	nowMs := s.clock.NowMs()
	plan := &domain.TradePlan{
		PlanID:         idhash.ComputePlanID(fmt.Sprintf("exit:%s:%d", reason, l.attempts), l.planID),
		SignalID:       l.signalID,
		StrategyID:     l.strategyID,
		Venue:          l.venue,
		Instrument:     l.instrument,
		Side:           l.side.Opposite(),
		Size:           l.size,
		ReferencePrice: price,
		CreatedAtMs:    nowMs,
		Mode:           domain.ModeShadow,
		Target:         domain.TargetSimulation,
		Status:         domain.PlanPending,
	}
	if s.cfg.Strategy.TTLMs > 0 {
		plan.DeadlineMs = nowMs + s.cfg.Strategy.TTLMs
	}

	tr, err := s.pipeline.Close(ctx, plan)
	if err != nil {
		return fmt.Errorf("exit %s: %w", l.planID, err)
	}
	s.record(tr, true)
	if tr.Outcome != pipeline.OutcomeFilled {
		s.logger.Debug("exit not filled",
			zap.String("plan_id", l.planID),
			zap.String("reason", reason),
			zap.String("outcome", string(tr.Outcome)),
		)
		return nil
	}
	s.report.Trades = append(s.report.Trades, s.lots.exit(l, tr.Result, reason))
	return nil
}

// closeAll exits every open lot at the last known mid. Lots whose exit
// does not fill are realized at that mid without exit costs.
func (s *session) closeAll(ctx context.Context) error {
	nowMs := s.clock.NowMs()
	for _, l := range s.lots.all() {
		state, err := s.index.BookAt(ctx, l.instrument, nowMs)
		if err != nil {
			return fmt.Errorf("last price for %s: %w", l.instrument, err)
		}
		if err := s.close(ctx, l, domain.ExitReasonEndOfWindow, state.Mid); err != nil {
			return err
		}
		if l.closed() {
			continue
		}
		s.logger.Warn("end of window exit not filled, realizing at mid",
			zap.String("plan_id", l.planID),
			zap.String("instrument", l.instrument),
			zap.Float64("mid", state.Mid),
		)
		s.report.Trades = append(s.report.Trades, s.lots.force(l, state.Mid, nowMs, domain.ExitReasonEndOfWindow))
	}
	return nil
}

func (s *session) record(tr *pipeline.Trace, exit bool) {
	s.report.Outcomes[tr.Outcome]++
	if tr.Plan == nil || tr.Decision == nil {
		return
	}
	s.report.Executions = append(s.report.Executions, Execution{
		PlanID:     tr.Plan.PlanID,
		SignalID:   tr.Plan.SignalID,
		Instrument: tr.Plan.Instrument,
		Side:       tr.Plan.Side,
		Exit:       exit,
		Outcome:    tr.Outcome,
		Verdict:    tr.Decision.Verdict,
		Result:     tr.Result,
	})
}

var _ replay.Handler = (*session)(nil)
