// Package orchestrator runs the live service loop.
// It coordinates: intake → pipeline workers → exit checks
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/idhash"
	"sniper-core/internal/intake"
	"sniper-core/internal/lookup"
	"sniper-core/internal/pipeline"
	"sniper-core/internal/strategy"
)

const sizeEpsilon = 1e-12

// Orchestrator feeds accepted signals to a pool of pipeline workers. Every
// signal carrying a price marks its instrument; open positions are checked
// against their exit rules on each mark.
type Orchestrator struct {
	intake   *intake.Intake
	source   intake.Source
	pipeline *pipeline.Pipeline
	books    *lookup.Index
	clock    clock.Clock

	// Exit settings
	mode      domain.Mode
	exits     domain.ExitRules
	ttlMs     int64
	retention time.Duration

	// Options
	workers int
	buffer  int
	logger  *zap.Logger

	// State
	mu     sync.Mutex
	open   map[string]*position // by entry plan id
	result RunResult
}

// Options for creating Orchestrator.
type Options struct {
	// Required components
	Intake   *intake.Intake
	Source   intake.Source
	Pipeline *pipeline.Pipeline
	Books    *lookup.Index // price states read by the simulator and quoter

	Clock clock.Clock

	// Mode decides where exit plans are routed; it should match the
	// strategy engine's mode.
	Mode  domain.Mode
	Exits domain.ExitRules
	TTLMs int64

	// BookRetention bounds how much price history is kept per instrument.
	// Zero keeps everything.
	BookRetention time.Duration

	Workers int
	Buffer  int
	Logger  *zap.Logger
}

// New creates a new Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Intake == nil || opts.Source == nil || opts.Pipeline == nil || opts.Books == nil {
		return nil, errors.New("orchestrator requires intake, source, pipeline and books")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		intake:    opts.Intake,
		source:    opts.Source,
		pipeline:  opts.Pipeline,
		books:     opts.Books,
		clock:     opts.Clock,
		mode:      opts.Mode,
		exits:     opts.Exits,
		ttlMs:     opts.TTLMs,
		retention: opts.BookRetention,
		workers:   opts.Workers,
		buffer:    opts.Buffer,
		logger:    opts.Logger,
		open:      make(map[string]*position),
		result:    RunResult{Outcomes: make(map[pipeline.Outcome]int)},
	}, nil
}

// RunResult contains results from orchestrator execution.
type RunResult struct {
	Intake    intake.Stats
	Processed int
	Outcomes  map[pipeline.Outcome]int
	Exits     int
	Errors    int
}

// position is an open entry fill awaiting its exit.
type position struct {
	plan     *domain.TradePlan
	size     float64
	exit     *strategy.ExitState
	attempts int
	closing  bool
}

// Run executes the service loop until the source is exhausted or ctx is
// cancelled. Signals already queued when the intake stops are still
// processed.
//
// Phases:
//  1. Intake drains the source into a bounded channel
//  2. Workers mark prices, run the pipeline and track fills
//  3. Each mark checks the instrument's open positions for exits
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	signals := make(chan *domain.Signal, o.buffer)

	var g errgroup.Group
	g.Go(func() error {
		defer close(signals)
		stats, err := o.intake.Run(ctx, o.source, signals)
		o.mu.Lock()
		o.result.Intake = stats
		o.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("intake: %w", err)
		}
		return nil
	})
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for sig := range signals {
				o.handle(context.WithoutCancel(ctx), sig)
			}
			return nil
		})
	}
	err := g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	res := o.result
	res.Outcomes = make(map[pipeline.Outcome]int, len(o.result.Outcomes))
	for k, v := range o.result.Outcomes {
		res.Outcomes[k] = v
	}
	o.logger.Info("orchestrator stopped",
		zap.Int("received", res.Intake.Received),
		zap.Int("dropped", res.Intake.Dropped),
		zap.Int("processed", res.Processed),
		zap.Int("exits", res.Exits),
		zap.Int("errors", res.Errors),
		zap.Int("open", len(o.open)),
	)
	return &res, err
}

// Open returns the number of positions awaiting an exit.
func (o *Orchestrator) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.open)
}

func (o *Orchestrator) handle(ctx context.Context, sig *domain.Signal) {
	o.mark(sig)

	tr, err := o.pipeline.Process(ctx, sig)
	o.mu.Lock()
	o.result.Processed++
	if err != nil {
		o.result.Errors++
	} else {
		o.result.Outcomes[tr.Outcome]++
	}
	o.mu.Unlock()
	if err != nil {
		o.logger.Error("process signal failed", zap.String("signal_id", sig.ID), zap.Error(err))
		return
	}
	if tr.Outcome == pipeline.OutcomeFilled {
		o.track(tr)
	}

	if sig.Price > 0 {
		o.checkExits(ctx, sig.Instrument, sig.Price)
	}
}

// mark records the signal price as the instrument's latest state.
func (o *Orchestrator) mark(sig *domain.Signal) {
	if sig.Price <= 0 {
		return
	}
	o.books.Add(&domain.PriceState{
		Venue:       sig.Venue,
		Instrument:  sig.Instrument,
		Mid:         sig.Price,
		TimestampMs: sig.TimestampMs,
	})
	o.pipeline.Risk().Ledger().Mark(sig.Instrument, sig.Price, sig.TimestampMs)
	if o.retention > 0 {
		o.books.Prune(sig.Instrument, sig.TimestampMs-o.retention.Milliseconds())
	}
}

func (o *Orchestrator) track(tr *pipeline.Trace) {
	res := tr.Result
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open[tr.Plan.PlanID] = &position{
		plan: tr.Plan,
		size: res.FillSize,
		exit: strategy.NewExitState(tr.Plan.Side, res.FillPrice, res.CompletedAtMs),
	}
}

// checkExits closes every open position on instrument whose exit rules
// fire at price. A position is claimed before its exit is submitted so
// two workers never close it twice.
func (o *Orchestrator) checkExits(ctx context.Context, instrument string, price float64) {
	nowMs := o.clock.NowMs()

	type claim struct {
		id     string
		pos    *position
		reason string
	}
	var due []claim
	o.mu.Lock()
	for id, p := range o.open {
		if p.closing || p.plan.Instrument != instrument {
			continue
		}
		if reason := p.exit.Check(o.exits, price, nowMs); reason != "" {
			p.closing = true
			p.attempts++
			due = append(due, claim{id, p, reason})
		}
	}
	o.mu.Unlock()

	for _, c := range due {
		filled := o.close(ctx, c.pos, c.reason, price, nowMs)
		o.mu.Lock()
		c.pos.closing = false
		c.pos.size -= filled
		if filled > 0 && c.pos.size <= sizeEpsilon {
			delete(o.open, c.id)
			o.result.Exits++
		}
		o.mu.Unlock()
	}
}

// close submits the exit plan for p and returns the filled size. A failed
// or partial exit leaves the rest open for the next mark.
func (o *Orchestrator) close(ctx context.Context, p *position, reason string, price float64, nowMs int64) float64 {
	target := domain.TargetSimulation
	if o.mode == domain.ModeNormal {
		target = domain.TargetVenue
	}
	plan := &domain.TradePlan{
		PlanID:         idhash.ComputePlanID(fmt.Sprintf("exit:%s:%d", reason, p.attempts), p.plan.PlanID),
		SignalID:       p.plan.SignalID,
		StrategyID:     p.plan.StrategyID,
		Venue:          p.plan.Venue,
		Instrument:     p.plan.Instrument,
		Side:           p.plan.Side.Opposite(),
		Size:           p.size,
		ReferencePrice: price,
		CreatedAtMs:    nowMs,
		Mode:           o.mode,
		Target:         target,
		Status:         domain.PlanPending,
	}
	if o.ttlMs > 0 {
		plan.DeadlineMs = nowMs + o.ttlMs
	}

	tr, err := o.pipeline.Close(ctx, plan)
	if err != nil {
		o.logger.Error("exit failed", zap.String("plan_id", p.plan.PlanID), zap.String("reason", reason), zap.Error(err))
		return 0
	}
	if tr.Outcome != pipeline.OutcomeFilled {
		o.logger.Warn("exit not filled",
			zap.String("plan_id", p.plan.PlanID),
			zap.String("reason", reason),
			zap.String("outcome", string(tr.Outcome)),
		)
		return 0
	}
	o.logger.Info("exit filled",
		zap.String("plan_id", p.plan.PlanID),
		zap.String("instrument", p.plan.Instrument),
		zap.String("reason", reason),
		zap.Float64("exit_price", tr.Result.FillPrice),
		zap.Float64("size", tr.Result.FillSize),
	)
	return tr.Result.FillSize
}
