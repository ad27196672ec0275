package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/keylock"
)

const sizeEpsilon = 1e-9

// Risk engine errors.
var (
	ErrInvalidPlan       = errors.New("invalid plan for risk evaluation")
	ErrReservationClosed = errors.New("reservation already committed or released")
)

// Options configures an Engine.
type Options struct {
	Config Config
	Ledger *Ledger     // created from Config.InitialEquity when nil
	Clock  clock.Clock // clock.System{} when nil
	Logger *zap.Logger
}

// Engine produces exactly one RiskDecision per plan. Evaluations on the
// same instrument are serialized, and widen to the whole portfolio when a
// cross-instrument limit is configured. Approved size is held as a pending
// reservation until the fill is committed or the reservation released, so
// concurrent plans never share the same unit of headroom.
type Engine struct {
	cfg     Config
	ledger  *Ledger
	clock   clock.Clock
	logger  *zap.Logger
	locks   *keylock.Map
	breaker *Breaker

	mu          sync.Mutex // guards pending, volatility and correlation
	pending     map[string]*Reservation
	volatility  map[string]float64
	correlation map[string]map[string]float64
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.Ledger == nil {
		opts.Ledger = NewLedger(opts.Config.InitialEquity)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:         opts.Config,
		ledger:      opts.Ledger,
		clock:       opts.Clock,
		logger:      opts.Logger,
		locks:       keylock.New(),
		breaker:     newBreaker(opts.Config.Breaker, opts.Logger),
		pending:     make(map[string]*Reservation),
		volatility:  make(map[string]float64),
		correlation: make(map[string]map[string]float64),
	}
}

// Ledger returns the engine's position ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Breaker returns the engine's circuit breaker.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// ObserveBook feeds a book snapshot to the circuit breaker.
func (e *Engine) ObserveBook(book *domain.PriceState) {
	e.breaker.ObserveBook(book)
}

// UpdateVolatility records recent realized volatility for instrument.
func (e *Engine) UpdateVolatility(instrument string, vol float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volatility[instrument] = vol
}

// UpdateCorrelation records the pairwise correlation between a and b.
func (e *Engine) UpdateCorrelation(a, b string, corr float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		row, ok := e.correlation[pair[0]]
		if !ok {
			row = make(map[string]float64)
			e.correlation[pair[0]] = row
		}
		row[pair[1]] = corr
	}
}

// Snapshot returns the portfolio view including pending reservations.
func (e *Engine) Snapshot() domain.PortfolioSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Multiplier returns the current drawdown multiplier.
func (e *Engine) Multiplier() float64 {
	snap := e.Snapshot()
	return DrawdownMultiplier(e.cfg.Drawdown, snap.Drawdown)
}

func (e *Engine) snapshotLocked() domain.PortfolioSnapshot {
	snap := e.ledger.Snapshot()

	open := make(map[string]bool, len(snap.Positions))
	for i := range snap.Positions {
		if snap.Positions[i].IsOpen() {
			open[snap.Positions[i].Instrument] = true
		}
	}
	for _, r := range e.pending {
		snap.Exposure += r.notional
		if r.opens && !open[r.instrument] {
			open[r.instrument] = true
			snap.OpenPositions++
		}
	}

	snap.Volatility = make(map[string]float64, len(e.volatility))
	for k, v := range e.volatility {
		snap.Volatility[k] = v
	}
	snap.Correlations = make(map[string]map[string]float64, len(e.correlation))
	for k, row := range e.correlation {
		cp := make(map[string]float64, len(row))
		for k2, v := range row {
			cp[k2] = v
		}
		snap.Correlations[k] = cp
	}
	return snap
}

func (e *Engine) pendingUnitsLocked(instrument string) float64 {
	total := 0.0
	for _, r := range e.pending {
		if r.instrument == instrument {
			total += r.units
		}
	}
	return total
}

func (e *Engine) lockKey(instrument string) string {
	if e.cfg.Limits.spansInstruments() {
		return "portfolio"
	}
	return "instrument:" + instrument
}

// Deny builds the reject decision for a plan refused by the policy oracle.
// Sizing is skipped.
func (e *Engine) Deny(plan *domain.TradePlan, reason string) *domain.RiskDecision {
	return &domain.RiskDecision{
		PlanID:        plan.PlanID,
		Verdict:       domain.VerdictReject,
		RequestedSize: plan.Size,
		Multiplier:    1,
		Triggered:     []domain.Constraint{domain.ConstraintPolicy},
		Reasons:       []string{reason},
		DecidedAtMs:   e.clock.NowMs(),
	}
}

// Evaluate sizes plan and checks it against portfolio constraints in the
// fixed order exposure, correlation, open positions. Exposure and the
// per-instrument limit reduce the size; correlation, open positions and
// daily loss reject. Plans that reduce an open position skip the limits
// and the circuit breaker; a tripped breaker rejects everything else. A non-nil Reservation is returned for approvals and
// must be committed or released by the caller.
func (e *Engine) Evaluate(ctx context.Context, plan *domain.TradePlan) (*domain.RiskDecision, *Reservation, error) {
	if plan == nil || plan.Size <= 0 || plan.ReferencePrice <= 0 || plan.Instrument == "" {
		return nil, nil, ErrInvalidPlan
	}

	unlock, err := e.locks.Lock(ctx, e.lockKey(plan.Instrument))
	if err != nil {
		return nil, nil, fmt.Errorf("acquire risk lock: %w", err)
	}
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snapshotLocked()
	d := &domain.RiskDecision{
		PlanID:        plan.PlanID,
		RequestedSize: plan.Size,
		Multiplier:    DrawdownMultiplier(e.cfg.Drawdown, snap.Drawdown),
		DecidedAtMs:   e.clock.NowMs(),
	}

	existing, _ := e.ledger.Position(plan.Venue, plan.Instrument)
	if reducesPosition(existing, plan) {
		d.Verdict = domain.VerdictApprove
		d.ApprovedSize = plan.Size
		r := e.reserveLocked(plan, plan.Size, false)
		r.units = 0
		r.notional = 0
		e.log(plan, d)
		return d, r, nil
	}

	if e.breaker.check(snap.Drawdown, d.DecidedAtMs) {
		st := e.breaker.State()
		d.Verdict = domain.VerdictReject
		d.Triggered = append(d.Triggered, domain.ConstraintCircuitBreaker)
		d.Reasons = append(d.Reasons, fmt.Sprintf("circuit breaker tripped: %s %s", st.Reason, st.Detail))
		e.log(plan, d)
		return d, nil, nil
	}

	size := e.evaluateLocked(plan, &snap, existing, d)
	if d.Verdict == domain.VerdictReject {
		e.log(plan, d)
		return d, nil, nil
	}

	d.ApprovedSize = size
	if size >= plan.Size-sizeEpsilon {
		d.Verdict = domain.VerdictApprove
		d.ApprovedSize = plan.Size
	} else {
		d.Verdict = domain.VerdictAdjustSize
	}
	r := e.reserveLocked(plan, d.ApprovedSize, !existing.IsOpen())
	e.log(plan, d)
	return d, r, nil
}

// evaluateLocked returns the approved size, or sets d.Verdict to reject.
func (e *Engine) evaluateLocked(plan *domain.TradePlan, snap *domain.PortfolioSnapshot, existing domain.Position, d *domain.RiskDecision) float64 {
	limits := e.cfg.Limits
	reject := func(c domain.Constraint, format string, args ...any) float64 {
		d.Verdict = domain.VerdictReject
		d.ApprovedSize = 0
		d.Triggered = append(d.Triggered, c)
		d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
		return 0
	}
	adjust := func(c domain.Constraint, format string, args ...any) {
		d.Triggered = append(d.Triggered, c)
		d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
	}

	size := plan.Size
	if capUnits := Size(e.cfg.Sizing, snap, plan); capUnits < size {
		size = capUnits
		adjust(domain.ConstraintSizing, "sizing cap %.6f units", capUnits)
	}
	if d.Multiplier < 1 {
		size *= d.Multiplier
		adjust(domain.ConstraintSizing, "drawdown %.4f multiplier %.4f", snap.Drawdown, d.Multiplier)
	}
	if size <= 0 {
		return reject(domain.ConstraintSizing, "sizing leaves no size")
	}

	// Exposure: per-instrument units, then aggregate notional.
	if limits.MaxInstrumentUnits > 0 {
		held := math.Abs(existing.Quantity) + e.pendingUnitsLocked(plan.Instrument)
		headroom := limits.MaxInstrumentUnits - held
		if headroom <= sizeEpsilon {
			return reject(domain.ConstraintInstrumentLimit, "instrument %s at limit %.6f", plan.Instrument, limits.MaxInstrumentUnits)
		}
		if size > headroom {
			size = headroom
			adjust(domain.ConstraintInstrumentLimit, "instrument headroom %.6f units", headroom)
		}
	}
	if limits.MaxExposure > 0 {
		headroom := limits.MaxExposure - snap.Exposure
		if headroom <= sizeEpsilon {
			return reject(domain.ConstraintExposure, "aggregate exposure %.2f at ceiling %.2f", snap.Exposure, limits.MaxExposure)
		}
		if size*plan.ReferencePrice > headroom {
			size = headroom / plan.ReferencePrice
			adjust(domain.ConstraintExposure, "exposure headroom %.2f", headroom)
		}
	}

	if limits.MaxCorrelation > 0 {
		row := snap.Correlations[plan.Instrument]
		for i := range snap.Positions {
			p := &snap.Positions[i]
			if !p.IsOpen() || p.Instrument == plan.Instrument {
				continue
			}
			if c := row[p.Instrument]; math.Abs(c) > limits.MaxCorrelation {
				return reject(domain.ConstraintCorrelation, "correlation %.4f with %s exceeds %.4f", c, p.Instrument, limits.MaxCorrelation)
			}
		}
	}

	if limits.MaxOpenPositions > 0 && !existing.IsOpen() && snap.OpenPositions >= limits.MaxOpenPositions {
		return reject(domain.ConstraintOpenPositions, "open positions %d at limit %d", snap.OpenPositions, limits.MaxOpenPositions)
	}

	if limits.MaxDailyLossPct > 0 && snap.DailyPnL < 0 {
		if loss := -snap.DailyPnL; loss >= limits.MaxDailyLossPct*(snap.Equity+loss) {
			return reject(domain.ConstraintDailyLoss, "daily loss %.2f reached limit", loss)
		}
	}

	if limits.MinUnit > 0 && size < limits.MinUnit-sizeEpsilon {
		return reject(domain.ConstraintMinSize, "size %.6f below minimum unit %.6f", size, limits.MinUnit)
	}
	return size
}

func reducesPosition(existing domain.Position, plan *domain.TradePlan) bool {
	if !existing.IsOpen() {
		return false
	}
	if existing.Quantity*plan.Side.Sign() >= 0 {
		return false
	}
	return plan.Size <= math.Abs(existing.Quantity)+sizeEpsilon
}

func (e *Engine) reserveLocked(plan *domain.TradePlan, size float64, opens bool) *Reservation {
	r := &Reservation{
		engine:     e,
		planID:     plan.PlanID,
		venue:      plan.Venue,
		instrument: plan.Instrument,
		side:       plan.Side,
		units:      size,
		notional:   size * plan.ReferencePrice,
		opens:      opens,
	}
	e.pending[plan.PlanID] = r
	return r
}

func (e *Engine) log(plan *domain.TradePlan, d *domain.RiskDecision) {
	fields := []zap.Field{
		zap.String("plan_id", plan.PlanID),
		zap.String("instrument", plan.Instrument),
		zap.String("verdict", string(d.Verdict)),
		zap.Float64("requested", d.RequestedSize),
		zap.Float64("approved", d.ApprovedSize),
	}
	if len(d.Reasons) > 0 {
		fields = append(fields, zap.Strings("reason", d.Reasons))
	}
	if d.Verdict == domain.VerdictReject {
		e.logger.Info("risk rejected plan", fields...)
		return
	}
	e.logger.Debug("risk decision", fields...)
}

// Reservation holds approved size as pending exposure until the execution
// outcome is known.
type Reservation struct {
	engine     *Engine
	planID     string
	venue      string
	instrument string
	side       domain.Side
	units      float64
	notional   float64
	opens      bool
	closed     bool
}

// Size returns the reserved size.
func (r *Reservation) Size() float64 {
	return r.units
}

// Commit applies a successful fill to the ledger and frees the pending
// amount. Unsuccessful or empty results release the reservation.
func (r *Reservation) Commit(res *domain.ExecutionResult) (FillEffect, error) {
	if res == nil || !res.Success || res.FillSize <= 0 {
		r.Release()
		return FillEffect{}, nil
	}

	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.closed {
		return FillEffect{}, ErrReservationClosed
	}
	r.closed = true
	delete(e.pending, r.planID)

	return e.ledger.ApplyFill(Fill{
		Venue:      r.venue,
		Instrument: r.instrument,
		Side:       r.side,
		Size:       res.FillSize,
		Price:      res.FillPrice,
		Fees:       res.Fees,
		AtMs:       res.CompletedAtMs,
	})
}

// Release frees the pending amount without touching the ledger. Safe to
// call more than once.
func (r *Reservation) Release() {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	delete(e.pending, r.planID)
}
