// Package dispatch turns approved plans into at most one execution per
// idempotency key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/idhash"
	"sniper-core/internal/keylock"
	"sniper-core/internal/observability"
	"sniper-core/internal/storage"
	"sniper-core/internal/telemetry"
)

// Locker serializes attempts on one key across processes.
// keylock.Map and the redis Locker both satisfy it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Options configures a Dispatcher.
type Options struct {
	Store     storage.IdempotencyStore
	Venue     Venue // live venue adapter; may be nil when every plan is simulated
	Simulator Venue // target for shadow, backtest and chaos plans
	Clock     clock.Clock
	Locker    Locker                    // optional cross-process lock
	Log       storage.ExecutionLogStore // optional audit log
	Sink      telemetry.Sink
	Logger    *zap.Logger

	// ForceSimulation routes every plan to Simulator regardless of mode.
	ForceSimulation bool

	// DefaultTimeout bounds a venue call for plans without a deadline. It
	// also bounds, from plan creation, how long a reservation for such a
	// plan is treated as in flight.
	DefaultTimeout time.Duration

	// Retry settings for store calls and for submissions the venue
	// reports it never accepted.
	StoreTimeout    time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Receipt is the outcome of one dispatch attempt.
type Receipt struct {
	Result *domain.ExecutionResult
	Target domain.Target

	// Replayed is true when Result was read from the idempotency store
	// instead of produced by this call. A replayed fill has already been
	// applied by the attempt that produced it.
	Replayed bool

	// Stored is true when Result is the terminal record for the key.
	Stored bool
}

// Dispatcher routes plans to a venue or the simulator and records exactly
// one terminal result per idempotency key.
type Dispatcher struct {
	opts   Options
	clock  clock.Clock
	locks  *keylock.Map
	sink   telemetry.Sink
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 50 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = time.Second
	}
	return &Dispatcher{
		opts:   opts,
		clock:  opts.Clock,
		locks:  keylock.New(),
		sink:   opts.Sink,
		logger: opts.Logger,
	}
}

// Dispatch executes plan under decision and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *domain.TradePlan, decision *domain.RiskDecision) (*domain.ExecutionResult, error) {
	r, err := d.Execute(ctx, plan, decision)
	if err != nil {
		return nil, err
	}
	return r.Result, nil
}

// Execute is Dispatch with the routing and replay details.
//
// Steps:
//  1. Derive the idempotency key from the plan id
//  2. Lock the plan in-process and, when configured, across processes
//  3. Return a stored result if one exists
//  4. Reserve the key; an existing reservation without a result resolves
//     to InFlight before the deadline and to a stored Expired after it
//  5. Store Expired if the deadline already passed
//  6. Submit to the venue or simulator and wait until the deadline,
//     retrying while the venue reports it is unavailable
//  7. Store the terminal result. The key is released only when the venue
//     never accepted the order; any other submit error keeps it reserved
func (d *Dispatcher) Execute(ctx context.Context, plan *domain.TradePlan, decision *domain.RiskDecision) (*Receipt, error) {
	if plan == nil || plan.PlanID == "" {
		return nil, ErrInvalidPlan
	}
	if decision == nil || !decision.Approved() || decision.PlanID != plan.PlanID || decision.ApprovedSize <= 0 {
		return nil, ErrPlanNotApproved
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	// 1. Key
	key := idhash.ComputeIdempotencyKey(plan.PlanID)
	target := d.route(plan)
	log := d.logger.With(
		zap.String("plan_id", plan.PlanID),
		zap.String("idempotency_key", key),
		zap.String("instrument", plan.Instrument),
		zap.String("target", string(target)),
	)

	// 2. Locks
	unlock, err := d.locks.Lock(ctx, plan.PlanID)
	if err != nil {
		return nil, fmt.Errorf("acquire plan lock: %w", err)
	}
	defer unlock()
	if d.opts.Locker != nil {
		unlockRemote, err := d.opts.Locker.Lock(ctx, key)
		if errors.Is(err, storage.ErrUnavailable) {
			log.Warn("distributed lock unavailable", zap.Error(err))
			return d.unavailable(plan, key, target, start), nil
		}
		if err != nil {
			return nil, fmt.Errorf("acquire distributed lock: %w", err)
		}
		defer unlockRemote()
	}

	// 3. Stored result
	stored, err := d.get(ctx, key)
	if err == nil {
		return d.replay(stored, target, start), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		log.Warn("idempotency store read failed", zap.Error(err))
		return d.unavailable(plan, key, target, start), nil
	}

	// 4. Reserve
	reserved, err := d.reserve(ctx, key, plan.PlanID)
	if err != nil {
		log.Warn("idempotency reservation failed", zap.Error(err))
		return d.unavailable(plan, key, target, start), nil
	}
	now := d.clock.NowMs()
	if !reserved {
		stored, err := d.get(ctx, key)
		if err == nil {
			return d.replay(stored, target, start), nil
		}
		if now < d.deadline(plan) {
			log.Warn("reservation held by another attempt")
			res := domain.Failed(key, plan.PlanID, domain.FailureInfrastructure, domain.ReasonInFlight, now)
			d.finishUnstored(ctx, plan, res, target, start)
			return &Receipt{Result: res, Target: target}, nil
		}
		log.Info("orphaned reservation past deadline")
		res := domain.Failed(key, plan.PlanID, domain.FailureDeadline, domain.ReasonExpired, now)
		return d.record(ctx, plan, decision, res, target, start)
	}

	// 5. Deadline
	if plan.Expired(now) {
		res := domain.Failed(key, plan.PlanID, domain.FailureDeadline, domain.ReasonExpired, now)
		return d.record(ctx, plan, decision, res, target, start)
	}

	// 6. Submit
	venue := d.venueFor(target)
	if venue == nil {
		d.release(ctx, key)
		return nil, fmt.Errorf("%w: %s", ErrNoVenue, target)
	}
	req := &domain.ExecutionRequest{
		PlanID:         plan.PlanID,
		IdempotencyKey: key,
		Target:         target,
		Venue:          plan.Venue,
		Instrument:     plan.Instrument,
		Side:           plan.Side,
		Size:           decision.ApprovedSize,
		ReferencePrice: plan.ReferencePrice,
		MaxSlippageBps: plan.MaxSlippageBps,
		DeadlineMs:     plan.DeadlineMs,
		SubmittedAtMs:  now,
	}
	res, err := d.submitRetrying(ctx, venue, req, target)
	switch {
	case errors.Is(err, ErrVenueUnavailable):
		// 7a. The venue never accepted the order: the key is released for a retry.
		log.Warn("venue unavailable", zap.Error(err))
		d.release(ctx, key)
		res := domain.Failed(key, plan.PlanID, domain.FailureInfrastructure, domain.ReasonVenueUnavailable, d.clock.NowMs())
		d.finishUnstored(ctx, plan, res, target, start)
		return &Receipt{Result: res, Target: target}, nil
	case err != nil:
		// 7b. The venue may have executed. The reservation stays, so later
		// attempts read InFlight until the deadline records Expired.
		log.Error("venue outcome unknown", zap.Error(err))
		res := domain.Failed(key, plan.PlanID, domain.FailureInfrastructure, domain.ReasonOutcomeUnknown, d.clock.NowMs())
		res.Retryable = false
		d.finishUnstored(ctx, plan, res, target, start)
		return &Receipt{Result: res, Target: target}, nil
	}
	if res.IsExpired() {
		observability.RecordLateResult()
		log.Warn("venue result missed deadline, recording expired")
	}

	// 7c. Terminal result
	return d.record(ctx, plan, decision, res, target, start)
}

// route picks the execution target for plan.
func (d *Dispatcher) route(plan *domain.TradePlan) domain.Target {
	if d.opts.ForceSimulation || plan.Mode != domain.ModeNormal || plan.Target == domain.TargetSimulation {
		return domain.TargetSimulation
	}
	return domain.TargetVenue
}

// deadline is the plan deadline, or DefaultTimeout after creation for a
// plan without one.
func (d *Dispatcher) deadline(plan *domain.TradePlan) int64 {
	if plan.DeadlineMs > 0 {
		return plan.DeadlineMs
	}
	return plan.CreatedAtMs + d.opts.DefaultTimeout.Milliseconds()
}

func (d *Dispatcher) venueFor(target domain.Target) Venue {
	if target == domain.TargetSimulation {
		return d.opts.Simulator
	}
	return d.opts.Venue
}

type submitOutcome struct {
	res *domain.ExecutionResult
	err error
}

// submitRetrying submits req until the venue takes it, the retry budget is
// spent or the plan deadline passes. Only ErrVenueUnavailable is retried:
// it is the venue's statement that the order was never accepted. The
// returned error is ErrVenueUnavailable only if the last attempt said so.
func (d *Dispatcher) submitRetrying(ctx context.Context, venue Venue, req *domain.ExecutionRequest, target domain.Target) (*domain.ExecutionResult, error) {
	var (
		res     *domain.ExecutionResult
		lastErr error
		attempt int
	)
	operation := func() error {
		if attempt > 0 {
			now := d.clock.NowMs()
			if req.DeadlineMs > 0 && now >= req.DeadlineMs {
				res, lastErr = d.expired(req), nil
				return nil
			}
			req.SubmittedAtMs = now
		}
		attempt++

		res, lastErr = d.submit(ctx, venue, req)
		switch {
		case lastErr == nil:
			return nil
		case errors.Is(lastErr, ErrVenueUnavailable) && ctx.Err() == nil:
			return lastErr
		default:
			return backoff.Permanent(lastErr)
		}
	}
	notify := func(err error, wait time.Duration) {
		observability.RecordVenueRetry(string(target))
		d.logger.Warn("venue unavailable, retrying",
			zap.String("plan_id", req.PlanID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, d.backOff(ctx), notify)
	if lastErr != nil {
		return nil, lastErr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// submit calls venue within the plan deadline. The venue call does not
// inherit cancellation from ctx so an attempt in flight always ends in a
// recorded outcome. A result arriving after the deadline is discarded and
// replaced by Expired.
func (d *Dispatcher) submit(ctx context.Context, venue Venue, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	timeout := d.opts.DefaultTimeout
	if req.DeadlineMs > 0 {
		timeout = time.Duration(req.DeadlineMs-req.SubmittedAtMs) * time.Millisecond
	}
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ch := make(chan submitOutcome, 1)
	go func() {
		res, err := venue.Submit(vctx, req)
		ch <- submitOutcome{res: res, err: err}
	}()

	var out submitOutcome
	select {
	case out = <-ch:
	case <-vctx.Done():
		return d.expired(req), nil
	}

	switch {
	case errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, ErrExpired):
		return d.expired(req), nil
	case out.err != nil:
		return nil, out.err
	case out.res == nil:
		return nil, fmt.Errorf("venue returned no result")
	case req.DeadlineMs > 0 && out.res.CompletedAtMs > req.DeadlineMs:
		return d.expired(req), nil
	}

	res := *out.res
	res.IdempotencyKey = req.IdempotencyKey
	res.PlanID = req.PlanID
	return &res, nil
}

func (d *Dispatcher) expired(req *domain.ExecutionRequest) *domain.ExecutionResult {
	at := req.DeadlineMs
	if at <= 0 {
		at = d.clock.NowMs()
	}
	return domain.Failed(req.IdempotencyKey, req.PlanID, domain.FailureDeadline, domain.ReasonExpired, at)
}

// record stores res as the terminal result for its key. If another writer
// got there first, the stored result wins.
func (d *Dispatcher) record(ctx context.Context, plan *domain.TradePlan, decision *domain.RiskDecision, res *domain.ExecutionResult, target domain.Target, start time.Time) (*Receipt, error) {
	err := d.put(ctx, res.IdempotencyKey, res)
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		stored, getErr := d.get(ctx, res.IdempotencyKey)
		if getErr == nil {
			return d.replay(stored, target, start), nil
		}
		return nil, fmt.Errorf("read stored result: %w", getErr)
	case err != nil:
		// The reservation stays in place so no other attempt can submit
		// again; it resolves to Expired once the deadline passes.
		d.logger.Error("store execution result",
			zap.String("plan_id", plan.PlanID),
			zap.String("idempotency_key", res.IdempotencyKey),
			zap.Bool("success", res.Success),
			zap.Error(err),
		)
		d.finishUnstored(ctx, plan, res, target, start)
		return &Receipt{Result: res, Target: target}, nil
	}

	if d.opts.Log != nil {
		rec := &domain.ExecutionRecord{
			IdempotencyKey: res.IdempotencyKey,
			PlanID:         plan.PlanID,
			SignalID:       plan.SignalID,
			StrategyID:     plan.StrategyID,
			Venue:          plan.Venue,
			Instrument:     plan.Instrument,
			Side:           plan.Side,
			Mode:           plan.Mode,
			Target:         target,
			RequestedSize:  decision.RequestedSize,
			ApprovedSize:   decision.ApprovedSize,
			Result:         *res,
			RecordedAtMs:   res.CompletedAtMs,
		}
		if err := d.opts.Log.Insert(ctx, rec); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			d.logger.Warn("write execution log", zap.String("plan_id", plan.PlanID), zap.Error(err))
		}
	}

	d.emit(ctx, plan, res, target)
	observability.RecordDispatch(string(target), outcomeLabel(res), time.Since(start).Seconds())
	if res.Success {
		observability.RecordFill(float64(time.Now().Unix()))
	}
	d.logger.Debug("execution recorded",
		zap.String("plan_id", plan.PlanID),
		zap.String("outcome", outcomeLabel(res)),
		zap.Float64("fill_size", res.FillSize),
		zap.Float64("fill_price", res.FillPrice),
	)
	return &Receipt{Result: res, Target: target, Stored: true}, nil
}

// finishUnstored reports a result that is not the terminal record for its key.
func (d *Dispatcher) finishUnstored(ctx context.Context, plan *domain.TradePlan, res *domain.ExecutionResult, target domain.Target, start time.Time) {
	d.emit(ctx, plan, res, target)
	observability.RecordDispatch(string(target), outcomeLabel(res), time.Since(start).Seconds())
}

func (d *Dispatcher) unavailable(plan *domain.TradePlan, key string, target domain.Target, start time.Time) *Receipt {
	res := domain.Failed(key, plan.PlanID, domain.FailureInfrastructure, domain.ReasonStoreUnavailable, d.clock.NowMs())
	observability.RecordDispatch(string(target), outcomeLabel(res), time.Since(start).Seconds())
	return &Receipt{Result: res, Target: target}
}

func (d *Dispatcher) replay(res *domain.ExecutionResult, target domain.Target, start time.Time) *Receipt {
	observability.RecordIdempotencyReplay()
	observability.RecordDispatch(string(target), "replay", time.Since(start).Seconds())
	d.logger.Debug("idempotent replay",
		zap.String("plan_id", res.PlanID),
		zap.String("idempotency_key", res.IdempotencyKey),
	)
	return &Receipt{Result: res, Target: target, Replayed: true, Stored: true}
}

func (d *Dispatcher) emit(ctx context.Context, plan *domain.TradePlan, res *domain.ExecutionResult, target domain.Target) {
	ev := telemetry.NewEvent(telemetry.EventExecutionResult, res.CompletedAtMs, ResultPayload{
		Target: target,
		Result: res,
	})
	ev.SignalID = plan.SignalID
	ev.PlanID = plan.PlanID
	ev.IdempotencyKey = res.IdempotencyKey
	if err := d.sink.Emit(ctx, ev); err != nil {
		d.logger.Warn("emit execution telemetry", zap.String("plan_id", plan.PlanID), zap.Error(err))
	}
}

// ResultPayload is the telemetry payload of an execution_result event.
type ResultPayload struct {
	Target domain.Target           `json:"target"`
	Result *domain.ExecutionResult `json:"result"`
}

func outcomeLabel(res *domain.ExecutionResult) string {
	switch {
	case res.Success && res.Partial:
		return "partial"
	case res.Success:
		return "filled"
	case res.IsExpired():
		return "expired"
	case res.Retryable:
		return "unavailable"
	default:
		return "failed"
	}
}

// Store access with retry.

func (d *Dispatcher) get(ctx context.Context, key string) (*domain.ExecutionResult, error) {
	var res *domain.ExecutionResult
	err := d.retry(ctx, "get", func(ctx context.Context) error {
		var err error
		res, err = d.opts.Store.Get(ctx, key)
		return err
	})
	return res, err
}

func (d *Dispatcher) reserve(ctx context.Context, key, planID string) (bool, error) {
	var ok bool
	err := d.retry(ctx, "reserve", func(ctx context.Context) error {
		var err error
		ok, err = d.opts.Store.Reserve(ctx, key, planID)
		return err
	})
	return ok, err
}

func (d *Dispatcher) put(ctx context.Context, key string, res *domain.ExecutionResult) error {
	return d.retry(context.WithoutCancel(ctx), "put", func(ctx context.Context) error {
		return d.opts.Store.Put(ctx, key, res)
	})
}

func (d *Dispatcher) release(ctx context.Context, key string) {
	err := d.retry(context.WithoutCancel(ctx), "release", func(ctx context.Context) error {
		return d.opts.Store.Release(ctx, key)
	})
	if err != nil {
		d.logger.Error("release reservation", zap.String("idempotency_key", key), zap.Error(err))
	}
}

// retry runs fn with exponential backoff while it fails with a retryable
// store error. Other errors are returned immediately.
func (d *Dispatcher) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if isRetryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		observability.RecordStoreRetry(op)
		d.logger.Warn("idempotency store retry",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(operation, d.backOff(ctx), notify)
}

// backOff is the bounded exponential policy shared by store and venue retries.
func (d *Dispatcher) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.InitialInterval
	eb.MaxInterval = d.opts.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, d.opts.MaxRetries), ctx)
}

func isRetryable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
