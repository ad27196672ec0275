package chaos

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"sniper-core/internal/backtest"
	"sniper-core/internal/dispatch"
	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/telemetry"
)

// Applied is the payload of a chaos_applied event.
type Applied struct {
	Scenario string           `json:"scenario"`
	Kind     domain.ChaosKind `json:"kind"`
	Detail   string           `json:"detail"`
}

// injector applies one scenario to a single backtest run.
type injector struct {
	scenario domain.ChaosScenario
	sink     telemetry.Sink
	logger   *zap.Logger
	applied  atomic.Int64
	seen     sync.Map // idempotency keys already perturbed
}

func newInjector(s domain.ChaosScenario, sink telemetry.Sink, logger *zap.Logger) *injector {
	return &injector{scenario: s, sink: sink, logger: logger}
}

// WrapBooks implements backtest.Perturber.
func (in *injector) WrapBooks(books dispatch.BookSource) dispatch.BookSource {
	if in.scenario.Kind != domain.ChaosFeedStaleness {
		return books
	}
	return &staleBooks{BookSource: books, in: in}
}

// WrapVenue implements backtest.Perturber.
func (in *injector) WrapVenue(v dispatch.Venue) dispatch.Venue {
	return &venue{Venue: v, in: in}
}

// Count returns how many plans the scenario was applied to.
func (in *injector) Count() int {
	return int(in.applied.Load())
}

// record counts req once per idempotency key; dispatcher retries of the
// same plan are not new applications.
func (in *injector) record(ctx context.Context, req *domain.ExecutionRequest, detail string) {
	if _, dup := in.seen.LoadOrStore(req.IdempotencyKey, struct{}{}); dup {
		return
	}
	in.applied.Add(1)
	observability.RecordChaosApplied(string(in.scenario.Kind))

	ev := telemetry.NewEvent(telemetry.EventChaosApplied, req.SubmittedAtMs, Applied{
		Scenario: in.scenario.Name,
		Kind:     in.scenario.Kind,
		Detail:   detail,
	})
	ev.PlanID = req.PlanID
	ev.IdempotencyKey = req.IdempotencyKey
	if err := in.sink.Emit(ctx, ev); err != nil {
		in.logger.Warn("telemetry emit failed", zap.String("plan_id", req.PlanID), zap.Error(err))
	}
	in.logger.Debug("chaos applied",
		zap.String("scenario", in.scenario.Name),
		zap.String("kind", string(in.scenario.Kind)),
		zap.String("plan_id", req.PlanID),
		zap.String("detail", detail),
	)
}

type requestKey struct{}

// venue perturbs submissions whose submit time falls inside the scenario.
type venue struct {
	dispatch.Venue
	in *injector
}

func (v *venue) Submit(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	s := &v.in.scenario
	if !s.Active(req.SubmittedAtMs) {
		return v.Venue.Submit(ctx, req)
	}

	switch s.Kind {
	case domain.ChaosLatency:
		delayed := *req
		delayed.SubmittedAtMs += s.LatencyMs
		v.in.record(ctx, req, fmt.Sprintf("delayed %dms", s.LatencyMs))
		return v.Venue.Submit(ctx, &delayed)

	case domain.ChaosVenueOutage:
		v.in.record(ctx, req, "venue unavailable")
		return nil, fmt.Errorf("%w: scenario %s", dispatch.ErrVenueUnavailable, s.Name)

	case domain.ChaosPriceSpike:
		res, err := v.Venue.Submit(ctx, req)
		if err != nil || !res.Success {
			return res, err
		}
		widened := widenSlippage(req, res, s.SlippageMultiplier)
		v.in.record(ctx, req, fmt.Sprintf("slippage %.2fbps -> %.2fbps", res.SlippageBps, widened.SlippageBps))
		return widened, nil

	case domain.ChaosFeedStaleness:
		return v.Venue.Submit(context.WithValue(ctx, requestKey{}, req), req)
	}
	return v.Venue.Submit(ctx, req)
}

// staleBooks ages the price state read while filling a request.
type staleBooks struct {
	dispatch.BookSource
	in *injector
}

func (b *staleBooks) BookAt(ctx context.Context, instrument string, atMs int64) (*domain.PriceState, error) {
	state, err := b.BookSource.BookAt(ctx, instrument, atMs)
	if err != nil {
		return nil, err
	}
	req, ok := ctx.Value(requestKey{}).(*domain.ExecutionRequest)
	if !ok {
		return state, nil
	}
	aged := *state
	aged.TimestampMs -= b.in.scenario.StaleByMs
	b.in.record(ctx, req, fmt.Sprintf("price state aged %dms", b.in.scenario.StaleByMs))
	return &aged, nil
}

// widenSlippage scales the adverse slippage of a fill by multiplier.
// Fills at or better than the reference are left unchanged. A fill pushed
// past the request's slippage limit becomes a failure.
func widenSlippage(req *domain.ExecutionRequest, res *domain.ExecutionResult, multiplier float64) *domain.ExecutionResult {
	ref := req.ReferencePrice
	if ref <= 0 || multiplier <= 0 || res.SlippageBps <= 0 {
		return res
	}
	sign := req.Side.Sign()
	bps := res.SlippageBps * multiplier

	out := *res
	out.FillPrice = ref * (1 + sign*bps/10000)
	out.SlippageBps = bps
	out.SlippageCost = math.Abs(out.FillPrice-ref) * out.FillSize
	if res.FillPrice > 0 {
		out.Fees = res.Fees * out.FillPrice / res.FillPrice
	}
	if req.MaxSlippageBps > 0 && bps > req.MaxSlippageBps {
		return domain.Failed(res.IdempotencyKey, res.PlanID, domain.FailureLiquidity, domain.ReasonSlippageExceeded, res.CompletedAtMs)
	}
	return &out
}

var (
	_ backtest.Perturber  = (*injector)(nil)
	_ dispatch.Venue      = (*venue)(nil)
	_ dispatch.BookSource = (*staleBooks)(nil)
)
