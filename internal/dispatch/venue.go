package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/lookup"
	"sniper-core/internal/simulation"
)

// Venue executes requests. A returned error means the venue could not be
// reached or did not answer; market outcomes (rejections, partial fills)
// come back as results.
type Venue interface {
	Submit(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error)
	GetBook(ctx context.Context, instrument string) (*domain.PriceState, error)
}

// BookSource provides the price state of an instrument at or before a time.
type BookSource interface {
	BookAt(ctx context.Context, instrument string, atMs int64) (*domain.PriceState, error)
}

// SimVenue fills requests with the simulation model against a BookSource.
type SimVenue struct {
	cfg   domain.SimulationConfig
	books BookSource
	clock clock.Clock
}

// NewSimVenue creates a simulated venue. cfg is copied and never changes
// for the lifetime of the venue.
func NewSimVenue(cfg domain.SimulationConfig, books BookSource, clk clock.Clock) *SimVenue {
	if clk == nil {
		clk = clock.System{}
	}
	return &SimVenue{cfg: cfg, books: books, clock: clk}
}

// Submit prices req against the state visible at submission time.
func (v *SimVenue) Submit(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := v.books.BookAt(ctx, req.Instrument, req.SubmittedAtMs)
	if errors.Is(err, ErrNoBook) {
		return domain.Failed(req.IdempotencyKey, req.PlanID, domain.FailureLiquidity, domain.ReasonNoPriceState, req.SubmittedAtMs), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load price state: %w", err)
	}

	res, err := simulation.Execute(req, state, &v.cfg)
	if err != nil {
		return simulation.FailureFor(req, err), nil
	}
	return res, nil
}

// GetBook returns the latest state at the venue clock.
func (v *SimVenue) GetBook(ctx context.Context, instrument string) (*domain.PriceState, error) {
	return v.books.BookAt(ctx, instrument, v.clock.NowMs())
}

// RateLimitedVenue bounds the submit rate of an underlying venue.
type RateLimitedVenue struct {
	Venue
	limiter *rate.Limiter
}

// NewRateLimitedVenue wraps v with a token bucket of perSecond and burst.
func NewRateLimitedVenue(v Venue, perSecond float64, burst int) *RateLimitedVenue {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedVenue{
		Venue:   v,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Submit waits for a token, then forwards to the wrapped venue.
func (v *RateLimitedVenue) Submit(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return v.Venue.Submit(ctx, req)
}

// DelayVenue holds every submit for a fixed wall-clock delay.
type DelayVenue struct {
	Venue
	Delay time.Duration
}

// Submit sleeps for Delay unless ctx ends first.
func (v *DelayVenue) Submit(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	t := time.NewTimer(v.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return v.Venue.Submit(ctx, req)
}

var (
	_ Venue = (*SimVenue)(nil)
	_ Venue = (*RateLimitedVenue)(nil)
	_ Venue = (*DelayVenue)(nil)

	_ BookSource = (*lookup.Index)(nil)
)
