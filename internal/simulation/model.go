// Package simulation implements the deterministic market model shared by
// shadow execution, backtests and chaos runs.
package simulation

import (
	"errors"
	"fmt"
	"math"

	"sniper-core/internal/domain"
)

// Execute computes the result of req against state under cfg.
// It is a pure function: the same (req, state, cfg) always yields the same
// result. Liquidity and staleness failures are returned as errors
// (ErrInsufficientLiquidity, ErrStalePriceState, ErrSlippageExceeded) and
// callers convert them into failed ExecutionResults.
//
// Steps:
//  1. Validate request and state
//  2. Reject state older than MaxPriceAgeMs at fill time (submit + latency)
//  3. Price the fill with the configured execution model
//  4. Enforce the request's maximum slippage
//  5. Charge fees on the filled notional
func Execute(req *domain.ExecutionRequest, state *domain.PriceState, cfg *domain.SimulationConfig) (*domain.ExecutionResult, error) {
	// 1. Validate
	if req == nil || state == nil || cfg == nil {
		return nil, ErrInvalidRequest
	}
	if req.Size <= 0 || math.IsNaN(req.Size) {
		return nil, fmt.Errorf("%w: size %v", ErrInvalidRequest, req.Size)
	}
	ref := req.ReferencePrice
	if ref <= 0 {
		ref = state.Mid
	}
	if ref <= 0 {
		return nil, fmt.Errorf("%w: no reference price", ErrInvalidRequest)
	}

	// 2. Staleness at fill time
	fillAt := req.SubmittedAtMs + cfg.LatencyMs
	if cfg.MaxPriceAgeMs > 0 && state.AgeMs(fillAt) > cfg.MaxPriceAgeMs {
		return nil, fmt.Errorf("%w: age %dms > %dms", ErrStalePriceState, state.AgeMs(fillAt), cfg.MaxPriceAgeMs)
	}

	// 3. Price the fill
	sign := req.Side.Sign()
	var fillPrice, fillSize float64
	var partial bool

	switch cfg.Execution {
	case domain.ExecutionOrderBook, domain.ExecutionImpact:
		filled, vwap, isPartial := walkBook(state.Levels(req.Side), req.Size)
		if filled <= 0 || (isPartial && cfg.RequireFullFill) {
			return nil, fmt.Errorf("%w: requested %v, available %v", ErrInsufficientLiquidity, req.Size, filled)
		}
		fillPrice, fillSize, partial = vwap, filled, isPartial

		if cfg.Execution == domain.ExecutionImpact {
			impact := KyleImpactBps(cfg.ImpactLambda, filled, state.Depth(req.Side))
			impact = clamp(impact, 0, maxSlippageBps(cfg.Slippage))
			fillPrice = vwap * (1 + sign*impact/10000)
		}
	default:
		bps := SlippageBps(cfg.Slippage, req.Size, req.Side, state)
		fillPrice = ref * (1 + sign*bps/10000)
		fillSize = req.Size
	}

	if fillPrice <= 0 || math.IsNaN(fillPrice) {
		return nil, fmt.Errorf("%w: no positive fill price (%v)", ErrInsufficientLiquidity, fillPrice)
	}

	// 4. Adverse slippage relative to reference
	slippageBps := sign * (fillPrice - ref) / ref * 10000
	if req.MaxSlippageBps > 0 && slippageBps > req.MaxSlippageBps {
		return nil, fmt.Errorf("%w: %.2fbps > %.2fbps", ErrSlippageExceeded, slippageBps, req.MaxSlippageBps)
	}

	// 5. Fees
	notional := fillPrice * fillSize
	fees := Fee(cfg.Fee, notional, FeeContext{AtMs: fillAt, TrailingVolume: cfg.TrailingVolume})

	return &domain.ExecutionResult{
		IdempotencyKey: req.IdempotencyKey,
		PlanID:         req.PlanID,
		Success:        true,
		FillPrice:      fillPrice,
		FillSize:       fillSize,
		Partial:        partial,
		Fees:           fees,
		SlippageBps:    slippageBps,
		SlippageCost:   math.Abs(fillPrice-ref) * fillSize,
		CompletedAtMs:  fillAt,
	}, nil
}

// walkBook consumes levels best-first until size is filled.
// Returns filled size, volume-weighted average price and whether the fill is partial.
func walkBook(levels []domain.BookLevel, size float64) (float64, float64, bool) {
	remaining := size
	filled := 0.0
	cost := 0.0

	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		if l.Size <= 0 || l.Price <= 0 {
			continue
		}
		take := math.Min(remaining, l.Size)
		filled += take
		cost += take * l.Price
		remaining -= take
	}

	if filled == 0 {
		return 0, 0, true
	}
	return filled, cost / filled, remaining > 0
}

// FailureFor maps a simulation error to a failed result.
func FailureFor(req *domain.ExecutionRequest, err error) *domain.ExecutionResult {
	reason := err.Error()
	kind := domain.FailureLiquidity
	switch {
	case errors.Is(err, ErrInsufficientLiquidity):
		reason = domain.ReasonInsufficientLiquidity
	case errors.Is(err, ErrStalePriceState):
		reason = domain.ReasonStalePriceState
	case errors.Is(err, ErrSlippageExceeded):
		reason = domain.ReasonSlippageExceeded
	case errors.Is(err, ErrInvalidRequest):
		kind = domain.FailureValidation
	}
	return domain.Failed(req.IdempotencyKey, req.PlanID, kind, reason, req.SubmittedAtMs)
}
