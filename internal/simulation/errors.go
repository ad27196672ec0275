package simulation

import "errors"

// Simulation errors. All of them are market conditions, not transient
// infrastructure failures, and are never retried automatically.
var (
	// ErrInsufficientLiquidity is returned when available depth cannot
	// satisfy a request that requires a full fill.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrStalePriceState is returned when the price state is older than
	// the configured maximum age at execution time.
	ErrStalePriceState = errors.New("stale price state")

	// ErrSlippageExceeded is returned when the fill price moves further
	// from the reference than the request allows.
	ErrSlippageExceeded = errors.New("slippage exceeds maximum")

	// ErrInvalidRequest is returned for malformed requests or price states.
	ErrInvalidRequest = errors.New("invalid execution request")
)
