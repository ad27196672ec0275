package replay

import "errors"

// Replay errors.
var (
	// ErrInvalidOrdering is returned when events are not properly ordered.
	ErrInvalidOrdering = errors.New("events are not in deterministic order")

	// ErrInvalidRange is returned for an empty or inverted time range.
	ErrInvalidRange = errors.New("invalid replay range")
)
