package dispatch

import (
	"errors"

	"sniper-core/internal/lookup"
)

// Dispatch errors.
var (
	// ErrPlanNotApproved is returned when the decision does not allow the
	// plan to trade or belongs to a different plan.
	ErrPlanNotApproved = errors.New("plan not approved by risk")

	// ErrInvalidPlan is returned for a nil or incomplete plan.
	ErrInvalidPlan = errors.New("invalid plan for dispatch")

	// ErrExpired is returned by venues that refuse a request past its deadline.
	ErrExpired = errors.New("plan deadline passed")

	// ErrVenueUnavailable is returned by venues that cannot accept orders.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrNoBook is returned by a BookSource with no state at or before the
	// requested time.
	ErrNoBook = lookup.ErrNoPriceData

	// ErrNoVenue is returned when a plan targets a venue adapter that was
	// not configured.
	ErrNoVenue = errors.New("no venue configured for target")
)
