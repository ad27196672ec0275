// Package telemetry emits structured events for signals, risk decisions,
// execution results and chaos perturbations.
package telemetry

import (
	"context"

	"github.com/google/uuid"
)

// EventType identifies what an Event describes.
type EventType string

const (
	EventSignalReceived  EventType = "signal_received"
	EventSignalDropped   EventType = "signal_dropped"
	EventPlanCreated     EventType = "plan_created"
	EventRiskDecision    EventType = "risk_decision"
	EventExecutionResult EventType = "execution_result"
	EventChaosApplied    EventType = "chaos_applied"
	EventWindowCompleted EventType = "window_completed"
)

// Event is one telemetry record. PlanID and IdempotencyKey are set whenever
// the event concerns a plan so downstream consumers can correlate.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	SignalID       string    `json:"signal_id,omitempty"`
	PlanID         string    `json:"plan_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	AtMs           int64     `json:"at_ms"`
	Payload        any       `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(typ EventType, atMs int64, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		AtMs:    atMs,
		Payload: payload,
	}
}

// Key returns the partitioning key: plan id, else signal id, else event id.
func (e Event) Key() string {
	switch {
	case e.PlanID != "":
		return e.PlanID
	case e.SignalID != "":
		return e.SignalID
	default:
		return e.ID
	}
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) error { return nil }
