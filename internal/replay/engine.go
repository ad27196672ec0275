package replay

import (
	"context"

	"sniper-core/internal/domain"
)

// EventType represents the type of event.
type EventType string

// Event type constants. Books sort before signals at the same timestamp so
// a signal always sees the state stamped at its own time.
const (
	EventTypeBook   EventType = "book"
	EventTypeSignal EventType = "signal"
)

// Event is one replayed item. Only one of Book or Signal is set, matching Type.
type Event struct {
	Type        EventType
	TimestampMs int64
	Book        *domain.PriceState
	Signal      *domain.Signal
}

// Handler processes events in deterministic order.
type Handler interface {
	// OnEvent is called for each event in order.
	OnEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *Event) error

// OnEvent calls f.
func (f HandlerFunc) OnEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
