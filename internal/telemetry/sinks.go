package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink. A nil logger discards.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at info level.
func (s *LogSink) Emit(_ context.Context, e Event) error {
	s.logger.Info("telemetry",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("signal_id", e.SignalID),
		zap.String("plan_id", e.PlanID),
		zap.String("idempotency_key", e.IdempotencyKey),
		zap.Int64("at_ms", e.AtMs),
		zap.Any("payload", e.Payload),
	)
	return nil
}

// MultiSink fans an event out to several sinks. Emit fails only when every
// sink fails.
type MultiSink struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(logger *zap.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

// Emit sends e to every sink.
func (m *MultiSink) Emit(ctx context.Context, e Event) error {
	var lastErr error
	ok := 0
	for i, s := range m.sinks {
		if err := s.Emit(ctx, e); err != nil {
			m.logger.Warn("telemetry sink failed",
				zap.Int("sink_index", i),
				zap.String("event_type", string(e.Type)),
				zap.String("plan_id", e.PlanID),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return fmt.Errorf("all telemetry sinks failed: %w", lastErr)
	}
	return nil
}

// Recorder keeps events in memory. Used by backtests and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends e.
func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of typ in emission order.
func (r *Recorder) ByType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of recorded events of typ.
func (r *Recorder) Count(typ EventType) int {
	return len(r.ByType(typ))
}
