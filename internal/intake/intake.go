package intake

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"sniper-core/internal/clock"
	"sniper-core/internal/domain"
	"sniper-core/internal/observability"
	"sniper-core/internal/telemetry"
)

// Options configures an Intake.
type Options struct {
	Normalizer *Normalizer
	Clock      clock.Clock
	Sink       telemetry.Sink
	Logger     *zap.Logger
}

// Intake reads raw signals from a Source, normalizes them and forwards the
// accepted ones. Dropped signals are logged with a reason and never retried.
type Intake struct {
	normalizer *Normalizer
	clock      clock.Clock
	sink       telemetry.Sink
	logger     *zap.Logger
}

// Stats counts what a Run did.
type Stats struct {
	Received  int
	Forwarded int
	Dropped   int
}

// New creates an Intake.
func New(opts Options) *Intake {
	if opts.Normalizer == nil {
		opts.Normalizer = NewNormalizer(DefaultNormalizerConfig())
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Intake{
		normalizer: opts.Normalizer,
		clock:      opts.Clock,
		sink:       opts.Sink,
		logger:     opts.Logger,
	}
}

// Accept normalizes one raw signal and returns the drop error when it is
// rejected.
func (in *Intake) Accept(ctx context.Context, raw RawSignal) (*domain.Signal, error) {
	nowMs := in.clock.NowMs()
	sig, err := in.normalizer.Normalize(raw, nowMs)
	if err != nil {
		reason := DropReason(err)
		in.logger.Info("signal dropped",
			zap.String("reason", reason),
			zap.String("kind", raw.Kind),
			zap.String("venue", firstNonEmpty(raw.Venue, raw.Chain, raw.Source)),
			zap.Error(err),
		)
		observability.RecordSignalDropped(reason)
		ev := telemetry.NewEvent(telemetry.EventSignalDropped, nowMs, map[string]any{
			"reason": reason,
			"error":  err.Error(),
			"kind":   raw.Kind,
		})
		ev.SignalID = raw.ID
		in.emit(ctx, ev)
		return nil, err
	}

	observability.RecordSignalReceived(string(sig.EventType))
	ev := telemetry.NewEvent(telemetry.EventSignalReceived, nowMs, sig)
	ev.SignalID = sig.ID
	in.emit(ctx, ev)
	return sig, nil
}

// Run drains src into out until the source is exhausted (returns nil) or
// ctx is cancelled. Run does not close out.
func (in *Intake) Run(ctx context.Context, src Source, out chan<- *domain.Signal) (Stats, error) {
	var stats Stats
	for {
		raw, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrSourceClosed) {
				return stats, nil
			}
			return stats, fmt.Errorf("read signal: %w", err)
		}
		stats.Received++

		sig, err := in.Accept(ctx, raw)
		if err != nil {
			stats.Dropped++
			continue
		}

		select {
		case out <- sig:
			stats.Forwarded++
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
}

func (in *Intake) emit(ctx context.Context, e telemetry.Event) {
	if err := in.sink.Emit(ctx, e); err != nil {
		in.logger.Warn("telemetry emit failed", zap.String("event_type", string(e.Type)), zap.Error(err))
	}
}
