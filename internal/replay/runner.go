// Package replay feeds historical books and signals to a handler in a
// deterministic order.
package replay

import (
	"context"
	"fmt"

	"sniper-core/internal/storage"
)

// Runner loads events from storage and replays them in deterministic order.
type Runner struct {
	history storage.HistoryStore
}

// NewRunner creates a new replay runner.
func NewRunner(history storage.HistoryStore) *Runner {
	return &Runner{history: history}
}

// Load returns the merged, ordered events with timestamps in [from, to).
func (r *Runner) Load(ctx context.Context, from, to int64) ([]*Event, error) {
	if to <= from {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}

	books, err := r.history.GetBooks(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load books: %w", err)
	}

	signals, err := r.history.GetSignals(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}

	return MergeEvents(books, signals), nil
}

// Run loads events in [from, to) and replays them through handler. The
// first handler error stops the replay.
func (r *Runner) Run(ctx context.Context, from, to int64, handler Handler) error {
	events, err := r.Load(ctx, from, to)
	if err != nil {
		return err
	}
	return Play(ctx, events, handler)
}

// Play replays already loaded events through handler.
func Play(ctx context.Context, events []*Event, handler Handler) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler.OnEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
