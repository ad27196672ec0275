package storage

import (
	"context"

	"sniper-core/internal/domain"
)

// IdempotencyStore is the shared ledger of execution attempts keyed by
// idempotency key. A key moves from absent to reserved to completed; a
// completed key never changes again.
type IdempotencyStore interface {
	// Reserve records key for planID. Returns true if the key was newly
	// reserved, false if it already existed (reserved or completed).
	Reserve(ctx context.Context, key, planID string) (bool, error)

	// Get returns the stored result for key. Returns ErrNotFound if the key is
	// absent or reserved without a result.
	Get(ctx context.Context, key string) (*domain.ExecutionResult, error)

	// Put stores the result for key. Returns ErrDuplicateKey if a result is
	// already stored.
	Put(ctx context.Context, key string, result *domain.ExecutionResult) error

	// Release removes a reservation that has no result. A completed key is
	// left untouched.
	Release(ctx context.Context, key string) error
}

// PositionStore persists ledger positions so they survive restarts.
type PositionStore interface {
	// Upsert writes the position keyed by (venue, instrument).
	Upsert(ctx context.Context, p *domain.Position) error

	// GetAll returns all positions ordered by venue, instrument.
	GetAll(ctx context.Context) ([]*domain.Position, error)
}

// ExecutionLogStore keeps one audit record per idempotency key.
type ExecutionLogStore interface {
	// Insert adds a record. Returns ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, r *domain.ExecutionRecord) error

	// GetByPlanID retrieves the record for a plan. Returns ErrNotFound if not exists.
	GetByPlanID(ctx context.Context, planID string) (*domain.ExecutionRecord, error)

	// GetByTimeRange retrieves records with RecordedAtMs in [start, end), ordered by time.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.ExecutionRecord, error)
}

// HistoryStore holds historical signals and book snapshots for replay.
type HistoryStore interface {
	// InsertSignals adds signals. Fails entire batch on a duplicate signal id.
	InsertSignals(ctx context.Context, signals []*domain.Signal) error

	// InsertBooks adds book snapshots. Fails entire batch on a duplicate
	// (venue, instrument, timestamp_ms).
	InsertBooks(ctx context.Context, books []*domain.PriceState) error

	// GetSignals retrieves signals with TimestampMs in [start, end), ordered by
	// timestamp, venue, instrument, id.
	GetSignals(ctx context.Context, start, end int64) ([]*domain.Signal, error)

	// GetBooks retrieves book snapshots with TimestampMs in [start, end),
	// ordered by timestamp, venue, instrument.
	GetBooks(ctx context.Context, start, end int64) ([]*domain.PriceState, error)
}
