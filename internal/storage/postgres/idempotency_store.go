package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

// IdempotencyStore implements storage.IdempotencyStore using PostgreSQL.
// The primary key on idempotency_key makes Reserve atomic across processes.
type IdempotencyStore struct {
	pool *Pool
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(pool *Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

// Reserve inserts the key. Returns false if it already exists.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, planID string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, plan_id)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, planID)
	if err := wrapError("reserve idempotency key", start, err); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the stored result. Returns ErrNotFound if there is none.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.ExecutionResult, error) {
	start := time.Now()
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT result FROM idempotency_keys
		WHERE idempotency_key = $1 AND result IS NOT NULL
	`, key).Scan(&raw)
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err := wrapError("get idempotency result", start, err); err != nil {
		return nil, err
	}

	var res domain.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return &res, nil
}

// Put stores the result once. The row is created if the key was never
// reserved.
func (s *IdempotencyStore) Put(ctx context.Context, key string, result *domain.ExecutionResult) error {
	if key == "" || result == nil {
		return storage.ErrInvalidInput
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, plan_id, result, completed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET result = EXCLUDED.result, completed_at = EXCLUDED.completed_at
		WHERE idempotency_keys.result IS NULL
	`, key, result.PlanID, raw)
	if err := wrapError("put idempotency result", start, err); err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// Release deletes a reservation without a result.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE idempotency_key = $1 AND result IS NULL
	`, key)
	return wrapError("release idempotency key", start, err)
}
