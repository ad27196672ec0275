package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(pool)

	ok, err := store.Reserve(ctx, "exec:1", "plan-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "exec:1", "plan-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "exec:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res := &domain.ExecutionResult{
		IdempotencyKey: "exec:1",
		PlanID:         "plan-1",
		Success:        true,
		FillPrice:      1.004,
		FillSize:       120,
		Fees:           0.3,
	}
	require.NoError(t, store.Put(ctx, "exec:1", res))
	assert.ErrorIs(t, store.Put(ctx, "exec:1", res), storage.ErrDuplicateKey)

	require.NoError(t, store.Release(ctx, "exec:1"))

	got, err := store.Get(ctx, "exec:1")
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestIdempotencyStore_ReleaseThenReserve(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(pool)

	ok, err := store.Reserve(ctx, "exec:2", "plan-2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "exec:2"))

	ok, err = store.Reserve(ctx, "exec:2", "plan-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyStore_ConcurrentReserve(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(pool)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Reserve(ctx, "exec:3", "plan-3")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestIdempotencyStore_PutWithoutReserve(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(pool)

	res := domain.Failed("exec:4", "plan-4", domain.FailureDeadline, domain.ReasonExpired, 10)
	require.NoError(t, store.Put(ctx, "exec:4", res))

	got, err := store.Get(ctx, "exec:4")
	require.NoError(t, err)
	assert.True(t, got.IsExpired())
}
