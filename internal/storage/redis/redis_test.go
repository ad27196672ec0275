package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(client, "test:", time.Minute)

	ok, err := store.Reserve(ctx, "exec:1", "plan-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "exec:1", "plan-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "exec:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res := domain.Failed("exec:1", "plan-1", domain.FailureDeadline, domain.ReasonExpired, 42)
	require.NoError(t, store.Put(ctx, "exec:1", res))
	assert.ErrorIs(t, store.Put(ctx, "exec:1", res), storage.ErrDuplicateKey)

	require.NoError(t, store.Release(ctx, "exec:1"))
	got, err := store.Get(ctx, "exec:1")
	require.NoError(t, err)
	assert.Equal(t, res, got)

	ttl, err := client.PTTL(ctx, "test:idem:exec:1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestIdempotencyStore_ReleaseReopensKey(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := NewIdempotencyStore(client, "test:", time.Minute)

	ok, err := store.Reserve(ctx, "exec:2", "plan-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Release(ctx, "exec:2"))

	ok, err = store.Reserve(ctx, "exec:2", "plan-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_MutualExclusion(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, "test:", 5*time.Second, 5*time.Millisecond, zaptest.NewLogger(t))

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "plan-x")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocker_ContextTimeout(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "test:", 5*time.Second, 5*time.Millisecond, zaptest.NewLogger(t))

	unlock, err := locker.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "busy")
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

func TestLocker_OnlyOwnerReleases(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	locker := NewLocker(client, "test:", 5*time.Second, 5*time.Millisecond, zaptest.NewLogger(t))

	unlock, err := locker.Lock(ctx, "owned")
	require.NoError(t, err)

	// Simulate expiry and a new holder.
	require.NoError(t, client.Set(ctx, "test:lock:owned", "someone-else", time.Minute).Err())
	unlock()

	val, err := client.Get(ctx, "test:lock:owned").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
