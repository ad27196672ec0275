package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sniper-core/internal/domain"
	"sniper-core/internal/storage"
)

// Each key is a hash with field plan_id set on reserve and field result set
// once on put.
var (
	reserveScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], "plan_id", ARGV[1]) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

	putScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "result") == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "plan_id", ARGV[1], "result", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1`)

	releaseScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "result") == 0 then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// IdempotencyStore implements storage.IdempotencyStore on Redis. Entries
// expire after ttl, which must outlive any plan deadline.
type IdempotencyStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore creates a store. A zero ttl defaults to 24 hours.
func NewIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// Compile-time interface check.
var _ storage.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) key(key string) string {
	return s.prefix + "idem:" + key
}

// Reserve sets plan_id if the key is absent.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, planID string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}
	n, err := reserveScript.Run(ctx, s.client, []string{s.key(key)}, planID, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrapError("reserve idempotency key", err)
	}
	return n == 1, nil
}

// Get returns the stored result. Returns ErrNotFound if there is none.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.ExecutionResult, error) {
	raw, err := s.client.HGet(ctx, s.key(key), "result").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapError("get idempotency result", err)
	}

	var res domain.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return &res, nil
}

// Put stores the result once.
func (s *IdempotencyStore) Put(ctx context.Context, key string, result *domain.ExecutionResult) error {
	if key == "" || result == nil {
		return storage.ErrInvalidInput
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}

	n, err := putScript.Run(ctx, s.client, []string{s.key(key)}, result.PlanID, string(raw), s.ttl.Milliseconds()).Int()
	if err != nil {
		return wrapError("put idempotency result", err)
	}
	if n == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// Release deletes a reservation without a result.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}).Err(); err != nil {
		return wrapError("release idempotency key", err)
	}
	return nil
}
