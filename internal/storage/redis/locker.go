package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("lock not acquired")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Locker is a distributed mutex keyed by string. Each lock carries a random
// owner token so only the holder can release it, and expires after ttl if
// the holder dies.
type Locker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder blocks
// others; retry is the polling interval while waiting.
func NewLocker(client redis.Cmdable, prefix string, ttl, retry time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, retry: retry, logger: logger}
}

// Lock blocks until key is held or ctx ends. The returned function releases
// the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, wrapError("acquire lock", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() { l.unlock(redisKey, token) })
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlock(redisKey, token string) {
	// Release must run even if the caller's context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warn("release redis lock failed", zap.String("key", redisKey), zap.Error(err))
	}
}
