package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token, so an expired lease
// that was taken over by another holder is never released by the old one.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so leases are shared by every instance.
type RedisLocker struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRedisLocker creates a Redis-backed locker. Keys are stored under "lock:".
func NewRedisLocker(client redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client:       client,
		prefix:       "lock:",
		pollInterval: 50 * time.Millisecond,
		logger:       logger,
	}
}

// Acquire polls SET NX until the lease is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	redisKey := l.prefix + key
	tok := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, tok, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, tok), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w: %w", key, ErrLeaseLost, ctx.Err())
		}
	}
}

func (l *RedisLocker) releaser(redisKey, tok string) func() {
	return func() {
		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, tok).Err(); err != nil {
			l.logger.Warn("failed to release lease", zap.String("key", redisKey), zap.Error(err))
		}
	}
}
