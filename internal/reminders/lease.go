package reminders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/carebook/pkg/logging"
)

const (
	DefaultLeaseKey = "reminders:scan:lease"
	DefaultLeaseTTL = 5 * time.Minute
)

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a best-effort mutual exclusion between scan processes. When
// Redis is unreachable the scan proceeds; milestone flags remain the guard
// against double sends.
type RedisLease struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger *logging.Logger
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration, logger *logging.Logger) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisLease{redis: client, key: key, ttl: ttl, logger: logger}
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context) (func(), bool, error) {
	noop := func() {}
	if l == nil || l.redis == nil {
		return noop, true, nil
	}
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		l.logger.FromContext(ctx).Warn("reminder lease unavailable, scanning without it", "error", err)
		return noop, true, nil
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The scan context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redis, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release reminder lease", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}
