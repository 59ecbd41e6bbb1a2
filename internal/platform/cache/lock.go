package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("platform/cache: lock held by another worker")

// Locker serializes work per key across processes.
type Locker struct {
	client *redislock.Client
	prefix string
	logger *slog.Logger
}

// NewLocker wraps a redis client. Keys are namespaced with prefix.
func NewLocker(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: redislock.New(rdb), prefix: prefix, logger: logger}
}

// WithLock obtains key for ttl, runs fn and releases the lock. The lock is not
// retried; a held key yields ErrLockHeld immediately.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	full := l.prefix + key
	lock, err := l.client.Obtain(ctx, full, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	if err != nil {
		return fmt.Errorf("platform/cache: obtain %s: %w", key, err)
	}
	defer func() {
		// a fresh context so cancellation of ctx still releases the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release lock", slog.String("key", full), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}
