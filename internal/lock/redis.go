package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis mutex.
type Options struct {
	// Expiry is how long the lock is held before it auto-expires.
	Expiry time.Duration
	// Tries is the number of acquisition attempts.
	Tries int
	// RetryDelay is the wait between attempts.
	RetryDelay time.Duration
}

// DefaultOptions suits a tontine evaluation: a handful of SQLite statements.
func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      10,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Redis is a distributed Locker using the RedLock algorithm.
type Redis struct {
	rs     *redsync.Redsync
	prefix string
	opts   Options
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Locker over client. Keys are namespaced with "tontine:lock:".
func NewRedis(client redis.UniversalClient, opts Options) *Redis {
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: "tontine:lock:",
		opts:   opts,
	}
}

// WithLock acquires the distributed lock for key, runs fn and releases it.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := r.rs.NewMutex(r.prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			slog.Warn("Failed to release lock", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}
