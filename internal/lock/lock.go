// Package lock provides the distributed mutual exclusion the bucket and
// event-bucket writers need while they read-modify-write a shared document
// (spec.md §4.G, §4.H, §9): Redis-backed via redsync, so any number of
// worker processes agree on ownership of a lock key.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tsingest/bucketworker/internal/config"
)

// Handle is a single acquired lock; callers must Release it when done.
// It is an interface so callers (and their tests) depend on the behavior,
// not on redsync's concrete mutex type.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks. The bucket and event-bucket writers depend
// on this interface, not on *RedisLocker, so their tests can supply an
// in-memory fake.
type Locker interface {
	Acquire(ctx context.Context, key string) (Handle, error)
}

// RedisLocker is the production Locker, backed by Redis via redsync.
type RedisLocker struct {
	rs *redsync.Redsync
}

// New builds a RedisLocker over an already-connected Redis client.
func New(client *goredis.Client) *RedisLocker {
	pool := rsgoredis.NewPool(client)
	return &RedisLocker{rs: redsync.New(pool)}
}

type redsyncHandle struct {
	mutex *redsync.Mutex
}

// Acquire blocks (subject to ctx) until key is locked, retrying up to
// config.LockRetries times with redsync's default backoff, and expiring
// automatically after config.LockTimeout if never released.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Handle, error) {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(config.LockTimeout),
		redsync.WithTries(config.LockRetries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return &redsyncHandle{mutex: mutex}, nil
}

// Release unlocks the handle. A lock that expired before release returns
// an error the caller should log, not treat as fatal — the work it guarded
// has already been exposed to a race and must be reconciled on retry.
func (h *redsyncHandle) Release(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", h.mutex.Name(), err)
	}
	if !ok {
		return fmt.Errorf("release lock %s: already expired", h.mutex.Name())
	}
	return nil
}

// InstrumentedLocker wraps a Locker to report how long each Acquire call
// waited, tagged by the lock key's collection segment (e.g. "data",
// "event", "measurements", "metadata") so a slow lock kind stands out in
// internal/telemetry's LockWaitSeconds histogram.
type InstrumentedLocker struct {
	inner   Locker
	observe func(kind string, d time.Duration)
}

// NewInstrumented wraps inner, reporting every Acquire's wait time to observe.
func NewInstrumented(inner Locker, observe func(kind string, d time.Duration)) *InstrumentedLocker {
	return &InstrumentedLocker{inner: inner, observe: observe}
}

// Acquire delegates to the wrapped Locker and reports the elapsed time
// regardless of outcome, since a failed or exhausted acquire is exactly the
// case operators most want visibility into.
func (l *InstrumentedLocker) Acquire(ctx context.Context, key string) (Handle, error) {
	start := time.Now()
	handle, err := l.inner.Acquire(ctx, key)
	l.observe(lockKind(key), time.Since(start))
	return handle, err
}

// lockKind extracts the collection segment from a key shaped
// lock__type__collection[__...] (spec.md §3); keys that don't match this
// shape are reported under "unknown" rather than panicking.
func lockKind(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, config.LockKeyPrefix), "__")
	if len(parts) < 2 {
		return "unknown"
	}
	return parts[1]
}
