// Package coord provides the distributed coordination primitives the
// engine relies on: TTL locks, a cache-stampede guard, fire-and-forget
// pub/sub channels, and the worker heartbeat registry. Everything is
// backed by Redis; keys are namespaced per subsystem.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock key namespaces. No other component may write keys under "lock:".
const (
	LockModuleWritePrefix = "lock:module_write:" // + {org}:{path}
	LockRecomputePrefix   = "lock:recompute:"    // + {derived_key}
)

// releaseScript deletes the lock only when held by the caller, making
// release idempotent and safe across retries.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when held by the caller.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Locker implements advisory distributed locks with at-most-one holder
// per key, via compare-and-set on an ephemeral record with a TTL.
type Locker struct {
	client *redis.Client
}

// NewLocker creates a Locker on an existing Redis client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire attempts to take the lock for holderID with the given TTL.
// It returns false without error when another holder owns the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration, holderID string) (bool, error) {
	if holderID == "" {
		return false, fmt.Errorf("acquire %s: holder id is required", key)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("acquire %s: ttl must be positive", key)
	}
	ok, err := l.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lock if and only if holderID still owns it.
// Releasing a lock held by someone else (or already expired) is a no-op
// returning false.
func (l *Locker) Release(ctx context.Context, key, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, holderID).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend refreshes the TTL if holderID still owns the lock.
func (l *Locker) Extend(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", key, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding the lock, releasing it on every exit
// path. It returns false without running fn when the lock is contended.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, holderID string, fn func(context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx, key, ttl, holderID)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		_, _ = l.Release(context.WithoutCancel(ctx), key, holderID)
	}()
	return true, fn(ctx)
}
