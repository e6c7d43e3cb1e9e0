package coord

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
)

// Guard protects expensive derived values from recompute stampedes.
// The first arrival takes a short-TTL lock and recomputes; others poll
// the cache for the populated value up to a deadline, then give up with
// a transient Overloaded error. Within one process, singleflight
// collapses concurrent callers before the distributed lock is even
// attempted.
type Guard struct {
	locker *Locker
	cache  cache.Cache
	group  singleflight.Group

	// LockTTL must be at least as long as a typical recompute.
	LockTTL time.Duration
	// WaitDeadline bounds how long non-holders poll for the value.
	WaitDeadline time.Duration
	// PollInterval is the cache polling cadence for non-holders.
	PollInterval time.Duration
	// EarlyRefresh enables probabilistic refresh before expiry to
	// smooth recompute load. Zero disables it; 0.1 refreshes ~10% of
	// reads landing in the final tenth of the TTL window.
	EarlyRefresh float64
}

// NewGuard creates a stampede guard with the given lock TTL.
func NewGuard(locker *Locker, c cache.Cache, lockTTL time.Duration) *Guard {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Guard{
		locker:       locker,
		cache:        c,
		LockTTL:      lockTTL,
		WaitDeadline: lockTTL,
		PollInterval: 50 * time.Millisecond,
	}
}

// Compute produces a value and the TTL it should be cached under.
type Compute func(context.Context) ([]byte, time.Duration, error)

// GetOrCompute returns the cached value for key, recomputing it through
// compute when absent. Exactly one caller across the cluster recomputes;
// the rest observe the populated value or fail transiently.
func (g *Guard) GetOrCompute(ctx context.Context, key string, compute Compute) ([]byte, error) {
	if val, err := g.cache.Get(ctx, key); err == nil {
		if g.EarlyRefresh > 0 && rand.Float64() < g.EarlyRefresh {
			// Probabilistic early refresh: recompute opportunistically
			// while still serving the cached value.
			go g.tryRefresh(key, compute)
		}
		return val, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.computeDistributed(ctx, key, compute)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (g *Guard) computeDistributed(ctx context.Context, key string, compute Compute) ([]byte, error) {
	holderID := uuid.New().String()
	lockKey := LockRecomputePrefix + key

	ok, err := g.locker.Acquire(ctx, lockKey, g.LockTTL, holderID)
	if err != nil {
		return nil, err
	}

	if ok {
		defer func() {
			_, _ = g.locker.Release(context.WithoutCancel(ctx), lockKey, holderID)
		}()
		// A previous holder may have repopulated the key between our
		// miss and the acquire.
		if val, err := g.cache.Get(ctx, key); err == nil {
			return val, nil
		}
		val, ttl, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.cache.Set(ctx, key, val, ttl); err != nil {
			return nil, err
		}
		return val, nil
	}

	// Someone else is recomputing; poll for the populated value.
	deadline := time.Now().Add(g.WaitDeadline)
	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if val, err := g.cache.Get(ctx, key); err == nil {
			return val, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.NewError(domain.KindOverloaded,
				"recompute of %s still in flight after %s", key, g.WaitDeadline)
		}
	}
}

func (g *Guard) tryRefresh(key string, compute Compute) {
	ctx, cancel := context.WithTimeout(context.Background(), g.LockTTL)
	defer cancel()

	holderID := uuid.New().String()
	lockKey := LockRecomputePrefix + key
	ok, err := g.locker.Acquire(ctx, lockKey, g.LockTTL, holderID)
	if err != nil || !ok {
		return
	}
	defer func() {
		_, _ = g.locker.Release(context.WithoutCancel(ctx), lockKey, holderID)
	}()

	if val, ttl, err := compute(ctx); err == nil {
		_ = g.cache.Set(ctx, key, val, ttl)
	}
}
