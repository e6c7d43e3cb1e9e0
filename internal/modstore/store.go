// Package modstore is the org-scoped store for user code modules. Reads
// resolve through the shared cache with an org -> global cascade; writes
// go to durable storage first and treat the cache as best-effort.
package modstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
)

// ErrModuleNotFound is returned by Durable implementations when no live
// record exists for a (scope, path) pair.
var ErrModuleNotFound = errors.New("modstore: module not found")

// Durable is the persistent backend behind the cache. Fetch returns
// ErrModuleNotFound for absent or soft-deleted records.
type Durable interface {
	Upsert(ctx context.Context, m *domain.Module) error
	Fetch(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error)
	MarkDeleted(ctx context.Context, org domain.OrgScope, path string) error
	ListLive(ctx context.Context) ([]*domain.Module, error)
	ListPaths(ctx context.Context, org domain.OrgScope, prefix string) ([]string, error)
}

// InvalidationPublisher broadcasts a cache key eviction to peer
// instances. *cache.Invalidator satisfies it.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// cachedModule is the wire form of a cache entry. Negative entries mark
// a confirmed miss so repeated lookups skip durable storage for a
// bounded interval.
type cachedModule struct {
	Content  []byte `json:"content,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Negative bool   `json:"negative,omitempty"`
}

const (
	defaultModuleTTL      = 24 * time.Hour
	defaultNegativeTTL    = 30 * time.Second
	defaultWarmConcurrent = 8
	moduleWriteLockTTL    = 10 * time.Second
)

// Store resolves, writes, and warms module records.
type Store struct {
	durable    Durable
	cache      cache.SetCache
	locker     *coord.Locker
	guard      *coord.Guard
	invalidate InvalidationPublisher

	// TTL bounds cache entries for live content.
	TTL time.Duration
	// NegativeTTL bounds negative-cache entries.
	NegativeTTL time.Duration
	// WarmConcurrency bounds the warm-up fan-out.
	WarmConcurrency int
}

// Option configures a Store.
type Option func(*Store)

// WithLocker serializes writers to the same (org, path) across instances.
func WithLocker(l *coord.Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithStampedeGuard routes read misses through a recompute guard so one
// instance refills an expired key while its peers wait on the cache.
func WithStampedeGuard(g *coord.Guard) Option {
	return func(s *Store) { s.guard = g }
}

// WithInvalidation broadcasts key evictions to peer instances on write.
func WithInvalidation(p InvalidationPublisher) Option {
	return func(s *Store) { s.invalidate = p }
}

// WithTTL overrides the cache TTLs for live and negative entries.
func WithTTL(ttl, negative time.Duration) Option {
	return func(s *Store) {
		s.TTL = ttl
		s.NegativeTTL = negative
	}
}

// New creates a Store over durable storage and a shared cache.
func New(durable Durable, c cache.SetCache, opts ...Option) *Store {
	s := &Store{
		durable:         durable,
		cache:           c,
		TTL:             defaultModuleTTL,
		NegativeTTL:     defaultNegativeTTL,
		WarmConcurrency: defaultWarmConcurrent,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get resolves path for org with the cascade (org, path) -> (global,
// path) -> none. A nil module with nil error means no live record at
// either scope.
func (s *Store) Get(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error) {
	if m, err := s.getScope(ctx, org, path); err != nil || m != nil {
		return m, err
	}
	if org.IsGlobal() {
		return nil, nil
	}
	return s.getScope(ctx, domain.GlobalScope, path)
}

// getScope resolves a single scope through the cache, falling back to
// durable storage on a miss and writing back what it finds.
func (s *Store) getScope(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error) {
	key := contentKey(org, path)

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var entry cachedModule
		if jerr := json.Unmarshal(raw, &entry); jerr == nil {
			if entry.Negative {
				return nil, nil
			}
			return &domain.Module{
				Org:         org,
				Path:        path,
				Content:     entry.Content,
				ContentHash: entry.Hash,
			}, nil
		}
		// Undecodable entry: drop it and resolve from storage.
		_ = s.cache.Delete(ctx, key)
	case !errors.Is(err, cache.ErrNotFound):
		logging.Op().Warn("module cache read failed, falling through",
			"key", key, "error", err)
	}

	var entry cachedModule
	if s.guard != nil {
		raw, err := s.guard.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, time.Duration, error) {
			e, ttl, err := s.fetchEntry(ctx, org, path)
			if err != nil {
				return nil, 0, err
			}
			b, err := json.Marshal(e)
			return b, ttl, err
		})
		if err != nil {
			// Durable storage unavailable or the recompute holder never
			// finished; resolution degrades to a miss rather than
			// failing the run.
			logging.Op().Warn("module storage read failed",
				"org", org.String(), "path", path, "error", err)
			return nil, nil
		}
		if jerr := json.Unmarshal(raw, &entry); jerr != nil {
			return nil, nil
		}
	} else {
		e, ttl, err := s.fetchEntry(ctx, org, path)
		if err != nil {
			logging.Op().Warn("module storage read failed",
				"org", org.String(), "path", path, "error", err)
			return nil, nil
		}
		entry = e
		s.setCached(ctx, key, entry, ttl)
	}

	if entry.Negative {
		return nil, nil
	}
	return &domain.Module{
		Org:         org,
		Path:        path,
		Content:     entry.Content,
		ContentHash: entry.Hash,
	}, nil
}

// fetchEntry resolves one scope from durable storage into its cache
// entry form plus the TTL the entry should carry.
func (s *Store) fetchEntry(ctx context.Context, org domain.OrgScope, path string) (cachedModule, time.Duration, error) {
	m, err := s.durable.Fetch(ctx, org, path)
	if errors.Is(err, ErrModuleNotFound) {
		return cachedModule{Negative: true}, s.NegativeTTL, nil
	}
	if err != nil {
		return cachedModule{}, 0, err
	}
	return cachedModule{Content: m.Content, Hash: m.ContentHash}, s.TTL, nil
}

// Put stores a new version of (org, path). Durable storage is updated
// first; cache population, index membership, and invalidation fan-out
// are best-effort.
func (s *Store) Put(ctx context.Context, m *domain.Module) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ContentHash == "" {
		m.ContentHash = domain.HashContent(m.Content)
	}
	m.UpdatedAt = time.Now().UTC()
	m.Deleted = false

	return s.withWriteLock(ctx, m.Org, m.Path, func(ctx context.Context) error {
		if err := s.durable.Upsert(ctx, m); err != nil {
			return fmt.Errorf("put module %s/%s: %w", m.Org.String(), m.Path, err)
		}
		key := contentKey(m.Org, m.Path)
		s.setCached(ctx, key, cachedModule{Content: m.Content, Hash: m.ContentHash}, s.TTL)
		if err := s.cache.SAdd(ctx, indexKey(m.Org), m.Path); err != nil {
			logging.Op().Warn("module index add failed", "key", key, "error", err)
		}
		s.publishInvalidation(ctx, key)
		return nil
	})
}

// Delete soft-deletes (org, path), removing its cache entry and index
// membership.
func (s *Store) Delete(ctx context.Context, org domain.OrgScope, path string) error {
	return s.withWriteLock(ctx, org, path, func(ctx context.Context) error {
		key := contentKey(org, path)
		if err := s.cache.Delete(ctx, key); err != nil {
			logging.Op().Warn("module cache delete failed", "key", key, "error", err)
		}
		if err := s.cache.SRem(ctx, indexKey(org), path); err != nil {
			logging.Op().Warn("module index remove failed", "key", key, "error", err)
		}
		if err := s.durable.MarkDeleted(ctx, org, path); err != nil {
			return fmt.Errorf("delete module %s/%s: %w", org.String(), path, err)
		}
		s.publishInvalidation(ctx, key)
		return nil
	})
}

// List enumerates live paths under prefix for a single scope. It does
// not cascade: callers wanting both tiers list each scope.
func (s *Store) List(ctx context.Context, org domain.OrgScope, prefix string) ([]string, error) {
	paths, err := s.cache.SMembers(ctx, indexKey(org))
	if err != nil || len(paths) == 0 {
		paths, err = s.durable.ListPaths(ctx, org, prefix)
		if err != nil {
			return nil, fmt.Errorf("list modules %s: %w", org.String(), err)
		}
	}
	out := paths[:0]
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// WarmAll scans all live records and populates cache entries and index
// sets for both org-scoped and global tiers. It returns the number of
// records warmed; per-record cache failures are skipped, not fatal.
func (s *Store) WarmAll(ctx context.Context) (int, error) {
	records, err := s.durable.ListLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("warm modules: %w", err)
	}

	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.WarmConcurrency)
	for _, m := range records {
		g.Go(func() error {
			key := contentKey(m.Org, m.Path)
			entry, _ := json.Marshal(cachedModule{Content: m.Content, Hash: m.ContentHash})
			if err := s.cache.Set(gctx, key, entry, s.TTL); err != nil {
				logging.Op().Warn("module warm skipped", "key", key, "error", err)
				return nil
			}
			if err := s.cache.SAdd(gctx, indexKey(m.Org), m.Path); err != nil {
				logging.Op().Warn("module warm index add failed", "key", key, "error", err)
			}
			warmed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(warmed.Load()), err
	}
	logging.Op().Info("module cache warmed",
		"records", len(records), "warmed", warmed.Load())
	return int(warmed.Load()), nil
}

func (s *Store) withWriteLock(ctx context.Context, org domain.OrgScope, path string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	lockKey := coord.LockModuleWritePrefix + org.String() + ":" + path
	holder := uuid.New().String()
	ok, err := s.locker.WithLock(ctx, lockKey, moduleWriteLockTTL, holder, fn)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.KindOverloaded,
			"concurrent write to module %s/%s", org.String(), path)
	}
	return nil
}

func (s *Store) setCached(ctx context.Context, key string, entry cachedModule, ttl time.Duration) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		logging.Op().Warn("module cache write failed", "key", key, "error", err)
	}
}

func (s *Store) publishInvalidation(ctx context.Context, key string) {
	if s.invalidate == nil {
		return
	}
	if err := s.invalidate.PublishInvalidation(ctx, key); err != nil {
		logging.Op().Warn("module invalidation publish failed", "key", key, "error", err)
	}
}
