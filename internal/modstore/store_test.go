package modstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/coord"
	"github.com/kestrelhq/kestrel/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *MemoryDurable, *cache.InMemoryCache) {
	t.Helper()
	durable := NewMemoryDurable()
	c := cache.NewInMemoryCache()
	t.Cleanup(func() { c.Close() })
	return New(durable, c), durable, c
}

func putModule(t *testing.T, s *Store, org domain.OrgScope, path, content string) {
	t.Helper()
	err := s.Put(context.Background(), &domain.Module{
		Org:        org,
		Path:       path,
		Content:    []byte(content),
		EntityType: domain.EntityModule,
	})
	if err != nil {
		t.Fatalf("put %s/%s: %v", org.String(), path, err)
	}
}

func TestGetCascadesOrgThenGlobal(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	putModule(t, s, domain.GlobalScope, "utils/strings", "global body")
	putModule(t, s, "org-a", "utils/strings", "org body")

	m, err := s.Get(ctx, "org-a", "utils/strings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m == nil || string(m.Content) != "org body" {
		t.Fatalf("expected org override, got %+v", m)
	}

	m, err = s.Get(ctx, "org-b", "utils/strings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m == nil || string(m.Content) != "global body" {
		t.Fatalf("expected global fallback, got %+v", m)
	}

	m, err = s.Get(ctx, "org-b", "utils/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m != nil {
		t.Fatalf("expected none for unknown path, got %+v", m)
	}
}

func TestGetWritesExactKeySchema(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()

	putModule(t, s, "org-a", "wf/main", "body")
	putModule(t, s, domain.GlobalScope, "lib/base", "base")

	for _, key := range []string{"module:org-a:wf/main", "module:global:lib/base"} {
		if ok, _ := c.Exists(ctx, key); !ok {
			t.Fatalf("expected cache key %q", key)
		}
	}
	members, err := c.SMembers(ctx, "module:index:org-a")
	if err != nil || len(members) != 1 || members[0] != "wf/main" {
		t.Fatalf("index set wrong: %v %v", members, err)
	}
	if members, _ := c.SMembers(ctx, "module:index:global"); len(members) != 1 {
		t.Fatalf("global index wrong: %v", members)
	}
}

func TestPutInvalidatesOnlyItsOwnKey(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()

	putModule(t, s, domain.GlobalScope, "shared/mod", "v1")
	putModule(t, s, "org-a", "shared/mod", "v1")
	putModule(t, s, "org-b", "shared/mod", "v1")

	// Warm all three keys via reads, then overwrite only org-a.
	for _, org := range []domain.OrgScope{"org-a", "org-b", domain.GlobalScope} {
		if _, err := s.Get(ctx, org, "shared/mod"); err != nil {
			t.Fatalf("warm read: %v", err)
		}
	}
	putModule(t, s, "org-a", "shared/mod", "v2")

	// The other tenants' cache entries survive the org-a write.
	for _, key := range []string{"module:org-b:shared/mod", "module:global:shared/mod"} {
		if ok, _ := c.Exists(ctx, key); !ok {
			t.Fatalf("cache key %q evicted by an unrelated write", key)
		}
	}

	m, _ := s.Get(ctx, "org-a", "shared/mod")
	if string(m.Content) != "v2" {
		t.Fatalf("org-a should see v2, got %s", m.Content)
	}
	m, _ = s.Get(ctx, "org-b", "shared/mod")
	if string(m.Content) != "v1" {
		t.Fatalf("org-b must be untouched, got %s", m.Content)
	}
	m, _ = s.Get(ctx, domain.GlobalScope, "shared/mod")
	if string(m.Content) != "v1" {
		t.Fatalf("global must be untouched, got %s", m.Content)
	}
}

func TestDeleteRemovesCacheAndIndex(t *testing.T) {
	s, durable, c := newTestStore(t)
	ctx := context.Background()

	putModule(t, s, "org-a", "old/mod", "body")
	if err := s.Delete(ctx, "org-a", "old/mod"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if m, _ := s.Get(ctx, "org-a", "old/mod"); m != nil {
		t.Fatalf("deleted module still resolves: %+v", m)
	}
	if members, _ := c.SMembers(ctx, "module:index:org-a"); len(members) != 0 {
		t.Fatalf("index still lists deleted path: %v", members)
	}
	if _, err := durable.Fetch(ctx, "org-a", "old/mod"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected soft-deleted record, got %v", err)
	}
}

func TestNegativeCacheSkipsDurable(t *testing.T) {
	s, durable, c := newTestStore(t)
	ctx := context.Background()

	if m, _ := s.Get(ctx, "org-a", "no/such"); m != nil {
		t.Fatalf("unexpected hit: %+v", m)
	}
	// Both scopes should now carry negative entries.
	for _, key := range []string{"module:org-a:no/such", "module:global:no/such"} {
		if ok, _ := c.Exists(ctx, key); !ok {
			t.Fatalf("expected negative entry at %q", key)
		}
	}

	// A record created behind the negative entry stays invisible until
	// the entry expires or a Put refreshes the key.
	if err := durable.Upsert(ctx, &domain.Module{
		Org: "org-a", Path: "no/such", Content: []byte("late"),
		ContentHash: domain.HashContent([]byte("late")),
		EntityType:  domain.EntityModule,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if m, _ := s.Get(ctx, "org-a", "no/such"); m != nil {
		t.Fatalf("negative entry should mask direct durable writes, got %+v", m)
	}
}

func TestCacheFailureFallsThroughToDurable(t *testing.T) {
	durable := NewMemoryDurable()
	s := New(durable, &failingSetCache{})
	ctx := context.Background()

	mod := &domain.Module{
		Org: "org-a", Path: "a/b", Content: []byte("x"),
		EntityType: domain.EntityModule,
	}
	if err := s.Put(ctx, mod); err != nil {
		t.Fatalf("put must survive a dead cache: %v", err)
	}
	m, err := s.Get(ctx, "org-a", "a/b")
	if err != nil || m == nil || !bytes.Equal(m.Content, []byte("x")) {
		t.Fatalf("get through dead cache: %+v %v", m, err)
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	putModule(t, s, "org-a", "wf/alpha", "a")
	putModule(t, s, "org-a", "wf/beta", "b")
	putModule(t, s, "org-a", "lib/gamma", "c")

	paths, err := s.List(ctx, "org-a", "wf/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 2 || paths[0] != "wf/alpha" || paths[1] != "wf/beta" {
		t.Fatalf("unexpected listing: %v", paths)
	}
}

func TestWarmAllCoversBothTiers(t *testing.T) {
	durable := NewMemoryDurable()
	ctx := context.Background()
	seed := []*domain.Module{
		{Org: domain.GlobalScope, Path: "lib/a", Content: []byte("1"), EntityType: domain.EntityModule},
		{Org: "org-a", Path: "wf/b", Content: []byte("2"), EntityType: domain.EntityWorkflow},
		{Org: "org-b", Path: "wf/c", Content: []byte("3"), EntityType: domain.EntityWorkflow},
	}
	for _, m := range seed {
		m.ContentHash = domain.HashContent(m.Content)
		if err := durable.Upsert(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	c := cache.NewInMemoryCache()
	defer c.Close()
	s := New(durable, c)

	n, err := s.WarmAll(ctx)
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if n != len(seed) {
		t.Fatalf("warmed %d, want %d", n, len(seed))
	}
	for _, key := range []string{"module:global:lib/a", "module:org-a:wf/b", "module:org-b:wf/c"} {
		if ok, _ := c.Exists(ctx, key); !ok {
			t.Fatalf("warm missed key %q", key)
		}
	}
}

func TestStampedeGuardCollapsesColdReads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	durable := &countingDurable{MemoryDurable: NewMemoryDurable()}
	c := cache.NewInMemoryCache()
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	content := []byte("hot body")
	if err := durable.Upsert(ctx, &domain.Module{
		Org: "org-a", Path: "wf/hot", Content: content,
		ContentHash: domain.HashContent(content),
		EntityType:  domain.EntityWorkflow,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	g := coord.NewGuard(coord.NewLocker(client), c, time.Second)
	g.PollInterval = 5 * time.Millisecond
	s := New(durable, c, WithStampedeGuard(g))

	// The key is cold, so every reader misses at once; the guard must
	// let exactly one of them hit durable storage.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := s.Get(ctx, "org-a", "wf/hot")
			if err != nil || m == nil || string(m.Content) != "hot body" {
				t.Errorf("get: %+v %v", m, err)
			}
		}()
	}
	wg.Wait()

	if n := durable.fetches.Load(); n != 1 {
		t.Fatalf("durable fetched %d times, want 1", n)
	}
}

func TestStampedeGuardCachesNegativeEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	durable := &countingDurable{MemoryDurable: NewMemoryDurable()}
	c := cache.NewInMemoryCache()
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	g := coord.NewGuard(coord.NewLocker(client), c, time.Second)
	s := New(durable, c, WithStampedeGuard(g))

	if m, _ := s.Get(ctx, domain.GlobalScope, "no/such"); m != nil {
		t.Fatalf("unexpected hit: %+v", m)
	}
	fetched := durable.fetches.Load()
	// The miss is now a cached negative entry; repeats stay off storage.
	if m, _ := s.Get(ctx, domain.GlobalScope, "no/such"); m != nil {
		t.Fatalf("unexpected hit: %+v", m)
	}
	if n := durable.fetches.Load(); n != fetched {
		t.Fatalf("negative entry not cached, fetches went %d -> %d", fetched, n)
	}
}

// countingDurable counts Fetch calls so stampede tests can assert how
// many readers reached storage.
type countingDurable struct {
	*MemoryDurable
	fetches atomic.Int32
}

func (d *countingDurable) Fetch(ctx context.Context, org domain.OrgScope, path string) (*domain.Module, error) {
	d.fetches.Add(1)
	// Hold the window open so concurrent misses overlap.
	time.Sleep(10 * time.Millisecond)
	return d.MemoryDurable.Fetch(ctx, org, path)
}

// failingSetCache simulates an unreachable shared cache.
type failingSetCache struct{}

var errCacheDown = errors.New("cache down")

func (f *failingSetCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (f *failingSetCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (f *failingSetCache) Delete(context.Context, string) error         { return errCacheDown }
func (f *failingSetCache) Exists(context.Context, string) (bool, error) { return false, errCacheDown }
func (f *failingSetCache) Ping(context.Context) error                   { return errCacheDown }
func (f *failingSetCache) Close() error                                 { return nil }
func (f *failingSetCache) SAdd(context.Context, string, ...string) error {
	return errCacheDown
}
func (f *failingSetCache) SRem(context.Context, string, ...string) error {
	return errCacheDown
}
func (f *failingSetCache) SMembers(context.Context, string) ([]string, error) {
	return nil, errCacheDown
}
