package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, "test:")
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func TestInMemoryGetSetDelete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("get missing: %v", err)
	}
	c.Set(ctx, "k", []byte("v"), 0)
	val, err := c.Get(ctx, "k")
	if err != nil || !bytes.Equal(val, []byte("v")) {
		t.Fatalf("get: %q %v", val, err)
	}

	// Mutating the returned slice must not affect the stored value.
	val[0] = 'x'
	val, _ = c.Get(ctx, "k")
	if !bytes.Equal(val, []byte("v")) {
		t.Fatal("stored value aliased to caller slice")
	}

	c.Delete(ctx, "k")
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Fatal("deleted key still exists")
	}
}

func TestInMemoryTTL(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expired entry served: %v", err)
	}
}

func TestInMemorySets(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	c.SAdd(ctx, "idx", "a", "b")
	c.SAdd(ctx, "idx", "b", "c")
	members, _ := c.SMembers(ctx, "idx")
	if len(members) != 3 {
		t.Fatalf("members = %v", members)
	}
	c.SRem(ctx, "idx", "b")
	members, _ = c.SMembers(ctx, "idx")
	if len(members) != 2 {
		t.Fatalf("after srem: %v", members)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, c := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "module:global:wf/x", []byte("content"), time.Minute)
	val, err := c.Get(ctx, "module:global:wf/x")
	if err != nil || !bytes.Equal(val, []byte("content")) {
		t.Fatalf("get: %q %v", val, err)
	}

	// Keys are namespaced under the prefix.
	if !mr.Exists("test:module:global:wf/x") {
		t.Fatal("key not written under prefix")
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "module:global:wf/x"); err != ErrNotFound {
		t.Fatalf("expired key served: %v", err)
	}
}

func TestRedisCacheSets(t *testing.T) {
	_, c := newRedisCache(t)
	ctx := context.Background()

	c.SAdd(ctx, "module:index:org-a", "wf/x", "wf/y")
	c.SRem(ctx, "module:index:org-a", "wf/x")
	members, err := c.SMembers(ctx, "module:index:org-a")
	if err != nil || len(members) != 1 || members[0] != "wf/y" {
		t.Fatalf("members = %v, err = %v", members, err)
	}
}

func TestTieredReadThroughPopulatesL1(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	ctx := context.Background()

	l2.Set(ctx, "k", []byte("v"), time.Minute)
	val, err := tc.Get(ctx, "k")
	if err != nil || !bytes.Equal(val, []byte("v")) {
		t.Fatalf("tiered get: %q %v", val, err)
	}
	if _, err := l1.Get(ctx, "k"); err != nil {
		t.Fatal("L2 hit did not populate L1")
	}
}

func TestTieredWritesBothTiersAndDeletesBoth(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	ctx := context.Background()

	tc.Set(ctx, "k", []byte("v"), time.Minute)
	if _, err := l1.Get(ctx, "k"); err != nil {
		t.Fatal("write skipped L1")
	}
	if _, err := l2.Get(ctx, "k"); err != nil {
		t.Fatal("write skipped L2")
	}

	tc.Delete(ctx, "k")
	if _, err := tc.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("deleted key served: %v", err)
	}
}

func TestTieredSetOpsGoToL2(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, time.Minute)
	ctx := context.Background()

	tc.SAdd(ctx, "idx", "a")
	members, _ := l2.SMembers(ctx, "idx")
	if len(members) != 1 {
		t.Fatal("set op bypassed L2")
	}
	if members, _ := l1.SMembers(ctx, "idx"); len(members) != 0 {
		t.Fatal("set op leaked into L1")
	}
}

func TestInvalidatorEvictsLocalEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pubClient.Close()
	defer subClient.Close()

	local := NewInMemoryCache()
	defer local.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	iv := NewInvalidator(local, subClient)
	go iv.Start(ctx)
	defer iv.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription attach

	local.Set(ctx, "module:org-a:wf/x", []byte("stale"), time.Hour)

	writer := NewInvalidator(local, pubClient)
	if err := writer.PublishInvalidation(ctx, "module:org-a:wf/x"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if ok, _ := local.Exists(ctx, "module:org-a:wf/x"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("stale entry never evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
