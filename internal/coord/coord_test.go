package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/kestrel/internal/cache"
	"github.com/kestrelhq/kestrel/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLockSingleHolder(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "lock:test", time.Minute, "holder-a")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = l.Acquire(ctx, "lock:test", time.Minute, "holder-b")
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	// Only the holder can release.
	released, _ := l.Release(ctx, "lock:test", "holder-b")
	if released {
		t.Fatal("non-holder released the lock")
	}
	released, _ = l.Release(ctx, "lock:test", "holder-a")
	if !released {
		t.Fatal("holder could not release")
	}

	ok, _ = l.Acquire(ctx, "lock:test", time.Minute, "holder-b")
	if !ok {
		t.Fatal("lock not free after release")
	}
}

func TestLockExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "lock:test", 50*time.Millisecond, "holder-a"); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(100 * time.Millisecond)
	if ok, _ := l.Acquire(ctx, "lock:test", time.Minute, "holder-b"); !ok {
		t.Fatal("expired lock still held")
	}
}

func TestLockExtend(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	l.Acquire(ctx, "lock:test", 100*time.Millisecond, "holder-a")
	if ok, _ := l.Extend(ctx, "lock:test", "holder-a", time.Minute); !ok {
		t.Fatal("holder could not extend")
	}
	mr.FastForward(200 * time.Millisecond)
	if ok, _ := l.Acquire(ctx, "lock:test", time.Minute, "holder-b"); ok {
		t.Fatal("extended lock expired at the original TTL")
	}
}

func TestWithLockSkipsWhenContended(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLocker(client)
	ctx := context.Background()

	l.Acquire(ctx, "lock:test", time.Minute, "holder-a")
	ran, err := l.WithLock(ctx, "lock:test", time.Minute, "holder-b", func(context.Context) error {
		t.Fatal("fn ran under a contended lock")
		return nil
	})
	if err != nil || ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
}

func TestGuardSingleCompute(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLocker(client)
	c := cache.NewInMemoryCache()
	defer c.Close()
	g := NewGuard(l, c, time.Second)
	g.PollInterval = 5 * time.Millisecond
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, time.Duration, error) {
		computes.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("value"), time.Minute, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := g.GetOrCompute(ctx, "derived:thing", compute)
			if err != nil || string(val) != "value" {
				t.Errorf("GetOrCompute: %q %v", val, err)
			}
		}()
	}
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Fatalf("computed %d times, want 1", n)
	}
}

func TestGuardTimesOutAsOverloaded(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLocker(client)
	c := cache.NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	// Another instance is mid-recompute and never finishes.
	l.Acquire(ctx, LockRecomputePrefix+"derived:slow", time.Minute, "other-instance")

	g := NewGuard(l, c, time.Second)
	g.WaitDeadline = 30 * time.Millisecond
	g.PollInterval = 5 * time.Millisecond

	_, err := g.GetOrCompute(ctx, "derived:slow", func(context.Context) ([]byte, time.Duration, error) {
		t.Fatal("compute ran without the lock")
		return nil, 0, nil
	})
	if !domain.IsKind(err, domain.KindOverloaded) {
		t.Fatalf("err = %v, want overloaded", err)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHeartbeatRegistry(client)
	ctx := context.Background()

	if err := h.Register(ctx, "pool-1", 100*time.Millisecond); err != nil {
		t.Fatalf("register: %v", err)
	}
	if alive, _ := h.Alive(ctx, "pool-1"); !alive {
		t.Fatal("fresh heartbeat not alive")
	}

	mr.FastForward(50 * time.Millisecond)
	if err := h.Renew(ctx, "pool-1", 100*time.Millisecond); err != nil {
		t.Fatalf("renew: %v", err)
	}
	mr.FastForward(80 * time.Millisecond)
	if alive, _ := h.Alive(ctx, "pool-1"); !alive {
		t.Fatal("renewed heartbeat expired early")
	}

	mr.FastForward(100 * time.Millisecond)
	if alive, _ := h.Alive(ctx, "pool-1"); alive {
		t.Fatal("expired heartbeat still alive")
	}
}

func TestHeartbeatEnumerateOmitsDead(t *testing.T) {
	_, client := newTestRedis(t)
	h := NewHeartbeatRegistry(client)
	ctx := context.Background()

	h.Register(ctx, "pool-live", time.Minute)
	h.Register(ctx, "pool-dead", 50*time.Millisecond)

	// Enumeration prunes by deadline score, not key TTL, so it answers
	// to the registry clock rather than Redis expiry.
	h.now = func() time.Time { return time.Now().Add(100 * time.Millisecond) }

	ids, err := h.Enumerate(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(ids) != 1 || ids[0] != "pool-live" {
		t.Fatalf("live ids = %v", ids)
	}

	h.Deregister(ctx, "pool-live")
	if alive, _ := h.Alive(ctx, "pool-live"); alive {
		t.Fatal("deregistered member still alive")
	}
}

func TestChannelPubSubDelivers(t *testing.T) {
	ps := NewChannelPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := ps.Subscribe(ctx, "run:x:events")
	if err := ps.Publish(ctx, "run:x:events", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub:
		if string(msg) != "hello" {
			t.Fatalf("payload = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	// Publishing on another channel does not leak across.
	ps.Publish(ctx, "run:y:events", []byte("other"))
	select {
	case msg := <-sub:
		t.Fatalf("cross-channel delivery: %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}
