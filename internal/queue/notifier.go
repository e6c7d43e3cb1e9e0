package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes queue consumers when new work arrives, so dispatch
// latency is not bound to the poll interval. It complements the durable
// queue, never replaces it: a missed wake-up only costs one poll tick.
type Notifier interface {
	// Notify signals that new work is available.
	Notify(ctx context.Context) error

	// Subscribe returns a channel receiving wake-up signals until the
	// context is cancelled.
	Subscribe(ctx context.Context) <-chan struct{}

	Close() error
}

// NoopNotifier never signals; consumers fall back to pure polling.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context) error { return nil }

func (NoopNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (NoopNotifier) Close() error { return nil }

// ChannelNotifier is in-process, for single-instance deployments.
type ChannelNotifier struct {
	mu     sync.Mutex
	subs   []chan struct{}
	closed bool
}

func NewChannelNotifier() *ChannelNotifier { return &ChannelNotifier{} }

func (n *ChannelNotifier) Notify(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
			// A pending signal already covers this subscriber.
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs = append(n.subs, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		for i, cand := range n.subs {
			if cand == ch {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}()
	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.subs = nil
	return nil
}

const redisNotifyChannel = "kestrel:queue:wake"

// RedisNotifier fans wake-ups out across instances via Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, redisNotifyChannel, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	pubsub := n.client.Subscribe(ctx, redisNotifyChannel)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (n *RedisNotifier) Close() error { return nil }
