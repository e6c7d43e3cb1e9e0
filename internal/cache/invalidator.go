package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel is the Redis Pub/Sub channel used for cache
	// invalidation signals. When a module is written, the writer
	// publishes the affected cache key to this channel so every
	// instance evicts it from its L1 tier before the TTL expires.
	InvalidationChannel = "kestrel:cache:invalidate"
)

// Invalidator listens for invalidation signals over Redis Pub/Sub and
// evicts the corresponding keys from a local cache (typically the L1
// in-memory cache in a tiered setup).
type Invalidator struct {
	local  Cache
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator that subscribes to Redis Pub/Sub
// and invalidates keys in the local cache when signals arrive.
func NewInvalidator(local Cache, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
	}
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called.
func (iv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	iv.mu.Lock()
	iv.cancel = cancel
	iv.mu.Unlock()

	pubsub := iv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// msg.Payload is the cache key to invalidate
			_ = iv.local.Delete(subCtx, msg.Payload)
		}
	}
}

// PublishInvalidation publishes a cache invalidation signal for the
// given key.
func (iv *Invalidator) PublishInvalidation(ctx context.Context, key string) error {
	return iv.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the invalidation listener.
func (iv *Invalidator) Close() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.closed {
		return nil
	}
	iv.closed = true
	if iv.cancel != nil {
		iv.cancel()
	}
	return nil
}
