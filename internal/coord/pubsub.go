package coord

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelhq/kestrel/internal/logging"
)

// PubSub is the fire-and-forget publish/subscribe layer for live run
// events. Delivery is at-most-once; consumers tolerate drops and rely on
// sequence numbers in the payloads to reconcile against persisted state.
type PubSub interface {
	// Publish sends payload on the channel. Errors are reported but a
	// failed publish never blocks or fails the caller's operation.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a stream of payloads for the channel. The
	// stream is closed when the context is cancelled.
	Subscribe(ctx context.Context, channel string) <-chan []byte

	Close() error
}

// RedisPubSub implements PubSub over Redis PUBLISH/SUBSCRIBE.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub creates a PubSub on an existing Redis client.
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) <-chan []byte {
	out := make(chan []byte, 64)
	pubsub := p.client.Subscribe(ctx, channel)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// Subscriber is slow; drop rather than block the
					// reader goroutine. Sequence numbers let the
					// subscriber detect the gap.
					logging.Op().Debug("pubsub subscriber lagging, dropping", "channel", channel)
				}
			}
		}
	}()

	return out
}

func (p *RedisPubSub) Close() error { return nil }
