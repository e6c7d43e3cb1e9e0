package coord

import (
	"context"
	"sync"
)

// ChannelPubSub is an in-process PubSub for single-node deployments and
// tests. Semantics match RedisPubSub: at-most-once, slow subscribers
// drop rather than block the publisher.
type ChannelPubSub struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

func NewChannelPubSub() *ChannelPubSub {
	return &ChannelPubSub{subs: make(map[string][]chan []byte)}
}

func (p *ChannelPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for _, ch := range p.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (p *ChannelPubSub) Subscribe(ctx context.Context, channel string) <-chan []byte {
	ch := make(chan []byte, 64)
	out := make(chan []byte, 64)

	p.mu.Lock()
	p.subs[channel] = append(p.subs[channel], ch)
	p.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			chans := p.subs[channel]
			for i, c := range chans {
				if c == ch {
					p.subs[channel] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			p.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-ch:
				select {
				case out <- payload:
				default:
				}
			}
		}
	}()

	return out
}

func (p *ChannelPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ PubSub = (*ChannelPubSub)(nil)
