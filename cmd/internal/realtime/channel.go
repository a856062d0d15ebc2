package realtime

import (
	"context"
	"sync"
)

// DefaultChannelName is the pub/sub channel shared by all instances.
const DefaultChannelName = "ws:broadcast"

const subscriberBuffer = 256

// Channel is the cross-instance publish/subscribe link.
//
// Subscribe delivers every payload published by any instance, this one
// included, until ctx is done; the returned channel is then closed. A channel
// that closes while ctx is still live means the subscription was lost.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// MemoryBus is an in-process Channel. Several Instances sharing one bus behave
// like several processes sharing a broker.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[chan []byte]struct{})}
}

// Publish hands payload to every subscriber. Slow subscribers lose payloads
// rather than stall the publisher.
func (b *MemoryBus) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := append([]byte(nil), payload...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- cp:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// subscribers returns the number of live subscriptions.
func (b *MemoryBus) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
