package memstore

import (
	"context"
	"sync"

	"github.com/sockfleet/sockfleet/internal/domain"
)

// Bus is an in-memory domain.Bus. Every subscription on a channel
// receives every published message, mirroring Redis Pub/Sub semantics
// (fan-out, no replay, drop on slow consumer).
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*busSubscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*busSubscription)}
}

var _ domain.Bus = (*Bus)(nil)

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*busSubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	sub := &busSubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, 64),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

type busSubscription struct {
	bus     *Bus
	channel string
	ch      chan []byte

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *busSubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		// Slow consumer: drop, like Redis Pub/Sub under backpressure.
	}
}

func (s *busSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *busSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		s.bus.mu.Lock()
		subs := s.bus.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
