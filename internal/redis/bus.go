package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sockfleet/sockfleet/internal/domain"
)

// Bus implements domain.Bus on Redis Pub/Sub.
type Bus struct {
	rdb *goredis.Client
}

var _ domain.Bus = (*Bus)(nil)

// NewBus creates a bus on the given client.
func NewBus(client *Client) *Bus {
	return &Bus{rdb: client.rdb}
}

// Publish sends payload on channel to every subscribed instance.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on channel. Messages are pumped into a
// buffered channel; if the consumer stalls long enough to fill it,
// messages are dropped rather than backing up into the Redis connection.
func (b *Bus) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	sub := b.rdb.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so transport errors surface here
	// instead of as a silently dead message channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					slog.Warn("Dropping bus message for slow consumer", "channel", channel)
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &subscription{sub: sub, ch: out, cancel: cancel}, nil
}

type subscription struct {
	sub    *goredis.PubSub
	ch     chan []byte
	cancel context.CancelFunc
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close() error {
	s.cancel()
	return s.sub.Close()
}
