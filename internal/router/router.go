// Package router validates, rate-limits, serializes, and fans out
// outbound events. A send that passes validation becomes exactly one
// envelope on the shared bus; every instance then evaluates that envelope
// against its own local registry. The router itself never touches
// presence state or sockets it did not get handed.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/metrics"
)

// Router publishes outbound envelopes and delivers payloads to local
// sockets.
type Router struct {
	bus        domain.Bus
	clock      clockwork.Clock
	instanceID string

	maxMessageSize int
	limiter        *slidingWindow
}

// New creates a router. window/maxMessages parameterize the per-user
// sliding rate limit; maxMessageSize caps payload bytes.
func New(bus domain.Bus, clock clockwork.Clock, instanceID string, maxMessageSize int, window time.Duration, maxMessages int) *Router {
	return &Router{
		bus:            bus,
		clock:          clock,
		instanceID:     instanceID,
		maxMessageSize: maxMessageSize,
		limiter:        newSlidingWindow(clock, window, maxMessages),
	}
}

// SendToUser fans payload out to every connection of userID, on any
// instance. Rate-limited per user: this is the attacker-reachable
// broadcast primitive.
func (r *Router) SendToUser(ctx context.Context, userID string, payload []byte) error {
	if err := r.checkSize(payload); err != nil {
		return err
	}
	if !r.limiter.allow(userID) {
		metrics.SendsRejectedTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("user %s: %w", userID, domain.ErrMessageRateLimitExceeded)
	}
	return r.publish(ctx, domain.Target{UserID: userID}, payload)
}

// SendToDevice fans payload out to one exact connection. Bypasses the
// rate limiter: an exact connection ID is not a broadcast primitive.
func (r *Router) SendToDevice(ctx context.Context, connectionID string, payload []byte) error {
	if err := r.checkSize(payload); err != nil {
		return err
	}
	return r.publish(ctx, domain.Target{ConnectionID: connectionID}, payload)
}

// SendToDeviceType fans payload out to the user's connections of one
// device type. User-scoped, so rate-limited like SendToUser.
func (r *Router) SendToDeviceType(ctx context.Context, userID string, deviceType domain.DeviceType, payload []byte) error {
	if err := r.checkSize(payload); err != nil {
		return err
	}
	if !r.limiter.allow(userID) {
		metrics.SendsRejectedTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("user %s: %w", userID, domain.ErrMessageRateLimitExceeded)
	}
	return r.publish(ctx, domain.Target{UserID: userID, DeviceType: deviceType}, payload)
}

func (r *Router) checkSize(payload []byte) error {
	if len(payload) > r.maxMessageSize {
		metrics.SendsRejectedTotal.WithLabelValues("too_large").Inc()
		return fmt.Errorf("payload is %d bytes, limit %d: %w",
			len(payload), r.maxMessageSize, domain.ErrMessageTooLarge)
	}
	return nil
}

func (r *Router) publish(ctx context.Context, target domain.Target, payload []byte) error {
	env := domain.Envelope{
		Target:     target,
		Payload:    payload,
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.ChannelMessages, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	metrics.MessagesPublishedTotal.WithLabelValues(domain.ChannelMessages).Inc()
	return nil
}

// PublishPresence broadcasts a presence or device event on the presence
// channel, kept separate from user messages so neither delays the other.
func (r *Router) PublishPresence(ctx context.Context, event domain.PresenceEvent) error {
	event.InstanceID = r.instanceID
	event.Timestamp = r.clock.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.ChannelPresence, data); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	metrics.MessagesPublishedTotal.WithLabelValues(domain.ChannelPresence).Inc()
	return nil
}

// DeliverLocally writes payload to every socket in connections, in
// parallel and without holding any lock, so one stalled client cannot
// block the rest. Sockets whose send fails are returned as dead for the
// caller to disconnect; detection is deliberately decoupled from
// disconnect side effects so the router stays free of presence logic.
func (r *Router) DeliverLocally(connections []domain.HeldConnection, payload []byte) (int, []domain.Connection) {
	if len(connections) == 0 {
		return 0, nil
	}

	start := r.clock.Now()

	var (
		mu   sync.Mutex
		dead []domain.Connection
		ok   int
		wg   sync.WaitGroup
	)
	for _, hc := range connections {
		wg.Add(1)
		go func(hc domain.HeldConnection) {
			defer wg.Done()
			if err := hc.Socket.Send(payload); err != nil {
				slog.Debug("Socket send failed",
					"connection_id", hc.Connection.ID,
					"user_id", hc.Connection.UserID,
					"error", err)
				mu.Lock()
				dead = append(dead, hc.Connection)
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(hc)
	}
	wg.Wait()

	metrics.DeliveryDuration.Observe(r.clock.Since(start).Seconds())
	metrics.DeliveriesTotal.WithLabelValues("ok").Add(float64(ok))
	metrics.DeliveriesTotal.WithLabelValues("dead").Add(float64(len(dead)))
	return ok, dead
}
