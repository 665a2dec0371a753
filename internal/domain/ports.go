package domain

import (
	"context"
	"time"
)

// PresenceStore is the shared set of online users plus per-instance
// liveness bookkeeping. Implementations must make AddOnline/RemoveOnline
// single atomic round trips: the returned bool answers the transition
// question without a separate check.
type PresenceStore interface {
	// AddOnline adds userID to the shared online set. Returns true when the
	// member was newly inserted (the 0->1 transition happened here).
	AddOnline(ctx context.Context, userID string) (bool, error)

	// RemoveOnline removes userID from the shared online set. Returns true
	// when the member was present (the 1->0 transition happened here).
	RemoveOnline(ctx context.Context, userID string) (bool, error)

	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	OnlineCount(ctx context.Context) (int64, error)

	// Heartbeat records that instanceID is alive and currently holds the
	// given users. The record expires after ttl so a crashed instance stops
	// vouching for its users.
	Heartbeat(ctx context.Context, instanceID string, held []string, ttl time.Duration) error

	// HeldByLiveInstances returns the union of users held by every instance
	// with a fresh heartbeat.
	HeldByLiveInstances(ctx context.Context) (map[string]struct{}, error)

	// RemoveInstance drops the heartbeat and held set of instanceID.
	// Called on graceful shutdown.
	RemoveInstance(ctx context.Context, instanceID string) error
}

// Bus is the shared broadcast transport between instances.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription on channel. The subscription delivers
	// until Close is called or ctx is cancelled, after which its message
	// channel is closed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one active bus subscription.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
