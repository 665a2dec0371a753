// Package presence tracks cluster-wide online/offline state on a shared
// store, with a small local read cache. The shared online set is the
// authority; the cache is an eventually-consistent mirror used only to
// short-circuit point reads.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/metrics"
)

const defaultCacheTTL = 5 * time.Second

type cacheEntry struct {
	online    bool
	refreshed time.Time
}

// Manager mediates access to the shared online set.
type Manager struct {
	store        domain.PresenceStore
	clock        clockwork.Clock
	instanceID   string
	heartbeatTTL time.Duration
	cacheTTL     time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a presence manager. heartbeatTTL bounds how long a
// crashed instance keeps vouching for its users; pick a small multiple of
// the reaper interval.
func NewManager(store domain.PresenceStore, clock clockwork.Clock, instanceID string, heartbeatTTL time.Duration) *Manager {
	return &Manager{
		store:        store,
		clock:        clock,
		instanceID:   instanceID,
		heartbeatTTL: heartbeatTTL,
		cacheTTL:     defaultCacheTTL,
		cache:        make(map[string]cacheEntry),
	}
}

// MarkOnline adds userID to the shared online set. Returns true when the
// user was already online somewhere. The add and the transition answer are
// one atomic round trip, so two instances marking the same user online
// concurrently agree on which one saw the 0->1 transition.
func (m *Manager) MarkOnline(ctx context.Context, userID string) (bool, error) {
	newly, err := m.store.AddOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	m.cacheSet(userID, true)
	if newly {
		metrics.PresenceTransitionsTotal.WithLabelValues("online").Inc()
	}
	return !newly, nil
}

// MarkOffline removes userID from the shared online set. Returns true when
// the user was online, i.e. this call saw the 1->0 transition.
func (m *Manager) MarkOffline(ctx context.Context, userID string) (bool, error) {
	was, err := m.store.RemoveOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	m.cacheSet(userID, false)
	if was {
		metrics.PresenceTransitionsTotal.WithLabelValues("offline").Inc()
	}
	return was, nil
}

// IsOnline reports whether userID is online anywhere. A fresh cache entry
// short-circuits; a miss falls through to the store and refreshes the cache.
func (m *Manager) IsOnline(ctx context.Context, userID string) (bool, error) {
	if online, ok := m.cacheGet(userID); ok {
		return online, nil
	}
	online, err := m.store.IsOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	m.cacheSet(userID, online)
	return online, nil
}

// OnlineUsers returns the shared online set. Always goes to the store and
// replaces the local cache wholesale.
func (m *Manager) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := m.store.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	fresh := make(map[string]cacheEntry, len(users))
	for _, u := range users {
		fresh[u] = cacheEntry{online: true, refreshed: now}
	}
	m.mu.Lock()
	m.cache = fresh
	m.mu.Unlock()

	return users, nil
}

// OnlineCount returns the cardinality of the shared online set.
func (m *Manager) OnlineCount(ctx context.Context) (int64, error) {
	return m.store.OnlineCount(ctx)
}

// Heartbeat records this instance as alive and holding the given users.
func (m *Manager) Heartbeat(ctx context.Context, heldUsers []string) error {
	return m.store.Heartbeat(ctx, m.instanceID, heldUsers, m.heartbeatTTL)
}

// ReconcileStale removes users from the shared online set that no live
// instance reports holding. Safe in multi-instance deployments: a user is
// only evicted when every instance holding them has stopped heartbeating,
// so connections on healthy peers are never declared offline.
func (m *Manager) ReconcileStale(ctx context.Context) (int, error) {
	held, err := m.store.HeldByLiveInstances(ctx)
	if err != nil {
		return 0, err
	}
	shared, err := m.store.OnlineUsers(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, userID := range shared {
		if _, ok := held[userID]; ok {
			continue
		}
		was, err := m.store.RemoveOnline(ctx, userID)
		if err != nil {
			slog.Warn("Failed to remove stale presence entry", "user_id", userID, "error", err)
			continue
		}
		m.cacheSet(userID, false)
		if was {
			removed++
			metrics.ReaperStalePresenceRemoved.Inc()
			slog.Info("Removed stale presence entry", "user_id", userID)
		}
	}
	return removed, nil
}

// ReconcileAgainstLocal removes every shared online entry not present in
// localUserIDs.
//
// Known limitation: this compares against the calling instance's local
// view only. In a multi-instance deployment a user with live connections
// on another instance would be incorrectly marked offline. Only use this
// in single-instance deployments; multi-instance reconciliation is
// ReconcileStale.
func (m *Manager) ReconcileAgainstLocal(ctx context.Context, localUserIDs []string) (int, error) {
	local := make(map[string]struct{}, len(localUserIDs))
	for _, u := range localUserIDs {
		local[u] = struct{}{}
	}

	shared, err := m.store.OnlineUsers(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, userID := range shared {
		if _, ok := local[userID]; ok {
			continue
		}
		was, err := m.store.RemoveOnline(ctx, userID)
		if err != nil {
			slog.Warn("Failed to remove stale presence entry", "user_id", userID, "error", err)
			continue
		}
		m.cacheSet(userID, false)
		if was {
			removed++
			metrics.ReaperStalePresenceRemoved.Inc()
		}
	}
	return removed, nil
}

// Deregister drops this instance's heartbeat and held set. Called on
// graceful shutdown.
func (m *Manager) Deregister(ctx context.Context) error {
	return m.store.RemoveInstance(ctx, m.instanceID)
}

func (m *Manager) cacheGet(userID string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[userID]
	if !ok || m.clock.Since(e.refreshed) > m.cacheTTL {
		return false, false
	}
	return e.online, true
}

func (m *Manager) cacheSet(userID string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[userID] = cacheEntry{online: online, refreshed: m.clock.Now()}
}
