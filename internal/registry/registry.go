// Package registry is the process-local bookkeeping of open sockets.
// It never does network I/O while holding its lock; the only I/O it
// performs at all is the liveness probe in SweepDead, which runs against
// a snapshot.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/metrics"
)

type entry struct {
	conn domain.Connection
	sock domain.Socket
}

// Registry owns every socket accepted by this instance. All mutating
// operations serialize through a single mutex; critical sections are O(1)
// map work only.
type Registry struct {
	mu         sync.Mutex
	maxPerUser int
	instanceID string
	clock      clockwork.Clock

	conns map[string]entry               // connection_id -> entry
	users map[string]map[string]struct{} // user_id -> connection_ids

	lastIDMillis int64
}

// New creates a registry enforcing maxPerUser connections per user.
func New(maxPerUser int, instanceID string, clock clockwork.Clock) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		instanceID: instanceID,
		clock:      clock,
		conns:      make(map[string]entry),
		users:      make(map[string]map[string]struct{}),
	}
}

// CanAccept reports whether userID is below quota right now. Advisory
// only: callers use it to skip the websocket handshake for doomed
// attempts, but Connect re-checks under the lock.
func (r *Registry) CanAccept(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) < r.maxPerUser
}

// Connect admits a socket for userID. The quota check and insertion are a
// single critical section, so concurrent Connect calls for the same user
// can never overshoot the limit. If connID is empty one is generated as
// {user_id}_{instance_id}_{monotonic_ms}, unique without coordination.
func (r *Registry) Connect(userID string, sock domain.Socket, meta domain.Metadata, connID string) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.users[userID]
	if len(held) >= r.maxPerUser {
		metrics.ConnectionsRejectedTotal.WithLabelValues("user_limit").Inc()
		return domain.Connection{}, fmt.Errorf("user %s already holds %d connections: %w",
			userID, len(held), domain.ErrConnectionLimitExceeded)
	}

	if connID == "" {
		connID = r.nextID(userID)
	}

	conn := domain.Connection{
		ID:          connID,
		UserID:      userID,
		DeviceType:  meta.DeviceType,
		DeviceID:    meta.DeviceID,
		ConnectedAt: r.clock.Now(),
	}

	if held == nil {
		held = make(map[string]struct{})
		r.users[userID] = held
	}
	held[connID] = struct{}{}
	r.conns[connID] = entry{conn: conn, sock: sock}

	metrics.ConnectionsCurrent.Set(float64(len(r.conns)))
	metrics.ConnectedUsersCurrent.Set(float64(len(r.users)))

	slog.Debug("Connection registered",
		"connection_id", connID,
		"user_id", userID,
		"device_type", conn.DeviceType,
		"user_connections", len(held))
	return conn, nil
}

// nextID mints a monotonic-millisecond connection ID. Must be called with
// the lock held. Two calls in the same millisecond still yield distinct IDs.
func (r *Registry) nextID(userID string) string {
	ms := r.clock.Now().UnixMilli()
	if ms <= r.lastIDMillis {
		ms = r.lastIDMillis + 1
	}
	r.lastIDMillis = ms
	return fmt.Sprintf("%s_%s_%d", userID, r.instanceID, ms)
}

// Disconnect removes a connection by ID. Idempotent: removing an unknown
// or already-removed connection reports ok=false and is not an error.
func (r *Registry) Disconnect(connID string) (domain.Connection, bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return domain.Connection{}, false
	}
	delete(r.conns, connID)
	if held := r.users[e.conn.UserID]; held != nil {
		delete(held, connID)
		if len(held) == 0 {
			delete(r.users, e.conn.UserID)
		}
	}
	metrics.ConnectionsCurrent.Set(float64(len(r.conns)))
	metrics.ConnectedUsersCurrent.Set(float64(len(r.users)))
	remaining := len(r.users[e.conn.UserID])
	r.mu.Unlock()

	slog.Debug("Connection removed",
		"connection_id", connID,
		"user_id", e.conn.UserID,
		"user_connections", remaining)
	return e.conn, true
}

// Get returns the held connection for connID, if any.
func (r *Registry) Get(connID string) (domain.HeldConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return domain.HeldConnection{}, false
	}
	return domain.HeldConnection{Connection: e.conn, Socket: e.sock}, true
}

// ConnectionsForUser returns a snapshot of the user's held connections.
// The slice is a copy; it does not stay live.
func (r *Registry) ConnectionsForUser(userID string) []domain.HeldConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.users[userID]
	out := make([]domain.HeldConnection, 0, len(held))
	for connID := range held {
		e := r.conns[connID]
		out = append(out, domain.HeldConnection{Connection: e.conn, Socket: e.sock})
	}
	return out
}

// ConnectionsForUserDeviceType returns a snapshot of the user's held
// connections matching deviceType.
func (r *Registry) ConnectionsForUserDeviceType(userID string, deviceType domain.DeviceType) []domain.HeldConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.HeldConnection
	for connID := range r.users[userID] {
		e := r.conns[connID]
		if e.conn.DeviceType == deviceType {
			out = append(out, domain.HeldConnection{Connection: e.conn, Socket: e.sock})
		}
	}
	return out
}

// All returns a snapshot of every connection held by this instance.
func (r *Registry) All() []domain.HeldConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.HeldConnection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, domain.HeldConnection{Connection: e.conn, Socket: e.sock})
	}
	return out
}

// Devices returns the connection descriptors for userID, without sockets.
func (r *Registry) Devices(userID string) []domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.users[userID]
	out := make([]domain.Connection, 0, len(held))
	for connID := range held {
		out = append(out, r.conns[connID].conn)
	}
	return out
}

// IsUserConnectedLocally reports whether userID holds any socket here.
func (r *Registry) IsUserConnectedLocally(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// LocalConnectionCount returns the number of sockets held by this instance.
func (r *Registry) LocalConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// LocalUserCount returns the number of users with at least one local socket.
func (r *Registry) LocalUserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// LocalUserIDs returns a snapshot of users with at least one local socket.
func (r *Registry) LocalUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	return out
}

// SweepDead probes every held socket and evicts the ones that fail.
// Probing happens against a snapshot, outside the lock, so a stalled
// socket cannot block Connect/Disconnect. Returns the evicted
// connections so the caller can run its disconnect lifecycle (presence
// transitions) for each.
func (r *Registry) SweepDead() []domain.Connection {
	snapshot := r.All()

	var removed []domain.Connection
	for _, hc := range snapshot {
		if err := hc.Socket.Ping(); err != nil {
			if conn, ok := r.Disconnect(hc.Connection.ID); ok {
				_ = hc.Socket.Close("liveness probe failed")
				removed = append(removed, conn)
				slog.Info("Swept dead connection",
					"connection_id", conn.ID,
					"user_id", conn.UserID,
					"error", err)
			}
		}
	}
	return removed
}
