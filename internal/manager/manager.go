// Package manager wires the connection registry, presence manager, and
// message router into the distributed connection layer. It owns the
// connect/disconnect lifecycle including presence transition detection,
// and runs the background loops that consume fanned-out events, relay
// presence changes, and reap dead state.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/metrics"
	"github.com/sockfleet/sockfleet/internal/presence"
	"github.com/sockfleet/sockfleet/internal/registry"
	"github.com/sockfleet/sockfleet/internal/router"
)

const subscribeBackoff = time.Second

// Manager composes the three leaves behind the boundary the business
// layer sees: Connect/Disconnect on one side, SendTo* on the other.
type Manager struct {
	registry   *registry.Registry
	presence   *presence.Manager
	router     *router.Router
	bus        domain.Bus
	clock      clockwork.Clock
	instanceID string

	reaperInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. Call Start to launch the background loops.
func New(reg *registry.Registry, pres *presence.Manager, rt *router.Router, bus domain.Bus, clock clockwork.Clock, instanceID string, reaperInterval time.Duration) *Manager {
	return &Manager{
		registry:       reg,
		presence:       pres,
		router:         rt,
		bus:            bus,
		clock:          clock,
		instanceID:     instanceID,
		reaperInterval: reaperInterval,
	}
}

// Start launches the broadcast listener, presence listener, and reaper.
// Both bus subscriptions are established before Start returns: pub/sub
// has no replay, so an event published right after startup would be lost
// if the subscribes raced the publisher. Each loop is independently
// cancellable via Shutdown and survives failed iterations.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	msgSub := m.subscribe(loopCtx, domain.ChannelMessages)
	presSub := m.subscribe(loopCtx, domain.ChannelPresence)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.runListener(loopCtx, msgSub, domain.ChannelMessages, m.handleEnvelope)
	}()
	go func() {
		defer m.wg.Done()
		m.runListener(loopCtx, presSub, domain.ChannelPresence, m.handlePresenceEvent)
	}()
	go func() {
		defer m.wg.Done()
		m.runReaper(loopCtx)
	}()

	slog.Info("Connection manager started",
		"instance_id", m.instanceID,
		"reaper_interval", m.reaperInterval)
}

// CanAccept reports whether userID is below its connection quota here.
// Lets the transport reject before paying the handshake cost; Connect
// still re-checks atomically.
func (m *Manager) CanAccept(userID string) bool {
	return m.registry.CanAccept(userID)
}

// Connect admits a socket and records the user's presence. The first
// connection of an offline user emits exactly one user_online broadcast;
// additional connections emit device_connected on the presence channel
// instead. A quota rejection never touches presence state.
func (m *Manager) Connect(ctx context.Context, userID string, sock domain.Socket, meta domain.Metadata, connID string) (domain.Connection, error) {
	conn, err := m.registry.Connect(userID, sock, meta, connID)
	if err != nil {
		return domain.Connection{}, err
	}

	event := domain.PresenceEvent{
		Type:         domain.EventDeviceConnected,
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		DeviceType:   conn.DeviceType,
	}

	already, err := m.presence.MarkOnline(ctx, userID)
	if err != nil {
		// Presence is best-effort here; the reaper heartbeat repairs it.
		slog.Warn("Failed to mark user online", "user_id", userID, "error", err)
	} else if !already {
		event = domain.PresenceEvent{Type: domain.EventUserOnline, UserID: conn.UserID}
	}

	m.publishPresence(ctx, event)
	return conn, nil
}

// Disconnect removes a connection by ID. Idempotent. Removing the user's
// last local connection marks them offline, guarded by the store's atomic
// transition flag so the user_offline broadcast fires at most once.
func (m *Manager) Disconnect(ctx context.Context, connID string) {
	conn, ok := m.registry.Disconnect(connID)
	if !ok {
		return
	}
	m.finalizeDisconnect(ctx, conn)
}

func (m *Manager) finalizeDisconnect(ctx context.Context, conn domain.Connection) {
	if m.registry.IsUserConnectedLocally(conn.UserID) {
		m.publishPresence(ctx, domain.PresenceEvent{
			Type:         domain.EventDeviceDisconnected,
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			DeviceType:   conn.DeviceType,
		})
		return
	}

	was, err := m.presence.MarkOffline(ctx, conn.UserID)
	if err != nil {
		slog.Warn("Failed to mark user offline", "user_id", conn.UserID, "error", err)
		return
	}
	if was {
		m.publishPresence(ctx, domain.PresenceEvent{Type: domain.EventUserOffline, UserID: conn.UserID})
	} else {
		m.publishPresence(ctx, domain.PresenceEvent{
			Type:         domain.EventDeviceDisconnected,
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			DeviceType:   conn.DeviceType,
		})
	}
}

// publishPresence is fire-and-forget: bus trouble is logged, never
// surfaced, because presence broadcasts are advisory.
func (m *Manager) publishPresence(ctx context.Context, event domain.PresenceEvent) {
	if err := m.router.PublishPresence(ctx, event); err != nil {
		slog.Warn("Failed to publish presence event",
			"type", event.Type,
			"user_id", event.UserID,
			"error", err)
	}
}

// SendToUser accepts payload for best-effort delivery to every connection
// of userID anywhere in the cluster.
func (m *Manager) SendToUser(ctx context.Context, userID string, payload []byte) error {
	return m.router.SendToUser(ctx, userID, payload)
}

// SendToDevice accepts payload for best-effort delivery to one connection.
func (m *Manager) SendToDevice(ctx context.Context, connectionID string, payload []byte) error {
	return m.router.SendToDevice(ctx, connectionID, payload)
}

// SendToDeviceType accepts payload for best-effort delivery to the user's
// connections of one device type.
func (m *Manager) SendToDeviceType(ctx context.Context, userID string, deviceType domain.DeviceType, payload []byte) error {
	return m.router.SendToDeviceType(ctx, userID, deviceType, payload)
}

// IsUserOnline reports cluster-wide presence for userID.
func (m *Manager) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return m.presence.IsOnline(ctx, userID)
}

// OnlineUsers returns the cluster-wide online set.
func (m *Manager) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.presence.OnlineUsers(ctx)
}

// GetUserDevices lists the user's connections held by this instance.
func (m *Manager) GetUserDevices(userID string) []domain.Connection {
	return m.registry.Devices(userID)
}

// LocalConnectionCount returns the number of sockets held here.
func (m *Manager) LocalConnectionCount() int {
	return m.registry.LocalConnectionCount()
}

// --- Background loops ---

// subscribe opens a subscription on channel, returning nil on failure so
// the listener loop can retry with backoff.
func (m *Manager) subscribe(ctx context.Context, channel string) domain.Subscription {
	sub, err := m.bus.Subscribe(ctx, channel)
	if err != nil {
		slog.Error("Listener subscribe failed", "channel", channel, "error", err)
		return nil
	}
	return sub
}

// runListener pumps the given subscription, resubscribing with a fixed
// backoff whenever it fails or closes. The initial subscription comes
// from Start; nil means the initial subscribe already failed and the
// loop opens with a retry.
func (m *Manager) runListener(ctx context.Context, sub domain.Subscription, channel string, handle func(context.Context, []byte)) {
	for {
		if ctx.Err() != nil {
			if sub != nil {
				_ = sub.Close()
			}
			return
		}
		if sub == nil {
			if !m.sleep(ctx, subscribeBackoff) {
				return
			}
			sub = m.subscribe(ctx, channel)
			continue
		}
		m.consume(ctx, sub, channel, handle)
		_ = sub.Close()
		sub = nil
	}
}

// consume pumps one subscription until it closes or ctx is cancelled.
// A panic in one handler is contained to that message.
func (m *Manager) consume(ctx context.Context, sub domain.Subscription, channel string, handle func(context.Context, []byte)) {
	for {
		select {
		case data, ok := <-sub.Messages():
			if !ok {
				slog.Warn("Subscription closed, resubscribing", "channel", channel)
				return
			}
			metrics.PubSubMessagesReceived.WithLabelValues(channel).Inc()
			m.safeHandle(ctx, data, handle)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) safeHandle(ctx context.Context, data []byte, handle func(context.Context, []byte)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Listener handler panic recovered", "panic", r)
		}
	}()
	handle(ctx, data)
}

// handleEnvelope resolves an envelope's target against the local registry
// and delivers. Resolution priority: exact connection, then
// user+device_type, then all of the user's connections. Origin instance
// is never used for filtering.
func (m *Manager) handleEnvelope(ctx context.Context, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Discarding malformed envelope", "error", err)
		return
	}

	var conns []domain.HeldConnection
	switch {
	case env.Target.ConnectionID != "":
		if hc, ok := m.registry.Get(env.Target.ConnectionID); ok {
			conns = []domain.HeldConnection{hc}
		}
	case env.Target.DeviceType != "":
		// An empty device type means a user-wide target; "unknown" is a
		// legal enum member and targets unknown-typed connections only.
		conns = m.registry.ConnectionsForUserDeviceType(env.Target.UserID, env.Target.DeviceType)
	default:
		conns = m.registry.ConnectionsForUser(env.Target.UserID)
	}
	if len(conns) == 0 {
		return
	}

	_, dead := m.router.DeliverLocally(conns, env.Payload)
	for _, conn := range dead {
		m.disconnectDead(ctx, conn.ID)
	}
}

// handlePresenceEvent relays a presence change to local sockets of other
// users as a presence_update application event.
func (m *Manager) handlePresenceEvent(ctx context.Context, data []byte) {
	var event domain.PresenceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("Discarding malformed presence event", "error", err)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":  "presence_update",
		"event": event,
	})
	if err != nil {
		slog.Error("Failed to marshal presence update", "error", err)
		return
	}

	var conns []domain.HeldConnection
	for _, hc := range m.registry.All() {
		if hc.Connection.UserID != event.UserID {
			conns = append(conns, hc)
		}
	}
	if len(conns) == 0 {
		return
	}

	_, dead := m.router.DeliverLocally(conns, payload)
	for _, conn := range dead {
		m.disconnectDead(ctx, conn.ID)
	}
}

// disconnectDead runs the normal disconnect path for a connection whose
// send failed, so presence transitions are detected for failures found
// during delivery, not just socket-initiated disconnects.
func (m *Manager) disconnectDead(ctx context.Context, connID string) {
	hc, ok := m.registry.Get(connID)
	conn, removed := m.registry.Disconnect(connID)
	if !removed {
		return
	}
	if ok {
		_ = hc.Socket.Close("send failed")
	}
	slog.Info("Disconnected dead connection", "connection_id", connID, "user_id", conn.UserID)
	m.finalizeDisconnect(ctx, conn)
}

// runReaper periodically sweeps dead sockets, heartbeats this instance's
// held users, and reconciles stale presence entries. An error in one
// cycle is logged and the loop keeps ticking.
func (m *Manager) runReaper(ctx context.Context) {
	// Vouch for our users right away so reconciliation on peers never
	// evicts them while waiting for the first tick.
	m.heartbeat(ctx)

	ticker := m.clock.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.reap(ctx)
		case <-ctx.Done():
			slog.Info("Reaper stopped")
			return
		}
	}
}

func (m *Manager) reap(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Reaper cycle panic recovered", "panic", r)
		}
	}()

	removed := m.registry.SweepDead()
	for _, conn := range removed {
		metrics.ReaperSweptConnections.Inc()
		m.finalizeDisconnect(ctx, conn)
	}

	m.heartbeat(ctx)

	stale, err := m.presence.ReconcileStale(ctx)
	if err != nil {
		slog.Error("Presence reconciliation failed", "error", err)
	}

	slog.Info("Reaper cycle complete",
		"swept_connections", len(removed),
		"stale_presence_removed", stale)
}

func (m *Manager) heartbeat(ctx context.Context) {
	if err := m.presence.Heartbeat(ctx, m.registry.LocalUserIDs()); err != nil {
		slog.Warn("Instance heartbeat failed", "error", err)
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops the loops, closes every local socket, and best-effort
// marks every locally-held user offline before deregistering the
// instance. Not transactional: a crash mid-way is repaired by peer
// reconciliation.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	held := m.registry.All()
	for _, hc := range held {
		_ = hc.Socket.Close("server shutting down")
		m.registry.Disconnect(hc.Connection.ID)
	}

	users := make(map[string]struct{})
	for _, hc := range held {
		users[hc.Connection.UserID] = struct{}{}
	}
	for userID := range users {
		was, err := m.presence.MarkOffline(ctx, userID)
		if err != nil {
			slog.Warn("Failed to mark user offline during shutdown", "user_id", userID, "error", err)
			continue
		}
		if was {
			m.publishPresence(ctx, domain.PresenceEvent{Type: domain.EventUserOffline, UserID: userID})
		}
	}

	if err := m.presence.Deregister(ctx); err != nil {
		slog.Warn("Failed to deregister instance", "error", err)
	}

	slog.Info("Connection manager stopped",
		"instance_id", m.instanceID,
		"disconnected", len(held))
}
