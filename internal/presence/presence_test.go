package presence

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockfleet/sockfleet/internal/memstore"
)

func newTestManager(instanceID string) (*Manager, *memstore.Store, *clockwork.FakeClock) {
	store := memstore.NewStore()
	clock := clockwork.NewFakeClock()
	return NewManager(store, clock, instanceID, 15*time.Minute), store, clock
}

func TestManager_MarkOnlineReportsTransition(t *testing.T) {
	m, _, _ := newTestManager("inst-1")
	ctx := context.Background()

	already, err := m.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, already, "first device must see the offline->online transition")

	already, err = m.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, already, "second device must not see a transition")
}

func TestManager_MarkOfflineReportsTransition(t *testing.T) {
	m, _, _ := newTestManager("inst-1")
	ctx := context.Background()

	_, err := m.MarkOnline(ctx, "alice")
	require.NoError(t, err)

	was, err := m.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, was)

	was, err = m.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, was, "already-offline user must not report a transition")
}

func TestManager_TransitionsAgreeAcrossInstances(t *testing.T) {
	store := memstore.NewStore()
	clock := clockwork.NewFakeClock()
	m1 := NewManager(store, clock, "inst-1", 15*time.Minute)
	m2 := NewManager(store, clock, "inst-2", 15*time.Minute)
	ctx := context.Background()

	already1, err := m1.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	already2, err := m2.MarkOnline(ctx, "alice")
	require.NoError(t, err)

	// Exactly one of the two marks sees the transition.
	assert.False(t, already1)
	assert.True(t, already2)

	was2, err := m2.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	was1, err := m1.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, was2)
	assert.False(t, was1)
}

func TestManager_IsOnlineUsesCacheWithinTTL(t *testing.T) {
	m, store, clock := newTestManager("inst-1")
	ctx := context.Background()

	_, err := m.MarkOnline(ctx, "alice")
	require.NoError(t, err)

	// Remove behind the manager's back; the fresh cache entry still answers.
	_, err = store.RemoveOnline(ctx, "alice")
	require.NoError(t, err)

	online, err := m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online, "fresh cache entry should short-circuit the store")

	clock.Advance(6 * time.Second)
	online, err = m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online, "expired cache entry must fall through to the store")
}

func TestManager_OnlineUsersRefreshesCache(t *testing.T) {
	m, store, _ := newTestManager("inst-1")
	ctx := context.Background()

	_, err := store.AddOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = store.AddOnline(ctx, "bob")
	require.NoError(t, err)

	users, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	count, err := m.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// The listing primed the cache for point reads.
	online, err := m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestManager_ReconcileStaleSparesUsersOnLivePeers(t *testing.T) {
	store := memstore.NewStore()
	clock := clockwork.NewFakeClock()
	m1 := NewManager(store, clock, "inst-1", 15*time.Minute)
	m2 := NewManager(store, clock, "inst-2", 15*time.Minute)
	ctx := context.Background()

	_, err := m1.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = m2.MarkOnline(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, m1.Heartbeat(ctx, []string{"alice"}))
	require.NoError(t, m2.Heartbeat(ctx, []string{"bob"}))

	removed, err := m1.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "users held by live instances must survive reconciliation")

	// inst-2 crashes: its heartbeat expires and bob loses his voucher.
	store.ExpireInstance("inst-2")

	removed, err = m1.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	online, err := store.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestManager_ReconcileAgainstLocalEvictsUnknownUsers(t *testing.T) {
	m, store, _ := newTestManager("inst-1")
	ctx := context.Background()

	_, err := m.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = m.MarkOnline(ctx, "ghost")
	require.NoError(t, err)

	removed, err := m.ReconcileAgainstLocal(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	online, err := store.IsOnline(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, online)
	online, err = store.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestManager_DeregisterDropsVouchers(t *testing.T) {
	m, store, _ := newTestManager("inst-1")
	ctx := context.Background()

	require.NoError(t, m.Heartbeat(ctx, []string{"alice"}))
	held, err := store.HeldByLiveInstances(ctx)
	require.NoError(t, err)
	assert.Contains(t, held, "alice")

	require.NoError(t, m.Deregister(ctx))
	held, err = store.HeldByLiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}
