package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockfleet/sockfleet/internal/domain"
)

type recordingBus struct {
	mu        sync.Mutex
	published []busRecord
}

type busRecord struct {
	channel string
	payload []byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busRecord{channel: channel, payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *recordingBus) records() []busRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busRecord(nil), b.published...)
}

type stubSocket struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (s *stubSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *stubSocket) Ping() error        { return nil }
func (s *stubSocket) Close(string) error { return nil }

func newTestRouter(bus domain.Bus, maxSize, maxMessages int) *Router {
	return New(bus, clockwork.NewFakeClock(), "inst-1", maxSize, 60*time.Second, maxMessages)
}

func TestRouter_SendToUserPublishesEnvelope(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 1024, 10)

	require.NoError(t, r.SendToUser(context.Background(), "alice", []byte(`{"hello":"world"}`)))

	records := bus.records()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ChannelMessages, records[0].channel)

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(records[0].payload, &env))
	assert.Equal(t, "alice", env.Target.UserID)
	assert.Empty(t, env.Target.ConnectionID)
	assert.Equal(t, "inst-1", env.InstanceID)
	assert.Equal(t, []byte(`{"hello":"world"}`), env.Payload)
}

func TestRouter_OversizedPayloadNeverReachesBus(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 16, 10)

	payload := bytes.Repeat([]byte("x"), 17)

	err := r.SendToUser(context.Background(), "alice", payload)
	require.ErrorIs(t, err, domain.ErrMessageTooLarge)
	err = r.SendToDevice(context.Background(), "conn-1", payload)
	require.ErrorIs(t, err, domain.ErrMessageTooLarge)
	err = r.SendToDeviceType(context.Background(), "alice", domain.DeviceMobile, payload)
	require.ErrorIs(t, err, domain.ErrMessageTooLarge)

	assert.Empty(t, bus.records(), "rejected payloads must not be published")
}

func TestRouter_PayloadAtLimitIsAccepted(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 16, 10)

	require.NoError(t, r.SendToUser(context.Background(), "alice", bytes.Repeat([]byte("x"), 16)))
	assert.Len(t, bus.records(), 1)
}

func TestRouter_UserSendsAreRateLimited(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 1024, 2)

	require.NoError(t, r.SendToUser(context.Background(), "alice", []byte("one")))
	require.NoError(t, r.SendToDeviceType(context.Background(), "alice", domain.DeviceMobile, []byte("two")))

	err := r.SendToUser(context.Background(), "alice", []byte("three"))
	require.ErrorIs(t, err, domain.ErrMessageRateLimitExceeded)
	assert.Len(t, bus.records(), 2)
}

func TestRouter_DeviceSendsBypassRateLimit(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 1024, 1)

	require.NoError(t, r.SendToUser(context.Background(), "alice", []byte("one")))
	require.ErrorIs(t, r.SendToUser(context.Background(), "alice", []byte("two")), domain.ErrMessageRateLimitExceeded)

	// Targeting an exact connection is not subject to the user limit.
	for range 5 {
		require.NoError(t, r.SendToDevice(context.Background(), "alice_inst-1_1", []byte("direct")))
	}
}

func TestRouter_SendToDeviceTypeTargetsType(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 1024, 10)

	require.NoError(t, r.SendToDeviceType(context.Background(), "alice", domain.DeviceTablet, []byte("hi")))

	records := bus.records()
	require.Len(t, records, 1)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(records[0].payload, &env))
	assert.Equal(t, "alice", env.Target.UserID)
	assert.Equal(t, domain.DeviceTablet, env.Target.DeviceType)
}

func TestRouter_PublishPresenceStampsOriginAndChannel(t *testing.T) {
	bus := &recordingBus{}
	r := newTestRouter(bus, 1024, 10)

	err := r.PublishPresence(context.Background(), domain.PresenceEvent{
		Type:   domain.EventUserOnline,
		UserID: "alice",
	})
	require.NoError(t, err)

	records := bus.records()
	require.Len(t, records, 1)
	assert.Equal(t, domain.ChannelPresence, records[0].channel)

	var event domain.PresenceEvent
	require.NoError(t, json.Unmarshal(records[0].payload, &event))
	assert.Equal(t, domain.EventUserOnline, event.Type)
	assert.Equal(t, "inst-1", event.InstanceID)
}

func TestRouter_DeliverLocallyCollectsDeadSockets(t *testing.T) {
	r := newTestRouter(&recordingBus{}, 1024, 10)

	good1, good2 := &stubSocket{}, &stubSocket{}
	broken := &stubSocket{sendErr: errors.New("send buffer full")}

	conns := []domain.HeldConnection{
		{Connection: domain.Connection{ID: "c1", UserID: "alice"}, Socket: good1},
		{Connection: domain.Connection{ID: "c2", UserID: "alice"}, Socket: broken},
		{Connection: domain.Connection{ID: "c3", UserID: "bob"}, Socket: good2},
	}

	ok, dead := r.DeliverLocally(conns, []byte("payload"))
	assert.Equal(t, 2, ok)
	require.Len(t, dead, 1)
	assert.Equal(t, "c2", dead[0].ID)

	assert.Len(t, good1.sent, 1)
	assert.Len(t, good2.sent, 1)
}

func TestRouter_DeliverLocallyEmptyIsNoOp(t *testing.T) {
	r := newTestRouter(&recordingBus{}, 1024, 10)

	ok, dead := r.DeliverLocally(nil, []byte("payload"))
	assert.Zero(t, ok)
	assert.Empty(t, dead)
}
