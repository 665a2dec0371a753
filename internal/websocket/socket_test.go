package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialSocket spins up an upgrading server, dials it, and returns the
// server-side Socket plus the client connection.
func dialSocket(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	sockCh := make(chan *Socket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sockCh <- NewSocket(conn, clockwork.NewRealClock())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case sock := <-sockCh:
		t.Cleanup(func() { _ = sock.Close("test over") })
		return sock, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the upgrade")
		return nil, nil
	}
}

func TestSocket_SendReachesClient(t *testing.T) {
	sock, client := dialSocket(t)

	require.NoError(t, sock.Send([]byte("hello")))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "hello", string(payload))
}

func TestSocket_SendsPreserveOrder(t *testing.T) {
	sock, client := dialSocket(t)

	require.NoError(t, sock.Send([]byte("first")))
	require.NoError(t, sock.Send([]byte("second")))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, p1, err := client.ReadMessage()
	require.NoError(t, err)
	_, p2, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "first", string(p1))
	assert.Equal(t, "second", string(p2))
}

func TestSocket_PingReachesClient(t *testing.T) {
	sock, client := dialSocket(t)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	// The ping handler only fires while a read is in flight.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, sock.Ping())

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the ping")
	}
}

func TestSocket_CloseSendsCloseFrame(t *testing.T) {
	sock, client := dialSocket(t)

	require.NoError(t, sock.Close("going away"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close frame, got %v", err)
}

func TestSocket_SendAfterCloseFails(t *testing.T) {
	sock, _ := dialSocket(t)

	require.NoError(t, sock.Close("done"))
	assert.ErrorIs(t, sock.Send([]byte("too late")), errSocketClosed)
	assert.ErrorIs(t, sock.Ping(), errSocketClosed)
}

func TestSocket_CloseIsIdempotent(t *testing.T) {
	sock, _ := dialSocket(t)

	require.NoError(t, sock.Close("first"))
	require.NoError(t, sock.Close("second"))
	require.NoError(t, sock.Close("third"))
}
