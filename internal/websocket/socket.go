// Package websocket adapts a gorilla/websocket connection to the
// domain.Socket port: a buffered writer goroutine owns all data writes,
// so a stalled peer fills its own buffer and fails fast instead of
// blocking whoever is fanning out.
package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

var (
	errSocketClosed = errors.New("socket closed")
	errSlowClient   = errors.New("send buffer full")
)

// Socket wraps one gorilla connection.
type Socket struct {
	conn  *websocket.Conn
	clock clockwork.Clock

	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSocket wraps conn and starts its writer goroutine. The caller keeps
// running the read loop; this type only owns writes.
func NewSocket(conn *websocket.Conn, clock clockwork.Clock) *Socket {
	s := &Socket{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, messageBufferSize),
		done:   make(chan struct{}),
	}
	s.configurePongHandler()
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Socket) run() {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			s.updateWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send queues payload for the writer goroutine. Fails immediately when
// the buffer is full (slow client) or the socket is closed; callers treat
// either as a dead socket.
func (s *Socket) Send(payload []byte) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}

	select {
	case s.sendCh <- payload:
		return nil
	default:
		return errSlowClient
	}
}

// Ping writes a control frame directly; gorilla allows WriteControl
// concurrently with the writer goroutine. Used as the liveness probe by
// the reaper's sweep.
func (s *Socket) Ping() error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	deadline := s.clock.Now().Add(writeDeadline)
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a close frame with reason, best-effort, then tears the
// connection down. Idempotent.
func (s *Socket) Close(reason string) error {
	s.stopOnce.Do(func() {
		close(s.done)
		// The writer goroutine must exit before the close frame goes out,
		// since gorilla forbids concurrent data writes.
		s.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		s.updateWriteDeadline()
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Socket) configurePongHandler() {
	s.updateReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *Socket) updateWriteDeadline() {
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}

func (s *Socket) updateReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
