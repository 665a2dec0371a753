package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/metrics"
	ws "github.com/sockfleet/sockfleet/internal/websocket"
)

// handleWebSocket admits one client socket. Admission limits and the
// per-user quota are checked before the upgrade, so a rejected caller
// never pays the handshake cost.
func (s *Server) handleWebSocket(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		slog.Warn("Connection rejected by admission limits",
			"ip", ip,
			"reason", reason)
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": string(reason)})
	}

	if !s.manager.CanAccept(userID) {
		s.limits.Release(ip)
		metrics.ConnectionsRejectedTotal.WithLabelValues("user_limit").Inc()
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "connection limit exceeded"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.limits.Release(ip)
		return nil // upgrader already wrote the error response
	}

	sock := ws.NewSocket(conn, s.clock)
	meta := domain.Metadata{
		DeviceType: domain.ParseDeviceType(c.QueryParam("device_type")),
		DeviceID:   c.QueryParam("device_id"),
	}

	registered, err := s.manager.Connect(c.Request().Context(), userID, sock, meta, c.QueryParam("connection_id"))
	if err != nil {
		// Lost the race between CanAccept and Connect.
		_ = sock.Close("connection limit exceeded")
		s.limits.Release(ip)
		return nil
	}

	// Read loop: we expect no application data from clients, but reading
	// drives pong handling and detects the peer going away.
	go func() {
		// The request context dies with the handler; lifecycle cleanup
		// must not.
		defer func() {
			s.manager.Disconnect(context.Background(), registered.ID)
			_ = sock.Close("read loop ended")
			s.limits.Release(ip)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}

func (s *Server) handleSendToUser(c echo.Context) error {
	payload, err := s.readPayload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
	}
	return s.respondSend(c, s.manager.SendToUser(c.Request().Context(), c.Param("user_id"), payload))
}

func (s *Server) handleSendToDeviceType(c echo.Context) error {
	payload, err := s.readPayload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
	}
	deviceType := domain.ParseDeviceType(c.Param("device_type"))
	return s.respondSend(c, s.manager.SendToDeviceType(c.Request().Context(), c.Param("user_id"), deviceType, payload))
}

func (s *Server) handleSendToDevice(c echo.Context) error {
	payload, err := s.readPayload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
	}
	return s.respondSend(c, s.manager.SendToDevice(c.Request().Context(), c.Param("connection_id"), payload))
}

// readPayload reads the body with one byte of headroom past the limit so
// an oversized payload reaches the router's size check and gets the
// proper taxonomy error instead of a transport error.
func (s *Server) readPayload(c echo.Context) ([]byte, error) {
	limited := io.LimitReader(c.Request().Body, int64(s.config.MaxMessageSize)+1)
	return io.ReadAll(limited)
}

// respondSend maps the send taxonomy onto status codes. Acceptance means
// "accepted for best-effort delivery", not "delivered".
func (s *Server) respondSend(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, domain.ErrMessageTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "message too large"})
	case errors.Is(err, domain.ErrMessageRateLimitExceeded):
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	default:
		slog.Error("Send failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "send failed"})
	}
}

func (s *Server) handleIsOnline(c echo.Context) error {
	online, err := s.manager.IsUserOnline(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		slog.Error("Presence lookup failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id": c.Param("user_id"),
		"online":  online,
	})
}

func (s *Server) handleOnlineUsers(c echo.Context) error {
	users, err := s.manager.OnlineUsers(c.Request().Context())
	if err != nil {
		slog.Error("Presence listing failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
	}
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"online": users})
}

func (s *Server) handleUserDevices(c echo.Context) error {
	devices := s.manager.GetUserDevices(c.Param("user_id"))
	if devices == nil {
		devices = []domain.Connection{}
	}
	return c.JSON(http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.manager.LocalConnectionCount(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": "redis",
				"error":        err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
