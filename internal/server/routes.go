package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// WebSocket endpoint (auth handled upstream; user id arrives trusted)
	s.echo.GET("/ws", s.handleWebSocket)

	// Send API for business-logic collaborators
	s.echo.POST("/api/send/user/:user_id", s.handleSendToUser)
	s.echo.POST("/api/send/user/:user_id/device/:device_type", s.handleSendToDeviceType)
	s.echo.POST("/api/send/device/:connection_id", s.handleSendToDevice)

	// Presence API
	s.echo.GET("/api/presence", s.handleOnlineUsers)
	s.echo.GET("/api/presence/:user_id", s.handleIsOnline)
	s.echo.GET("/api/users/:user_id/devices", s.handleUserDevices)
}
