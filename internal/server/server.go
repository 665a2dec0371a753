// Package server is the HTTP/WS boundary of the connection layer. The
// business modules behind it only ever see Connect/Disconnect and the
// SendTo* family; sockets and Redis never leak past this package.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sockfleet/sockfleet/internal/config"
	"github.com/sockfleet/sockfleet/internal/manager"
)

// healthPinger is the minimal surface needed for the readiness check.
// Nil when running on the in-memory store.
type healthPinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo     *echo.Echo
	config   *config.Config
	manager  *manager.Manager
	clock    clockwork.Clock
	limits   *ConnectionLimits
	upgrader websocket.Upgrader
	pinger   healthPinger
}

func NewServer(cfg *config.Config, mgr *manager.Manager, clock clockwork.Clock, pinger healthPinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))

	srv := &Server{
		echo:    e,
		config:  cfg,
		manager: mgr,
		clock:   clock,
		limits: NewConnectionLimits(
			cfg.GlobalConnectionLimit,
			cfg.PerIPConnectionLimit,
			cfg.ConnectionRatePerSecond,
			cfg.ConnectionRateBurst,
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, cfg.AppEnv == "development"),
		},
		pinger: pinger,
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the echo engine as an http.Handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
