package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sockfleet/sockfleet/internal/config"
	"github.com/sockfleet/sockfleet/internal/domain"
	"github.com/sockfleet/sockfleet/internal/logging"
	"github.com/sockfleet/sockfleet/internal/manager"
	"github.com/sockfleet/sockfleet/internal/memstore"
	"github.com/sockfleet/sockfleet/internal/presence"
	redisadapter "github.com/sockfleet/sockfleet/internal/redis"
	"github.com/sockfleet/sockfleet/internal/registry"
	"github.com/sockfleet/sockfleet/internal/router"
	"github.com/sockfleet/sockfleet/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  domain.PresenceStore
		bus    domain.Bus
		pinger interface {
			Ping(ctx context.Context) error
		}
	)
	if cfg.RedisURL != "" {
		client, err := redisadapter.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to create redis client: %v", err)
		}
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx); err != nil {
			cancel()
			log.Fatalf("failed to reach redis: %v", err)
		}
		cancel()

		store = redisadapter.NewPresenceStore(client)
		bus = redisadapter.NewBus(client)
		pinger = client
		slog.Info("Using redis store", "instance_id", cfg.InstanceID)
	} else {
		// Single-instance mode: presence and fan-out stay in process.
		store = memstore.NewStore()
		bus = memstore.NewBus()
		slog.Warn("REDIS_URL not set, running single-instance with in-memory store")
	}

	reg := registry.New(cfg.MaxConnectionsPerUser, cfg.InstanceID, clock)
	pres := presence.NewManager(store, clock, cfg.InstanceID, 3*cfg.ReaperInterval)
	rt := router.New(bus, clock, cfg.InstanceID, cfg.MaxMessageSize, cfg.RateLimitWindow, cfg.RateLimitMaxMessages)
	mgr := manager.New(reg, pres, rt, bus, clock, cfg.InstanceID, cfg.ReaperInterval)

	mgr.Start(ctx)

	srv := server.NewServer(cfg, mgr, clock, pinger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	mgr.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
	os.Exit(0)
}
