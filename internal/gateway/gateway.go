// Package gateway is the HTTP surface of the harborwatch daemon: health,
// engine status, run history, manual triggers, intents, Prometheus metrics,
// and a websocket stream of engine events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harborwatch/harborwatch/internal/batch"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/store"
)

// Engine is the gateway's view of the batch manager.
type Engine interface {
	TriggerJob(ctx context.Context, userID, jobType string) (*store.BatchRun, error)
	Status() batch.Status
	JobTypes() []string
}

// Config holds the gateway settings.
type Config struct {
	Listen          string
	AuthToken       string // required; guards /status and /api
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Gateway serves the HTTP API.
type Gateway struct {
	config    Config
	logger    *slog.Logger
	engine    Engine
	store     store.Store
	bus       *events.Bus
	gatherer  prometheus.Gatherer
	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway. The bus and gatherer are optional; the matching
// endpoints degrade when absent.
func New(cfg Config, logger *slog.Logger, engine Engine, st store.Store, bus *events.Bus, gatherer prometheus.Gatherer) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:   cfg.withDefaults(),
		logger:   logger,
		engine:   engine,
		store:    st,
		bus:      bus,
		gatherer: gatherer,
	}
}

// Start begins serving. The listen error is returned synchronously; serve
// errors after that are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Listen,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}

	go func() {
		g.logger.Info("gateway: listening", "addr", g.config.Listen)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway: shutting down")
	return g.server.Shutdown(shutdownCtx)
}
