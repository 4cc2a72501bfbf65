// Package softphone wires the agent together: engine, emitter, router and
// the UI bridge.
package softphone

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hardline/softphone/internal/softphone/bridge"
	"github.com/hardline/softphone/internal/softphone/config"
	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
	"github.com/hardline/softphone/internal/softphone/router"
)

// App is the composition root of the softphone agent.
type App struct {
	cfg *config.Config

	eng     *engine.UA
	hub     *bridge.Hub
	emitter *notify.Emitter
	router  *router.Router
	server  *bridge.Server
}

// New builds the agent from configuration. Nothing network-facing starts
// here except the HTTP listener in Run; the SIP stack starts lazily on the
// first register command.
func New(cfg *config.Config) *App {
	eng := engine.New(engine.Config{
		BindAddr:  cfg.SIPBindAddr,
		Port:      cfg.SIPPort,
		UserAgent: cfg.UserAgent,
	})

	hub := bridge.NewHub()
	emitter := notify.NewEmitter(hub)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := router.NewMetrics(registry)

	rt := router.New(eng, emitter, metrics)

	server := bridge.NewServer(bridge.Config{
		BindAddr: cfg.HTTPBindAddr,
		Port:     cfg.HTTPPort,
	}, rt, hub, registry)

	return &App{
		cfg:     cfg,
		eng:     eng,
		hub:     hub,
		emitter: emitter,
		router:  rt,
		server:  server,
	}
}

// Run serves the UI bridge until the context is cancelled, then shuts
// everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge: %w", err)
	case <-ctx.Done():
	}

	slog.Info("[App] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("[App] Bridge shutdown failed", "error", err)
	}

	// Router first so the final hangup and unregister go out while the
	// engine is still up.
	a.router.Close()
	if err := a.eng.Close(); err != nil {
		slog.Error("[App] Engine close failed", "error", err)
	}
	a.emitter.Close()
	a.hub.Close()

	slog.Info("[App] Shutdown complete")
	return nil
}
