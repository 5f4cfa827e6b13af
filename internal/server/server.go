// Package server exposes the health, readiness and metrics endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/healthcheck"
	"github.com/jarvis-dash/jarvis-core/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Routes are the collaborators behind the HTTP endpoints.
type Routes struct {
	Reporter        healthcheck.Reporter
	Tracker         *healthcheck.Tracker
	Metrics         *metrics.Metrics
	MonitorInterval time.Duration
}

// listener is one HTTP server and the route groups it carries.
type listener struct {
	label   string
	port    int
	health  bool
	metrics bool
}

// plan maps the configured ports to listeners. Zero disables a group; equal
// ports share one listener.
func plan(healthPort, metricsPort int) []listener {
	if healthPort > 0 && healthPort == metricsPort {
		return []listener{{label: "health/metrics", port: healthPort, health: true, metrics: true}}
	}
	var out []listener
	if healthPort > 0 {
		out = append(out, listener{label: "health", port: healthPort, health: true})
	}
	if metricsPort > 0 {
		out = append(out, listener{label: "metrics", port: metricsPort, metrics: true})
	}
	return out
}

// Start serves the health and metrics endpoints until ctx is canceled.
func Start(ctx context.Context, logger zerolog.Logger, routes Routes, healthPort, metricsPort int) {
	for _, l := range plan(healthPort, metricsPort) {
		mux := http.NewServeMux()
		if l.health {
			registerHealthRoutes(mux, routes)
		}
		if l.metrics {
			registerMetricsRoute(mux, routes.Metrics)
		}
		serve(ctx, logger.With().Str("server", l.label).Int("port", l.port).Logger(), mux, l.port)
	}
}

// NewMux builds a single mux with every route, for embedding and tests.
func NewMux(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthRoutes(mux, routes)
	registerMetricsRoute(mux, routes.Metrics)
	return mux
}

func registerHealthRoutes(mux *http.ServeMux, routes Routes) {
	mux.HandleFunc("/healthz", healthcheck.HealthHandler(routes.Reporter, routes.Tracker, routes.MonitorInterval))
	mux.HandleFunc("/readyz", healthcheck.ReadyHandler(routes.Tracker))
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("/metrics", metricsCollector.Handler())
}

func serve(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
