// Package core provides the API chassis for the BuildFlow backend.
// It creates a chi router and enforces cross-cutting concerns (panic
// recovery, request correlation, logging, metrics, error envelopes)
// before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atpyprog/buildflow-backend/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// *observability.Metrics satisfies it.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler group onto a chi sub-router. Domain handler
// packages expose one of these so main.go can wire them without core importing
// the handler packages (which would create an import cycle).
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the BuildFlow API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	// HealthProbes are executed by the /health endpoint.
	HealthProbes []HealthProbe

	// MetricsHandler serves GET /metrics when set (promhttp.Handler()).
	MetricsHandler http.Handler

	// closers are released during Shutdown, in registration order.
	closers []func() error

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller is responsible for mounting routes
// (via MountRoutes) after construction; this separation allows tests to
// customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function invoked during Shutdown, such as
// closing the database pool.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Shutdown performs a graceful termination of server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			s.Logger.Error("error during shutdown cleanup", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("shutdown cleanup: %w", firstErr)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
