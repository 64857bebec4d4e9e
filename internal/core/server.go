// Package core provides the HTTP chassis for courier. It builds a chi router
// that serves both as a standard HTTP server (local) and behind API Gateway
// (Lambda), and applies the cross-cutting concerns (recovery, request IDs,
// logging, CORS, bearer auth) before requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handlers on a router.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the API process. Handler packages attach
// their routes through the registrar slices before MountRoutes is called, which
// keeps core free of imports on the handler packages.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector
	Health    *HealthMonitor

	// PublicRouteRegistrars are mounted at the root without authentication
	// (provider webhooks, unsubscribe links, /metrics).
	PublicRouteRegistrars []RouteRegistrar

	// V1RouteRegistrars are mounted under /v1 behind bearer authentication.
	V1RouteRegistrars []RouteRegistrar

	router  *chi.Mux
	closers []func(ctx context.Context) error
}

// NewServer validates the critical dependencies and prepares an empty router.
// Routes are mounted separately so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered closers in reverse order. Binaries register the
// aggregator flush and connection pools here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return firstErr
}

// OnShutdown registers fn to run during Shutdown.
func (s *Server) OnShutdown(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}
