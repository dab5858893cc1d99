// Package core provides the HTTP chassis for fedilogin. It builds the chi
// router and enforces cross-cutting concerns (panic recovery, request IDs,
// security headers, logging, metrics and login rate limiting) before requests
// reach the login handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fedilogin/internal/config"
)

// MetricsCollector defines the interface for recording HTTP telemetry.
// Implementations record request latency and count to CloudWatch or the log.
type MetricsCollector interface {
	// RecordRequest records one completed request. endpoint is the chi route
	// pattern, never the raw path, so cardinality stays bounded.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of handlers. Registrars are supplied by the
// entry point so core does not import handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies of the HTTP layer, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      MetricsCollector
	HealthProbes []HealthProbe
	LoginLimiter *IPRateLimiter

	// RouteRegistrars are applied by MountRoutes in order.
	RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes dependencies and prepares the router. It performs a
// fail-fast check on the required collaborators.
//
// The caller mounts routes (MountRoutes) after filling in the optional fields.
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
	if cfg.RateLimit.LoginRate > 0 && cfg.RateLimit.LoginBurst > 0 {
		s.LoginLimiter = NewIPRateLimiter(cfg.RateLimit.LoginRate, cfg.RateLimit.LoginBurst)
	}

	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-owned resources. Connection pools and the session
// store belong to the entry point and are closed there.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	if s.LoginLimiter != nil {
		s.LoginLimiter.Reset()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Logger.Info("server shutdown complete")
	return nil
}
