package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"fedilogin/internal/config"
)

// mockMetricsCollector implements MetricsCollector for testing.
type mockMetricsCollector struct {
	mu    sync.Mutex
	calls []metricsCall
}

type metricsCall struct {
	method, endpoint, status string
	duration                 time.Duration
}

func (m *mockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricsCall{method, endpoint, status, duration})
}

func (m *mockMetricsCollector) snapshot() []metricsCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]metricsCall(nil), m.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Server: config.ServerConfig{
			PublicURL:      "https://login.example",
			RequestTimeout: 5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{LoginRate: 1, LoginBurst: 2},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(testConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func TestNewServer_Success(t *testing.T) {
	cfg := testConfig()
	logger := discardLogger()

	srv, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	if srv.Config != cfg {
		t.Error("Config field not set correctly")
	}
	if srv.Logger != logger {
		t.Error("Logger field not set correctly")
	}
	if srv.Validator == nil {
		t.Error("Validator should be initialized")
	}
	if srv.LoginLimiter == nil {
		t.Error("LoginLimiter should be built from RateLimit config")
	}
	if srv.Handler() == nil || srv.Router() == nil {
		t.Error("router should be initialized")
	}
}

func TestNewServer_NoLimiterWhenUnconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{}

	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.LoginLimiter != nil {
		t.Error("expected no limiter for a zero rate")
	}
}

func TestNewServer_NilDependencies(t *testing.T) {
	if _, err := NewServer(nil, discardLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(testConfig(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestServer_MountRoutes_AppliesRegistrars(t *testing.T) {
	srv := newTestServer(t)
	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected registrar route to be mounted, got %d", rec.Code)
	}
}

func TestServer_Shutdown(t *testing.T) {
	srv := newTestServer(t)
	srv.LoginLimiter.Allow("192.0.2.1")

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if srv.LoginLimiter.Len() != 0 {
		t.Error("expected limiter buckets to be released")
	}
}

func TestServer_Shutdown_ExpiredContext(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := srv.Shutdown(ctx); err == nil {
		t.Error("expected error for a cancelled shutdown context")
	}
}
