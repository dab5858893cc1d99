// Package main is the entry point for the fedilogin API server.
//
// It loads configuration, connects to PostgreSQL and the session backend,
// builds the HTTP chassis with the login handlers mounted, and serves until
// SIGINT or SIGTERM, then shuts down gracefully.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fedilogin/internal/api/handlers"
	"fedilogin/internal/auth"
	"fedilogin/internal/config"
	"fedilogin/internal/core"
	"fedilogin/internal/db"
	"fedilogin/internal/external"
	"fedilogin/internal/security"
	"fedilogin/internal/session"
	"fedilogin/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// dependencies are the stateful collaborators built from configuration.
// buildServer only consumes them, so tests can supply in-memory versions.
type dependencies struct {
	servers    auth.ServerStore
	identities auth.IdentityStore
	sessions   session.Store
	metrics    telemetry.Recorder
	httpClient *http.Client
	probes     []core.HealthProbe
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("fedilogin API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"public_url", cfg.Server.PublicURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	sessions, closeSessions, err := newSessionStore(cfg.Session)
	if err != nil {
		return err
	}
	defer closeSessions()

	metrics, err := telemetry.New(ctx, telemetry.Options{
		Backend:     cfg.Observability.MetricsBackend,
		Namespace:   cfg.Observability.MetricNamespace,
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating metrics backend: %w", err)
	}
	metricsDone := make(chan struct{})
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	if cw, ok := metrics.(*telemetry.CloudWatchMetrics); ok {
		go func() {
			defer close(metricsDone)
			cw.Run(metricsCtx, 0)
		}()
	} else {
		close(metricsDone)
	}
	// Run flushes once more when its context ends.
	defer func() {
		stopMetrics()
		<-metricsDone
	}()

	deps := dependencies{
		servers:    db.NewServerRepository(pool),
		identities: db.NewIdentityRepository(pool),
		sessions:   sessions,
		metrics:    metrics,
		httpClient: newUpstreamClient(cfg.Upstream, logger),
		probes: []core.HealthProbe{
			core.NewProbe("database", pool.Ping),
			core.NewProbe("sessions", sessions.Ping),
		},
	}

	srv, err := buildServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires the login flow onto the HTTP chassis and mounts routes.
func buildServer(cfg *config.Config, logger *slog.Logger, deps dependencies) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = deps.metrics
	srv.HealthProbes = deps.probes

	client := external.NewMastodonClient(deps.httpClient, external.MastodonConfig{
		Logger:         logger,
		UserAgent:      cfg.Upstream.UserAgent,
		RequestTimeout: cfg.Upstream.Timeout,
	})

	loginHandler := handlers.NewLoginHandler(handlers.LoginDeps{
		Registry: auth.NewRegistry(deps.servers, client, auth.RegistryConfig{
			ClientName:  cfg.AppName,
			RedirectURI: cfg.Server.CallbackURL(),
			Website:     cfg.Server.Website(),
			Logger:      logger,
		}),
		Guard:     auth.NewStateGuard(auth.StateConfig{}),
		Client:    client,
		Linker:    auth.NewLinker(deps.identities, logger),
		Sessions:  deps.sessions,
		Metrics:   deps.metrics,
		Validator: srv.Validator,
		Logger:    logger,
	}, handlers.LoginConfig{
		CallbackURL: cfg.Server.CallbackURL(),
		HomeURL:     cfg.Server.HomeRedirect(),
		Cookie: session.CookieOptions{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.CookieSecure,
			MaxAge: cfg.Session.TTL,
		},
	})

	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		loginHandler.RegisterRoutes(r, srv.LoginRateLimit)
	})

	srv.MountRoutes()
	return srv, nil
}

// newPool opens the pgx pool and verifies connectivity.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// newSessionStore builds the configured session backend and its close func.
func newSessionStore(cfg config.SessionConfig) (session.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return session.NewMemoryStore(cfg.TTL, nil), func() {}, nil
	case "redis":
		store := session.NewRedisStore(session.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Unmask(),
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.TTL,
		})
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// newUpstreamClient returns the HTTP client used for calls to remote
// servers. Private and loopback destinations are refused unless
// ALLOW_PRIVATE_HOSTS is set.
func newUpstreamClient(cfg config.UpstreamConfig, logger *slog.Logger) *http.Client {
	if cfg.AllowPrivateHosts {
		logger.Warn("outbound requests to private addresses are allowed")
		return &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > cfg.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
				}
				return nil
			},
		}
	}
	return security.NewSafeHTTPClient(cfg.Timeout, cfg.MaxRedirects)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
