package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"fedilogin/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts when
// no explicit RequestTimeout is configured.
const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs. The session cookie is a bearer credential.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
}

// MountRoutes defines the routing hierarchy: the global middleware chain,
// the health check and every registered handler group.
func (s *Server) MountRoutes() {
	// Global Middleware Registration (strict order matters).
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusMethodNotAllowed, newErrorResponse(r,
			types.NewAppError(errCodeMethodNotAllowed, "method not allowed", nil)))
	})

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost to catch all failures.
//  2. ContextTimeout  - Bounds the whole request, including remote calls.
//  3. RequestID       - Generates/propagates correlation ID for tracing.
//  4. ClientIP        - Resolves the caller address for logs and rate limits.
//  5. SecurityHeaders - Ensures all responses include security headers.
//  6. RequestLogger   - Structured logging (redacted headers).
//  7. Metrics         - Request latency and count recording.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(ClientIPMiddleware(s.trustProxyHeaders()))
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)
}

// requestTimeout returns the configured request timeout, falling back to the
// default.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) trustProxyHeaders() bool {
	return s.Config != nil && s.Config.Server.TrustProxyHeaders
}

// ContextTimeoutMiddleware sets a deadline on the request context. Remote
// calls made by handlers inherit it, so a slow Mastodon server cannot hold a
// request open past the deadline.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs and upstream calls. If the incoming request contains
// an X-Request-Id header, that value is reused; otherwise a new random ID is
// generated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maxRequestIDLength caps client-supplied IDs before they reach logs and
// outbound trace headers.
const maxRequestIDLength = 128

// generateRequestID produces 16 random bytes encoded as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
