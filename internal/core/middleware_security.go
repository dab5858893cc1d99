package core

import (
	"net"
	"net/http"
	"strings"

	"fedilogin/internal/types"
)

// ClientIPMiddleware resolves the caller's address once and stores it in the
// context for logging and login rate limiting.
//
// X-Forwarded-For is honoured only when trustProxy is set; otherwise any
// client could pick its own rate-limit bucket.
func ClientIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractClientIP(r, trustProxy)
			next.ServeHTTP(w, r.WithContext(types.WithClientIP(r.Context(), ip)))
		})
	}
}

// extractClientIP extracts the client's IP address from the request.
// With trustProxy it first checks X-Forwarded-For (using the first entry,
// which is the original client IP behind a load balancer). Otherwise, or
// when that header is absent, it falls back to RemoteAddr.
//
// The returned IP is always stripped of the port number if present.
func extractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// "client, proxy1, proxy2"
			parts := strings.SplitN(xff, ",", 2)
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may not have a port (e.g., in tests).
		return r.RemoteAddr
	}
	return ip
}
