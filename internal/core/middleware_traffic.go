package core

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fedilogin/internal/types"
)

// limiterIdleTTL is how long an unused per-IP bucket is kept. A bucket idle
// this long has refilled anyway, so dropping it loses nothing.
const limiterIdleTTL = 10 * time.Minute

// IPRateLimiter holds one token bucket per client IP. Starting a login may
// register this application with a remote server, so the limit protects
// those servers as much as this one.
type IPRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*ipBucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows perSecond sustained requests per IP with the given
// burst.
func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether ip may proceed. When it may not, the returned
// duration is how long until a token is available.
func (l *IPRateLimiter) Allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		// Only possible with a zero burst.
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Reset drops every bucket.
func (l *IPRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buckets)
}

// sweepLocked drops idle buckets at most once per limiterIdleTTL.
func (l *IPRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < limiterIdleTTL {
		return
	}
	l.lastSweep = now
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) >= limiterIdleTTL {
			delete(l.buckets, ip)
		}
	}
}

// LoginRateLimit wraps the login entry point with the per-IP limiter. Over
// the limit it answers 429 "rate_limit_exceeded" with a Retry-After header.
//
// If no limiter is configured (e.g., in tests) the middleware passes through.
func (s *Server) LoginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.LoginLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := types.GetClientIP(r.Context())
		if ip == "" {
			ip = extractClientIP(r, false)
		}

		allowed, retryAfter := s.LoginLimiter.Allow(ip)
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.Logger.Warn("login rate limited", "client_ip", ip, "retry_after", secs)
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "too many login attempts, slow down", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}
