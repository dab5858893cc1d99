// Package external is the anti-corruption layer between the login flow and
// remote Mastodon-compatible servers. All outbound HTTP calls go through
// BaseClient, which adds trace propagation, a per-host circuit breaker and
// error mapping. Nothing here retries: a failed remote call is surfaced to the
// caller immediately.
package external

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"fedilogin/internal/types"
)

// maxDiagnosticBody caps how much of an upstream error body is kept.
const maxDiagnosticBody = 2048

// breakerIdleTTL is how long an unused host's breaker is kept. Open breakers
// are kept regardless so a dead server keeps failing fast.
const breakerIdleTTL = 10 * time.Minute

// BreakerSettings tunes the per-host circuit breakers.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker once exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects calls.
	OpenTimeout time.Duration
	// Interval clears the failure counts while closed.
	Interval time.Duration
}

// DefaultBreakerSettings returns the settings used in production.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            60 * time.Second,
	}
}

// BaseClient wraps an *http.Client with one circuit breaker per remote host,
// so an unreachable server only fails fast for logins against that server.
type BaseClient struct {
	client    *http.Client
	settings  BreakerSettings
	userAgent string

	mu        sync.Mutex
	breakers  map[string]*hostBreaker
	lastSweep time.Time
	now       func() time.Time
}

type hostBreaker struct {
	cb       *gobreaker.CircuitBreaker[*http.Response]
	lastUsed time.Time
}

// NewBaseClient creates a BaseClient with the given http client, breaker
// settings, and user agent string.
func NewBaseClient(httpClient *http.Client, settings BreakerSettings, userAgent string) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &BaseClient{
		client:    httpClient,
		settings:  settings,
		userAgent: userAgent,
		breakers:  make(map[string]*hostBreaker),
		now:       time.Now,
	}
}

// breakerFor returns the breaker for host, creating it on first use.
func (c *BaseClient) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if hb, ok := c.breakers[host]; ok {
		hb.lastUsed = now
		return hb.cb
	}
	threshold := c.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream:" + host,
		MaxRequests: 1,
		Interval:    c.settings.Interval,
		Timeout:     c.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
	})
	c.breakers[host] = &hostBreaker{cb: cb, lastUsed: now}
	return cb
}

// sweepLocked drops idle breakers that are not open, at most once per
// breakerIdleTTL. Hosts come from user input, so the map is otherwise unbounded.
func (c *BaseClient) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < breakerIdleTTL {
		return
	}
	c.lastSweep = now
	for host, hb := range c.breakers {
		if now.Sub(hb.lastUsed) >= breakerIdleTTL && hb.cb.State() != gobreaker.StateOpen {
			delete(c.breakers, host)
		}
	}
}

// Do executes req once:
//  1. X-B3-TraceId from the request ID in context
//  2. User-Agent
//  3. the host's circuit breaker (transport errors and 5xx count as failures)
//
// Any response that arrives is returned as-is, whatever its status; the caller
// closes the body and decides what a non-2xx status means. Transport failures
// and an open breaker come back as upstream_unreachable AppErrors.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	host := req.URL.Host
	var received *http.Response
	resp, err := c.breakerFor(host).Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		received = r
		if r.StatusCode >= 500 {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})

	if err == nil {
		return resp, nil
	}
	if received != nil {
		// 5xx: the breaker recorded it, the caller still needs the body.
		return received, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamUnreachable,
			fmt.Sprintf("https://%s is temporarily unavailable", host),
			err,
		)
	}
	return nil, types.NewAppError(
		types.ErrCodeUpstreamUnreachable,
		fmt.Sprintf("could not connect to https://%s", host),
		err,
	)
}

// BreakerState reports the state of host's breaker. Unknown hosts are closed.
func (c *BaseClient) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	hb, ok := c.breakers[host]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return hb.cb.State()
}

// TrackedHosts returns the number of hosts with a breaker.
func (c *BaseClient) TrackedHosts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.breakers)
}

// readDiagnosticBody drains up to maxDiagnosticBody bytes of resp's body.
func readDiagnosticBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBody+1))
	if len(body) > maxDiagnosticBody {
		return string(body[:maxDiagnosticBody]) + "..."
	}
	return string(body)
}
