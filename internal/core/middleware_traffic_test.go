package core

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"fedilogin/internal/types"
)

// fakeNow returns a controllable clock for the limiter.
func fakeNow(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestIPRateLimiter_BurstThenRefill(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	now, advance := fakeNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.now = now

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("192.0.2.1"); !ok {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}

	ok, retry := l.Allow("192.0.2.1")
	if ok {
		t.Fatal("expected the third request to be limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("unexpected retry-after %v", retry)
	}

	advance(time.Second)
	if ok, _ := l.Allow("192.0.2.1"); !ok {
		t.Error("expected a token after refill")
	}
}

func TestIPRateLimiter_RejectedRequestsDoNotConsume(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	now, advance := fakeNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.now = now

	l.Allow("192.0.2.1")
	for i := 0; i < 5; i++ {
		l.Allow("192.0.2.1")
	}

	advance(time.Second)
	if ok, _ := l.Allow("192.0.2.1"); !ok {
		t.Error("rejected attempts should not push the refill further out")
	}
}

func TestIPRateLimiter_IsolatesIPs(t *testing.T) {
	l := NewIPRateLimiter(1, 1)

	if ok, _ := l.Allow("192.0.2.1"); !ok {
		t.Fatal("first ip rejected")
	}
	if ok, _ := l.Allow("192.0.2.2"); !ok {
		t.Error("second ip should have its own bucket")
	}
}

func TestIPRateLimiter_SweepsIdleBuckets(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	now, advance := fakeNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.now = now

	l.Allow("192.0.2.1")
	l.Allow("192.0.2.2")
	advance(limiterIdleTTL + time.Second)
	l.Allow("192.0.2.3")

	if got := l.Len(); got != 1 {
		t.Errorf("expected idle buckets to be swept, %d remain", got)
	}
}

func TestLoginRateLimit_Returns429(t *testing.T) {
	srv := newTestServer(t)
	srv.LoginLimiter = NewIPRateLimiter(0.01, 1)

	handler := ClientIPMiddleware(false)(srv.LoginRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "192.0.2.50:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusFound {
		t.Fatalf("first request: expected 302, got %d", rec.Code)
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != string(types.ErrCodeRateLimit) {
		t.Errorf("unexpected code %q", body.Code)
	}
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Errorf("expected a positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestLoginRateLimit_NilLimiterPassesThrough(t *testing.T) {
	srv := newTestServer(t)
	srv.LoginLimiter = nil

	handler := srv.LoginRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
		if rec.Code != http.StatusFound {
			t.Fatalf("request %d: expected 302, got %d", i, rec.Code)
		}
	}
}
