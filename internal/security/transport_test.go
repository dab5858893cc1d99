package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements Resolver for deterministic testing.
type mockResolver struct {
	ips map[string][]net.IPAddr
	err error
}

func (m *mockResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if m.err != nil {
		return nil, m.err
	}
	ips, ok := m.ips[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return ips, nil
}

// slowResolver blocks until the context expires.
type slowResolver struct{}

func (slowResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newMockResolver(mappings map[string][]string) *mockResolver {
	ips := make(map[string][]net.IPAddr)
	for host, list := range mappings {
		for _, s := range list {
			ips[host] = append(ips[host], net.IPAddr{IP: net.ParseIP(s)})
		}
	}
	return &mockResolver{ips: ips}
}

func TestIsBlockedAddr(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"93.184.216.34", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.blocked, IsBlockedAddr(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestResolveAllowed(t *testing.T) {
	resolver := newMockResolver(map[string][]string{
		"mastodon.example": {"93.184.216.34"},
		"evil.example":     {"93.184.216.34", "10.0.0.5"},
		"internal.example": {"192.168.0.10"},
	})

	t.Run("public host", func(t *testing.T) {
		addrs, err := resolveAllowed(context.Background(), resolver, "mastodon.example")
		require.NoError(t, err)
		require.Len(t, addrs, 1)
		assert.Equal(t, "93.184.216.34", addrs[0].String())
	})

	t.Run("mixed set is rejected", func(t *testing.T) {
		_, err := resolveAllowed(context.Background(), resolver, "evil.example")
		assert.ErrorIs(t, err, ErrBlockedAddress)
	})

	t.Run("private host", func(t *testing.T) {
		_, err := resolveAllowed(context.Background(), resolver, "internal.example")
		assert.ErrorIs(t, err, ErrBlockedAddress)
	})

	t.Run("ip literal", func(t *testing.T) {
		_, err := resolveAllowed(context.Background(), resolver, "127.0.0.1")
		assert.ErrorIs(t, err, ErrBlockedAddress)
	})

	t.Run("unknown host", func(t *testing.T) {
		_, err := resolveAllowed(context.Background(), resolver, "nope.example")
		assert.ErrorIs(t, err, ErrDNSFailed)
	})

	t.Run("empty answer", func(t *testing.T) {
		r := &mockResolver{ips: map[string][]net.IPAddr{"empty.example": {}}}
		_, err := resolveAllowed(context.Background(), r, "empty.example")
		assert.ErrorIs(t, err, ErrDNSFailed)
	})
}

func TestResolveAllowed_DNSTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := resolveAllowed(ctx, slowResolver{}, "slow.example")
	assert.ErrorIs(t, err, ErrDNSTimeout)
}

func TestSafeTransport_BlocksLoopbackServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewSafeTransport(nil), Timeout: 2 * time.Second}
	resp, err := client.Get(srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress), "expected ErrBlockedAddress, got %v", err)
}

func TestSafeTransport_BlocksNameResolvingToPrivate(t *testing.T) {
	st := NewSafeTransport(nil)
	st.Resolver = newMockResolver(map[string][]string{"sneaky.example": {"127.0.0.1"}})
	client := &http.Client{Transport: st, Timeout: 2 * time.Second}

	resp, err := client.Get("http://sneaky.example/api/v1/apps")
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockedAddress)
}

func TestCheckRedirect(t *testing.T) {
	resolver := newMockResolver(map[string][]string{
		"public.example":   {"93.184.216.34"},
		"metadata.example": {"169.254.169.254"},
	})
	check := CheckRedirect(3, resolver)

	newReq := func(raw string) *http.Request {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return (&http.Request{URL: u}).WithContext(context.Background())
	}

	assert.NoError(t, check(newReq("https://public.example/oauth/token"), nil))
	assert.ErrorIs(t, check(newReq("https://metadata.example/latest"), nil), ErrBlockedAddress)
	assert.ErrorIs(t, check(newReq("https://10.0.0.1/"), nil), ErrBlockedAddress)

	via := make([]*http.Request, 3)
	assert.ErrorIs(t, check(newReq("https://public.example/"), via), ErrTooManyRedirects)
}

func TestNewSafeHTTPClient(t *testing.T) {
	client := NewSafeHTTPClient(10*time.Second, 2)
	assert.Equal(t, 10*time.Second, client.Timeout)
	assert.IsType(t, &SafeTransport{}, client.Transport)
	assert.NotNil(t, client.CheckRedirect)
}
