// Package security guards outbound HTTP calls whose destination is chosen by
// an end user. Every remote server contacted during login is identified only
// by a hostname typed into the login form, so the dialer refuses to connect
// to loopback, private, link-local and other internal ranges, and redirects
// are re-checked against the same list.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// dnsTimeout bounds name resolution for a single dial.
const dnsTimeout = 2 * time.Second

var (
	// ErrBlockedAddress is returned when a host resolves into a blocked range.
	ErrBlockedAddress = errors.New("security: destination address is not allowed")
	// ErrDNSTimeout is returned when resolution exceeds dnsTimeout.
	ErrDNSTimeout = errors.New("security: DNS resolution timeout")
	// ErrDNSFailed is returned when resolution fails or yields no addresses.
	ErrDNSFailed = errors.New("security: DNS resolution failed")
	// ErrTooManyRedirects is returned when the redirect limit is exceeded.
	ErrTooManyRedirects = errors.New("security: too many redirects")
)

// blockedPrefixes lists the ranges no remote server may resolve to.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",       // current network
	"10.0.0.0/8",      // private
	"100.64.0.0/10",   // carrier-grade NAT
	"127.0.0.0/8",     // loopback
	"169.254.0.0/16",  // link-local, cloud metadata
	"172.16.0.0/12",   // private
	"192.0.0.0/24",    // IETF protocol assignments
	"192.168.0.0/16",  // private
	"198.18.0.0/15",   // benchmarking
	"224.0.0.0/4",     // multicast
	"240.0.0.0/4",     // reserved
	"::1/128",         // loopback
	"::/128",          // unspecified
	"fc00::/7",        // unique local
	"fe80::/10",       // link-local
	"ff00::/8",        // multicast
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlockedAddr reports whether addr falls inside a blocked range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafeTransport is an http.RoundTripper whose dialer validates every resolved
// address before connecting.
type SafeTransport struct {
	Base     *http.Transport
	Resolver Resolver
	dialer   *net.Dialer
}

// NewSafeTransport wraps base (or a clone of http.DefaultTransport when nil)
// and overrides its DialContext.
func NewSafeTransport(base *http.Transport) *SafeTransport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	st := &SafeTransport{
		Base:   base,
		dialer: &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
	}
	base.Proxy = nil
	base.DialContext = st.dialContext
	return st
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

func (st *SafeTransport) resolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return net.DefaultResolver
}

func (st *SafeTransport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}

	addrs, err := resolveAllowed(ctx, st.resolver(), host)
	if err != nil {
		return nil, err
	}

	// Dial the validated IP, never the name, so a second lookup cannot
	// return something different.
	return st.dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
}

// resolveAllowed resolves host and returns its addresses only if none of them
// is blocked. A single blocked address rejects the whole set.
func resolveAllowed(ctx context.Context, r Resolver, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		return []netip.Addr{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ipAddrs, err := r.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}

	out := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		ip, ok := netip.AddrFromSlice(ia.IP)
		if !ok || IsBlockedAddr(ip) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ia.IP, host)
		}
		out = append(out, ip.Unmap())
	}
	return out, nil
}

// CheckRedirect returns an http.Client CheckRedirect function enforcing a
// redirect limit and rejecting redirects into blocked ranges. A nil resolver
// uses net.DefaultResolver.
func CheckRedirect(maxRedirects int, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlockedAddress)
		}
		_, err := resolveAllowed(req.Context(), resolver, host)
		return err
	}
}

// NewSafeHTTPClient returns an http.Client using SafeTransport and a
// redirect policy checked against the same blocklist.
func NewSafeHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Transport:     NewSafeTransport(nil),
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(maxRedirects, nil),
	}
}
