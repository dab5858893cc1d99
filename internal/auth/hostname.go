package auth

import (
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"fedilogin/internal/types"
)

const maxHostnameLength = 253

// NormalizeHostname turns user input such as " https://Mastodon.Social/ "
// into the canonical registry key "mastodon.social". The result is a
// lowercase ASCII DNS name or IPv4 literal with an optional ":port".
func NormalizeHostname(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingServerURI, "missing `server_uri` form value", nil)
	}

	if len(s) >= len("https://") && strings.EqualFold(s[:len("https://")], "https://") {
		s = s[len("https://"):]
	}
	s = strings.TrimSuffix(s, "/")

	if s == "" || strings.ContainsAny(s, "/\\?#@ \t\r\n") {
		return "", invalidServerURI(raw)
	}

	host, port, hasPort := strings.Cut(s, ":")
	if hasPort {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 || port[0] == '+' || port[0] == '0' {
			return "", invalidServerURI(raw)
		}
	}

	host, ok := normalizeHost(host)
	if !ok {
		return "", invalidServerURI(raw)
	}
	if hasPort {
		return host + ":" + port, nil
	}
	return host, nil
}

func normalizeHost(host string) (string, bool) {
	if host == "" {
		return "", false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return "", false
		}
		return addr.String(), true
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || len(ascii) > maxHostnameLength {
		return "", false
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return "", false
		}
	}
	if isNumeric(labels[len(labels)-1]) {
		return "", false
	}
	return ascii, true
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalidServerURI(raw string) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidServerURI,
		"invalid `server_uri`: expected a Mastodon server hostname such as mastodon.social",
		nil,
		map[string]any{"server_uri": raw},
	)
}
