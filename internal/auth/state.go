package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"math/big"

	"fedilogin/internal/session"
	"fedilogin/internal/types"
)

const (
	stateTokenLength   = 10
	stateTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// StateConfig configures a StateGuard.
type StateConfig struct {
	// Reader is the entropy source. Defaults to crypto/rand.Reader.
	Reader io.Reader
}

// StateGuard binds an authorization redirect to the browser session that
// started it. The token and target hostname live on session.Flow; the
// caller persists the session.
type StateGuard struct {
	reader io.Reader
}

// NewStateGuard creates a StateGuard.
func NewStateGuard(cfg StateConfig) *StateGuard {
	reader := cfg.Reader
	if reader == nil {
		reader = rand.Reader
	}
	return &StateGuard{reader: reader}
}

// Issue generates a fresh state token, records it with hostname on sess and
// returns it. Any previous flow on sess is replaced.
func (g *StateGuard) Issue(sess *session.Session, hostname string) (string, error) {
	if sess == nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "no session to bind state to", nil)
	}

	alphabetLen := big.NewInt(int64(len(stateTokenAlphabet)))
	buf := make([]byte, stateTokenLength)
	for i := range buf {
		n, err := rand.Int(g.reader, alphabetLen)
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate state token", err)
		}
		buf[i] = stateTokenAlphabet[n.Int64()]
	}

	token := string(buf)
	sess.Flow = session.Flow{StateToken: token, PendingHostname: hostname}
	return token, nil
}

// Validate checks supplied against the token on sess. On success the flow is
// cleared, so a token validates at most once, and the pending hostname is
// returned. A mismatch leaves the flow untouched.
func (g *StateGuard) Validate(sess *session.Session, supplied string) (string, error) {
	if sess == nil || sess.Flow.StateToken == "" || supplied == "" {
		return "", types.NewAppError(types.ErrCodeFlowStateMissing, "missing `state` in session or query", nil)
	}
	if subtle.ConstantTimeCompare([]byte(sess.Flow.StateToken), []byte(supplied)) != 1 {
		return "", types.NewAppError(types.ErrCodeFlowStateMismatch, "`state` does not match the session", nil)
	}

	hostname := sess.Flow.PendingHostname
	sess.Flow = session.Flow{}
	if hostname == "" {
		return "", types.NewAppError(types.ErrCodeFlowPendingServerMissing, "missing `server_uri` from session cookie", nil)
	}
	return hostname, nil
}
