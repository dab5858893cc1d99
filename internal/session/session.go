// Package session keeps per-browser login state on the server. The browser
// only holds an opaque session ID in a cookie; the record itself lives in a
// Store (Redis in production, memory for local runs and tests).
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fedilogin/internal/types"
)

// Flow is the ephemeral CSRF context of an in-progress login.
type Flow struct {
	StateToken      string `json:"state_token,omitempty"`
	PendingHostname string `json:"pending_hostname,omitempty"`
}

// Session is one browser's server-side record. A non-empty IdentityID means
// the browser is signed in.
type Session struct {
	ID         string    `json:"id"`
	Flow       Flow      `json:"flow"`
	IdentityID string    `json:"identity_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// New returns an empty session with a fresh random ID.
func New(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
	}
}

// Authenticated reports whether the session is bound to an identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.IdentityID != ""
}

// Rotate returns a new session bound to identityID, carrying no flow state.
// The caller deletes the old record.
func (s *Session) Rotate(identityID string, now time.Time) *Session {
	next := New(now)
	next.IdentityID = identityID
	return next
}

// Store persists sessions. Get returns not_found_session for unknown or
// expired IDs; backend failures are internal_session_store_error.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

func errNotFound() error {
	return types.NewAppError(types.ErrCodeNotFoundSession, "session not found", nil)
}

func errBackend(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalSessionStore, msg, err)
}
