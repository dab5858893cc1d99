package auth

import (
	"context"
	"log/slog"

	"fedilogin/internal/types"
)

// IdentityStore is the persistence the Linker needs.
type IdentityStore interface {
	GetByRemoteID(ctx context.Context, serverID, remoteID string) (*types.LinkedIdentity, error)
	GetByID(ctx context.Context, id string) (*types.LinkedIdentity, error)
	Create(ctx context.Context, i *types.LinkedIdentity) error
}

// Linker maps a remote account to exactly one local identity.
type Linker struct {
	store  IdentityStore
	logger *slog.Logger
}

// NewLinker creates a Linker.
func NewLinker(store IdentityStore, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: store, logger: logger}
}

// LinkOrCreate returns the identity for profile on server, creating it on
// first login. An existing identity is returned as stored: neither the
// profile snapshot nor the stored token is refreshed on later logins.
func (l *Linker) LinkOrCreate(
	ctx context.Context,
	server *types.ServerRegistration,
	profile *types.RemoteProfile,
	token *types.TokenResponse,
) (*types.LinkedIdentity, error) {
	existing, err := l.store.GetByRemoteID(ctx, server.ID, profile.ID)
	if err == nil {
		existing.Hostname = server.Hostname
		return existing, nil
	}
	if !types.IsCode(err, types.ErrCodeNotFoundIdentity) {
		return nil, err
	}

	identity := &types.LinkedIdentity{
		ServerID:       server.ID,
		Hostname:       server.Hostname,
		RemoteID:       profile.ID,
		Username:       profile.Username,
		DisplayName:    profile.DisplayName,
		URL:            profile.URL,
		Note:           profile.Note,
		Avatar:         profile.Avatar,
		AvatarStatic:   profile.AvatarStatic,
		CredentialBlob: token.Raw,
	}
	createErr := l.store.Create(ctx, identity)
	if createErr == nil {
		l.logger.Info("identity created",
			"identity_id", identity.ID,
			"acct", identity.Acct(),
		)
		return identity, nil
	}
	if !types.IsCode(createErr, types.ErrCodeConflictDuplicateIdentity) {
		return nil, createErr
	}

	// Lost a race against a concurrent first login for the same account.
	winner, err := l.store.GetByRemoteID(ctx, server.ID, profile.ID)
	if err == nil {
		winner.Hostname = server.Hostname
		return winner, nil
	}
	if !types.IsCode(err, types.ErrCodeNotFoundIdentity) {
		return nil, err
	}

	// The username is held by a different remote account (a rename on the
	// remote server). Refuse rather than merge two accounts.
	l.logger.Warn("username already linked to another remote account",
		"hostname", server.Hostname,
		"username", profile.Username,
		"remote_id", profile.ID,
	)
	return nil, createErr
}

// Get loads the identity a session is bound to.
func (l *Linker) Get(ctx context.Context, id string) (*types.LinkedIdentity, error) {
	return l.store.GetByID(ctx, id)
}
