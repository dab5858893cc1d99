package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"fedilogin/internal/types"
)

// ServerStore is the persistence the Registry needs.
type ServerStore interface {
	GetByHostname(ctx context.Context, hostname string) (*types.ServerRegistration, error)
	Create(ctx context.Context, s *types.ServerRegistration) error
}

// AppRegistrar obtains client credentials from a remote server.
type AppRegistrar interface {
	RegisterApp(ctx context.Context, hostname string, meta types.AppMetadata) (*types.AppCredentials, error)
}

// RegistryConfig describes this application to remote servers.
type RegistryConfig struct {
	ClientName  string
	RedirectURI string
	Website     string
	Logger      *slog.Logger
}

// registrationTimeout bounds one shared registration flight, store calls
// included.
const registrationTimeout = 30 * time.Second

// Registry maps normalized hostnames to the OAuth client credentials this
// application holds on that server, registering on first use.
type Registry struct {
	store     ServerStore
	registrar AppRegistrar
	meta      types.AppMetadata
	logger    *slog.Logger

	// inflight collapses concurrent first registrations per hostname.
	inflight singleflight.Group
}

// NewRegistry creates a Registry.
func NewRegistry(store ServerStore, registrar AppRegistrar, cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		registrar: registrar,
		meta: types.AppMetadata{
			ClientName:  cfg.ClientName,
			RedirectURI: cfg.RedirectURI,
			Scopes:      types.DefaultScope,
			Website:     cfg.Website,
		},
		logger: logger,
	}
}

// Resolve normalizes raw and returns the registration for it, registering
// this application with the remote server if none exists yet. Existing rows
// are returned without any remote call.
func (r *Registry) Resolve(ctx context.Context, raw string) (*types.ServerRegistration, error) {
	hostname, err := NormalizeHostname(raw)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetByHostname(ctx, hostname)
	if err == nil {
		return existing, nil
	}
	if !types.IsCode(err, types.ErrCodeNotFoundServer) {
		return nil, err
	}

	// The flight outlives any one caller: it keeps the first caller's values
	// but not its cancellation, and each caller waits on its own context.
	ch := r.inflight.DoChan(hostname, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registrationTimeout)
		defer cancel()
		return r.register(flightCtx, hostname)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.logger.Debug("joined in-flight registration", "hostname", hostname)
		}
		return res.Val.(*types.ServerRegistration), nil
	case <-ctx.Done():
		return nil, types.NewAppError(
			types.ErrCodeUpstreamUnreachable,
			"gave up waiting for registration with "+hostname,
			ctx.Err(),
		)
	}
}

func (r *Registry) register(ctx context.Context, hostname string) (*types.ServerRegistration, error) {
	// A flight that finished just before this one started has already
	// persisted the row.
	if existing, err := r.store.GetByHostname(ctx, hostname); err == nil {
		return existing, nil
	} else if !types.IsCode(err, types.ErrCodeNotFoundServer) {
		return nil, err
	}

	creds, err := r.registrar.RegisterApp(ctx, hostname, r.meta)
	if err != nil {
		return nil, err
	}

	reg := &types.ServerRegistration{
		Hostname:     hostname,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	}
	if err := r.store.Create(ctx, reg); err != nil {
		if !types.IsCode(err, types.ErrCodeConflictDuplicateServer) {
			return nil, err
		}
		// Another process won the race; its credentials are the ones in use.
		r.logger.Info("server registered concurrently, using stored credentials", "hostname", hostname)
		return r.store.GetByHostname(ctx, hostname)
	}

	r.logger.Info("server registered", "hostname", hostname, "server_id", reg.ID)
	return reg, nil
}

// Lookup returns the stored registration for an already-normalized hostname.
// It never contacts the remote server.
func (r *Registry) Lookup(ctx context.Context, hostname string) (*types.ServerRegistration, error) {
	reg, err := r.store.GetByHostname(ctx, hostname)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundServer) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeFlowUnknownServer,
				"unknown Mastodon server",
				err,
				map[string]any{"hostname": hostname},
			)
		}
		return nil, err
	}
	return reg, nil
}
