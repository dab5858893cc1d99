package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fedilogin/internal/types"
)

// fakeServerStore enforces the hostname unique key like the real table.
type fakeServerStore struct {
	mu      sync.Mutex
	rows    map[string]*types.ServerRegistration
	creates atomic.Int32

	getErr    error
	createErr error
	// beforeCreate runs before the unique check, letting a test slip in a
	// competing row.
	beforeCreate func()
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{rows: make(map[string]*types.ServerRegistration)}
}

func (f *fakeServerStore) GetByHostname(_ context.Context, hostname string) (*types.ServerRegistration, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[hostname]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundServer, "server not registered", nil)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeServerStore) Create(_ context.Context, s *types.ServerRegistration) error {
	f.creates.Add(1)
	if f.createErr != nil {
		return f.createErr
	}
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[s.Hostname]; ok {
		return types.NewAppError(types.ErrCodeConflictDuplicateServer, "server already registered", nil)
	}
	s.ID = fmt.Sprintf("server-%d", len(f.rows)+1)
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.rows[s.Hostname] = &cp
	return nil
}

func (f *fakeServerStore) put(s *types.ServerRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.Hostname] = &cp
}

// fakeRegistrar counts RegisterApp calls and can block until released.
type fakeRegistrar struct {
	calls    atomic.Int32
	err      error
	release  chan struct{}
	lastMeta types.AppMetadata
	mu       sync.Mutex
}

func (f *fakeRegistrar) RegisterApp(ctx context.Context, hostname string, meta types.AppMetadata) (*types.AppCredentials, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.lastMeta = meta
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, types.NewAppError(types.ErrCodeUpstreamUnreachable, "could not connect", ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &types.AppCredentials{
		ClientID:     fmt.Sprintf("client-%s-%d", hostname, n),
		ClientSecret: types.SecretString("secret"),
	}, nil
}

// fakeIdentityStore enforces both identity unique keys.
type fakeIdentityStore struct {
	mu   sync.Mutex
	rows map[string]*types.LinkedIdentity

	creates      atomic.Int32
	beforeCreate func()
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{rows: make(map[string]*types.LinkedIdentity)}
}

func (f *fakeIdentityStore) GetByRemoteID(_ context.Context, serverID, remoteID string) (*types.LinkedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ServerID == serverID && row.RemoteID == remoteID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
}

func (f *fakeIdentityStore) GetByID(_ context.Context, id string) (*types.LinkedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeIdentityStore) Create(_ context.Context, i *types.LinkedIdentity) error {
	f.creates.Add(1)
	if f.beforeCreate != nil {
		f.beforeCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ServerID == i.ServerID && (row.RemoteID == i.RemoteID || row.Username == i.Username) {
			return types.NewAppError(types.ErrCodeConflictDuplicateIdentity, "identity already linked", nil)
		}
	}
	i.ID = fmt.Sprintf("identity-%d", len(f.rows)+1)
	cp := *i
	f.rows[i.ID] = &cp
	return nil
}

func (f *fakeIdentityStore) put(i *types.LinkedIdentity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *i
	f.rows[i.ID] = &cp
}
