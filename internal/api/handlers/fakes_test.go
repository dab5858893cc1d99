package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"fedilogin/internal/auth"
	"fedilogin/internal/core"
	"fedilogin/internal/external"
	"fedilogin/internal/session"
	"fedilogin/internal/types"
)

const (
	testCallbackURL = "https://login.example/authorized"
	testHomeURL     = "https://login.example/"
	testCookieName  = "fedilogin_session"
)

// =============================================================================
// In-memory stores
// =============================================================================

// memServerStore enforces the hostname uniqueness the servers table does.
type memServerStore struct {
	mu     sync.Mutex
	byHost map[string]types.ServerRegistration
	seq    int
}

func newMemServerStore() *memServerStore {
	return &memServerStore{byHost: make(map[string]types.ServerRegistration)}
}

func (s *memServerStore) GetByHostname(_ context.Context, hostname string) (*types.ServerRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.byHost[hostname]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundServer, "server not registered", nil)
	}
	return &reg, nil
}

func (s *memServerStore) Create(_ context.Context, reg *types.ServerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHost[reg.Hostname]; ok {
		return types.NewAppError(types.ErrCodeConflictDuplicateServer, "server already registered", nil)
	}
	s.seq++
	reg.ID = fmt.Sprintf("srv-%d", s.seq)
	reg.CreatedAt = time.Now()
	reg.UpdatedAt = reg.CreatedAt
	s.byHost[reg.Hostname] = *reg
	return nil
}

// memIdentityStore enforces both unique keys of linked_identities.
type memIdentityStore struct {
	mu   sync.Mutex
	rows []types.LinkedIdentity
	seq  int
}

func (s *memIdentityStore) GetByRemoteID(_ context.Context, serverID, remoteID string) (*types.LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ServerID == serverID && row.RemoteID == remoteID {
			return &row, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
}

func (s *memIdentityStore) GetByID(_ context.Context, id string) (*types.LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			return &row, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundIdentity, "identity not found", nil)
}

func (s *memIdentityStore) Create(_ context.Context, i *types.LinkedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ServerID == i.ServerID && (row.RemoteID == i.RemoteID || row.Username == i.Username) {
			return types.NewAppError(types.ErrCodeConflictDuplicateIdentity, "identity already linked", nil)
		}
	}
	s.seq++
	i.ID = fmt.Sprintf("id-%d", s.seq)
	s.rows = append(s.rows, *i)
	return nil
}

func (s *memIdentityStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memIdentityStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, row := range s.rows {
		if row.ID == id {
			s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
			return
		}
	}
}

// =============================================================================
// Fake Mastodon server
// =============================================================================

type remoteReply struct {
	status int
	body   string
}

// fakeMastodon serves the three endpoints the flow calls. Replies can be
// swapped between requests.
type fakeMastodon struct {
	srv  *httptest.Server
	host string

	mu        sync.Mutex
	apps      remoteReply
	token     remoteReply
	profile   remoteReply
	calls     map[string]int
	appsForm  url.Values
	tokenForm url.Values
	bearer    string
}

const aliceProfile = `{
	"id": "42",
	"username": "alice",
	"display_name": "Alice",
	"url": "https://mastodon.example/@alice",
	"note": "<p>hello</p>",
	"avatar": "https://mastodon.example/a.png",
	"avatar_static": "https://mastodon.example/a_static.png"
}`

func newFakeMastodon(t *testing.T) *fakeMastodon {
	t.Helper()
	f := &fakeMastodon{
		apps:    remoteReply{http.StatusOK, `{"client_id":"abc","client_secret":"xyz"}`},
		token:   remoteReply{http.StatusOK, `{"access_token":"tok","token_type":"Bearer","scope":"read:accounts"}`},
		profile: remoteReply{http.StatusOK, aliceProfile},
		calls:   make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	f.host = strings.TrimPrefix(f.srv.URL, "http://")
	return f
}

func (f *fakeMastodon) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	f.mu.Lock()
	f.calls[r.URL.Path]++
	var reply remoteReply
	switch r.URL.Path {
	case "/api/v1/apps":
		f.appsForm = r.PostForm
		reply = f.apps
	case "/oauth/token":
		f.tokenForm = r.PostForm
		reply = f.token
	case "/api/v1/accounts/verify_credentials":
		f.bearer = r.Header.Get("Authorization")
		reply = f.profile
	default:
		reply = remoteReply{http.StatusNotFound, `{"error":"Record not found"}`}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.status)
	_, _ = io.WriteString(w, reply.body)
}

func (f *fakeMastodon) set(fn func(f *fakeMastodon)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// requests returns the last form bodies and bearer header seen.
func (f *fakeMastodon) requests() (apps, token url.Values, bearer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appsForm, f.tokenForm, f.bearer
}

func (f *fakeMastodon) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// =============================================================================
// Harness
// =============================================================================

type loginCall struct{ stage, result string }

type recordingMetrics struct {
	mu    sync.Mutex
	calls []loginCall
}

func (m *recordingMetrics) RecordLogin(stage, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, loginCall{stage, result})
}

func (m *recordingMetrics) snapshot() []loginCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]loginCall(nil), m.calls...)
}

// harness wires the real registry, state guard, linker and Mastodon client
// against in-memory stores and a fake remote server.
type harness struct {
	t          *testing.T
	router     chi.Router
	handler    *LoginHandler
	remote     *fakeMastodon
	servers    *memServerStore
	identities *memIdentityStore
	sessions   *session.MemoryStore
	metrics    *recordingMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()

	remote := newFakeMastodon(t)
	servers := newMemServerStore()
	identities := &memIdentityStore{}
	sessions := session.NewMemoryStore(time.Hour, nil)
	metrics := &recordingMetrics{}

	client := external.NewMastodonClient(&http.Client{Timeout: 5 * time.Second}, external.MastodonConfig{
		Logger:         logger,
		Scheme:         "http",
		RequestTimeout: 2 * time.Second,
	})

	h := NewLoginHandler(LoginDeps{
		Registry: auth.NewRegistry(servers, client, auth.RegistryConfig{
			ClientName:  "fedilogin",
			RedirectURI: testCallbackURL,
			Website:     testHomeURL,
			Logger:      logger,
		}),
		Guard:    auth.NewStateGuard(auth.StateConfig{}),
		Client:   client,
		Linker:   auth.NewLinker(identities, logger),
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger,
	}, LoginConfig{
		CallbackURL: testCallbackURL,
		HomeURL:     testHomeURL,
		Cookie:      session.CookieOptions{Name: testCookieName, MaxAge: time.Hour},
	})

	r := chi.NewRouter()
	r.Use(core.RequestIDMiddleware)
	h.RegisterRoutes(r, nil)

	return &harness{
		t:          t,
		router:     r,
		handler:    h,
		remote:     remote,
		servers:    servers,
		identities: identities,
		sessions:   sessions,
		metrics:    metrics,
	}
}

func (h *harness) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postLogin(serverURI string, cookie *http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	body := url.Values{"server_uri": {serverURI}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req, cookie)
}

func (h *harness) getAuthorized(query url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(httptest.NewRequest(http.MethodGet, "/authorized?"+query.Encode(), nil), cookie)
}

// startLogin runs POST /login against the fake server and returns the
// session cookie and issued state.
func (h *harness) startLogin() (*http.Cookie, string) {
	h.t.Helper()
	rec := h.postLogin(h.remote.host, nil)
	require.Equal(h.t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(h.t, err)
	return sessionCookie(h.t, rec), loc.Query().Get("state")
}

// completeLogin runs the whole flow and returns the signed-in cookie.
func (h *harness) completeLogin() *http.Cookie {
	h.t.Helper()
	cookie, state := h.startLogin()
	rec := h.getAuthorized(url.Values{"code": {"ghi"}, "state": {state}}, cookie)
	require.Equal(h.t, http.StatusFound, rec.Code, rec.Body.String())
	return sessionCookie(h.t, rec)
}

func (h *harness) storedSession(cookie *http.Cookie) *session.Session {
	h.t.Helper()
	sess, err := h.sessions.Get(context.Background(), cookie.Value)
	require.NoError(h.t, err)
	return sess
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == testCookieName {
			return c
		}
	}
	t.Fatalf("response carried no %s cookie", testCookieName)
	return nil
}

// closedHost returns a loopback host:port nothing listens on.
func closedHost(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host := l.Addr().String()
	require.NoError(t, l.Close())
	return host
}
