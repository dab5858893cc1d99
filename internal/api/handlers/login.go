// Package handlers contains the HTTP handlers for the fedilogin API.
//
// Each handler is responsible for:
//   - Decoding and validating HTTP requests
//   - Delegating to the auth and external packages
//   - Encoding responses and managing HTTP-specific concerns (redirects, cookies)
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fedilogin/internal/core"
	"fedilogin/internal/session"
	"fedilogin/internal/types"
)

// Login stages and results reported to LoginMetrics.
const (
	StageStart    = "start"
	StageCallback = "callback"

	ResultRedirected = "redirected"
	ResultSucceeded  = "succeeded"
)

// --- DTOs ---

// LoginForm is the body of POST /login.
type LoginForm struct {
	ServerURI string `form:"server_uri" validate:"required,max=2048"`
}

// --- Service Interfaces ---
//
// These interfaces allow the handler to depend on abstractions rather than
// concrete implementations, enabling testability with fakes.

// ServerResolver finds or registers the OAuth client for a remote server.
// Implemented by auth.Registry.
type ServerResolver interface {
	Resolve(ctx context.Context, raw string) (*types.ServerRegistration, error)
	Lookup(ctx context.Context, hostname string) (*types.ServerRegistration, error)
}

// StateGuard issues and checks the anti-CSRF state token.
// Implemented by auth.StateGuard.
type StateGuard interface {
	Issue(sess *session.Session, hostname string) (string, error)
	Validate(sess *session.Session, supplied string) (string, error)
}

// OAuthClient talks to remote Mastodon-compatible servers.
// Implemented by external.MastodonClient.
type OAuthClient interface {
	AuthorizeURL(hostname, clientID, redirectURI, state string) string
	ExchangeCode(ctx context.Context, hostname string, creds types.AppCredentials, redirectURI, code string) (*types.TokenResponse, error)
	FetchProfile(ctx context.Context, hostname, accessToken string) (*types.RemoteProfile, error)
}

// IdentityLinker maps remote accounts to local identities.
// Implemented by auth.Linker.
type IdentityLinker interface {
	LinkOrCreate(ctx context.Context, server *types.ServerRegistration, profile *types.RemoteProfile, token *types.TokenResponse) (*types.LinkedIdentity, error)
	Get(ctx context.Context, id string) (*types.LinkedIdentity, error)
}

// LoginMetrics counts login outcomes. Every telemetry.Recorder satisfies it.
type LoginMetrics interface {
	RecordLogin(stage, result string)
}

type nopLoginMetrics struct{}

func (nopLoginMetrics) RecordLogin(string, string) {}

// --- Handler ---

// LoginConfig holds the URLs and cookie settings the flow needs.
type LoginConfig struct {
	// CallbackURL is the redirect_uri registered with remote servers.
	CallbackURL string
	// HomeURL is where the browser goes after login and logout.
	HomeURL string
	Cookie  session.CookieOptions
}

// LoginDeps bundles the collaborators of LoginHandler.
type LoginDeps struct {
	Registry  ServerResolver
	Guard     StateGuard
	Client    OAuthClient
	Linker    IdentityLinker
	Sessions  session.Store
	Metrics   LoginMetrics
	Validator *core.Validator
	Logger    *slog.Logger
	Clock     types.Clock
}

// LoginHandler drives the OAuth authorization-code flow against a server the
// user names at runtime, plus the small account surface around it.
type LoginHandler struct {
	registry  ServerResolver
	guard     StateGuard
	client    OAuthClient
	linker    IdentityLinker
	sessions  session.Store
	metrics   LoginMetrics
	validator *core.Validator
	logger    *slog.Logger
	clock     types.Clock
	cfg       LoginConfig
}

// NewLoginHandler creates a LoginHandler. Metrics, Logger, Validator and
// Clock are optional.
func NewLoginHandler(deps LoginDeps, cfg LoginConfig) *LoginHandler {
	h := &LoginHandler{
		registry:  deps.Registry,
		guard:     deps.Guard,
		client:    deps.Client,
		linker:    deps.Linker,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		validator: deps.Validator,
		logger:    deps.Logger,
		clock:     deps.Clock,
		cfg:       cfg,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = nopLoginMetrics{}
	}
	if h.validator == nil {
		h.validator = core.NewValidator(h.logger)
	}
	if h.clock == nil {
		h.clock = types.RealClock{}
	}
	return h
}

// RegisterRoutes mounts the login flow and account routes. loginGuard, when
// non-nil, wraps POST /login (the per-IP rate limiter).
//
//   - POST /login       - start a login against server_uri
//   - GET  /authorized  - OAuth callback
//   - GET  /me          - the signed-in identity
//   - POST /logout      - end the session
func (h *LoginHandler) RegisterRoutes(r chi.Router, loginGuard func(http.Handler) http.Handler) {
	if loginGuard != nil {
		r.With(loginGuard).Post("/login", h.HandleLogin)
	} else {
		r.Post("/login", h.HandleLogin)
	}
	r.Get("/authorized", h.HandleAuthorized)
	r.Get("/me", h.HandleMe)
	r.Post("/logout", h.HandleLogout)
}

// HandleLogin processes POST /login.
//
//  1. Decode and validate the form.
//  2. Resolve the server, registering this application on first use.
//  3. Issue a state token into the (possibly new) session and save it.
//  4. Redirect the browser to the server's authorize endpoint.
//
// Any failure before step 3 leaves the session untouched.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	values, err := core.ParseForm(w, r)
	if err != nil {
		h.fail(w, r, StageStart, err)
		return
	}
	form := LoginForm{ServerURI: values.Get("server_uri")}
	if err := h.validator.ValidateStruct(form); err != nil {
		h.fail(w, r, StageStart, err)
		return
	}

	server, err := h.registry.Resolve(ctx, form.ServerURI)
	if err != nil {
		h.fail(w, r, StageStart, err)
		return
	}

	sess, err := h.loadSession(ctx, r)
	if err != nil {
		h.fail(w, r, StageStart, err)
		return
	}
	if sess == nil {
		sess = session.New(h.clock.Now())
	}

	state, err := h.guard.Issue(sess, server.Hostname)
	if err != nil {
		h.fail(w, r, StageStart, err)
		return
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.fail(w, r, StageStart, err)
		return
	}

	session.SetCookie(w, sess.ID, h.cfg.Cookie)
	h.metrics.RecordLogin(StageStart, ResultRedirected)
	h.logger.Info("login started", "hostname", server.Hostname)

	core.Redirect(w, r, h.client.AuthorizeURL(server.Hostname, server.ClientID, h.cfg.CallbackURL, state))
}

// HandleAuthorized processes GET /authorized?code&state, the redirect back
// from the remote server.
//
//  1. Require the code.
//  2. Validate state against the session; success consumes it and is saved
//     at once, so a replayed callback fails even if a later step does.
//  3. Exchange the code, fetch the profile, link or create the identity.
//  4. Rotate the session onto the identity and redirect home.
func (h *LoginHandler) HandleAuthorized(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	code := query.Get("code")
	if code == "" {
		h.fail(w, r, StageCallback, types.NewAppError(types.ErrCodeFlowCodeMissing, "missing `code` query param", nil))
		return
	}

	sess, err := h.loadSession(ctx, r)
	if err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	hostname, err := h.guard.Validate(sess, query.Get("state"))
	if err != nil {
		if types.IsCode(err, types.ErrCodeFlowPendingServerMissing) {
			// The token matched and was consumed.
			h.saveConsumed(ctx, sess)
		}
		h.fail(w, r, StageCallback, err)
		return
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	server, err := h.registry.Lookup(ctx, hostname)
	if err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	creds := types.AppCredentials{ClientID: server.ClientID, ClientSecret: server.ClientSecret}
	token, err := h.client.ExchangeCode(ctx, server.Hostname, creds, h.cfg.CallbackURL, code)
	if err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	profile, err := h.client.FetchProfile(ctx, server.Hostname, token.AccessToken)
	if err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	identity, err := h.linker.LinkOrCreate(ctx, server, profile, token)
	if err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}

	next := sess.Rotate(identity.ID, h.clock.Now())
	if err := h.sessions.Save(ctx, next); err != nil {
		h.fail(w, r, StageCallback, err)
		return
	}
	if err := h.sessions.Delete(ctx, sess.ID); err != nil {
		h.logger.Warn("failed to delete pre-login session", "error", err)
	}

	session.SetCookie(w, next.ID, h.cfg.Cookie)
	h.metrics.RecordLogin(StageCallback, ResultSucceeded)
	h.logger.Info("login completed",
		"hostname", server.Hostname,
		"identity_id", identity.ID,
		"acct", identity.Acct(),
	)

	core.Redirect(w, r, h.cfg.HomeURL)
}

// loadSession returns the session named by the request cookie, or nil when
// there is no cookie or the record has expired.
func (h *LoginHandler) loadSession(ctx context.Context, r *http.Request) (*session.Session, error) {
	id := session.ReadCookie(r, h.cfg.Cookie)
	if id == "" {
		return nil, nil
	}
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSession) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

func (h *LoginHandler) saveConsumed(ctx context.Context, sess *session.Session) {
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Warn("failed to persist consumed state", "error", err)
	}
}

// fail records the outcome and renders err. Internal failures are logged
// here; upstream failures were already logged by the client.
func (h *LoginHandler) fail(w http.ResponseWriter, r *http.Request, stage string, err error) {
	code := types.CodeOf(err)
	if code == "" {
		code = types.ErrCodeInternalUnexpected
	}
	h.metrics.RecordLogin(stage, string(code))

	if code.HTTPStatus() == http.StatusInternalServerError {
		h.logger.Error("login step failed",
			"stage", stage,
			"request_id", types.GetRequestID(r.Context()),
			"error", err,
		)
	}
	core.Error(w, r, err)
}
