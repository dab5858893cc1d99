package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"fedilogin/internal/types"
)

// Remote API paths, relative to https://{hostname}.
const (
	appsPath               = "/api/v1/apps"
	authorizePath          = "/oauth/authorize"
	tokenPath              = "/oauth/token"
	verifyCredentialsPath  = "/api/v1/accounts/verify_credentials"
	defaultUpstreamTimeout = 10 * time.Second
	maxPayloadSize         = 1 << 20
)

// MastodonConfig configures a MastodonClient.
type MastodonConfig struct {
	Logger    *slog.Logger
	UserAgent string

	// RequestTimeout bounds each outbound call, including reading the body.
	RequestTimeout time.Duration

	// Scheme overrides "https" for tests against plain httptest servers.
	Scheme string
}

// MastodonClient performs the three server-side calls of the login flow
// against arbitrary Mastodon-compatible servers: app registration, token
// exchange and profile fetch. Hostnames must already be normalized.
type MastodonClient struct {
	base    *BaseClient
	timeout time.Duration
	scheme  string
	logger  *slog.Logger
}

// NewMastodonClient creates a MastodonClient on top of httpClient.
func NewMastodonClient(httpClient *http.Client, cfg MastodonConfig) *MastodonClient {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "fedilogin/1.0"
	}
	return NewMastodonClientWithBase(NewBaseClient(httpClient, DefaultBreakerSettings(), userAgent), cfg)
}

// NewMastodonClientWithBase creates a MastodonClient with a pre-configured
// BaseClient.
func NewMastodonClientWithBase(base *BaseClient, cfg MastodonConfig) *MastodonClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &MastodonClient{
		base:    base,
		timeout: timeout,
		scheme:  scheme,
		logger:  logger,
	}
}

func (c *MastodonClient) origin(hostname string) string {
	return c.scheme + "://" + hostname
}

// Endpoint returns the OAuth2 endpoints of the server at hostname.
func (c *MastodonClient) Endpoint(hostname string) oauth2.Endpoint {
	origin := c.origin(hostname)
	return oauth2.Endpoint{
		AuthURL:   origin + authorizePath,
		TokenURL:  origin + tokenPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// AuthorizeURL builds the browser-facing authorization URL for the
// authorization-code flow with the read:accounts scope.
func (c *MastodonClient) AuthorizeURL(hostname, clientID, redirectURI, state string) string {
	cfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      []string{types.DefaultScope},
		Endpoint:    c.Endpoint(hostname),
	}
	return cfg.AuthCodeURL(state)
}

// RegisterApp obtains client credentials from hostname (POST /api/v1/apps).
func (c *MastodonClient) RegisterApp(ctx context.Context, hostname string, meta types.AppMetadata) (*types.AppCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_name", meta.ClientName)
	form.Set("redirect_uris", meta.RedirectURI)
	form.Set("scopes", meta.Scopes)
	form.Set("website", meta.Website)

	resp, err := c.postForm(ctx, c.origin(hostname)+appsPath, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readDiagnosticBody(resp)
		c.logger.Warn("app registration rejected",
			"hostname", hostname,
			"status", resp.StatusCode,
		)
		return nil, types.NewUpstreamError(
			types.ErrCodeUpstreamRejected,
			"could not create OAuth app on Mastodon server",
			body,
			nil,
		)
	}

	var payload struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return nil, c.malformed(hostname, appsPath, err)
	}
	if payload.ClientID == "" || payload.ClientSecret == "" {
		return nil, c.malformed(hostname, appsPath, fmt.Errorf("missing client_id or client_secret"))
	}

	return &types.AppCredentials{
		ClientID:     payload.ClientID,
		ClientSecret: types.SecretString(payload.ClientSecret),
	}, nil
}

// ExchangeCode trades an authorization code for an access token
// (POST /oauth/token). The complete token object is returned in Raw.
func (c *MastodonClient) ExchangeCode(
	ctx context.Context,
	hostname string,
	creds types.AppCredentials,
	redirectURI string,
	code string,
) (*types.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret.Unmask())
	form.Set("redirect_uri", redirectURI)
	form.Set("scope", types.DefaultScope)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	resp, err := c.postForm(ctx, c.Endpoint(hostname).TokenURL, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readDiagnosticBody(resp)
		c.logger.Warn("token exchange rejected",
			"hostname", hostname,
			"status", resp.StatusCode,
		)
		return nil, types.NewUpstreamError(
			types.ErrCodeUpstreamTokenExchangeFailed,
			"could not get OAuth access token from Mastodon server",
			body,
			nil,
		)
	}

	var raw json.RawMessage
	if err := decodePayload(resp, &raw); err != nil {
		return nil, c.malformed(hostname, tokenPath, err)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, c.malformed(hostname, tokenPath, fmt.Errorf("token response is not a JSON object"))
	}

	var fields struct {
		AccessToken *string `json:"access_token"`
		TokenType   string  `json:"token_type"`
		Scope       string  `json:"scope"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, c.malformed(hostname, tokenPath, err)
	}
	if fields.AccessToken == nil || *fields.AccessToken == "" {
		return nil, c.malformed(hostname, tokenPath, fmt.Errorf("missing access_token"))
	}

	return &types.TokenResponse{
		AccessToken: *fields.AccessToken,
		TokenType:   fields.TokenType,
		Scope:       fields.Scope,
		Raw:         raw,
	}, nil
}

// FetchProfile reads the account behind accessToken
// (GET /api/v1/accounts/verify_credentials).
func (c *MastodonClient) FetchProfile(ctx context.Context, hostname, accessToken string) (*types.RemoteProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin(hostname)+verifyCredentialsPath, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create profile request",
			err,
		)
	}
	req.Header.Set("Accept", "application/json")
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readDiagnosticBody(resp)
		c.logger.Warn("profile fetch rejected",
			"hostname", hostname,
			"status", resp.StatusCode,
		)
		return nil, types.NewUpstreamError(
			types.ErrCodeUpstreamProfileFetchFailed,
			"could not get profile info from Mastodon server",
			body,
			nil,
		)
	}

	var payload accountPayload
	if err := decodePayload(resp, &payload); err != nil {
		return nil, c.malformed(hostname, verifyCredentialsPath, err)
	}
	profile, err := payload.toProfile()
	if err != nil {
		return nil, c.malformed(hostname, verifyCredentialsPath, err)
	}
	return profile, nil
}

// postForm sends a form-encoded POST through the BaseClient.
func (c *MastodonClient) postForm(ctx context.Context, target string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create upstream request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.base.Do(req)
}

// malformed logs a contract violation and returns the matching AppError.
func (c *MastodonClient) malformed(hostname, path string, cause error) error {
	c.logger.Error("malformed upstream response",
		"hostname", hostname,
		"path", path,
		"error", cause,
	)
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamMalformedResponse,
		"unexpected response from Mastodon server",
		cause,
		map[string]any{"hostname": hostname, "path": path},
	)
}

func decodePayload(resp *http.Response, dst any) error {
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxPayloadSize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// accountPayload mirrors the Account entity. Pointers distinguish absent
// fields from empty ones; display_name and note may legitimately be empty.
type accountPayload struct {
	ID           *remoteID `json:"id"`
	Username     *string   `json:"username"`
	DisplayName  *string   `json:"display_name"`
	URL          *string   `json:"url"`
	Note         *string   `json:"note"`
	Avatar       *string   `json:"avatar"`
	AvatarStatic *string   `json:"avatar_static"`
}

func (p *accountPayload) toProfile() (*types.RemoteProfile, error) {
	var missing []string
	if p.ID == nil || *p.ID == "" {
		missing = append(missing, "id")
	}
	if p.Username == nil || *p.Username == "" {
		missing = append(missing, "username")
	}
	for name, v := range map[string]*string{
		"display_name":  p.DisplayName,
		"url":           p.URL,
		"note":          p.Note,
		"avatar":        p.Avatar,
		"avatar_static": p.AvatarStatic,
	} {
		if v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("missing required account fields: %s", strings.Join(missing, ", "))
	}

	return &types.RemoteProfile{
		ID:           string(*p.ID),
		Username:     *p.Username,
		DisplayName:  *p.DisplayName,
		URL:          *p.URL,
		Note:         *p.Note,
		Avatar:       *p.Avatar,
		AvatarStatic: *p.AvatarStatic,
	}, nil
}

// remoteID accepts both the documented string form and a bare JSON number.
type remoteID string

func (r *remoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = remoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("account id must be a string or number: %w", err)
	}
	*r = remoteID(n.String())
	return nil
}
