package types

import (
	"encoding/json"
	"time"
)

// DefaultScope is the only OAuth scope the login flow requests.
const DefaultScope = "read:accounts"

// ServerRegistration holds the OAuth client credentials a remote server issued
// to this application. Rows are keyed by normalized hostname and never change
// after creation.
type ServerRegistration struct {
	ID           string       `json:"id"`
	Hostname     string       `json:"hostname"`
	ClientID     string       `json:"client_id"`
	ClientSecret SecretString `json:"client_secret"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// LinkedIdentity is the local record for one remote account, unique per
// (ServerID, RemoteID) and per (ServerID, Username). Profile fields are a
// snapshot taken when the record was created.
type LinkedIdentity struct {
	ID             string          `json:"id"`
	ServerID       string          `json:"server_id"`
	Hostname       string          `json:"hostname"`
	RemoteID       string          `json:"remote_id"`
	Username       string          `json:"username"`
	DisplayName    string          `json:"display_name"`
	URL            string          `json:"url"`
	Note           string          `json:"note"`
	Avatar         string          `json:"avatar"`
	AvatarStatic   string          `json:"avatar_static"`
	CredentialBlob json.RawMessage `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Acct returns the fediverse handle, e.g. "alice@example.social".
func (i *LinkedIdentity) Acct() string {
	return i.Username + "@" + i.Hostname
}

// AccessToken extracts access_token from the stored token response.
// Returns an empty string when the blob is missing or malformed.
func (i *LinkedIdentity) AccessToken() string {
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if len(i.CredentialBlob) == 0 {
		return ""
	}
	if err := json.Unmarshal(i.CredentialBlob, &tok); err != nil {
		return ""
	}
	return tok.AccessToken
}

// AppMetadata is the public description sent when registering with a remote
// server (POST /api/v1/apps).
type AppMetadata struct {
	ClientName  string
	RedirectURI string
	Scopes      string
	Website     string
}

// AppCredentials is the client_id/client_secret pair a remote server issues.
type AppCredentials struct {
	ClientID     string
	ClientSecret SecretString
}

// TokenResponse is a validated token-exchange payload. Raw keeps the complete
// JSON object as returned by the remote server.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	Scope       string
	Raw         json.RawMessage
}

// RemoteProfile is the validated account payload returned by
// /api/v1/accounts/verify_credentials.
type RemoteProfile struct {
	ID           string
	Username     string
	DisplayName  string
	URL          string
	Note         string
	Avatar       string
	AvatarStatic string
}
