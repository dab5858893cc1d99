package session

import (
	"net/http"
	"time"
)

// DefaultCookieName is used when CookieOptions.Name is empty.
const DefaultCookieName = "fedilogin_session"

// CookieOptions defines how session cookies are issued.
type CookieOptions struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

func (o CookieOptions) name() string {
	if o.Name == "" {
		return DefaultCookieName
	}
	return o.Name
}

// SetCookie issues the session cookie. It is always HttpOnly and SameSite=Lax
// so the top-level redirect back from the remote server still carries it.
func SetCookie(w http.ResponseWriter, sessionID string, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.name(),
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(opts.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ReadCookie returns the session ID carried by r, or "".
func ReadCookie(r *http.Request, opts CookieOptions) string {
	c, err := r.Cookie(opts.name())
	if err != nil {
		return ""
	}
	return c.Value
}
