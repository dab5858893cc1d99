package handlers

import (
	"net/http"

	"fedilogin/internal/core"
	"fedilogin/internal/session"
	"fedilogin/internal/types"
)

// MeResponse is the body of GET /me.
type MeResponse struct {
	ID           string `json:"id"`
	Acct         string `json:"acct"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	URL          string `json:"url"`
	Note         string `json:"note"`
	Avatar       string `json:"avatar"`
	AvatarStatic string `json:"avatar_static"`
	Server       string `json:"server"`
}

func newMeResponse(i *types.LinkedIdentity) MeResponse {
	return MeResponse{
		ID:           i.ID,
		Acct:         i.Acct(),
		Username:     i.Username,
		DisplayName:  i.DisplayName,
		URL:          i.URL,
		Note:         i.Note,
		Avatar:       i.Avatar,
		AvatarStatic: i.AvatarStatic,
		Server:       i.Hostname,
	}
}

// HandleMe returns the identity bound to the session cookie, or 401
// "auth_session_missing".
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := h.loadSession(ctx, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !sess.Authenticated() {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "not signed in", nil))
		return
	}

	identity, err := h.linker.Get(ctx, sess.IdentityID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundIdentity) {
			// Identity removed out of band; the session is worthless.
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthSessionMissing, "not signed in", err))
			return
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, newMeResponse(identity))
}

// HandleLogout processes POST /logout.
//
//  1. Delete the server-side session, if any.
//  2. Expire the cookie.
//  3. Redirect home.
//
// A store failure is logged and the cookie is cleared regardless; the record
// expires on its own TTL.
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if id := session.ReadCookie(r, h.cfg.Cookie); id != "" {
		if err := h.sessions.Delete(r.Context(), id); err != nil {
			h.logger.Warn("failed to delete session during logout", "error", err)
		}
	}

	session.ClearCookie(w, h.cfg.Cookie)
	core.Redirect(w, r, h.cfg.HomeURL)
}
