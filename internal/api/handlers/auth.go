package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	domainauth "github.com/matiasleandrokruk/toolforge/internal/domain/auth"
)

// RefreshCookie carries the refresh token. It is scoped to the auth routes.
const RefreshCookie = "refreshToken"

const refreshCookiePath = "/api/auth"

// AuthHandler handles login, refresh, logout and the current-user endpoint.
type AuthHandler struct {
	*Responder
	svc          *domainauth.Service
	secureCookie bool
}

// NewAuthHandler creates an AuthHandler. secureCookie sets the Secure flag on
// the refresh cookie and should be on whenever the API is served over TLS.
func NewAuthHandler(rs *Responder, svc *domainauth.Service, secureCookie bool) *AuthHandler {
	return &AuthHandler{Responder: rs, svc: svc, secureCookie: secureCookie}
}

// LoginRequest is the request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest lets non-browser clients send the refresh token in the body.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// SessionResponse is returned by login and refresh. The refresh token travels
// only in the HttpOnly cookie, unless the client asked for it in the body.
type SessionResponse struct {
	User         *domainauth.User `json:"user"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken,omitempty"`
}

// Login handles POST /api/auth/login.
//
// Response codes:
//   - 200 OK: session opened, refresh cookie set
//   - 400 Bad Request: invalid JSON or missing fields
//   - 401 Unauthorized: invalid credentials (generic, never reveals if the email exists)
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}
	fe := apperror.FieldErrors{}
	if strings.TrimSpace(req.Email) == "" {
		fe.Add("email", "is required")
	}
	if req.Password == "" {
		fe.Add("password", "is required")
	}
	if err := fe.Err("invalid login request"); err != nil {
		h.Error(w, r, err)
		return
	}

	sess, err := h.svc.Login(r.Context(), req.Email, req.Password, clientOf(r))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.writeSession(w, r, sess)
}

// Refresh handles POST /api/auth/refresh. The token is read from the cookie
// first, then from the body. A failed refresh clears the cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := refreshTokenOf(r)
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, apperror.KindUnauthenticated, "refresh token required")
		return
	}

	sess, err := h.svc.Refresh(r.Context(), token, clientOf(r))
	if err != nil {
		h.clearCookie(w)
		h.Error(w, r, err)
		return
	}
	h.writeSession(w, r, sess)
}

// Logout handles POST /api/auth/logout. It always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), refreshTokenOf(r)); err != nil {
		h.Error(w, r, err)
		return
	}
	h.clearCookie(w)
	h.JSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll handles POST /api/auth/logout-all for the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := ctxkeys.String(r.Context(), ctxkeys.UserID)
	n, err := h.svc.LogoutAll(r.Context(), userID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.clearCookie(w)
	h.JSON(w, http.StatusOK, map[string]int64{"revokedSessions": n})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Me(r.Context(), ctxkeys.String(r.Context(), ctxkeys.UserID))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]*domainauth.User{"user": u})
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, r *http.Request, sess *domainauth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    sess.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  sess.RefreshExpiresAt,
		MaxAge:   int(time.Until(sess.RefreshExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	resp := SessionResponse{User: sess.User, AccessToken: sess.AccessToken}
	if r.URL.Query().Get("includeRefreshToken") == "true" {
		resp.RefreshToken = sess.RefreshToken
	}
	h.JSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func refreshTokenOf(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookie); err == nil && c.Value != "" {
		return c.Value
	}
	var req RefreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}
	return req.RefreshToken
}

func clientOf(r *http.Request) domainauth.Client {
	return domainauth.Client{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
}
