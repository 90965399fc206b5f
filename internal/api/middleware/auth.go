// Package middleware holds the HTTP middleware of the /api surface.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/matiasleandrokruk/toolforge/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/auth"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// Authenticator resolves an access token to an active user.
// *auth.Service satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.User, error)
}

// Auth validates the Bearer access token and injects the user's identity into
// the request context.
//
// Flow:
//  1. Read "Authorization: Bearer <token>"
//  2. Reject if missing or not Bearer scheme → 401
//  3. Resolve the token to an active user → 401 on failure
//  4. Inject ctxkeys.UserID, Email and Role
func Auth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ExtractBearerToken(r)
			if tokenString == "" {
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}

			user, err := a.Authenticate(r.Context(), tokenString)
			if err != nil {
				if apperror.KindOf(err) == apperror.KindUnauthenticated {
					writeUnauthorized(w, err.Error())
					return
				}
				Logger(r.Context()).ErrorContext(r.Context(), "authenticate", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error", apperror.KindInternal)
				return
			}

			setScopeUser(r.Context(), user.ID)
			ctx := ctxkeys.WithUser(r.Context(), user.ID, user.Email, user.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose authenticated role is not listed. It must
// run after Auth.
func RequireRole(roles ...permission.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := permission.Role(ctxkeys.String(r.Context(), ctxkeys.Role))
			if role == "" {
				writeUnauthorized(w, "authentication required")
				return
			}
			if !slices.Contains(roles, role) {
				writeJSONError(w, http.StatusForbidden, "insufficient role", apperror.KindForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearerToken extracts the token from "Authorization: Bearer <token>".
// Returns empty string if header is missing, wrong scheme, or token is empty.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	// Must start with "Bearer " (case-sensitive per RFC 7235)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// writeUnauthorized writes a 401 JSON response in the same shape as the handlers' errors.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSONError(w, http.StatusUnauthorized, message, apperror.KindUnauthenticated)
}

func writeJSONError(w http.ResponseWriter, status int, message string, kind apperror.Kind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": string(kind)}) //nolint:errcheck
}
