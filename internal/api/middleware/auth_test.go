// Covers: token absent, wrong scheme, rejected, valid, and context injection.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matiasleandrokruk/toolforge/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/toolforge/internal/api/middleware"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/auth"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// ===== HELPER =====

// fakeAuthenticator accepts exactly one token.
type fakeAuthenticator struct {
	token string
	user  *auth.User
	err   error
}

func (f fakeAuthenticator) Authenticate(_ context.Context, token string) (*auth.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if token != f.token {
		return nil, apperror.Unauthenticated("invalid or expired token")
	}
	return f.user, nil
}

var testUser = &auth.User{ID: "user-abc", Email: "abc@example.com", Role: permission.RoleAgent, IsActive: true}

func validAuth() fakeAuthenticator {
	return fakeAuthenticator{token: "good-token", user: testUser}
}

// nextHandler returns an http.Handler that sets called=true and records the context.
func nextHandler(called *bool, capturedCtx *context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if capturedCtx != nil {
			*capturedCtx = r.Context()
		}
		w.WriteHeader(http.StatusOK)
	})
}

// makeRequest creates a GET request with an optional Authorization header.
func makeRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// ===== TESTS: REJECTED =====

func TestAuth_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"unknown token", "Bearer not.a.real.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			handler := middleware.Auth(validAuth())(nextHandler(&called, nil))

			req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d; want %d", rr.Code, http.StatusUnauthorized)
			}
			if called {
				t.Error("next handler should NOT be called")
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["code"] != string(apperror.KindUnauthenticated) {
				t.Errorf("code = %q; want %q", body["code"], apperror.KindUnauthenticated)
			}
		})
	}
}

func TestAuth_StoreFailureIs500(t *testing.T) {
	t.Parallel()

	called := false
	handler := middleware.Auth(fakeAuthenticator{err: errors.New("disk on fire")})(nextHandler(&called, nil))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest("good-token"))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d; want %d", rr.Code, http.StatusInternalServerError)
	}
	if called {
		t.Error("next handler should NOT be called")
	}
}

// ===== TESTS: VALID TOKEN =====

func TestAuth_InjectsIdentity(t *testing.T) {
	t.Parallel()

	called := false
	var ctx context.Context
	handler := middleware.Auth(validAuth())(nextHandler(&called, &ctx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest("good-token"))

	if rr.Code != http.StatusOK || !called {
		t.Fatalf("status = %d called = %v; want 200 and called", rr.Code, called)
	}
	actor, ok := ctxkeys.Actor(ctx)
	if !ok {
		t.Fatal("actor missing from context")
	}
	if actor.UserID != testUser.ID || actor.Email != testUser.Email || actor.Role != testUser.Role {
		t.Errorf("actor = %+v; want %+v", actor, testUser)
	}
}

// ===== TESTS: ROLES =====

func TestRequireRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		role permission.Role
		want int
	}{
		{"admin allowed", permission.RoleAdmin, http.StatusOK},
		{"agent forbidden", permission.RoleAgent, http.StatusForbidden},
		{"anonymous", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			called := false
			handler := middleware.RequireRole(permission.RoleAdmin)(nextHandler(&called, nil))

			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			if tt.role != "" {
				req = req.WithContext(ctxkeys.WithUser(req.Context(), "u-1", "u@example.com", tt.role))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("status = %d; want %d", rr.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("called = %v", called)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer   abc  ")
	if got := middleware.ExtractBearerToken(req); got != "abc" {
		t.Errorf("ExtractBearerToken() = %q; want abc", got)
	}
	req.Header.Set("Authorization", "bearer abc")
	if got := middleware.ExtractBearerToken(req); got != "" {
		t.Errorf("ExtractBearerToken(lowercase) = %q; want empty", got)
	}
}
