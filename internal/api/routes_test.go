package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matiasleandrokruk/toolforge/internal/app"
	"github.com/matiasleandrokruk/toolforge/internal/infra/config"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

// mustOpenAPITestApp builds the services on an in-memory SQLite DB with all migrations applied.
func mustOpenAPITestApp(t *testing.T) *app.App {
	t.Helper()
	db, err := sqlite.NewDB(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("mustOpenAPITestApp: NewDB: %v", err)
	}
	if err := sqlite.MigrateUp(context.Background(), db); err != nil {
		t.Fatalf("mustOpenAPITestApp: MigrateUp: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Auth.AccessSecret = "access-secret-for-tests-0123456789"
	cfg.Auth.RefreshSecret = "refresh-secret-for-tests-0123456789"
	a, err := app.New(cfg, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("mustOpenAPITestApp: app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewRouter_HealthEndpoint(t *testing.T) {
	router := NewRouter(mustOpenAPITestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("expected body to contain 'ok', got %q", w.Body.String())
	}
}

// TestNewRouter_ProtectedRoutes_Unauthorized verifies every protected route is
// registered behind the auth middleware.
func TestNewRouter_ProtectedRoutes_Unauthorized(t *testing.T) {
	router := NewRouter(mustOpenAPITestApp(t))

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/tools"},
		{http.MethodGet, "/api/tools/t"},
		{http.MethodGet, "/api/tools/t/records"},
		{http.MethodPost, "/api/tools/t/records"},
		{http.MethodGet, "/api/tools/t/records/r"},
		{http.MethodPut, "/api/tools/t/records/r"},
		{http.MethodDelete, "/api/tools/t/records/r"},
		{http.MethodPost, "/api/tools/t/records/bulk"},
		{http.MethodGet, "/api/tools/t/records/r/audit"},
		{http.MethodPost, "/api/tools/t/actions/a"},
		{http.MethodGet, "/api/tools/t/audit"},
		{http.MethodGet, "/api/schemas"},
		{http.MethodPost, "/api/schemas"},
		{http.MethodPost, "/api/schemas/validate"},
		{http.MethodGet, "/api/schemas/tool/t"},
		{http.MethodPost, "/api/schemas/s/publish"},
		{http.MethodGet, "/api/users"},
		{http.MethodPost, "/api/auth/logout-all"},
		{http.MethodGet, "/api/auth/me"},
		{http.MethodGet, "/api/realtime"},
	}
	for _, rt := range routes {
		req := httptest.NewRequest(rt.method, rt.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", rt.method, rt.path, w.Code)
		}
	}
}

func TestNewRouter_PublicAuthRoutes(t *testing.T) {
	router := NewRouter(mustOpenAPITestApp(t))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Reaches the handler: a validation error, not an auth rejection.
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 from empty login, got %d", w.Code)
	}
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	router := NewRouter(mustOpenAPITestApp(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/tools", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
