package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/toolforge/internal/api"
	"github.com/matiasleandrokruk/toolforge/internal/app"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/infra/config"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/toolforge/pkg/auth"
)

const testPassword = "correct-horse-battery"

// Hashing once keeps bcrypt out of every test's setup.
var (
	hashOnce     sync.Once
	passwordHash string
)

func sharedHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := pkgauth.HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		passwordHash = h
	})
	return passwordHash
}

type testAPI struct {
	t      *testing.T
	app    *app.App
	router http.Handler
	ids    map[permission.Role]string
	tokens map[permission.Role]string
}

// newTestAPI builds the full router on an in-memory database with one user per
// role, named <role>@example.com.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := sqlite.NewDB(sqlite.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, sqlite.MigrateUp(context.Background(), db))

	cfg := config.DefaultConfig()
	cfg.Env = "test"
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.Auth.AccessSecret = "access-secret-for-tests-0123456789"
	cfg.Auth.RefreshSecret = "refresh-secret-for-tests-0123456789"

	a, err := app.New(cfg, db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	issuer, err := pkgauth.NewIssuer(pkgauth.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	})
	require.NoError(t, err)

	ta := &testAPI{
		t:      t,
		app:    a,
		router: api.NewRouter(a),
		ids:    map[permission.Role]string{},
		tokens: map[permission.Role]string{},
	}
	now := sqlite.FormatTime(time.Now().UTC())
	for _, role := range permission.Roles() {
		id := "u-" + string(role)
		email := string(role) + "@example.com"
		_, err := db.Exec(`INSERT INTO user_account (id, email, name, role, password_hash, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`, id, email, strings.ToUpper(string(role)), string(role), sharedHash(t), now, now)
		require.NoError(t, err)
		tok, err := issuer.IssueAccess(id, email, string(role))
		require.NoError(t, err)
		ta.ids[role] = id
		ta.tokens[role] = tok
	}
	return ta
}

// do sends a request as role; an empty role sends no Authorization header.
func (ta *testAPI) do(role permission.Role, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	ta.t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(ta.t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+ta.tokens[role])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

// publishTickets stores and publishes the support-tickets tool as admin.
func (ta *testAPI) publishTickets() {
	ta.t.Helper()
	w := ta.do(permission.RoleAdmin, http.MethodPost, "/api/schemas", ticketsJSON)
	require.Equal(ta.t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]any](ta.t, w)["id"].(string)

	w = ta.do(permission.RoleAdmin, http.MethodPost, "/api/schemas/"+id+"/publish", nil)
	require.Equal(ta.t, http.StatusOK, w.Code, w.Body.String())
}

func (ta *testAPI) createTicket(role permission.Role, fields map[string]any) map[string]any {
	ta.t.Helper()
	w := ta.do(role, http.MethodPost, "/api/tools/support-tickets/records", fields)
	require.Equal(ta.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[map[string]any](ta.t, w)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const ticketsJSON = `{
  "toolId": "support-tickets",
  "name": "Support Tickets",
  "resource": "tickets",
  "fields": [
    {"key": "title", "label": "Title", "type": "text", "required": true, "validation": {"maxLength": 120}},
    {"key": "status", "label": "Status", "type": "select", "default": "new",
     "options": [{"value": "new", "label": "New"}, {"value": "open", "label": "Open"}, {"value": "closed", "label": "Closed"}]},
    {"key": "assignee", "label": "Assignee", "type": "relation", "relationTo": "users"},
    {"key": "internalCost", "label": "Internal cost", "type": "number",
     "permissions": {"canView": ["admin", "manager"], "canEdit": ["manager"]}}
  ],
  "listView": {
    "columns": [{"key": "title", "label": "Title"}, {"key": "status", "label": "Status"}],
    "defaultSort": {"field": "createdAt", "direction": "desc"},
    "pageSize": 25,
    "searchableFields": ["title"]
  },
  "formView": {"sections": [{"title": "Main", "fields": ["title", "status"]}]},
  "actions": [
    {"id": "take", "label": "Take", "type": "row", "handler": "assignToMe", "permissions": ["agent", "manager"]},
    {"id": "close", "label": "Close", "type": "bulk", "handler": "bulkChangeStatus",
     "params": {"status": "closed"}, "permissions": ["agent", "manager"]}
  ],
  "permissions": {
    "canAccessTool": ["admin", "manager", "agent", "viewer"],
    "canCreate": ["admin", "manager", "agent"],
    "canRead": ["admin", "manager", "agent", "viewer"],
    "canUpdate": ["admin", "manager", "agent"],
    "canDelete": ["admin", "manager"],
    "canViewAuditLog": ["admin", "manager"]
  },
  "audit": {"enabled": true}
}`

const visitsYAML = `
toolId: field-visits
name: Field Visits
resource: visits
fields:
  - key: site
    label: Site
    type: text
    required: true
listView:
  columns:
    - key: site
      label: Site
formView:
  sections:
    - title: Main
      fields: [site]
permissions:
  canAccessTool: [admin, manager]
  canCreate: [admin]
  canRead: [admin, manager]
  canUpdate: [admin]
  canDelete: [admin]
  canViewAuditLog: [admin]
audit:
  enabled: true
`
