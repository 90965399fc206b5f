package record_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/eventbus"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

type testEnv struct {
	db      *sql.DB
	schemas *schema.Store
	store   *record.Store
	audit   *audit.Recorder
	bus     *eventbus.Bus
	svc     *record.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvAt(t, sqlite.MemoryPath)
}

// newEnvAt is newEnv over the database at path. File databases get a real
// connection pool, so concurrent writers contend for the lock.
func newEnvAt(t *testing.T, path string) *testEnv {
	t.Helper()
	db, err := sqlite.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.MigrateUp(context.Background(), db))

	actions := record.DefaultRegistry()
	e := &testEnv{
		db:      db,
		schemas: schema.NewStore(db, actions),
		store:   record.NewStore(db),
		audit:   audit.NewRecorder(db),
		bus:     eventbus.New(),
	}
	e.svc = record.NewService(record.ServiceDeps{
		DB:      db,
		Schemas: e.schemas,
		Store:   e.store,
		Audit:   e.audit,
		Actions: actions,
		Bus:     e.bus,
	})
	return e
}

func roles(r ...permission.Role) []permission.Role { return r }

func intp(n int) *int { return &n }

func floatp(f float64) *float64 { return &f }

var (
	admin   = audit.Actor{UserID: "u-admin", Email: "admin@example.com", Role: permission.RoleAdmin}
	manager = audit.Actor{UserID: "u-manager", Email: "manager@example.com", Role: permission.RoleManager}
	agent   = audit.Actor{UserID: "u-agent", Email: "agent@example.com", Role: permission.RoleAgent}
	viewer  = audit.Actor{UserID: "u-viewer", Email: "viewer@example.com", Role: permission.RoleViewer}
)

func ticketsDefinition() *schema.Definition {
	all := roles(permission.RoleAdmin, permission.RoleManager, permission.RoleAgent, permission.RoleViewer)
	writers := roles(permission.RoleAdmin, permission.RoleManager, permission.RoleAgent)
	opts := func(values ...string) []schema.FieldOption {
		out := make([]schema.FieldOption, len(values))
		for i, v := range values {
			out[i] = schema.FieldOption{Value: v, Label: v}
		}
		return out
	}

	return &schema.Definition{
		ToolID:   "support-tickets",
		Name:     "Support Tickets",
		Resource: "tickets",
		Fields: []schema.FieldDefinition{
			{Key: "title", Label: "Title", Type: schema.FieldText, Required: true,
				Validation: &schema.FieldValidation{MaxLength: intp(120)}},
			{Key: "status", Label: "Status", Type: schema.FieldSelect, Default: "new", Options: opts("new", "open", "closed")},
			{Key: "priority", Label: "Priority", Type: schema.FieldSelect, Default: "medium", Options: opts("low", "medium", "high")},
			{Key: "assignee", Label: "Assignee", Type: schema.FieldRelation, RelationTo: "users"},
			{Key: "estimate", Label: "Estimate", Type: schema.FieldNumber, Validation: &schema.FieldValidation{Min: floatp(0)}},
			{Key: "tags", Label: "Tags", Type: schema.FieldMultiselect, Options: opts("billing", "bug", "ux")},
			{Key: "dueOn", Label: "Due", Type: schema.FieldDate},
			{Key: "internalCost", Label: "Internal cost", Type: schema.FieldNumber,
				Permissions: &permission.FieldPermissions{
					CanView: roles(permission.RoleAdmin, permission.RoleManager),
					CanEdit: roles(permission.RoleManager),
				}},
			{Key: "score", Label: "Score", Type: schema.FieldComputed, ComputedExpression: "estimate * 2"},
		},
		ListView: schema.ListView{
			Columns:          []schema.ListColumn{{Key: "title", Label: "Title"}, {Key: "status", Label: "Status"}},
			DefaultSort:      &schema.SortSpec{Field: schema.SystemCreatedAt, Direction: schema.SortDesc},
			PageSize:         25,
			SearchableFields: []string{"title"},
		},
		FormView: schema.FormView{Sections: []schema.FormSection{{Title: "Main", Fields: []string{"title", "status", "priority"}}}},
		Actions: []schema.ToolAction{
			{ID: "take", Label: "Take", Type: schema.ActionRow, Handler: record.HandlerAssignToMe,
				Permissions: roles(permission.RoleAgent, permission.RoleManager)},
			{ID: "close", Label: "Close", Type: schema.ActionBulk, Handler: record.HandlerBulkChangeStatus,
				Params: map[string]any{"status": "closed"}, Permissions: roles(permission.RoleManager, permission.RoleAgent)},
		},
		Permissions: permission.ToolPermissions{
			CanAccessTool:   all,
			CanCreate:       writers,
			CanRead:         all,
			CanUpdate:       writers,
			CanDelete:       roles(permission.RoleAdmin, permission.RoleManager),
			CanViewAuditLog: roles(permission.RoleAdmin, permission.RoleManager),
		},
		Audit: schema.AuditConfig{Enabled: true},
	}
}

// publish stores and publishes def (tickets by default).
func (e *testEnv) publish(t *testing.T, def *schema.Definition) *schema.ToolSchema {
	t.Helper()
	if def == nil {
		def = ticketsDefinition()
	}
	ctx := context.Background()
	ts, err := e.schemas.Create(ctx, def, admin.UserID)
	require.NoError(t, err)
	ts, err = e.schemas.Publish(ctx, ts.ID)
	require.NoError(t, err)
	return ts
}

func (e *testEnv) auditCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n))
	return n
}

func (e *testEnv) create(t *testing.T, actor audit.Actor, input map[string]any) record.Record {
	t.Helper()
	rec, err := e.svc.Create(context.Background(), actor, "support-tickets", input)
	require.NoError(t, err)
	return rec
}
