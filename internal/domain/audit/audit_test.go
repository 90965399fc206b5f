package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

func setupRecorder(t *testing.T) (*audit.Recorder, *sql.DB) {
	t.Helper()
	db, err := sqlite.NewDB(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.MigrateUp(context.Background(), db))
	return audit.NewRecorder(db), db
}

var agent = audit.Actor{UserID: "u-1", Email: "ana@example.com", Role: permission.RoleAgent, IP: "10.0.0.1", UserAgent: "test"}

func TestDiff_ChangedFieldsOnly(t *testing.T) {
	t.Parallel()

	before := map[string]any{"status": "new"}
	after := map[string]any{"status": "open", "assignee": "u1"}

	got := audit.Diff(before, after, nil)
	assert.ElementsMatch(t, []audit.Change{
		{Field: "status", Before: "new", After: "open"},
		{Field: "assignee", Before: nil, After: "u1"},
	}, got)
}

func TestDiff_IdenticalValuesExcluded(t *testing.T) {
	t.Parallel()

	before := map[string]any{"title": "a", "tags": []any{"x", "y"}, "n": float64(3)}
	after := map[string]any{"title": "a", "tags": []any{"x", "y"}, "n": 3}

	assert.Empty(t, audit.Diff(before, after, nil))
}

func TestDiff_Allowlist(t *testing.T) {
	t.Parallel()

	before := map[string]any{"status": "new", "notes": "a", "_version": 1}
	after := map[string]any{"status": "done", "notes": "b", "_version": 2}

	got := audit.Diff(before, after, []string{"status"})
	assert.Equal(t, []audit.Change{{Field: "status", Before: "new", After: "done"}}, got)

	got = audit.Diff(before, after, nil)
	assert.Len(t, got, 2, "underscore keys are never diffed")
}

func TestDiff_Removal(t *testing.T) {
	t.Parallel()

	got := audit.Diff(map[string]any{"title": "x"}, nil, []string{"title"})
	assert.Equal(t, []audit.Change{{Field: "title", Before: "x", After: nil}}, got)
}

func TestRecorder_RecordAndFind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec, db := setupRecorder(t)

	e := audit.NewEntry(agent, "tickets", "tickets", "r-1", audit.ActionUpdate,
		[]audit.Change{{Field: "status", Before: "new", After: "open"}})
	e.ActionName = "bulk_update"

	written, err := rec.Record(ctx, db, e)
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotEmpty(t, e.ID)

	got, err := rec.FindByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", got.ActorEmail)
	assert.Equal(t, permission.RoleAgent, got.Role)
	assert.Equal(t, audit.ActionUpdate, got.ActionType)
	assert.Equal(t, "bulk_update", got.ActionName)
	assert.Equal(t, []audit.Change{{Field: "status", Before: "new", After: "open"}}, got.Diff)
	assert.True(t, e.Timestamp.Equal(got.Timestamp))

	_, err = rec.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestRecorder_SkipsEmptyUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec, db := setupRecorder(t)

	written, err := rec.Record(ctx, db, audit.NewEntry(agent, "tickets", "tickets", "r-1", audit.ActionUpdate, nil))
	require.NoError(t, err)
	assert.False(t, written)

	// Deletes are recorded even without field changes.
	written, err = rec.Record(ctx, db, audit.NewEntry(agent, "tickets", "tickets", "r-1", audit.ActionDelete, nil))
	require.NoError(t, err)
	assert.True(t, written)
}

func TestRecorder_RejectsUnknownActionType(t *testing.T) {
	t.Parallel()

	rec, db := setupRecorder(t)
	_, err := rec.Record(context.Background(), db, audit.NewEntry(agent, "t", "t", "r", "PATCH", nil))
	assert.ErrorIs(t, err, apperror.ErrInternal)
}

func TestRecorder_EntriesAreImmutable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec, db := setupRecorder(t)
	e := audit.NewEntry(agent, "tickets", "tickets", "r-1", audit.ActionCreate, nil)
	_, err := rec.Record(ctx, db, e)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE audit_log SET actor_email = 'x' WHERE id = ?`, e.ID)
	assert.Error(t, err)
}

func TestRecorder_QueryNewestFirstWithFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec, db := setupRecorder(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		tool, record string
		action       audit.ActionType
		actor        string
	}{
		{"tickets", "r-1", audit.ActionCreate, "u-1"},
		{"tickets", "r-1", audit.ActionUpdate, "u-2"},
		{"tickets", "r-2", audit.ActionCreate, "u-1"},
		{"assets", "a-1", audit.ActionCreate, "u-1"},
		{"tickets", "r-1", audit.ActionDelete, "u-1"},
	}
	for i, s := range seed {
		e := audit.NewEntry(audit.Actor{UserID: s.actor, Email: s.actor + "@x", Role: permission.RoleAgent},
			s.tool, s.tool, s.record, s.action, []audit.Change{{Field: "f", Before: nil, After: i}})
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := rec.Record(ctx, db, e)
		require.NoError(t, err)
	}

	page, err := rec.Query(ctx, audit.Filter{ToolID: "tickets"})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Data, 4)
	assert.Equal(t, audit.ActionDelete, page.Data[0].ActionType)
	assert.Equal(t, audit.ActionCreate, page.Data[3].ActionType)

	page, err = rec.Query(ctx, audit.Filter{ToolID: "tickets", ActorUserID: "u-1", ActionType: audit.ActionCreate})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	start, end := base.Add(time.Minute), base.Add(3*time.Minute)
	page, err = rec.Query(ctx, audit.Filter{StartDate: &start, EndDate: &end})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = rec.Query(ctx, audit.Filter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 2, page.Page)

	_, err = rec.Query(ctx, audit.Filter{ActionType: "PATCH"})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	history, err := rec.FindByRecordID(ctx, "tickets", "r-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].Timestamp.After(history[2].Timestamp))
}

func TestRecorder_PurgeBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec, db := setupRecorder(t)
	old := audit.NewEntry(agent, "tickets", "tickets", "r-1", audit.ActionCreate, nil)
	old.Timestamp = time.Now().AddDate(0, 0, -100).UTC()
	fresh := audit.NewEntry(agent, "tickets", "tickets", "r-2", audit.ActionCreate, nil)
	for _, e := range []*audit.Entry{old, fresh} {
		_, err := rec.Record(ctx, db, e)
		require.NoError(t, err)
	}

	n, err := rec.PurgeBefore(ctx, time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	page, err := rec.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "r-2", page.Data[0].RecordID)
}
