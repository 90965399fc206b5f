package record_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

const tool = "support-tickets"

func TestService_CreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()

	created := e.create(t, agent, map[string]any{"title": "x", "estimate": 1})

	got, err := e.svc.Get(ctx, agent, tool, created.ID())
	require.NoError(t, err)
	assert.Equal(t, "x", got["title"])
	assert.Equal(t, 1.0, got["estimate"])
	assert.Equal(t, "new", got["status"], "default applied")
	assert.Equal(t, agent.UserID, got[schema.SystemCreatedBy])
	assert.Equal(t, agent.UserID, got[schema.SystemUpdatedBy])
	assert.NotZero(t, got[schema.SystemCreatedAt])
	assert.NotZero(t, got[schema.SystemUpdatedAt])
	assert.Equal(t, 1, got[record.KeyVersion])

	history, err := e.svc.RecordHistory(ctx, manager, tool, created.ID())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, audit.ActionCreate, history[0].ActionType)
	assert.Equal(t, agent.Email, history[0].ActorEmail)
}

func TestService_UnpublishedToolIsNotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	_, err := e.schemas.Create(ctx, ticketsDefinition(), admin.UserID)
	require.NoError(t, err)

	_, err = e.svc.Create(ctx, agent, tool, map[string]any{"title": "x"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestService_ViewerCannotCreate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, viewer, tool, map[string]any{"title": "nope"})
	require.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Equal(t, 403, apperror.HTTPStatus(apperror.KindOf(err)))

	n, err := e.store.Count(ctx, ticketsDefinition(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.auditCount(t))
}

func TestService_QueryFiltersAndRedacts(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()

	for _, p := range []string{"low", "medium", "high", "high"} {
		e.create(t, manager, map[string]any{"title": "t-" + p, "priority": p, "internalCost": 40})
	}

	page, err := e.svc.Query(ctx, agent, tool, record.QueryOptions{
		Filters:  []record.Filter{{Field: "priority", Operator: record.OpEquals, Value: "high"}},
		PageSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "high", page.Data[0]["priority"])
	assert.NotContains(t, page.Data[0], "internalCost")

	page, err = e.svc.Query(ctx, manager, tool, record.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 40.0, page.Data[0]["internalCost"])

	_, err = e.svc.Query(ctx, agent, tool, record.QueryOptions{
		Filters: []record.Filter{{Field: "internalCost", Operator: record.OpGte, Value: 10}},
	})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = e.svc.Query(ctx, agent, tool, record.QueryOptions{
		Sort: &schema.SortSpec{Field: "internalCost", Direction: schema.SortAsc},
	})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestService_UpdateDiffAndFieldRestrictions(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	created := e.create(t, agent, map[string]any{"title": "x"})

	// internalCost is not editable by agents and is silently dropped.
	got, err := e.svc.Update(ctx, agent, tool, created.ID(), map[string]any{
		"status":       "open",
		"assignee":     "u1",
		"internalCost": 99,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "open", got["status"])
	assert.Equal(t, 2, got[record.KeyVersion])

	history, err := e.svc.RecordHistory(ctx, manager, tool, created.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, audit.ActionUpdate, history[0].ActionType)
	assert.ElementsMatch(t, []audit.Change{
		{Field: "status", Before: "new", After: "open"},
		{Field: "assignee", Before: nil, After: "u1"},
	}, history[0].Diff)

	full, err := e.svc.Get(ctx, manager, tool, created.ID())
	require.NoError(t, err)
	assert.NotContains(t, full, "internalCost")
}

func TestService_NoOpUpdateWritesNothing(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	created := e.create(t, agent, map[string]any{"title": "same"})
	before := e.auditCount(t)

	got, err := e.svc.Update(ctx, agent, tool, created.ID(), map[string]any{"title": "same", "status": "new"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got[record.KeyVersion])
	assert.Equal(t, before, e.auditCount(t))
}

func TestService_OptimisticConcurrency(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	created := e.create(t, agent, map[string]any{"title": "v1"})

	_, err := e.svc.Update(ctx, agent, tool, created.ID(), map[string]any{"title": "v2"}, 1)
	require.NoError(t, err)

	// A client still holding version 1 loses.
	_, err = e.svc.Update(ctx, manager, tool, created.ID(), map[string]any{"title": "stale"}, 1)
	assert.ErrorIs(t, err, apperror.ErrConflict)

	err = e.svc.Delete(ctx, manager, tool, created.ID(), 1)
	assert.ErrorIs(t, err, apperror.ErrConflict)

	got, err := e.svc.Get(ctx, agent, tool, created.ID())
	require.NoError(t, err)
	assert.Equal(t, "v2", got["title"])
}

func TestService_UpdateValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	created := e.create(t, agent, map[string]any{"title": "x"})

	_, err := e.svc.Update(ctx, agent, tool, created.ID(), map[string]any{"priority": "urgent"}, 0)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = e.svc.Update(ctx, agent, tool, "missing", map[string]any{"title": "y"}, 0)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestService_DeleteAudited(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	created := e.create(t, agent, map[string]any{"title": "gone"})

	assert.ErrorIs(t, e.svc.Delete(ctx, agent, tool, created.ID(), 0), apperror.ErrForbidden)
	require.NoError(t, e.svc.Delete(ctx, manager, tool, created.ID(), 0))

	_, err := e.svc.Get(ctx, agent, tool, created.ID())
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	history, err := e.svc.RecordHistory(ctx, admin, tool, created.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, audit.ActionDelete, history[0].ActionType)
	assert.Contains(t, history[0].Diff, audit.Change{Field: "title", Before: "gone", After: nil})
}

func TestService_BulkActionSkipsMissingRecord(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	a := e.create(t, agent, map[string]any{"title": "a"})
	b := e.create(t, agent, map[string]any{"title": "b"})

	res, err := e.svc.RunAction(ctx, agent, tool, "close", []string{a.ID(), "does-not-exist", b.ID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 2, res.Modified)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "does-not-exist", res.Failures[0].RecordID)
	assert.Equal(t, string(apperror.KindNotFound), res.Failures[0].Code)

	got, err := e.svc.Get(ctx, agent, tool, a.ID())
	require.NoError(t, err)
	assert.Equal(t, "closed", got["status"])

	page, err := e.svc.AuditLog(ctx, manager, tool, audit.Filter{ActionType: audit.ActionAction})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, "close", page.Data[0].ActionName)
}

func TestService_RowAction(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	a := e.create(t, agent, map[string]any{"title": "a"})
	b := e.create(t, agent, map[string]any{"title": "b"})

	_, err := e.svc.RunAction(ctx, agent, tool, "take", []string{a.ID(), b.ID()}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = e.svc.RunAction(ctx, viewer, tool, "take", []string{a.ID()}, nil)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = e.svc.RunAction(ctx, agent, tool, "explode", []string{a.ID()}, nil)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	res, err := e.svc.RunAction(ctx, agent, tool, "take", []string{a.ID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)

	got, err := e.svc.Get(ctx, agent, tool, a.ID())
	require.NoError(t, err)
	assert.Equal(t, agent.UserID, got["assignee"])
}

func TestService_BulkUpdate(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()
	a := e.create(t, agent, map[string]any{"title": "a"})
	b := e.create(t, agent, map[string]any{"title": "b", "priority": "high"})

	res, err := e.svc.BulkUpdate(ctx, agent, tool, []string{a.ID(), b.ID(), "ghost"}, map[string]any{"priority": "high"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified, "b already had priority high")
	assert.Len(t, res.Failures, 1)

	page, err := e.svc.AuditLog(ctx, admin, tool, audit.Filter{ActionType: audit.ActionUpdate})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, record.BulkActionName, page.Data[0].ActionName)

	_, err = e.svc.BulkUpdate(ctx, agent, tool, nil, map[string]any{"priority": "high"})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = e.svc.BulkUpdate(ctx, viewer, tool, []string{a.ID()}, map[string]any{"priority": "high"})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestService_AuditDisabled(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	def := ticketsDefinition()
	def.Audit.Enabled = false
	e.publish(t, def)

	e.create(t, agent, map[string]any{"title": "quiet"})
	assert.Zero(t, e.auditCount(t))
}

func TestService_AuditLogPermissionAndRedaction(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	def := ticketsDefinition()
	def.Permissions.CanViewAuditLog = append(def.Permissions.CanViewAuditLog, permission.RoleAgent)
	e.publish(t, def)
	ctx := context.Background()

	e.create(t, manager, map[string]any{"title": "x", "internalCost": 5})

	_, err := e.svc.AuditLog(ctx, viewer, tool, audit.Filter{})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	page, err := e.svc.AuditLog(ctx, agent, tool, audit.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	for _, c := range page.Data[0].Diff {
		assert.NotEqual(t, "internalCost", c.Field)
	}

	page, err = e.svc.AuditLog(ctx, manager, tool, audit.Filter{})
	require.NoError(t, err)
	assert.Contains(t, page.Data[0].Diff, audit.Change{Field: "internalCost", Before: nil, After: 5.0})
}

func TestService_PublishesChangeEvents(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.publish(t, nil)
	ctx := context.Background()

	ch := e.bus.Subscribe(schema.Topic(tool))
	defer e.bus.Unsubscribe(schema.Topic(tool), ch)

	created := e.create(t, agent, map[string]any{"title": "x"})
	_, err := e.svc.Update(ctx, agent, tool, created.ID(), map[string]any{"title": "y"}, 0)
	require.NoError(t, err)
	require.NoError(t, e.svc.Delete(ctx, manager, tool, created.ID(), 0))

	want := []record.ChangeType{record.ChangeCreated, record.ChangeUpdated, record.ChangeDeleted}
	for _, w := range want {
		select {
		case evt := <-ch:
			ce, ok := evt.Payload.(record.ChangeEvent)
			require.True(t, ok)
			assert.Equal(t, w, ce.ActionType)
			assert.Equal(t, created.ID(), ce.RecordID)
			assert.Equal(t, tool, ce.ToolID)
		case <-time.After(time.Second):
			t.Fatalf("no %s event", w)
		}
	}
}

func TestService_ToolsAndToolView(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	def := ticketsDefinition()
	def.Permissions.CanAccessTool = roles(permission.RoleAdmin, permission.RoleManager, permission.RoleAgent)
	e.publish(t, def)
	ctx := context.Background()

	tools, err := e.svc.Tools(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, tools, 1)

	tools, err = e.svc.Tools(ctx, viewer)
	require.NoError(t, err)
	assert.Empty(t, tools)

	view, err := e.svc.Tool(ctx, agent, tool)
	require.NoError(t, err)
	assert.NotContains(t, view.ViewableFields, "internalCost")
	assert.NotContains(t, view.EditableFields, "score")
	assert.True(t, view.Capabilities[permission.OpCreate])
	assert.False(t, view.Capabilities[permission.OpDelete])
	for _, f := range view.Fields {
		assert.NotEqual(t, "internalCost", f.Key)
	}

	_, err = e.svc.Tool(ctx, viewer, tool)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	views, err := e.svc.ToolViews(ctx, agent)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, view.ViewableFields, views[0].ViewableFields)
	assert.Equal(t, view.Fields, views[0].Fields)
	assert.Equal(t, view.Capabilities, views[0].Capabilities)

	views, err = e.svc.ToolViews(ctx, viewer)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := record.DefaultRegistry()
	assert.Equal(t, []string{record.HandlerAssignToMe, record.HandlerBulkChangeStatus, record.HandlerSetField}, r.Names())
	assert.True(t, r.Has(record.HandlerSetField))
	assert.False(t, r.Has("escalate"))

	assert.Error(t, r.Register(record.HandlerSetField, record.ActionFunc(nil)))
	require.NoError(t, r.Register("escalate", record.ActionFunc(nil)))
	assert.Contains(t, r.Names(), "escalate")
}
