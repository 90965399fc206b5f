package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/eventbus"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

// BulkActionName is the audit actionName of bulk updates.
const BulkActionName = "bulk_update"

const maxBulkIDs = 500

// SchemaSource resolves published schemas.
type SchemaSource interface {
	FindPublishedByToolID(ctx context.Context, toolID string) (*schema.ToolSchema, error)
	FindAllPublished(ctx context.Context) ([]*schema.ToolSchema, error)
}

// ServiceDeps wires a Service. Bus and Logger are optional.
type ServiceDeps struct {
	DB          *sql.DB
	Schemas     SchemaSource
	Store       *Store
	Audit       *audit.Recorder
	Actions     *Registry
	Bus         eventbus.EventBus
	FieldPolicy permission.FieldPolicy
	Logger      *slog.Logger
}

// Service runs every record operation: schema resolution, permission checks,
// validation, the store write and its audit entry in one transaction, then
// the change notification.
type Service struct {
	db      *sql.DB
	schemas SchemaSource
	store   *Store
	audit   *audit.Recorder
	actions *Registry
	bus     eventbus.EventBus
	fields  permission.FieldResolver
	logger  *slog.Logger
}

func NewService(d ServiceDeps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actions := d.Actions
	if actions == nil {
		actions = DefaultRegistry()
	}
	return &Service{
		db:      d.DB,
		schemas: d.Schemas,
		store:   d.Store,
		audit:   d.Audit,
		actions: actions,
		bus:     d.Bus,
		fields:  permission.NewFieldResolver(d.FieldPolicy),
		logger:  logger,
	}
}

// ToolView is a published schema as one role sees it: only viewable fields and
// runnable actions, plus what the role may do.
type ToolView struct {
	schema.ToolSchema
	ViewableFields []string                      `json:"viewableFields"`
	EditableFields []string                      `json:"editableFields"`
	Capabilities   map[permission.Operation]bool `json:"capabilities"`
}

// Tools lists the published tools the actor can access, ordered by name.
func (s *Service) Tools(ctx context.Context, actor audit.Actor) ([]*schema.ToolSchema, error) {
	all, err := s.schemas.FindAllPublished(ctx)
	if err != nil {
		return nil, err
	}
	out := []*schema.ToolSchema{}
	for _, ts := range all {
		if permission.CanAccessTool(actor.Role, ts.Permissions) {
			out = append(out, ts)
		}
	}
	return out, nil
}

// Tool returns the role-specific view of a published tool.
func (s *Service) Tool(ctx context.Context, actor audit.Actor, toolID string) (*ToolView, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpAccess)
	if err != nil {
		return nil, err
	}
	return s.toolView(actor.Role, ts), nil
}

// ToolViews is Tools with each tool reduced to the actor's view.
func (s *Service) ToolViews(ctx context.Context, actor audit.Actor) ([]*ToolView, error) {
	tools, err := s.Tools(ctx, actor)
	if err != nil {
		return nil, err
	}
	out := make([]*ToolView, 0, len(tools))
	for _, ts := range tools {
		out = append(out, s.toolView(actor.Role, ts))
	}
	return out, nil
}

func (s *Service) toolView(role permission.Role, ts *schema.ToolSchema) *ToolView {
	view := s.viewable(role, ts)

	v := &ToolView{
		ToolSchema:     *ts,
		ViewableFields: s.fields.ViewableFields(role, ts.FieldRules()),
		EditableFields: s.fields.EditableFields(role, ts.FieldRules()),
		Capabilities:   map[permission.Operation]bool{},
	}
	v.Fields = []schema.FieldDefinition{}
	for _, f := range ts.Fields {
		if view[f.Key] {
			v.Fields = append(v.Fields, f)
		}
	}
	v.Actions = []schema.ToolAction{}
	for _, a := range ts.Actions {
		if permission.CanRunAction(role, a.Permissions) {
			v.Actions = append(v.Actions, a)
		}
	}
	for _, op := range []permission.Operation{permission.OpCreate, permission.OpRead, permission.OpUpdate, permission.OpDelete, permission.OpAuditLog} {
		v.Capabilities[op] = permission.Allowed(role, ts.Permissions, op)
	}
	return v
}

// Query returns one page of records with non-viewable fields removed.
// Filtering, sorting or searching on a field the role cannot view is refused.
func (s *Service) Query(ctx context.Context, actor audit.Actor, toolID string, opts QueryOptions) (*Page, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpRead)
	if err != nil {
		return nil, err
	}
	view := s.viewable(actor.Role, ts)
	hidden := func(key string) bool {
		_, declared := ts.Field(key)
		return declared && !view[key]
	}

	for _, f := range opts.Filters {
		if hidden(f.Field) {
			return nil, apperror.Forbidden(fmt.Sprintf("cannot filter on field %q", f.Field))
		}
	}
	if opts.Sort != nil && hidden(opts.Sort.Field) {
		return nil, apperror.Forbidden(fmt.Sprintf("cannot sort on field %q", opts.Sort.Field))
	}
	opts.SearchFields = []string{}
	for _, k := range ts.ListView.SearchableFields {
		if view[k] {
			opts.SearchFields = append(opts.SearchFields, k)
		}
	}
	if opts.Sort == nil && ts.ListView.DefaultSort != nil && hidden(ts.ListView.DefaultSort.Field) {
		opts.Sort = &schema.SortSpec{Field: schema.SystemCreatedAt, Direction: schema.SortDesc}
	}

	res, err := s.store.Query(ctx, &ts.Definition, opts)
	if err != nil {
		return nil, err
	}
	page := &Page{
		Data:     make([]Record, 0, len(res.Rows)),
		Total:    res.Total,
		Page:     res.Page,
		PageSize: res.PageSize,
	}
	if res.PageSize > 0 {
		page.TotalPages = (res.Total + res.PageSize - 1) / res.PageSize
	}
	for _, row := range res.Rows {
		page.Data = append(page.Data, row.Record(keep(view)))
	}
	return page, nil
}

// Get returns one record with non-viewable fields removed.
func (s *Service) Get(ctx context.Context, actor audit.Actor, toolID, id string) (Record, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpRead)
	if err != nil {
		return nil, err
	}
	row, err := s.store.FindByID(ctx, ts.Resource, id)
	if err != nil {
		return nil, err
	}
	return row.Record(keep(s.viewable(actor.Role, ts))), nil
}

// Create validates input, applies defaults and stores a new record.
func (s *Service) Create(ctx context.Context, actor audit.Actor, toolID string, input map[string]any) (Record, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpCreate)
	if err != nil {
		return nil, err
	}
	table, err := s.store.Table(ctx, ts.Resource)
	if err != nil {
		return nil, err
	}
	payload, err := s.validator(actor.Role, ts).Validate(input, ModeCreate)
	if err != nil {
		return nil, err
	}

	var row *Row
	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if row, err = table.Create(ctx, tx, Merge(nil, payload.Map()), actor.UserID); err != nil {
			return err
		}
		return s.recordAudit(ctx, tx, ts, actor, row.ID, audit.ActionCreate, "",
			audit.Diff(nil, row.Data, ts.AuditedFields()))
	})
	if err != nil {
		return nil, err
	}

	s.publish(ts.ToolID, row.ID, ChangeCreated, actor)
	return row.Record(keep(s.viewable(actor.Role, ts))), nil
}

// Update applies the editable fields of input to one record. expectedVersion,
// when positive, must match the stored version. An update that changes nothing
// writes nothing and records no audit entry.
func (s *Service) Update(ctx context.Context, actor audit.Actor, toolID, id string, input map[string]any, expectedVersion int) (Record, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpUpdate)
	if err != nil {
		return nil, err
	}
	table, err := s.store.Table(ctx, ts.Resource)
	if err != nil {
		return nil, err
	}
	v := s.validator(actor.Role, ts)

	row, changed, err := s.mutate(ctx, ts, table, actor, id, audit.ActionUpdate, "",
		func(before *Row) (map[string]any, error) {
			if expectedVersion > 0 && before.Version != expectedVersion {
				return nil, apperror.Conflict("record %s is at version %d, not %d", id, before.Version, expectedVersion)
			}
			payload, err := v.Validate(input, ModeUpdate)
			if err != nil {
				return nil, err
			}
			return payload.Map(), nil
		})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ts.ToolID, id, ChangeUpdated, actor)
	}
	return row.Record(keep(s.viewable(actor.Role, ts))), nil
}

// Delete removes one record. expectedVersion, when positive, must match.
func (s *Service) Delete(ctx context.Context, actor audit.Actor, toolID, id string, expectedVersion int) error {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpDelete)
	if err != nil {
		return err
	}
	table, err := s.store.Table(ctx, ts.Resource)
	if err != nil {
		return err
	}

	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		before, err := table.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && before.Version != expectedVersion {
			return apperror.Conflict("record %s is at version %d, not %d", id, before.Version, expectedVersion)
		}
		if err := table.Delete(ctx, tx, id, before.Version); err != nil {
			return err
		}
		return s.recordAudit(ctx, tx, ts, actor, id, audit.ActionDelete, "",
			audit.Diff(before.Data, nil, ts.AuditedFields()))
	})
	if err != nil {
		return err
	}

	s.publish(ts.ToolID, id, ChangeDeleted, actor)
	return nil
}

// BulkUpdate applies the same change to every listed record, each in its own
// transaction. Per-record failures are collected, not returned.
func (s *Service) BulkUpdate(ctx context.Context, actor audit.Actor, toolID string, ids []string, input map[string]any) (*BulkResult, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpUpdate)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	table, err := s.store.Table(ctx, ts.Resource)
	if err != nil {
		return nil, err
	}
	payload, err := s.validator(actor.Role, ts).Validate(input, ModeUpdate)
	if err != nil {
		return nil, err
	}
	patch := payload.Map()

	return s.forEach(ctx, ts, ids, ChangeUpdated, actor, func(id string) (bool, error) {
		_, changed, err := s.mutate(ctx, ts, table, actor, id, audit.ActionUpdate, BulkActionName,
			func(*Row) (map[string]any, error) { return patch, nil })
		return changed, err
	}), nil
}

// RunAction executes a schema-declared action on the listed records. Row
// actions take exactly one id.
func (s *Service) RunAction(ctx context.Context, actor audit.Actor, toolID, actionID string, ids []string, params map[string]any) (*BulkResult, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpAccess)
	if err != nil {
		return nil, err
	}
	action, ok := ts.Action(actionID)
	if !ok {
		return nil, apperror.NotFound("action %q not found on tool %s", actionID, toolID)
	}
	if !permission.CanRunAction(actor.Role, action.Permissions) {
		return nil, apperror.Forbidden(fmt.Sprintf("role %s cannot run action %q", actor.Role, actionID))
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	if action.Type == schema.ActionRow && len(ids) != 1 {
		return nil, apperror.Validation("invalid action request", map[string][]string{
			"recordIds": {"row actions take exactly one record id"},
		})
	}
	handler, ok := s.actions.Get(action.Handler)
	if !ok {
		return nil, apperror.Internal("run action", fmt.Errorf("handler %q is not registered", action.Handler))
	}
	table, err := s.store.Table(ctx, ts.Resource)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(action.Params)+len(params))
	for k, v := range action.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	// Actions are gated by their own role list, so they may write any stored field.
	var writable []string
	for _, f := range ts.Fields {
		if f.Type != schema.FieldComputed {
			writable = append(writable, f.Key)
		}
	}
	v := NewValidator(&ts.Definition, writable)

	return s.forEach(ctx, ts, ids, ChangeUpdated, actor, func(id string) (bool, error) {
		_, changed, err := s.mutate(ctx, ts, table, actor, id, audit.ActionAction, action.ID,
			func(before *Row) (map[string]any, error) {
				patch, err := handler.Apply(ctx, ActionInput{
					Actor: actor, Definition: &ts.Definition, Record: before.Data, Params: merged,
				})
				if err != nil {
					return nil, err
				}
				payload, err := v.Validate(patch, ModeUpdate)
				if err != nil {
					return nil, err
				}
				return payload.Map(), nil
			})
		return changed, err
	}), nil
}

// AuditLog returns the tool's audit entries, newest first, with changes to
// non-viewable fields removed.
func (s *Service) AuditLog(ctx context.Context, actor audit.Actor, toolID string, f audit.Filter) (*audit.Page, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpAuditLog)
	if err != nil {
		return nil, err
	}
	f.ToolID = toolID
	page, err := s.audit.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	s.redactDiffs(actor.Role, ts, page.Data)
	return page, nil
}

// RecordHistory returns every audit entry of one record, newest first.
func (s *Service) RecordHistory(ctx context.Context, actor audit.Actor, toolID, recordID string) ([]*audit.Entry, error) {
	ts, err := s.authorize(ctx, actor, toolID, permission.OpAuditLog)
	if err != nil {
		return nil, err
	}
	entries, err := s.audit.FindByRecordID(ctx, toolID, recordID)
	if err != nil {
		return nil, err
	}
	s.redactDiffs(actor.Role, ts, entries)
	return entries, nil
}

// authorize resolves the published schema and checks tool access plus op.
// It runs before any write is attempted.
func (s *Service) authorize(ctx context.Context, actor audit.Actor, toolID string, op permission.Operation) (*schema.ToolSchema, error) {
	ts, err := s.schemas.FindPublishedByToolID(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if !permission.CanAccessTool(actor.Role, ts.Permissions) {
		return nil, apperror.Forbidden(fmt.Sprintf("role %s cannot access tool %s", actor.Role, toolID))
	}
	if op != permission.OpAccess && !permission.Allowed(actor.Role, ts.Permissions, op) {
		return nil, apperror.Forbidden(fmt.Sprintf("role %s cannot %s on tool %s", actor.Role, op, toolID))
	}
	return ts, nil
}

func (s *Service) validator(role permission.Role, ts *schema.ToolSchema) *Validator {
	return NewValidator(&ts.Definition, s.fields.EditableFields(role, ts.FieldRules()))
}

func (s *Service) viewable(role permission.Role, ts *schema.ToolSchema) map[string]bool {
	keys := s.fields.ViewableFields(role, ts.FieldRules())
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func keep(view map[string]bool) func(string) bool {
	return func(k string) bool { return view[k] }
}

// mutate loads one record, asks patchFn for the change, and writes it with its
// audit entry in a single transaction. The version read here guards the write.
func (s *Service) mutate(
	ctx context.Context,
	ts *schema.ToolSchema,
	table *Table,
	actor audit.Actor,
	id string,
	action audit.ActionType,
	actionName string,
	patchFn func(before *Row) (map[string]any, error),
) (*Row, bool, error) {
	var (
		row     *Row
		changed bool
	)
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		before, err := table.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		patch, err := patchFn(before)
		if err != nil {
			return err
		}

		after := Merge(before.Data, patch)
		if len(audit.Diff(before.Data, after, ts.FieldKeys())) == 0 {
			row = before
			return nil
		}
		if row, err = table.Update(ctx, tx, id, before.Version, after, actor.UserID); err != nil {
			return err
		}
		changed = true
		return s.recordAudit(ctx, tx, ts, actor, id, action, actionName,
			audit.Diff(before.Data, after, ts.AuditedFields()))
	})
	if err != nil {
		return nil, false, err
	}
	return row, changed, nil
}

func (s *Service) forEach(ctx context.Context, ts *schema.ToolSchema, ids []string, change ChangeType, actor audit.Actor, fn func(id string) (bool, error)) *BulkResult {
	res := &BulkResult{Requested: len(ids), Failures: []Failure{}}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		changed, err := fn(id)
		if err != nil {
			res.Failures = append(res.Failures, s.failure(ctx, ts.ToolID, id, err))
			continue
		}
		if changed {
			res.Modified++
			s.publish(ts.ToolID, id, change, actor)
		}
	}
	return res
}

func (s *Service) failure(ctx context.Context, toolID, id string, err error) Failure {
	kind := apperror.KindOf(err)
	f := Failure{RecordID: id, Code: string(kind), Message: PublicMessage(err)}
	if kind == apperror.KindInternal {
		s.logger.ErrorContext(ctx, "bulk record operation failed", "tool_id", toolID, "record_id", id, "error", err)
	}
	return f
}

// PublicMessage renders err for API clients. Internal details are never exposed.
func PublicMessage(err error) string {
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Kind == apperror.KindInternal {
		return "internal error"
	}
	if len(ae.Fields) == 0 {
		return ae.Message
	}
	return ae.Message + ": " + strings.Join(apperror.FieldErrors(ae.Fields).Flatten(), "; ")
}

func (s *Service) recordAudit(ctx context.Context, tx *sql.Tx, ts *schema.ToolSchema, actor audit.Actor, recordID string, action audit.ActionType, name string, diff []audit.Change) error {
	if !ts.Audit.Enabled {
		return nil
	}
	e := audit.NewEntry(actor, ts.ToolID, ts.Resource, recordID, action, diff)
	e.ActionName = name
	_, err := s.audit.Record(ctx, tx, e)
	return err
}

func (s *Service) redactDiffs(role permission.Role, ts *schema.ToolSchema, entries []*audit.Entry) {
	view := s.viewable(role, ts)
	for _, e := range entries {
		kept := e.Diff[:0]
		for _, c := range e.Diff {
			if _, declared := ts.Field(c.Field); !declared || view[c.Field] {
				kept = append(kept, c)
			}
		}
		e.Diff = kept
	}
}

func (s *Service) publish(toolID, recordID string, change ChangeType, actor audit.Actor) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(schema.Topic(toolID), ChangeEvent{
		ToolID:     toolID,
		RecordID:   recordID,
		ActionType: change,
		ActorID:    actor.UserID,
	})
}

func checkIDs(ids []string) error {
	switch {
	case len(ids) == 0:
		return apperror.Validation("invalid bulk request", map[string][]string{
			"recordIds": {"at least one record id is required"},
		})
	case len(ids) > maxBulkIDs:
		return apperror.Validation("invalid bulk request", map[string][]string{
			"recordIds": {fmt.Sprintf("at most %d record ids per request", maxBulkIDs)},
		})
	}
	return nil
}
