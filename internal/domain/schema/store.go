package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	"github.com/matiasleandrokruk/toolforge/pkg/uuid"
)

// Patch is a partial update: top-level Definition properties to replace.
// A JSON null removes an optional property.
type Patch map[string]json.RawMessage

var definitionKeys = map[string]bool{
	"toolId": true, "name": true, "description": true, "icon": true, "resource": true,
	"fields": true, "listView": true, "formView": true, "actions": true,
	"permissions": true, "audit": true,
}

// Lifecycle properties a client may echo back in a full-document PUT; they are ignored.
var lifecycleKeys = map[string]bool{
	"id": true, "version": true, "isPublished": true, "publishedAt": true,
	"createdBy": true, "updatedBy": true, "createdAt": true, "updatedAt": true,
}

// Store persists schema documents in the tool_schema table.
type Store struct {
	db       *sql.DB
	handlers HandlerLookup
	now      func() time.Time
}

// NewStore creates a Store. handlers is consulted when publishing; nil rejects
// every action handler.
func NewStore(db *sql.DB, handlers HandlerLookup) *Store {
	return &Store{db: db, handlers: handlers, now: time.Now}
}

const selectSchema = `
	SELECT id, definition, version, is_published, published_at, created_by, updated_by, created_at, updated_at
	FROM tool_schema`

// Create validates and stores a new schema at version 1, unpublished.
func (s *Store) Create(ctx context.Context, def *Definition, actorID string) (*ToolSchema, error) {
	if err := Validate(def).Err("schema validation failed"); err != nil {
		return nil, err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, apperror.Internal("encode schema", err)
	}

	now := s.timestamp()
	ts := &ToolSchema{
		ID:         uuid.New(),
		Definition: *def,
		Version:    1,
		CreatedBy:  actorID,
		UpdatedBy:  actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_schema (id, tool_id, name, resource, definition, version, is_published,
			created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?, ?, ?)
	`, ts.ID, def.ToolID, def.Name, def.Resource, string(body),
		nullString(actorID), nullString(actorID), sqlite.FormatTime(now), sqlite.FormatTime(now))
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return nil, apperror.Conflict("tool %q already exists", def.ToolID)
		}
		return nil, apperror.Internal("insert schema", err)
	}
	return ts, nil
}

// Update applies patch, re-validates and bumps the version by one. The
// published flag is left as is; a published schema must keep resolvable handlers.
func (s *Store) Update(ctx context.Context, id string, patch Patch, actorID string) (*ToolSchema, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	merged, err := applyPatch(&current.Definition, patch)
	if err != nil {
		return nil, err
	}
	errs := Validate(merged)
	if current.IsPublished {
		ValidateHandlers(merged, s.handlers, errs)
	}
	if err := errs.Err("schema validation failed"); err != nil {
		return nil, err
	}

	body, err := json.Marshal(merged)
	if err != nil {
		return nil, apperror.Internal("encode schema", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_schema
		SET tool_id = ?, name = ?, resource = ?, definition = ?, version = version + 1,
			updated_by = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, merged.ToolID, merged.Name, merged.Resource, string(body),
		nullString(actorID), sqlite.FormatTime(s.timestamp()), id, current.Version)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return nil, apperror.Conflict("tool %q already exists", merged.ToolID)
		}
		return nil, apperror.Internal("update schema", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperror.Conflict("schema %s was modified concurrently", id)
	}
	return s.FindByID(ctx, id)
}

// Publish re-validates the document, checks every action handler is registered,
// and marks it published. toolId is unique, so this is the only published
// document for its tool.
func (s *Store) Publish(ctx context.Context, id string) (*ToolSchema, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	errs := Validate(&current.Definition)
	ValidateHandlers(&current.Definition, s.handlers, errs)
	if err := errs.Err("schema cannot be published"); err != nil {
		return nil, err
	}

	now := sqlite.FormatTime(s.timestamp())
	if err := s.execOne(ctx, id, `
		UPDATE tool_schema SET is_published = 1, published_at = ?, updated_at = ? WHERE id = ?
	`, now, now, id); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// Unpublish clears the published flag and timestamp.
func (s *Store) Unpublish(ctx context.Context, id string) (*ToolSchema, error) {
	if err := s.execOne(ctx, id, `
		UPDATE tool_schema SET is_published = 0, published_at = NULL, updated_at = ? WHERE id = ?
	`, sqlite.FormatTime(s.timestamp()), id); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// Delete removes the schema document. Records and audit entries are left in place.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `DELETE FROM tool_schema WHERE id = ?`, id)
}

func (s *Store) FindByID(ctx context.Context, id string) (*ToolSchema, error) {
	ts, err := scanSchema(s.db.QueryRowContext(ctx, selectSchema+` WHERE id = ?`, id))
	if sqlite.IsNoRows(err) {
		return nil, apperror.NotFound("schema %s not found", id)
	}
	return ts, err
}

func (s *Store) FindByToolID(ctx context.Context, toolID string) (*ToolSchema, error) {
	ts, err := scanSchema(s.db.QueryRowContext(ctx, selectSchema+` WHERE tool_id = ?`, toolID))
	if sqlite.IsNoRows(err) {
		return nil, apperror.NotFound("tool %q not found", toolID)
	}
	return ts, err
}

// FindPublishedByToolID returns the published schema for toolID, or a NotFound error.
func (s *Store) FindPublishedByToolID(ctx context.Context, toolID string) (*ToolSchema, error) {
	ts, err := scanSchema(s.db.QueryRowContext(ctx, selectSchema+` WHERE tool_id = ? AND is_published = 1`, toolID))
	if sqlite.IsNoRows(err) {
		return nil, apperror.NotFound("tool %q not found", toolID)
	}
	return ts, err
}

// FindAll returns every schema ordered by name.
func (s *Store) FindAll(ctx context.Context) ([]*ToolSchema, error) {
	return s.list(ctx, selectSchema+` ORDER BY name, tool_id`)
}

// FindAllPublished returns published schemas ordered by name.
func (s *Store) FindAllPublished(ctx context.Context) ([]*ToolSchema, error) {
	return s.list(ctx, selectSchema+` WHERE is_published = 1 ORDER BY name, tool_id`)
}

func (s *Store) ExistsByToolID(ctx context.Context, toolID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_schema WHERE tool_id = ?`, toolID).Scan(&n); err != nil {
		return false, apperror.Internal("count schemas", err)
	}
	return n > 0, nil
}

func (s *Store) list(ctx context.Context, query string) ([]*ToolSchema, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperror.Internal("list schemas", err)
	}
	defer rows.Close()

	out := []*ToolSchema{}
	for rows.Next() {
		ts, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("list schemas", err)
	}
	return out, nil
}

func (s *Store) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperror.Internal("write schema", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("schema %s not found", id)
	}
	return nil
}

// timestamp truncates to the stored precision so returned values round-trip.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchema(row rowScanner) (*ToolSchema, error) {
	var (
		ts                              ToolSchema
		def                             string
		published                       int
		publishedAt, createdBy, updated sql.NullString
		createdAt, updatedAt            string
	)
	if err := row.Scan(&ts.ID, &def, &ts.Version, &published, &publishedAt,
		&createdBy, &updated, &createdAt, &updatedAt); err != nil {
		if sqlite.IsNoRows(err) {
			return nil, err
		}
		return nil, apperror.Internal("scan schema", err)
	}
	if err := json.Unmarshal([]byte(def), &ts.Definition); err != nil {
		return nil, apperror.Internal("decode schema "+ts.ID, err)
	}

	ts.IsPublished = published == 1
	ts.CreatedBy = createdBy.String
	ts.UpdatedBy = updated.String
	var err error
	if ts.CreatedAt, err = sqlite.ParseTime(createdAt); err != nil {
		return nil, apperror.Internal("parse created_at", err)
	}
	if ts.UpdatedAt, err = sqlite.ParseTime(updatedAt); err != nil {
		return nil, apperror.Internal("parse updated_at", err)
	}
	if publishedAt.Valid {
		t, err := sqlite.ParseTime(publishedAt.String)
		if err != nil {
			return nil, apperror.Internal("parse published_at", err)
		}
		ts.PublishedAt = &t
	}
	return &ts, nil
}

func applyPatch(d *Definition, patch Patch) (*Definition, error) {
	base, err := json.Marshal(d)
	if err != nil {
		return nil, apperror.Internal("encode schema", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, apperror.Internal("decode schema", err)
	}

	errs := apperror.FieldErrors{}
	for k, v := range patch {
		switch {
		case lifecycleKeys[k]:
			continue
		case !definitionKeys[k]:
			errs.Add(k, "unknown property")
		case string(v) == "null":
			delete(doc, k)
		default:
			doc[k] = v
		}
	}
	if err := errs.Err("invalid schema update"); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, apperror.Internal("encode schema", err)
	}
	out, err := DecodeDefinition(merged, FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("apply update: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
