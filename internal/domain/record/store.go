package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	"github.com/matiasleandrokruk/toolforge/pkg/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	tablePrefix     = "rec_"
)

// Store is the registry of per-resource tables. A Table is created the first
// time its resource is referenced and reused afterwards; concurrent first use
// yields a single instance.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	tables map[string]*Table
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now, tables: map[string]*Table{}}
}

// Table returns the accessor for resource, creating its backing table on first use.
// It must not be called while a transaction holds the only connection.
func (s *Store) Table(ctx context.Context, resource string) (*Table, error) {
	s.mu.RLock()
	t, ok := s.tables[resource]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	if !schema.ValidResource(resource) {
		return nil, apperror.Validation("invalid resource name", map[string][]string{
			"resource": {"must be a lowercase identifier"},
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[resource]; ok {
		return t, nil
	}

	t = newTable(resource, s.now)
	if _, err := s.db.ExecContext(ctx, t.ddl()); err != nil {
		return nil, apperror.Internal("create table for "+resource, err)
	}
	s.tables[resource] = t
	return t, nil
}

// Query runs a read-only query outside any transaction.
func (s *Store) Query(ctx context.Context, def *schema.Definition, opts QueryOptions) (*QueryResult, error) {
	t, err := s.Table(ctx, def.Resource)
	if err != nil {
		return nil, err
	}
	return t.Query(ctx, s.db, def, opts)
}

// FindByID reads one row outside any transaction.
func (s *Store) FindByID(ctx context.Context, resource, id string) (*Row, error) {
	t, err := s.Table(ctx, resource)
	if err != nil {
		return nil, err
	}
	return t.FindByID(ctx, s.db, id)
}

// Count returns how many rows match filters.
func (s *Store) Count(ctx context.Context, def *schema.Definition, filters []Filter) (int, error) {
	t, err := s.Table(ctx, def.Resource)
	if err != nil {
		return 0, err
	}
	return t.Count(ctx, s.db, def, filters)
}

// Table is the accessor for one resource's physical table. Every method takes
// the Execer to run on, so writes can share a transaction with their audit entry.
type Table struct {
	name    string
	now     func() time.Time
	selectQ string
}

func newTable(resource string, now func() time.Time) *Table {
	// resource has been checked against the identifier pattern.
	name := `"` + tablePrefix + resource + `"`
	return &Table{
		name:    name,
		now:     now,
		selectQ: `SELECT id, data, created_by, updated_by, created_at, updated_at, version FROM ` + name,
	}
}

func (t *Table) ddl() string {
	return `CREATE TABLE IF NOT EXISTS ` + t.name + ` (
		id         TEXT    NOT NULL PRIMARY KEY,
		data       TEXT    NOT NULL DEFAULT '{}' CHECK (json_valid(data)),
		created_by TEXT    NOT NULL DEFAULT '',
		updated_by TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL,
		updated_at TEXT    NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1
	)`
}

// Query returns one page of rows matching opts plus the unpaginated total.
func (t *Table) Query(ctx context.Context, exec sqlite.Execer, def *schema.Definition, opts QueryOptions) (*QueryResult, error) {
	where, err := t.where(def, opts)
	if err != nil {
		return nil, err
	}

	sort := opts.Sort
	if sort == nil {
		sort = def.ListView.DefaultSort
	}
	order, err := compileSort(def, sort)
	if err != nil {
		return nil, err
	}

	page, size := normalizePage(opts.Page, opts.PageSize, def.ListView.PageSize)

	var total int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name+where.sql, where.args...).Scan(&total); err != nil {
		return nil, apperror.Internal("count records", err)
	}

	args := append(append(append([]any{}, where.args...), order.args...), size, (page-1)*size)
	rows, err := exec.QueryContext(ctx, t.selectQ+where.sql+` ORDER BY `+order.sql+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, apperror.Internal("query records", err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Rows: out, Total: total, Page: page, PageSize: size}, nil
}

// Count returns how many rows match filters.
func (t *Table) Count(ctx context.Context, exec sqlite.Execer, def *schema.Definition, filters []Filter) (int, error) {
	where, err := t.where(def, QueryOptions{Filters: filters})
	if err != nil {
		return 0, err
	}
	var n int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name+where.sql, where.args...).Scan(&n); err != nil {
		return 0, apperror.Internal("count records", err)
	}
	return n, nil
}

func (t *Table) where(def *schema.Definition, opts QueryOptions) (predicate, error) {
	filters, err := compileFilters(def, opts.Filters)
	if err != nil {
		return predicate{}, err
	}
	var parts []string
	var args []any
	if filters.sql != "" {
		parts = append(parts, filters.sql)
		args = append(args, filters.args...)
	}
	if term := strings.TrimSpace(opts.Search); term != "" {
		keys := opts.SearchFields
		if keys == nil {
			keys = def.ListView.SearchableFields
		}
		if s := compileSearch(def, term, keys); s.sql != "" {
			parts = append(parts, s.sql)
			args = append(args, s.args...)
		} else {
			// Nothing searchable: a search term matches nothing.
			parts = append(parts, "0")
		}
	}
	if len(parts) == 0 {
		return predicate{}, nil
	}
	return predicate{sql: " WHERE " + strings.Join(parts, " AND "), args: args}, nil
}

// FindByID returns the row or a NotFound error.
func (t *Table) FindByID(ctx context.Context, exec sqlite.Execer, id string) (*Row, error) {
	rows, err := exec.QueryContext(ctx, t.selectQ+` WHERE id = ?`, id)
	if err != nil {
		return nil, apperror.Internal("find record", err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperror.NotFound("record %s not found", id)
	}
	return out[0], nil
}

// Create inserts data as a new row at version 1.
func (t *Table) Create(ctx context.Context, exec sqlite.Execer, data map[string]any, actorID string) (*Row, error) {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, apperror.Internal("encode record", err)
	}
	now := t.timestamp()
	row := &Row{
		ID: uuid.New(), Data: data, CreatedBy: actorID, UpdatedBy: actorID,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO `+t.name+`
		(id, data, created_by, updated_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)`,
		row.ID, string(body), actorID, actorID, sqlite.FormatTime(now), sqlite.FormatTime(now))
	if err != nil {
		return nil, apperror.Internal("insert record", err)
	}
	return row, nil
}

// Update replaces the row's data if the row is still at expectedVersion, and
// bumps the version.
func (t *Table) Update(ctx context.Context, exec sqlite.Execer, id string, expectedVersion int, data map[string]any, actorID string) (*Row, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, apperror.Internal("encode record", err)
	}
	res, err := exec.ExecContext(ctx, `UPDATE `+t.name+`
		SET data = ?, updated_by = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(body), actorID, sqlite.FormatTime(t.timestamp()), id, expectedVersion)
	if err != nil {
		return nil, apperror.Internal("update record", err)
	}
	if err := t.checkWritten(ctx, exec, res, id); err != nil {
		return nil, err
	}
	return t.FindByID(ctx, exec, id)
}

// Delete removes the row if it is still at expectedVersion.
func (t *Table) Delete(ctx context.Context, exec sqlite.Execer, id string, expectedVersion int) error {
	res, err := exec.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return apperror.Internal("delete record", err)
	}
	return t.checkWritten(ctx, exec, res, id)
}

// BulkUpdate merges patch into every listed row and returns how many rows
// changed. Missing ids are skipped.
func (t *Table) BulkUpdate(ctx context.Context, exec sqlite.Execer, ids []string, patch map[string]any, actorID string) (int, error) {
	n := 0
	for _, id := range ids {
		row, err := t.FindByID(ctx, exec, id)
		if apperror.KindOf(err) == apperror.KindNotFound {
			continue
		}
		if err != nil {
			return n, err
		}
		if _, err := t.Update(ctx, exec, id, row.Version, Merge(row.Data, patch), actorID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// checkWritten distinguishes a vanished row from a version mismatch.
func (t *Table) checkWritten(ctx context.Context, exec sqlite.Execer, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Internal("write record", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := t.FindByID(ctx, exec, id); err != nil {
		return err
	}
	return apperror.Conflict("record %s was modified concurrently", id)
}

func (t *Table) timestamp() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	defer rows.Close()

	out := []*Row{}
	for rows.Next() {
		var (
			r                    Row
			data                 string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&r.ID, &data, &r.CreatedBy, &r.UpdatedBy, &createdAt, &updatedAt, &r.Version); err != nil {
			return nil, apperror.Internal("scan record", err)
		}
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, apperror.Internal("decode record "+r.ID, err)
		}
		var err error
		if r.CreatedAt, err = sqlite.ParseTime(createdAt); err != nil {
			return nil, apperror.Internal("parse created_at", err)
		}
		if r.UpdatedAt, err = sqlite.ParseTime(updatedAt); err != nil {
			return nil, apperror.Internal("parse updated_at", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("iterate records", err)
	}
	return out, nil
}

// Merge returns base with patch applied at the top level. A nil value in patch
// removes the key.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// normalizePage applies the default (the tool's listView.pageSize, else 20)
// and caps the page size at 100.
func normalizePage(page, size, toolDefault int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = toolDefault
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
