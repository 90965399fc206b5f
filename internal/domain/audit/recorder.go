package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	"github.com/matiasleandrokruk/toolforge/pkg/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Recorder writes and reads the audit_log table.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// Record inserts e through exec, normally the transaction that applied the
// mutation. Empty entries are skipped and reported as not written.
func (r *Recorder) Record(ctx context.Context, exec sqlite.Execer, e *Entry) (bool, error) {
	if !e.ActionType.Valid() {
		return false, apperror.Internal("record audit entry", errUnknownAction(e.ActionType))
	}
	if e.Empty() {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC().Truncate(time.Microsecond)
	}
	if e.Diff == nil {
		e.Diff = []Change{}
	}
	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return false, apperror.Internal("encode audit diff", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_user_id, actor_email, role, tool_id, resource, record_id,
			action_type, action_name, diff, ip, user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorUserID, e.ActorEmail, string(e.Role), e.ToolID, e.Resource, e.RecordID,
		string(e.ActionType), nullString(e.ActionName), string(diff),
		nullString(e.IP), nullString(e.UserAgent), sqlite.FormatTime(e.Timestamp))
	if err != nil {
		return false, apperror.Internal("insert audit entry", err)
	}
	return true, nil
}

const selectEntry = `
	SELECT id, actor_user_id, actor_email, role, tool_id, resource, record_id,
		action_type, action_name, diff, ip, user_agent, timestamp
	FROM audit_log`

// Query returns entries matching f, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) (*Page, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.ToolID != "" {
		add("tool_id = ?", f.ToolID)
	}
	if f.Resource != "" {
		add("resource = ?", f.Resource)
	}
	if f.RecordID != "" {
		add("record_id = ?", f.RecordID)
	}
	if f.ActorUserID != "" {
		add("actor_user_id = ?", f.ActorUserID)
	}
	if f.ActionType != "" {
		if !f.ActionType.Valid() {
			return nil, apperror.Validation("invalid audit filter", map[string][]string{
				"actionType": {"must be one of CREATE, UPDATE, DELETE, ACTION"},
			})
		}
		add("action_type = ?", string(f.ActionType))
	}
	if f.StartDate != nil {
		add("timestamp >= ?", sqlite.FormatTime(*f.StartDate))
	}
	if f.EndDate != nil {
		add("timestamp <= ?", sqlite.FormatTime(*f.EndDate))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page, size := normalizePage(f.Page, f.PageSize)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+clause, args...).Scan(&total); err != nil {
		return nil, apperror.Internal("count audit entries", err)
	}

	rows, err := r.db.QueryContext(ctx,
		selectEntry+clause+` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, apperror.Internal("query audit entries", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return &Page{Data: entries, Total: total, Page: page, PageSize: size}, nil
}

// FindByRecordID returns the full history of one record, newest first.
func (r *Recorder) FindByRecordID(ctx context.Context, toolID, recordID string) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		selectEntry+` WHERE tool_id = ? AND record_id = ? ORDER BY timestamp DESC, id DESC`,
		toolID, recordID)
	if err != nil {
		return nil, apperror.Internal("query record history", err)
	}
	return scanEntries(rows)
}

func (r *Recorder) FindByID(ctx context.Context, id string) (*Entry, error) {
	rows, err := r.db.QueryContext(ctx, selectEntry+` WHERE id = ?`, id)
	if err != nil {
		return nil, apperror.Internal("query audit entry", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperror.NotFound("audit entry %s not found", id)
	}
	return entries[0], nil
}

// PurgeBefore deletes entries older than cutoff and returns how many were removed.
func (r *Recorder) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < ?`, sqlite.FormatTime(cutoff))
	if err != nil {
		return 0, apperror.Internal("purge audit entries", err)
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		var (
			e                         Entry
			role, action, diff, ts    string
			actionName, ip, userAgent sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.ActorEmail, &role, &e.ToolID, &e.Resource,
			&e.RecordID, &action, &actionName, &diff, &ip, &userAgent, &ts); err != nil {
			return nil, apperror.Internal("scan audit entry", err)
		}
		e.Role = permission.Role(role)
		e.ActionType = ActionType(action)
		e.ActionName = actionName.String
		e.IP = ip.String
		e.UserAgent = userAgent.String
		if err := json.Unmarshal([]byte(diff), &e.Diff); err != nil {
			return nil, apperror.Internal("decode audit diff", err)
		}
		t, err := sqlite.ParseTime(ts)
		if err != nil {
			return nil, apperror.Internal("parse audit timestamp", err)
		}
		e.Timestamp = t
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("iterate audit entries", err)
	}
	return out, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

type errUnknownAction ActionType

func (e errUnknownAction) Error() string {
	return "unknown action type " + string(e)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
