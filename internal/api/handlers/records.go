package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// reservedQueryKeys are list parameters that are not equality filters.
var reservedQueryKeys = map[string]bool{
	"search": true, "page": true, "pageSize": true, "sort": true, "sortDir": true, "filters": true,
}

// RecordHandler serves tools, records, actions and the audit trail. Every call
// goes through record.Service, which enforces tool and field permissions.
type RecordHandler struct {
	*Responder
	svc *record.Service
}

func NewRecordHandler(rs *Responder, svc *record.Service) *RecordHandler {
	return &RecordHandler{Responder: rs, svc: svc}
}

// BulkUpdateRequest is the body of POST /records/bulk. Either Changes or the
// Field/Value pair is given.
type BulkUpdateRequest struct {
	RecordIDs []string       `json:"recordIds"`
	Changes   map[string]any `json:"changes"`
	Field     string         `json:"field"`
	Value     any            `json:"value"`
}

// ActionRequest is the body of POST /actions/{actionId}.
type ActionRequest struct {
	RecordIDs []string       `json:"recordIds"`
	Params    map[string]any `json:"params"`
}

// ListTools handles GET /api/tools
func (h *RecordHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	tools, err := h.svc.Tools(r.Context(), actor)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"data": tools})
}

// GetTool handles GET /api/tools/{toolId}
func (h *RecordHandler) GetTool(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	view, err := h.svc.Tool(r.Context(), actor, chi.URLParam(r, "toolId"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

// QueryRecords handles GET /api/tools/{toolId}/records.
//
// Query parameters: search, page, pageSize, sort, sortDir (asc|desc), filters
// (JSON array of {field, operator, value}); any other key=value becomes an
// equals filter.
func (h *RecordHandler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	opts, err := parseQueryOptions(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	page, err := h.svc.Query(r.Context(), actor, chi.URLParam(r, "toolId"), opts)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

// GetRecord handles GET /api/tools/{toolId}/records/{recordId}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	rec, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "toolId"), chi.URLParam(r, "recordId"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/tools/{toolId}/records
//
// Response codes:
//   - 201 Created: the stored record, as the caller may view it
//   - 400 Bad Request: validation failed, details per field
//   - 403 Forbidden: role lacks canCreate
//   - 404 Not Found: tool not published
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		h.Error(w, r, err)
		return
	}
	rec, err := h.svc.Create(r.Context(), actor, chi.URLParam(r, "toolId"), body)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, rec)
}

// UpdateRecord handles PUT /api/tools/{toolId}/records/{recordId}. The body is
// a partial record. An If-Match header (or _version in the body) makes the
// update conditional; a stale version answers 409.
func (h *RecordHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		h.Error(w, r, err)
		return
	}
	version, err := expectedVersion(r, body)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	rec, err := h.svc.Update(r.Context(), actor, chi.URLParam(r, "toolId"), chi.URLParam(r, "recordId"), body, version)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/tools/{toolId}/records/{recordId}
func (h *RecordHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	version, err := expectedVersion(r, nil)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), actor, chi.URLParam(r, "toolId"), chi.URLParam(r, "recordId"), version); err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"message": "record deleted"})
}

// BulkUpdate handles POST /api/tools/{toolId}/records/bulk. Per-record
// failures are reported in the 200 body, not as an error status.
func (h *RecordHandler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var req BulkUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}
	changes := req.Changes
	if len(changes) == 0 && req.Field != "" {
		changes = map[string]any{req.Field: req.Value}
	}
	if len(changes) == 0 {
		h.Error(w, r, apperror.Validation("invalid bulk request", map[string][]string{
			"changes": {"changes or field is required"},
		}))
		return
	}
	res, err := h.svc.BulkUpdate(r.Context(), actor, chi.URLParam(r, "toolId"), req.RecordIDs, changes)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, res)
}

// RunAction handles POST /api/tools/{toolId}/actions/{actionId}
func (h *RecordHandler) RunAction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Error(w, r, err)
		return
	}
	res, err := h.svc.RunAction(r.Context(), actor, chi.URLParam(r, "toolId"), chi.URLParam(r, "actionId"), req.RecordIDs, req.Params)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, res)
}

// ToolAudit handles GET /api/tools/{toolId}/audit.
//
// Query parameters: recordId, actorUserId, actionType, startDate, endDate
// (RFC 3339 or YYYY-MM-DD), page, pageSize.
func (h *RecordHandler) ToolAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	page, err := h.svc.AuditLog(r.Context(), actor, chi.URLParam(r, "toolId"), f)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

// RecordAudit handles GET /api/tools/{toolId}/records/{recordId}/audit
func (h *RecordHandler) RecordAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	entries, err := h.svc.RecordHistory(r.Context(), actor, chi.URLParam(r, "toolId"), chi.URLParam(r, "recordId"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

func parseQueryOptions(r *http.Request) (record.QueryOptions, error) {
	q := r.URL.Query()
	opts := record.QueryOptions{Search: strings.TrimSpace(q.Get("search"))}

	var err error
	if opts.Page, err = queryInt(r, "page"); err != nil {
		return opts, err
	}
	if opts.PageSize, err = queryInt(r, "pageSize"); err != nil {
		return opts, err
	}
	if field := q.Get("sort"); field != "" {
		dir := q.Get("sortDir")
		if dir == "" {
			dir = schema.SortAsc
		}
		opts.Sort = &schema.SortSpec{Field: field, Direction: dir}
	}

	if raw := q.Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Filters); err != nil {
			return opts, apperror.Validation("invalid query parameter", map[string][]string{
				"filters": {"must be a JSON array of {field, operator, value}"},
			})
		}
	}

	// Map iteration order is random; sort keys so filter errors are stable.
	keys := make([]string, 0, len(q))
	for k := range q {
		if !reservedQueryKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts.Filters = append(opts.Filters, record.Filter{Field: k, Operator: record.OpEquals, Value: q.Get(k)})
	}
	return opts, nil
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		RecordID:    q.Get("recordId"),
		ActorUserID: q.Get("actorUserId"),
		ActionType:  audit.ActionType(strings.ToUpper(q.Get("actionType"))),
	}

	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = queryInt(r, "pageSize"); err != nil {
		return f, err
	}
	if f.StartDate, err = queryTime(r, "startDate", false); err != nil {
		return f, err
	}
	if f.EndDate, err = queryTime(r, "endDate", true); err != nil {
		return f, err
	}
	return f, nil
}

// queryTime accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func queryTime(r *http.Request, key string, endOfDay bool) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, apperror.Validation("invalid query parameter", map[string][]string{key: {"must be RFC 3339 or YYYY-MM-DD"}})
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
