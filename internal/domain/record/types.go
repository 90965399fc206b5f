// Package record stores and serves the records of published tools. Records are
// schemaless JSON documents in one table per resource; their shape is enforced
// here, at the application boundary, from the tool's field definitions.
package record

import (
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// Keys added to every record returned to callers.
const (
	KeyID      = "_id"
	KeyVersion = "_version"
)

// Record is the flat JSON form of a stored row: field values, system fields,
// _id and _version.
type Record map[string]any

// ID returns the record id.
func (r Record) ID() string {
	id, _ := r[KeyID].(string)
	return id
}

// Row is a stored record.
type Row struct {
	ID        string
	Data      map[string]any
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// Record flattens the row. Only keys for which keep returns true are copied from
// Data; a nil keep copies everything.
func (r *Row) Record(keep func(string) bool) Record {
	out := make(Record, len(r.Data)+6)
	for k, v := range r.Data {
		if keep == nil || keep(k) {
			out[k] = v
		}
	}
	out[KeyID] = r.ID
	out[KeyVersion] = r.Version
	out[schema.SystemCreatedBy] = r.CreatedBy
	out[schema.SystemUpdatedBy] = r.UpdatedBy
	out[schema.SystemCreatedAt] = r.CreatedAt
	out[schema.SystemUpdatedAt] = r.UpdatedAt
	return out
}

// Operator is a filter comparison.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpBetween  Operator = "between"
)

// Filter is one structured predicate on a field.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// QueryOptions controls a record query. SearchFields overrides the schema's
// searchable fields when non-nil.
type QueryOptions struct {
	Search       string
	SearchFields []string
	Filters      []Filter
	Sort         *schema.SortSpec
	Page         int
	PageSize     int
}

// QueryResult is one page of rows plus the total ignoring pagination.
type QueryResult struct {
	Rows     []*Row
	Total    int
	Page     int
	PageSize int
}

// Page is the client-facing form of a query result.
type Page struct {
	Data       []Record `json:"data"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalPages int      `json:"totalPages"`
}

// Failure describes one record a bulk operation could not modify.
type Failure struct {
	RecordID string `json:"recordId"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// BulkResult summarizes a bulk update or action run.
type BulkResult struct {
	Requested int       `json:"requested"`
	Modified  int       `json:"modified"`
	Failures  []Failure `json:"failures"`
}

// ChangeType is the kind of change announced to realtime subscribers.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent is published on schema.Topic(toolId) after a committed mutation.
type ChangeEvent struct {
	ToolID     string     `json:"toolId"`
	RecordID   string     `json:"recordId"`
	ActionType ChangeType `json:"actionType"`
	ActorID    string     `json:"actorId"`
}
