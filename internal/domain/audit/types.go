// Package audit records an immutable trail of record mutations. Entries are
// append-only; the only deletion path is the explicit retention purge.
package audit

import (
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// ActionType classifies the mutation an entry describes.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
	ActionAction ActionType = "ACTION"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAction:
		return true
	}
	return false
}

// Change is a single field change. Absent values are reported as nil.
type Change struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// Actor identifies who performed a mutation and from where.
type Actor struct {
	UserID    string
	Email     string
	Role      permission.Role
	IP        string
	UserAgent string
}

// Entry is one immutable audit log row.
type Entry struct {
	ID          string          `json:"id"`
	ActorUserID string          `json:"actorUserId"`
	ActorEmail  string          `json:"actorEmail"`
	Role        permission.Role `json:"role"`
	ToolID      string          `json:"toolId"`
	Resource    string          `json:"resource"`
	RecordID    string          `json:"recordId"`
	ActionType  ActionType      `json:"actionType"`
	ActionName  string          `json:"actionName,omitempty"`
	Diff        []Change        `json:"diff"`
	IP          string          `json:"ip,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEntry fills the actor columns of an entry.
func NewEntry(actor Actor, toolID, resource, recordID string, action ActionType, diff []Change) *Entry {
	return &Entry{
		ActorUserID: actor.UserID,
		ActorEmail:  actor.Email,
		Role:        actor.Role,
		ToolID:      toolID,
		Resource:    resource,
		RecordID:    recordID,
		ActionType:  action,
		Diff:        diff,
		IP:          actor.IP,
		UserAgent:   actor.UserAgent,
	}
}

// Empty reports whether the entry carries nothing worth recording: an update
// or action that changed no audited field.
func (e *Entry) Empty() bool {
	return (e.ActionType == ActionUpdate || e.ActionType == ActionAction) && len(e.Diff) == 0
}

// Filter narrows a Query. Zero values are ignored.
type Filter struct {
	ToolID      string
	Resource    string
	RecordID    string
	ActorUserID string
	ActionType  ActionType
	StartDate   *time.Time
	EndDate     *time.Time
	Page        int
	PageSize    int
}

// Page is one page of entries plus the total ignoring pagination.
type Page struct {
	Data     []*Entry `json:"data"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"pageSize"`
}
