// Package permission resolves what a role may do with a tool and its fields.
// Everything here is pure: no I/O, no state beyond the configured field policy.
//
// Tool-level checks are default-deny: a role absent from the relevant list is refused.
// Field-level checks fall back to the configured FieldPolicy when a field declares no list.
package permission

import (
	"fmt"
	"slices"
	"strings"
)

// Role is the closed set of user roles.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
	RoleViewer  Role = "viewer"
)

// Roles lists every valid role, most privileged first.
func Roles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleAgent, RoleViewer}
}

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	return slices.Contains(Roles(), r)
}

// Rank orders roles for display and sorting: admin 4 ... viewer 1, unknown 0.
// It is never used to grant access; membership lists are authoritative.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleManager:
		return 3
	case RoleAgent:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// ToolPermissions is the role allowlist per tool-level operation.
type ToolPermissions struct {
	CanAccessTool   []Role `json:"canAccessTool"`
	CanCreate       []Role `json:"canCreate"`
	CanRead         []Role `json:"canRead"`
	CanUpdate       []Role `json:"canUpdate"`
	CanDelete       []Role `json:"canDelete"`
	CanViewAuditLog []Role `json:"canViewAuditLog"`
}

// Operation names a tool-level permission.
type Operation string

const (
	OpAccess   Operation = "access"
	OpCreate   Operation = "create"
	OpRead     Operation = "read"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpAuditLog Operation = "audit"
)

func has(roles []Role, role Role) bool {
	return role != "" && slices.Contains(roles, role)
}

func CanAccessTool(role Role, p ToolPermissions) bool   { return has(p.CanAccessTool, role) }
func CanCreate(role Role, p ToolPermissions) bool       { return has(p.CanCreate, role) }
func CanRead(role Role, p ToolPermissions) bool         { return has(p.CanRead, role) }
func CanUpdate(role Role, p ToolPermissions) bool       { return has(p.CanUpdate, role) }
func CanDelete(role Role, p ToolPermissions) bool       { return has(p.CanDelete, role) }
func CanViewAuditLog(role Role, p ToolPermissions) bool { return has(p.CanViewAuditLog, role) }

// CanRunAction checks a role against an action's allowlist. An empty list denies everyone.
func CanRunAction(role Role, allowed []Role) bool { return has(allowed, role) }

// Allowed dispatches on op. Unknown operations are denied.
func Allowed(role Role, p ToolPermissions, op Operation) bool {
	switch op {
	case OpAccess:
		return CanAccessTool(role, p)
	case OpCreate:
		return CanCreate(role, p)
	case OpRead:
		return CanRead(role, p)
	case OpUpdate:
		return CanUpdate(role, p)
	case OpDelete:
		return CanDelete(role, p)
	case OpAuditLog:
		return CanViewAuditLog(role, p)
	default:
		return false
	}
}
