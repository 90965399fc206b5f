package permission

import (
	"fmt"
	"slices"
)

// FieldPolicy decides access for fields that declare no canView/canEdit list.
type FieldPolicy int

const (
	// AllowUnlisted grants access when a field has no list (the historical behavior).
	AllowUnlisted FieldPolicy = iota
	// DenyUnlisted refuses access when a field has no list.
	DenyUnlisted
)

// ParseFieldPolicy accepts "allow" or "deny".
func ParseFieldPolicy(s string) (FieldPolicy, error) {
	switch s {
	case "", "allow":
		return AllowUnlisted, nil
	case "deny":
		return DenyUnlisted, nil
	default:
		return AllowUnlisted, fmt.Errorf("unknown field policy %q", s)
	}
}

// FieldPermissions are the optional per-field role lists. A nil list means
// "not declared"; an empty non-nil list means nobody.
type FieldPermissions struct {
	CanView []Role `json:"canView"`
	CanEdit []Role `json:"canEdit"`
}

// FieldRule is the slice of a field definition that access decisions depend on.
type FieldRule struct {
	Key         string
	Readonly    bool
	Computed    bool
	Permissions *FieldPermissions
}

// FieldResolver answers field-level questions under a FieldPolicy.
type FieldResolver struct {
	Policy FieldPolicy
}

// NewFieldResolver returns a resolver with the given policy.
func NewFieldResolver(policy FieldPolicy) FieldResolver {
	return FieldResolver{Policy: policy}
}

func (r FieldResolver) listed(list []Role, role Role) bool {
	if list == nil {
		return r.Policy == AllowUnlisted
	}
	return slices.Contains(list, role)
}

// CanViewField reports whether role may see the field's value.
func (r FieldResolver) CanViewField(role Role, f FieldRule) bool {
	if f.Permissions == nil {
		return r.Policy == AllowUnlisted
	}
	return r.listed(f.Permissions.CanView, role)
}

// CanEditField reports whether role may write the field. Readonly and computed
// fields are never editable.
func (r FieldResolver) CanEditField(role Role, f FieldRule) bool {
	if f.Readonly || f.Computed {
		return false
	}
	if f.Permissions == nil {
		return r.Policy == AllowUnlisted
	}
	return r.listed(f.Permissions.CanEdit, role)
}

// ViewableFields returns the keys role may see, in declaration order.
func (r FieldResolver) ViewableFields(role Role, fields []FieldRule) []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if r.CanViewField(role, f) {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// EditableFields returns the keys role may write, in declaration order.
func (r FieldResolver) EditableFields(role Role, fields []FieldRule) []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if r.CanEditField(role, f) {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
