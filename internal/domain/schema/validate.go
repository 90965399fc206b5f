package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

var (
	toolIDPattern   = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	resourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	fieldKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

const (
	maxResourceLen = 48
	maxPageSize    = 100
)

// ValidResource reports whether name is usable as a backing collection name.
func ValidResource(name string) bool {
	return len(name) <= maxResourceLen && resourcePattern.MatchString(name)
}

// HandlerLookup reports whether an action handler name is registered.
type HandlerLookup interface {
	Has(name string) bool
	// Names lists the registered handlers in sorted order.
	Names() []string
}

var filterOperators = map[string]bool{
	"equals": true, "contains": true, "in": true, "gte": true, "lte": true, "between": true,
}

// ValidOperator reports whether op is a supported filter operator.
func ValidOperator(op string) bool { return filterOperators[op] }

// Validate checks the structural rules of a schema document and returns every
// problem found, keyed by a dotted path such as "fields[2].key".
func Validate(d *Definition) apperror.FieldErrors {
	errs := apperror.FieldErrors{}

	if !toolIDPattern.MatchString(d.ToolID) {
		errs.Add("toolId", "must start with a lowercase letter and contain only lowercase letters, digits and hyphens")
	}
	if strings.TrimSpace(d.Name) == "" {
		errs.Add("name", "is required")
	}
	if !ValidResource(d.Resource) {
		errs.Add("resource", "must start with a lowercase letter, contain only lowercase letters, digits and underscores, and be at most %d characters", maxResourceLen)
	}

	keys := validateFields(d.Fields, errs)
	known := func(k string) bool { return keys[k] != "" || IsSystemField(k) }

	validateListView(&d.ListView, keys, known, errs)
	validateFormView(&d.FormView, keys, errs)
	validateActions(d.Actions, errs)
	validatePermissions(d, errs)

	for i, k := range d.Audit.Fields {
		if keys[k] == "" {
			errs.Add(fmt.Sprintf("audit.fields[%d]", i), "unknown field %q", k)
		}
	}

	return errs
}

// ValidateHandlers rejects actions whose handler is not registered. It is run
// when a schema is published so unknown handlers never reach execution.
func ValidateHandlers(d *Definition, handlers HandlerLookup, errs apperror.FieldErrors) {
	for i, a := range d.Actions {
		if a.Handler == "" || (handlers != nil && handlers.Has(a.Handler)) {
			continue
		}
		path := fmt.Sprintf("actions[%d].handler", i)
		var known []string
		if handlers != nil {
			known = handlers.Names()
		}
		if len(known) == 0 {
			errs.Add(path, "unknown action handler %q", a.Handler)
			continue
		}
		errs.Add(path, "unknown action handler %q (registered: %s)", a.Handler, strings.Join(known, ", "))
	}
}

// validateFields returns key -> type for well-formed fields.
func validateFields(fields []FieldDefinition, errs apperror.FieldErrors) map[string]FieldType {
	keys := make(map[string]FieldType, len(fields))
	if len(fields) == 0 {
		errs.Add("fields", "at least one field is required")
	}

	for i, f := range fields {
		path := fmt.Sprintf("fields[%d]", i)
		switch {
		case !fieldKeyPattern.MatchString(f.Key):
			errs.Add(path+".key", "must start with a letter and contain only letters, digits and underscores")
		case IsSystemField(f.Key):
			errs.Add(path+".key", "%q is a reserved system field", f.Key)
		case keys[f.Key] != "":
			errs.Add(path+".key", "duplicate field key %q", f.Key)
		default:
			keys[f.Key] = f.Type
		}

		if strings.TrimSpace(f.Label) == "" {
			errs.Add(path+".label", "is required")
		}
		if !f.Type.Valid() {
			errs.Add(path+".type", "unknown field type %q", f.Type)
		}
		if f.Type == FieldRelation && f.RelationTo == "" {
			errs.Add(path+".relationTo", "is required for relation fields")
		}
		if f.Type == FieldComputed && f.Required {
			errs.Add(path+".required", "computed fields cannot be required")
		}

		validateOptions(path, f.Options, errs)
		validateConstraints(path, f.Validation, errs)
		validateRoles(path+".permissions.canView", fieldRoles(f, true), errs)
		validateRoles(path+".permissions.canEdit", fieldRoles(f, false), errs)
	}
	return keys
}

func fieldRoles(f FieldDefinition, view bool) []permission.Role {
	if f.Permissions == nil {
		return nil
	}
	if view {
		return f.Permissions.CanView
	}
	return f.Permissions.CanEdit
}

func validateRoles(path string, roles []permission.Role, errs apperror.FieldErrors) {
	for i, r := range roles {
		if !r.Valid() {
			errs.Add(fmt.Sprintf("%s[%d]", path, i), "unknown role %q", r)
		}
	}
}

func validateOptions(path string, options []FieldOption, errs apperror.FieldErrors) {
	seen := make(map[string]bool, len(options))
	for j, o := range options {
		if o.Value == "" {
			errs.Add(fmt.Sprintf("%s.options[%d].value", path, j), "is required")
			continue
		}
		if seen[o.Value] {
			errs.Add(fmt.Sprintf("%s.options[%d].value", path, j), "duplicate option %q", o.Value)
		}
		seen[o.Value] = true
	}
}

func validateConstraints(path string, v *FieldValidation, errs apperror.FieldErrors) {
	if v == nil {
		return
	}
	if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
		errs.Add(path+".validation", "min must not exceed max")
	}
	if v.MinLength != nil && *v.MinLength < 0 {
		errs.Add(path+".validation.minLength", "must be non-negative")
	}
	if v.MinLength != nil && v.MaxLength != nil && *v.MinLength > *v.MaxLength {
		errs.Add(path+".validation", "minLength must not exceed maxLength")
	}
	if v.Pattern != "" {
		if _, err := regexp.Compile(v.Pattern); err != nil {
			errs.Add(path+".validation.pattern", "invalid pattern: %v", err)
		}
	}
}

func validateListView(lv *ListView, keys map[string]FieldType, known func(string) bool, errs apperror.FieldErrors) {
	if len(lv.Columns) == 0 {
		errs.Add("listView.columns", "at least one column is required")
	}
	for i, c := range lv.Columns {
		if !known(c.Key) {
			errs.Add(fmt.Sprintf("listView.columns[%d].key", i), "unknown field %q", c.Key)
		}
	}
	if s := lv.DefaultSort; s != nil {
		if !known(s.Field) {
			errs.Add("listView.defaultSort.field", "unknown field %q", s.Field)
		}
		if s.Direction != SortAsc && s.Direction != SortDesc {
			errs.Add("listView.defaultSort.direction", "must be asc or desc")
		}
	}
	if lv.PageSize < 0 || lv.PageSize > maxPageSize {
		errs.Add("listView.pageSize", "must be between 1 and %d", maxPageSize)
	}
	for i, k := range lv.SearchableFields {
		t, ok := keys[k]
		switch {
		case !ok:
			errs.Add(fmt.Sprintf("listView.searchableFields[%d]", i), "unknown field %q", k)
		case t != FieldText && t != FieldTextarea && t != FieldSelect && t != FieldRelation:
			errs.Add(fmt.Sprintf("listView.searchableFields[%d]", i), "field %q of type %s is not searchable", k, t)
		}
	}
	for i, f := range lv.Filters {
		if !known(f.Key) {
			errs.Add(fmt.Sprintf("listView.filters[%d].key", i), "unknown field %q", f.Key)
		}
		if f.Operator != "" && !ValidOperator(f.Operator) {
			errs.Add(fmt.Sprintf("listView.filters[%d].operator", i), "unknown operator %q", f.Operator)
		}
	}
}

func validateFormView(fv *FormView, keys map[string]FieldType, errs apperror.FieldErrors) {
	if len(fv.Sections) == 0 {
		errs.Add("formView.sections", "at least one section is required")
	}
	for i, s := range fv.Sections {
		if len(s.Fields) == 0 {
			errs.Add(fmt.Sprintf("formView.sections[%d].fields", i), "at least one field is required")
		}
		for j, k := range s.Fields {
			if keys[k] == "" {
				errs.Add(fmt.Sprintf("formView.sections[%d].fields[%d]", i, j), "unknown field %q", k)
			}
		}
	}
	for i, k := range fv.FieldOrder {
		if keys[k] == "" {
			errs.Add(fmt.Sprintf("formView.fieldOrder[%d]", i), "unknown field %q", k)
		}
	}
}

func validateActions(actions []ToolAction, errs apperror.FieldErrors) {
	seen := make(map[string]bool, len(actions))
	for i, a := range actions {
		path := fmt.Sprintf("actions[%d]", i)
		if a.ID == "" {
			errs.Add(path+".id", "is required")
		} else if seen[a.ID] {
			errs.Add(path+".id", "duplicate action id %q", a.ID)
		}
		seen[a.ID] = true

		if strings.TrimSpace(a.Label) == "" {
			errs.Add(path+".label", "is required")
		}
		if a.Type != ActionRow && a.Type != ActionBulk {
			errs.Add(path+".type", "must be row or bulk")
		}
		if a.Handler == "" {
			errs.Add(path+".handler", "is required")
		}
		validateRoles(path+".permissions", a.Permissions, errs)
	}
}

func validatePermissions(d *Definition, errs apperror.FieldErrors) {
	p := d.Permissions
	lists := []struct {
		name  string
		roles []permission.Role
	}{
		{"canAccessTool", p.CanAccessTool},
		{"canCreate", p.CanCreate},
		{"canRead", p.CanRead},
		{"canUpdate", p.CanUpdate},
		{"canDelete", p.CanDelete},
		{"canViewAuditLog", p.CanViewAuditLog},
	}
	for _, l := range lists {
		validateRoles("permissions."+l.name, l.roles, errs)
	}
}
