// Package schema owns tool schema documents: their types, structural
// validation, persistence and publish lifecycle.
package schema

import (
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// FieldType is the closed set of field kinds.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
	FieldRelation    FieldType = "relation"
	FieldJSON        FieldType = "json"
	FieldComputed    FieldType = "computed"
)

var fieldTypes = map[FieldType]bool{
	FieldText: true, FieldTextarea: true, FieldNumber: true, FieldBoolean: true,
	FieldSelect: true, FieldMultiselect: true, FieldDate: true, FieldDatetime: true,
	FieldRelation: true, FieldJSON: true, FieldComputed: true,
}

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool { return fieldTypes[t] }

// System fields are maintained by the record store and present on every record.
const (
	SystemCreatedBy = "createdBy"
	SystemUpdatedBy = "updatedBy"
	SystemCreatedAt = "createdAt"
	SystemUpdatedAt = "updatedAt"
)

// SystemFields lists the store-maintained keys in output order.
var SystemFields = []string{SystemCreatedBy, SystemUpdatedBy, SystemCreatedAt, SystemUpdatedAt}

// IsSystemField reports whether key is store-maintained.
func IsSystemField(key string) bool {
	switch key {
	case SystemCreatedBy, SystemUpdatedBy, SystemCreatedAt, SystemUpdatedAt:
		return true
	}
	return false
}

type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FieldValidation holds optional per-field constraints. Pointers distinguish
// "unset" from zero.
type FieldValidation struct {
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	MinLength      *int     `json:"minLength,omitempty"`
	MaxLength      *int     `json:"maxLength,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	PatternMessage string   `json:"patternMessage,omitempty"`
	Custom         string   `json:"custom,omitempty"`
}

// FieldDefinition describes one record attribute. Key is the storage property name.
type FieldDefinition struct {
	Key                string                       `json:"key"`
	Label              string                       `json:"label"`
	Type               FieldType                    `json:"type"`
	Required           bool                         `json:"required,omitempty"`
	Default            any                          `json:"default,omitempty"`
	Validation         *FieldValidation             `json:"validation,omitempty"`
	Visibility         string                       `json:"visibility,omitempty"`
	Permissions        *permission.FieldPermissions `json:"permissions,omitempty"`
	Options            []FieldOption                `json:"options,omitempty"`
	RelationTo         string                       `json:"relationTo,omitempty"`
	RelationLabelField string                       `json:"relationLabelField,omitempty"`
	ComputedExpression string                       `json:"computedExpression,omitempty"`
	HelpText           string                       `json:"helpText,omitempty"`
	Placeholder        string                       `json:"placeholder,omitempty"`
	Readonly           bool                         `json:"readonly,omitempty"`
}

// Rule projects the definition onto what permission checks need.
func (f FieldDefinition) Rule() permission.FieldRule {
	return permission.FieldRule{
		Key:         f.Key,
		Readonly:    f.Readonly,
		Computed:    f.Type == FieldComputed,
		Permissions: f.Permissions,
	}
}

// HasOption reports whether v is one of the declared option values.
func (f FieldDefinition) HasOption(v string) bool {
	for _, o := range f.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

type ListColumn struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Sortable bool   `json:"sortable,omitempty"`
	Width    string `json:"width,omitempty"`
	Format   string `json:"format,omitempty"`
}

type ListFilter struct {
	Key      string        `json:"key"`
	Label    string        `json:"label"`
	Type     string        `json:"type"`
	Options  []FieldOption `json:"options,omitempty"`
	Operator string        `json:"operator,omitempty"`
}

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

type SortSpec struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type ListView struct {
	Columns          []ListColumn `json:"columns"`
	DefaultSort      *SortSpec    `json:"defaultSort,omitempty"`
	Filters          []ListFilter `json:"filters,omitempty"`
	PageSize         int          `json:"pageSize,omitempty"`
	SearchableFields []string     `json:"searchableFields,omitempty"`
}

type FormSection struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Fields      []string `json:"fields"`
	Visibility  string   `json:"visibility,omitempty"`
}

type FormView struct {
	Sections   []FormSection `json:"sections"`
	FieldOrder []string      `json:"fieldOrder,omitempty"`
}

// ActionType is the scope of an action.
type ActionType string

const (
	ActionRow  ActionType = "row"
	ActionBulk ActionType = "bulk"
)

// ToolAction is a named operation beyond CRUD. Handler names an entry in the
// action registry; Params are defaults merged under the request's params.
type ToolAction struct {
	ID             string            `json:"id"`
	Label          string            `json:"label"`
	Type           ActionType        `json:"type"`
	Icon           string            `json:"icon,omitempty"`
	ConfirmMessage string            `json:"confirmMessage,omitempty"`
	Handler        string            `json:"handler"`
	Params         map[string]any    `json:"params,omitempty"`
	Permissions    []permission.Role `json:"permissions"`
	Visibility     string            `json:"visibility,omitempty"`
}

// AuditConfig controls audit entries for a tool. An empty Fields list audits every field.
type AuditConfig struct {
	Enabled bool     `json:"enabled"`
	Fields  []string `json:"fields,omitempty"`
}

// Definition is the author-controlled part of a schema document.
type Definition struct {
	ToolID      string                     `json:"toolId"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Icon        string                     `json:"icon,omitempty"`
	Resource    string                     `json:"resource"`
	Fields      []FieldDefinition          `json:"fields"`
	ListView    ListView                   `json:"listView"`
	FormView    FormView                   `json:"formView"`
	Actions     []ToolAction               `json:"actions,omitempty"`
	Permissions permission.ToolPermissions `json:"permissions"`
	Audit       AuditConfig                `json:"audit"`
}

// ToolSchema is a stored schema document with its lifecycle attributes.
type ToolSchema struct {
	ID string `json:"id"`
	Definition
	Version     int        `json:"version"`
	IsPublished bool       `json:"isPublished"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	UpdatedBy   string     `json:"updatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Field returns the definition for key.
func (d *Definition) Field(key string) (*FieldDefinition, bool) {
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// Action returns the action with id.
func (d *Definition) Action(id string) (*ToolAction, bool) {
	for i := range d.Actions {
		if d.Actions[i].ID == id {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

// FieldRules returns the permission view of every field, in declaration order.
func (d *Definition) FieldRules() []permission.FieldRule {
	rules := make([]permission.FieldRule, len(d.Fields))
	for i, f := range d.Fields {
		rules[i] = f.Rule()
	}
	return rules
}

// FieldKeys returns every declared key, in declaration order.
func (d *Definition) FieldKeys() []string {
	keys := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		keys[i] = f.Key
	}
	return keys
}

// AuditedFields returns the audit allowlist, or every field key when unset.
func (d *Definition) AuditedFields() []string {
	if len(d.Audit.Fields) > 0 {
		return d.Audit.Fields
	}
	return d.FieldKeys()
}

// Topic is the event bus topic for change notifications on this tool.
func Topic(toolID string) string {
	return "tool:" + toolID
}
