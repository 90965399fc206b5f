package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

func allKeys(def *schema.Definition) []string {
	return def.FieldKeys()
}

func TestValidator_CreateAppliesDefaults(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	v := record.NewValidator(def, allKeys(def))

	p, err := v.Validate(map[string]any{"title": "Printer on fire"}, record.ModeCreate)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":    "Printer on fire",
		"status":   "new",
		"priority": "medium",
	}, p.Map())
	assert.Equal(t, record.KindString, p["status"].Kind)
}

func TestValidator_RequiredOnCreate(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	v := record.NewValidator(def, allKeys(def))

	_, err := v.Validate(map[string]any{"title": "  "}, record.ModeCreate)
	var ae *apperror.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperror.KindValidation, ae.Kind)
	assert.Contains(t, ae.Fields, "title")
}

func TestValidator_RequiredCannotBeClearedOnUpdate(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	v := record.NewValidator(def, allKeys(def))

	_, err := v.Validate(map[string]any{"title": nil}, record.ModeUpdate)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	p, err := v.Validate(map[string]any{"assignee": nil}, record.ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, record.KindNull, p["assignee"].Kind)
}

func TestValidator_TypeChecks(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	v := record.NewValidator(def, allKeys(def))

	tests := []struct {
		name  string
		input map[string]any
		field string
	}{
		{"number as string", map[string]any{"estimate": "3"}, "estimate"},
		{"below min", map[string]any{"estimate": -1.0}, "estimate"},
		{"select option", map[string]any{"priority": "urgent"}, "priority"},
		{"multiselect option", map[string]any{"tags": []any{"bug", "nope"}}, "tags"},
		{"multiselect shape", map[string]any{"tags": "bug"}, "tags"},
		{"too long", map[string]any{"title": string(make([]byte, 121))}, "title"},
		{"bad date", map[string]any{"dueOn": "31/12/2026"}, "dueOn"},
		{"unknown field", map[string]any{"colour": "red"}, "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.input, record.ModeUpdate)
			var ae *apperror.Error
			require.ErrorAs(t, err, &ae)
			assert.Contains(t, ae.Fields, tt.field)
		})
	}
}

func TestValidator_Normalizes(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	def.Fields = append(def.Fields, schema.FieldDefinition{Key: "closedAt", Label: "Closed", Type: schema.FieldDatetime})
	v := record.NewValidator(def, allKeys(def))

	p, err := v.Validate(map[string]any{
		"dueOn":    "2026-05-01T10:00:00Z",
		"closedAt": "2026-05-01T12:00:00+02:00",
		"estimate": 3,
		"tags":     []string{"bug"},
	}, record.ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-01", p["dueOn"].String)
	assert.Equal(t, "2026-05-01T10:00:00Z", p["closedAt"].String)
	assert.Equal(t, 3.0, p["estimate"].Number)
	assert.Equal(t, []string{"bug"}, p["tags"].Strings)
}

func TestValidator_DropsNonEditableAndIgnoresSystemKeys(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	v := record.NewValidator(def, []string{"title"})

	p, err := v.Validate(map[string]any{
		"title":        "x",
		"internalCost": 10.0,
		"score":        99.0,
		"_id":          "forged",
		"createdBy":    "someone",
	}, record.ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "x"}, p.Map())
}

func TestValidator_PatternMessage(t *testing.T) {
	t.Parallel()

	def := ticketsDefinition()
	def.Fields = append(def.Fields, schema.FieldDefinition{
		Key: "code", Label: "Code", Type: schema.FieldText,
		Validation: &schema.FieldValidation{Pattern: `^[A-Z]{3}-\d+$`, PatternMessage: "must look like ABC-123"},
	})
	v := record.NewValidator(def, allKeys(def))

	_, err := v.Validate(map[string]any{"code": "abc"}, record.ModeUpdate)
	var ae *apperror.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, []string{"must look like ABC-123"}, ae.Fields["code"])

	_, err = v.Validate(map[string]any{"code": "ABC-42"}, record.ModeUpdate)
	assert.NoError(t, err)
}
