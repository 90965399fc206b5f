package record

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
)

// Kind is the type of a validated field value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindStrings
	KindJSON
)

// Value is a field value after validation. Exactly one payload member is
// meaningful, selected by Kind.
type Value struct {
	Kind    Kind
	String  string
	Number  float64
	Bool    bool
	Strings []string
	JSON    any
}

// Interface returns the value in its JSON-encodable form.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.String
	case KindNumber:
		return v.Number
	case KindBool:
		return v.Bool
	case KindStrings:
		return v.Strings
	case KindJSON:
		return v.JSON
	default:
		return nil
	}
}

// Payload is a validated write: declared field key -> typed value.
type Payload map[string]Value

// Map renders the payload for storage.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// Mode selects create or update rules.
type Mode int

const (
	// ModeCreate applies defaults and enforces required fields.
	ModeCreate Mode = iota
	// ModeUpdate validates only the supplied keys; required fields cannot be cleared.
	ModeUpdate
)

const (
	dateLayout = "2006-01-02"
	maxInputs  = 1000
)

var datetimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"}

// Validator turns untrusted input into a Payload using a tool's field definitions.
type Validator struct {
	def      *schema.Definition
	editable map[string]bool
	patterns map[string]*regexp.Regexp
}

// NewValidator builds a validator for def. Keys outside editable are dropped
// from input without error.
func NewValidator(def *schema.Definition, editable []string) *Validator {
	v := &Validator{
		def:      def,
		editable: make(map[string]bool, len(editable)),
		patterns: map[string]*regexp.Regexp{},
	}
	for _, k := range editable {
		v.editable[k] = true
	}
	for _, f := range def.Fields {
		if f.Validation != nil && f.Validation.Pattern != "" {
			if re, err := regexp.Compile(f.Validation.Pattern); err == nil {
				v.patterns[f.Key] = re
			}
		}
	}
	return v
}

// Validate checks input and returns the typed payload. Keys starting with "_"
// and system fields are ignored; undeclared keys are rejected.
func (v *Validator) Validate(input map[string]any, mode Mode) (Payload, error) {
	errs := apperror.FieldErrors{}
	if len(input) > maxInputs {
		errs.Add("record", "too many fields")
		return nil, errs.Err("record validation failed")
	}

	out := Payload{}
	for key, raw := range input {
		if strings.HasPrefix(key, "_") || schema.IsSystemField(key) {
			continue
		}
		f, ok := v.def.Field(key)
		if !ok {
			errs.Add(key, "unknown field")
			continue
		}
		if !v.editable[key] {
			continue
		}
		if raw == nil {
			if mode == ModeUpdate && f.Required {
				errs.Add(key, "is required")
				continue
			}
			out[key] = Value{Kind: KindNull}
			continue
		}
		val, err := v.coerce(f, raw)
		if err != nil {
			errs.Add(key, "%s", err.Error())
			continue
		}
		if mode == ModeUpdate && f.Required && isBlank(val) {
			errs.Add(key, "is required")
			continue
		}
		out[key] = val
	}

	if mode == ModeCreate {
		v.applyDefaults(out, errs)
	}
	if err := errs.Err("record validation failed"); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Validator) applyDefaults(out Payload, errs apperror.FieldErrors) {
	for i := range v.def.Fields {
		f := &v.def.Fields[i]
		if f.Type == schema.FieldComputed {
			continue
		}
		if _, set := out[f.Key]; !set && f.Default != nil {
			val, err := v.coerce(f, f.Default)
			if err != nil {
				errs.Add(f.Key, "invalid default: %s", err.Error())
				continue
			}
			out[f.Key] = val
		}
		if val, set := out[f.Key]; f.Required && (!set || isBlank(val)) {
			errs.Add(f.Key, "is required")
		}
	}
}

func isBlank(v Value) bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.String) == ""
	case KindStrings:
		return len(v.Strings) == 0
	}
	return false
}

func (v *Validator) coerce(f *schema.FieldDefinition, raw any) (Value, error) {
	switch f.Type {
	case schema.FieldText, schema.FieldTextarea:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("must be a string")
		}
		return Value{Kind: KindString, String: s}, v.checkText(f, s)

	case schema.FieldNumber:
		n, ok := toNumber(raw)
		if !ok {
			return Value{}, fmt.Errorf("must be a number")
		}
		return Value{Kind: KindNumber, Number: n}, checkRange(f, n)

	case schema.FieldBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("must be true or false")
		}
		return Value{Kind: KindBool, Bool: b}, nil

	case schema.FieldSelect:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("must be a string")
		}
		if len(f.Options) > 0 && s != "" && !f.HasOption(s) {
			return Value{}, fmt.Errorf("%q is not one of the allowed options", s)
		}
		return Value{Kind: KindString, String: s}, nil

	case schema.FieldMultiselect:
		items, ok := toStrings(raw)
		if !ok {
			return Value{}, fmt.Errorf("must be a list of strings")
		}
		for _, s := range items {
			if len(f.Options) > 0 && !f.HasOption(s) {
				return Value{}, fmt.Errorf("%q is not one of the allowed options", s)
			}
		}
		return Value{Kind: KindStrings, Strings: items}, nil

	case schema.FieldDate:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("must be a date string (YYYY-MM-DD)")
		}
		d, err := parseDate(s)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, String: d}, nil

	case schema.FieldDatetime:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("must be an RFC 3339 timestamp")
		}
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Value{Kind: KindString, String: t.UTC().Format(time.RFC3339)}, nil
			}
		}
		return Value{}, fmt.Errorf("must be an RFC 3339 timestamp")

	case schema.FieldRelation:
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return Value{}, fmt.Errorf("must be a record id")
		}
		return Value{Kind: KindString, String: s}, nil

	case schema.FieldJSON:
		return Value{Kind: KindJSON, JSON: raw}, nil

	default:
		return Value{}, fmt.Errorf("field type %s cannot be written", f.Type)
	}
}

func (v *Validator) checkText(f *schema.FieldDefinition, s string) error {
	rules := f.Validation
	if rules == nil {
		return nil
	}
	n := utf8.RuneCountInString(s)
	if rules.MinLength != nil && n < *rules.MinLength {
		return fmt.Errorf("must be at least %d characters", *rules.MinLength)
	}
	if rules.MaxLength != nil && n > *rules.MaxLength {
		return fmt.Errorf("must be at most %d characters", *rules.MaxLength)
	}
	if re := v.patterns[f.Key]; re != nil && s != "" && !re.MatchString(s) {
		if rules.PatternMessage != "" {
			return fmt.Errorf("%s", rules.PatternMessage)
		}
		return fmt.Errorf("does not match the required format")
	}
	return nil
}

func checkRange(f *schema.FieldDefinition, n float64) error {
	rules := f.Validation
	if rules == nil {
		return nil
	}
	if rules.Min != nil && n < *rules.Min {
		return fmt.Errorf("must be at least %v", *rules.Min)
	}
	if rules.Max != nil && n > *rules.Max {
		return fmt.Errorf("must be at most %v", *rules.Max)
	}
	return nil
}

func toNumber(raw any) (float64, bool) {
	var n float64
	switch x := raw.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case int32:
		n = float64(x)
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func toStrings(raw any) ([]string, bool) {
	switch x := raw.(type) {
	case []string:
		return append([]string{}, x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func parseDate(s string) (string, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.Format(dateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(dateLayout), nil
	}
	return "", fmt.Errorf("must be a date string (YYYY-MM-DD)")
}
