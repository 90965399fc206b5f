package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
)

// Format is the encoding of a schema document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromContentType maps a request Content-Type or file extension to a Format.
// Anything unrecognized is treated as JSON.
func FormatFromContentType(ct string) Format {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "yaml") || strings.HasSuffix(ct, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// DecodeDefinition parses a schema document. YAML documents are normalized to
// JSON first so both formats share the same field names and strictness.
// Unknown properties are rejected.
func DecodeDefinition(data []byte, format Format) (*Definition, error) {
	raw, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var d Definition
	if err := dec.Decode(&d); err != nil {
		return nil, apperror.Validation("invalid schema document", map[string][]string{"document": {err.Error()}})
	}
	return &d, nil
}

// DecodeDefinitions parses a document holding either one schema or a list of schemas.
func DecodeDefinitions(data []byte, format Format) ([]*Definition, error) {
	raw, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		d, err := DecodeDefinition(raw, FormatJSON)
		if err != nil {
			return nil, err
		}
		return []*Definition{d}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, apperror.Validation("invalid schema document", map[string][]string{"document": {err.Error()}})
	}
	defs := make([]*Definition, 0, len(items))
	for i, item := range items {
		d, err := DecodeDefinition(item, FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	if format != FormatYAML {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperror.Validation("invalid YAML document", map[string][]string{"document": {err.Error()}})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// yaml.v3 only yields non-string keys for exotic documents.
		return nil, apperror.Validation("YAML document is not representable as JSON", map[string][]string{"document": {err.Error()}})
	}
	return raw, nil
}

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateDocument decodes and validates a document without storing it. When
// handlers is non-nil, action handler names are checked too.
func ValidateDocument(data []byte, format Format, handlers HandlerLookup) ValidationResult {
	d, err := DecodeDefinition(data, format)
	if err != nil {
		return ValidationResult{Valid: false, Errors: flattenErr(err)}
	}
	errs := Validate(d)
	if handlers != nil {
		ValidateHandlers(d, handlers, errs)
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs.Flatten()}
	}
	return ValidationResult{Valid: true, Errors: []string{}}
}

func flattenErr(err error) []string {
	var ae *apperror.Error
	if errors.As(err, &ae) && len(ae.Fields) > 0 {
		return apperror.FieldErrors(ae.Fields).Flatten()
	}
	return []string{err.Error()}
}
