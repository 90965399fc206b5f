package record

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
)

const maxInValues = 100

// systemColumns maps the keys stored as real columns to their column names.
var systemColumns = map[string]string{
	KeyID:                  "id",
	schema.SystemCreatedBy: "created_by",
	schema.SystemUpdatedBy: "updated_by",
	schema.SystemCreatedAt: "created_at",
	schema.SystemUpdatedAt: "updated_at",
}

// predicate is a SQL fragment with its bound arguments. Fragments only ever
// contain fixed SQL and placeholders; field keys travel as JSON path arguments.
type predicate struct {
	sql  string
	args []any
}

// fieldExpr returns the SQL expression reading key and whether key is known.
func fieldExpr(def *schema.Definition, key string) (predicate, *schema.FieldDefinition, bool) {
	if col, ok := systemColumns[key]; ok {
		return predicate{sql: col}, nil, true
	}
	f, ok := def.Field(key)
	if !ok {
		return predicate{}, nil, false
	}
	return predicate{sql: "json_extract(data, ?)", args: []any{"$." + f.Key}}, f, true
}

// compileFilters ANDs every filter. Problems are reported per filter index.
func compileFilters(def *schema.Definition, filters []Filter) (predicate, error) {
	errs := apperror.FieldErrors{}
	var parts []string
	var args []any
	for i, flt := range filters {
		p, err := compileFilter(def, flt)
		if err != nil {
			errs.Add(fmt.Sprintf("filters[%d]", i), "%s", err.Error())
			continue
		}
		parts = append(parts, p.sql)
		args = append(args, p.args...)
	}
	if err := errs.Err("invalid filter"); err != nil {
		return predicate{}, err
	}
	return predicate{sql: strings.Join(parts, " AND "), args: args}, nil
}

func compileFilter(def *schema.Definition, flt Filter) (predicate, error) {
	expr, f, ok := fieldExpr(def, flt.Field)
	if !ok {
		return predicate{}, fmt.Errorf("unknown field %q", flt.Field)
	}
	multi := f != nil && f.Type == schema.FieldMultiselect

	switch flt.Operator {
	case OpEquals:
		if flt.Value == nil {
			return predicate{sql: expr.sql + " IS NULL", args: expr.args}, nil
		}
		v, err := scalar(f, flt.Value)
		if err != nil {
			return predicate{}, err
		}
		if multi {
			return predicate{
				sql:  "EXISTS (SELECT 1 FROM json_each(data, ?) WHERE json_each.value = ?)",
				args: []any{"$." + f.Key, v},
			}, nil
		}
		return predicate{sql: expr.sql + " = ?", args: append(expr.args, v)}, nil

	case OpContains:
		s, ok := flt.Value.(string)
		if !ok {
			return predicate{}, fmt.Errorf("contains needs a string value")
		}
		return likePredicate(expr, s), nil

	case OpIn:
		values, ok := flt.Value.([]any)
		if !ok || len(values) == 0 || len(values) > maxInValues {
			return predicate{}, fmt.Errorf("in needs a list of 1 to %d values", maxInValues)
		}
		args := append([]any{}, expr.args...)
		for _, raw := range values {
			v, err := scalar(f, raw)
			if err != nil {
				return predicate{}, err
			}
			args = append(args, v)
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		if multi {
			return predicate{
				sql:  "EXISTS (SELECT 1 FROM json_each(data, ?) WHERE json_each.value IN (" + marks + "))",
				args: args,
			}, nil
		}
		return predicate{sql: expr.sql + " IN (" + marks + ")", args: args}, nil

	case OpGte, OpLte:
		v, err := scalar(f, flt.Value)
		if err != nil {
			return predicate{}, err
		}
		op := " >= ?"
		if flt.Operator == OpLte {
			op = " <= ?"
		}
		return predicate{sql: expr.sql + op, args: append(expr.args, v)}, nil

	case OpBetween:
		bounds, ok := flt.Value.([]any)
		if !ok || len(bounds) != 2 {
			return predicate{}, fmt.Errorf("between needs a [low, high] pair")
		}
		lo, err := scalar(f, bounds[0])
		if err != nil {
			return predicate{}, err
		}
		hi, err := scalar(f, bounds[1])
		if err != nil {
			return predicate{}, err
		}
		return predicate{sql: expr.sql + " BETWEEN ? AND ?", args: append(expr.args, lo, hi)}, nil

	default:
		return predicate{}, fmt.Errorf("unknown operator %q", flt.Operator)
	}
}

// compileSearch ORs a case-insensitive substring match over keys.
func compileSearch(def *schema.Definition, term string, keys []string) predicate {
	var parts []string
	var args []any
	for _, k := range keys {
		expr, _, ok := fieldExpr(def, k)
		if !ok {
			continue
		}
		p := likePredicate(expr, term)
		parts = append(parts, p.sql)
		args = append(args, p.args...)
	}
	if len(parts) == 0 {
		return predicate{}
	}
	return predicate{sql: "(" + strings.Join(parts, " OR ") + ")", args: args}
}

func likePredicate(expr predicate, term string) predicate {
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	return predicate{
		sql:  sqlite.LowerFunc + "(CAST(" + expr.sql + " AS TEXT)) LIKE ? ESCAPE '\\'",
		args: append(append([]any{}, expr.args...), pattern),
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// compileSort returns the ORDER BY clause for spec. Ties are broken by id.
func compileSort(def *schema.Definition, spec *schema.SortSpec) (predicate, error) {
	if spec == nil || spec.Field == "" {
		return predicate{sql: "created_at DESC, id DESC"}, nil
	}
	dir := "ASC"
	switch strings.ToLower(spec.Direction) {
	case "", schema.SortAsc:
	case schema.SortDesc:
		dir = "DESC"
	default:
		return predicate{}, apperror.Validation("invalid sort", map[string][]string{
			"sortDir": {"must be asc or desc"},
		})
	}
	expr, _, ok := fieldExpr(def, spec.Field)
	if !ok {
		return predicate{}, apperror.Validation("invalid sort", map[string][]string{
			"sort": {fmt.Sprintf("unknown field %q", spec.Field)},
		})
	}
	return predicate{sql: expr.sql + " " + dir + ", id " + dir, args: expr.args}, nil
}

// scalar converts a filter value to what json_extract yields for the field type.
// Query-string values arrive as text and are parsed for number and boolean fields.
func scalar(f *schema.FieldDefinition, raw any) (any, error) {
	var t schema.FieldType
	if f != nil {
		t = f.Type
	}
	switch v := raw.(type) {
	case string:
		switch t {
		case schema.FieldNumber:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return n, nil
		case schema.FieldBoolean:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", v)
			}
			return boolInt(b), nil
		}
		return v, nil
	case bool:
		return boolInt(v), nil
	case float64, int, int64:
		return v, nil
	default:
		return nil, fmt.Errorf("value must be a string, number or boolean")
	}
}

// boolInt matches json_extract, which returns JSON booleans as 1 or 0.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
