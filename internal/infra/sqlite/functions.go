package sqlite

import (
	"database/sql/driver"
	"strings"

	"modernc.org/sqlite"
)

// LowerFunc is a Unicode-aware LOWER. The built-in LOWER folds ASCII only,
// so "ÉCOLE" would never match a search for "école".
const LowerFunc = "unicode_lower"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(LowerFunc, 1, unicodeLower)
}

func unicodeLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}
