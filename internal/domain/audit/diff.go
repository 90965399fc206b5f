package audit

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Diff returns one Change per field whose JSON-serialised value differs between
// before and after. fields restricts and orders the comparison; when nil every
// key of either map is compared in sorted order. Keys starting with "_" are
// never compared.
func Diff(before, after map[string]any, fields []string) []Change {
	if fields == nil {
		fields = unionKeys(before, after)
	}

	changes := []Change{}
	for _, f := range fields {
		if strings.HasPrefix(f, "_") {
			continue
		}
		b, a := before[f], after[f]
		if sameJSON(b, a) {
			continue
		}
		changes = append(changes, Change{Field: f, Before: b, After: a})
	}
	return changes
}

func unionKeys(maps ...map[string]any) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
