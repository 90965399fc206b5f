package sqlite

import "time"

// TimeLayout is the fixed-width UTC layout used for every timestamp column, so
// lexical ORDER BY on TEXT matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout string. RFC3339 is accepted as a fallback for
// values written by hand (seed scripts, sqlite3 shell).
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
