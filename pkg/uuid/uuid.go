// Package uuid generates the identifiers used for users, schemas, records and audit entries.
// UUID v7 is time-ordered, so ids sort by creation time in indexes.
package uuid

import (
	guuid "github.com/google/uuid"
)

// New returns a new UUID v7 in canonical string form.
// google/uuid only fails here when the system random source fails.
func New() string {
	return guuid.Must(guuid.NewV7()).String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := guuid.Parse(s)
	return err == nil
}
