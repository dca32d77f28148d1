// Package id provides unique identifier generation for jobs.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// prefix marks identifiers minted by this package.
const prefix = "job-"

// Generate creates a new unique job ID.
// Format: job-<uuidv7>
// UUIDv7 is time-ordered, so IDs created later sort after earlier ones.
func Generate() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4.
		u = uuid.New()
	}
	return prefix + u.String()
}

// Valid reports whether s has the shape of an ID returned by Generate.
// Job IDs become directory and file names, so lookups reject anything else.
func Valid(s string) bool {
	raw, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil && len(raw) == 36
}
