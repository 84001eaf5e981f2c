// Package uuidv7 mints time-ordered identifiers used as transaction and
// participant uids.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Valid reports whether s parses as a UUID of any version. Records written
// by older coordinators may carry non-v7 uids, so the version is not checked.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
