package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidParent is returned when assistant.parent_id does not
	// reference a user message in the same session (invariant 2).
	ErrInvalidParent = errors.New("store: parent_id must reference a user message in the same session")
)
