// Package storage defines the persistence error contract shared by the pgx
// repositories and the in-memory store, plus the in-memory implementation
// itself. Both implementations must return the same sentinels so callers can
// branch with errors.Is regardless of the backing store.
package storage

import "errors"

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicatePending is returned when creating a share request while a
	// pending one already exists for the same (image, requester) pair.
	ErrDuplicatePending = errors.New("pending share request already exists")

	// ErrInvalidTransition is returned when a guarded status transition finds
	// the entity no longer in the expected source state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
