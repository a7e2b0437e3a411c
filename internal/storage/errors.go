// Package storage defines the persistence interfaces of the relay and the
// sentinel errors every backend maps its driver errors to.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist, or no longer
	// exists in the state the operation requires.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a record with the same key already exists.
	// Quote, replay and revenue inserts rely on it for exactly-once semantics.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned for malformed input and for transitions the
	// stored state does not allow.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLocked is returned when a lock is held by another process.
	ErrLocked = errors.New("locked")
)
