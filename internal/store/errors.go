package store

import "errors"

var (
	// ErrNotFound is returned when a requested key does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate inserts and on rotation races where
	// the predecessor was already retired by a concurrent writer.
	ErrConflict = errors.New("conflict")
)
