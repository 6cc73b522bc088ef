package store

import "errors"

var (
	// ErrConflict reports that the provider's slot is already held by an
	// active appointment, or that a conditional update lost its race.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrIdempotencyConflict reports an id reused for a different booking.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)
