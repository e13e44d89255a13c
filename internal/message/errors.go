package message

import "errors"

var (
	// ErrDuplicate is returned by Append when the idempotency key has
	// already been stored. Callers treat it as a silent no-op.
	ErrDuplicate = errors.New("message: duplicate idempotency key")

	// ErrNotFound is returned when a thread or message does not exist.
	ErrNotFound = errors.New("message: not found")
)
