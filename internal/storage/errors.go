package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists. Write-once records do not allow updates.
	ErrDuplicateKey = errors.New("duplicate key: write-once record does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable is returned when the backing store cannot be reached
	// or timed out. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)
