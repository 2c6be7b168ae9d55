package storage

import "errors"

// Storage errors shared by all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLockTimeout is returned when a write waited too long for a row lock
	// or was chosen as a deadlock victim. It is transient.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrSourceUnavailable is returned when a source store cannot be reached.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrCommitFailure is returned when a write failed for a reason other than
	// lock contention. The transaction was rolled back.
	ErrCommitFailure = errors.New("commit failure")

	// ErrStoreUnavailable is returned when the feature store or cursor store
	// cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
