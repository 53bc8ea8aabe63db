package shared

import "errors"

// Error kinds. Domain errors wrap one of these so callers and the HTTP layer
// can classify failures with errors.Is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed or missing input. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrBusinessRule marks a rejected state transition or exceeded limit. Not retried.
	ErrBusinessRule = errors.New("business rule violation")
	// ErrConflict marks lock contention or serialization failure; the whole
	// transaction may be retried.
	ErrConflict = errors.New("concurrency conflict")
)

// IsRetryable reports whether err is safe to retry as a whole transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
