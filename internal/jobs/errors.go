package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means a conditional update lost an optimistic race. Callers
	// treat it as an expected outcome, not a failure.
	ErrConflict = errors.New("job state conflict")

	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicate is returned by Insert when the id already exists.
	ErrDuplicate = errors.New("job already exists")
)

// TransientError wraps a store failure caused by connectivity or timeouts.
// The worker skips the current iteration and retries at the next poll.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
