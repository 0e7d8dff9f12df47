// Package worker claims and executes jobs from a jobs.Store.
//
// Handlers are registered per queue before calling Pool.Start. Each queue gets
// a dedicated polling goroutine; a shared sweeper goroutine returns jobs whose
// lease expired to pending.
package worker

import (
	"context"
	"encoding/json"
	"errors"
)

// Handler is the function executed for each claimed job.
// A nil return marks the job completed. A non-nil return triggers a retry
// with exponential backoff until the retry budget is spent, then dead status.
// Wrap the error with Permanent to mark the job dead immediately.
type Handler func(ctx context.Context, payload json.RawMessage) error

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job goes straight to dead. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
