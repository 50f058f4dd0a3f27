package task

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying with backoff: network
// timeouts, temporary server refusals. The original plan is preserved
// across retries.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError marks a failure that must not be retried: rejected
// credentials, malformed arguments. The unit is removed and the
// failure surfaces to the submitter.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// InvariantError marks broken engine bookkeeping, for example a merge
// against a marker that does not exist. It is fatal to the unit and
// logged for diagnosis; the scheduler structures stay consistent for
// every other unit.
type InvariantError struct {
	Err error
}

func (e *InvariantError) Error() string { return e.Err.Error() }

func (e *InvariantError) Unwrap() error { return e.Err }

// Invariantf formats an invariant violation.
func Invariantf(format string, args ...any) error {
	return &InvariantError{Err: fmt.Errorf(format, args...)}
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
