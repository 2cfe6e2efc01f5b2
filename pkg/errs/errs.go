// Package errs defines the error kinds shared by every Phoenix component.
//
// Callers classify failures with errors.Is against the sentinel kinds, which
// survive any amount of fmt.Errorf("...: %w") wrapping on the way up. The API
// layer maps each kind to an HTTP status.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrIntegrity     = errors.New("integrity check failed")
	ErrUnavailable   = errors.New("unavailable")
	ErrRestoreFailed = errors.New("restore failed")
)

func kind(k error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), k)
}

// Validation returns an error of kind ErrValidation.
func Validation(format string, args ...any) error { return kind(ErrValidation, format, args...) }

// NotFound returns an error of kind ErrNotFound.
func NotFound(format string, args ...any) error { return kind(ErrNotFound, format, args...) }

// Conflict returns an error of kind ErrConflict.
func Conflict(format string, args ...any) error { return kind(ErrConflict, format, args...) }

// Integrity returns an error of kind ErrIntegrity.
func Integrity(format string, args ...any) error { return kind(ErrIntegrity, format, args...) }

// Unavailable returns an error of kind ErrUnavailable.
func Unavailable(format string, args ...any) error { return kind(ErrUnavailable, format, args...) }

// RestoreFailedError reports a restore that failed at or after promotion.
// RolledBack tells the operator whether the target is back in its
// pre-restore state or needs manual intervention.
type RestoreFailedError struct {
	BackupID   string
	RolledBack bool
	Cause      error
}

func (e *RestoreFailedError) Error() string {
	state := "rolled back"
	if !e.RolledBack {
		state = "rollback failed, manual intervention required"
	}
	return fmt.Sprintf("restore of backup %s failed (%s): %v", e.BackupID, state, e.Cause)
}

// Unwrap exposes both the ErrRestoreFailed kind and the underlying cause.
func (e *RestoreFailedError) Unwrap() []error {
	return []error{ErrRestoreFailed, e.Cause}
}

// TransientError marks a failure worth retrying, such as a dropped
// connection or a throttled request.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry on a
// single attempt counts as transient; explicit cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
