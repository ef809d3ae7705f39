// Package errors provides error handling for evalpulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Error marks, so a remote message can be kept verbatim while still
//     matching a class with errors.Is
//
// Usage:
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Classify
//	return errors.NewConflictError("evaluation already exists for %s", id)
//
//	// Check
//	if errors.IsConflictError(err) {
//	    // suggest --force
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Error classes used across evalpulse.
// Use these with errors.Is() for type-safe error checking.
var (
	// ErrInvalidRequest indicates missing or malformed input (ValidationError).
	// Raised before any network call is made.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the backend already holds an evaluation for the
	// target and re-evaluation was not forced (ConflictError).
	ErrConflict = New("resource conflict")

	// ErrTransientFetch marks a single failed status poll. Absorbed by the
	// poller unless the attempt budget runs out.
	ErrTransientFetch = New("transient fetch failure")

	// ErrTimeout indicates the poll attempt budget or wall-clock ceiling was exhausted.
	ErrTimeout = New("operation timed out")

	// ErrRemoteJobFailure indicates the backend reported the job as failed.
	ErrRemoteJobFailure = New("remote job failed")

	// ErrCancelled indicates the owner cancelled the operation.
	ErrCancelled = New("cancelled")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrUnauthorized indicates the backend rejected our credentials
	ErrUnauthorized = New("unauthorized")

	// ErrServiceUnavailable indicates the backend is not available
	ErrServiceUnavailable = New("service unavailable")
)

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsTransientFetchError checks if an error is or wraps ErrTransientFetch
func IsTransientFetchError(err error) bool {
	return err != nil && Is(err, ErrTransientFetch)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsRemoteJobFailure checks if an error is or wraps ErrRemoteJobFailure
func IsRemoteJobFailure(err error) bool {
	return err != nil && Is(err, ErrRemoteJobFailure)
}

// IsCancelled checks if an error is or wraps ErrCancelled
func IsCancelled(err error) bool {
	return err != nil && Is(err, ErrCancelled)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// NewInvalidRequestError creates a validation error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewTimeoutError creates a timeout error with a formatted message
func NewTimeoutError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrTimeout)
}

// NewRemoteJobFailure creates a remote failure carrying the backend's message
// verbatim as its Error() text.
func NewRemoteJobFailure(message string) error {
	if message == "" {
		message = "evaluation job failed"
	}
	return Mark(New(message), ErrRemoteJobFailure)
}

// MarkTransient marks err as a transient fetch failure, keeping its message.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransientFetch)
}
