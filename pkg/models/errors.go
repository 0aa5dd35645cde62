package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure surfaced by the daemon. Kinds are part
// of the wire protocol; clients branch on them, so values are stable.
type ErrorKind string

const (
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindCapacity         ErrorKind = "capacity"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindProviderError    ErrorKind = "provider_error"
	KindIO               ErrorKind = "io"
	KindInternal         ErrorKind = "internal"

	// KindRestartAbandoned marks requests that were in flight when the
	// daemon died and could not be safely resumed. Only ever appears as a
	// request fail_kind, never as a handler error.
	KindRestartAbandoned ErrorKind = "restart_abandoned"
)

// Error is the typed failure carried through handlers and onto the wire as
// {"error": {"kind": ..., "message": ..., "retryable": ..., "correlation_id": ...}}.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	Retryable     bool      `json:"retryable"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelation returns a copy of e carrying the given correlation id.
func (e *Error) WithCorrelation(correlationID string) *Error {
	clone := *e
	clone.CorrelationID = correlationID
	return &clone
}

// NewError builds an Error of the given kind. Retryable defaults from the
// kind: timeouts and io failures are retryable, everything else is not.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == KindTimeout || kind == KindIO,
	}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.cause = cause
	return e
}

// KindOf extracts the ErrorKind from any error. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error, wrapping unknown errors as
// internal so every failure reaching the wire has a kind.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(KindInternal, err, "unexpected error")
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
