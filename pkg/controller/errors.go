// Package controller implements the state controller core: classified
// errors, the pure per-resource transition handler, the tick scheduler, and
// the SLA tracker.
package controller

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for the controller's recovery policy.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure. The tick loop
	// absorbs it; the next fixed-interval tick retries naturally.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates an optimistic-concurrency failure:
	// another writer advanced the resource version first. Retried silently
	// on the next tick, never surfaced to callers.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the resource is unknown to the
	// controller.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassValidation indicates a malformed or inadmissible request.
	// Surfaced synchronously to the originating caller, never enqueued.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassFatal indicates unreadable or corrupt persisted state. The
	// resource is frozen and flagged for operator intervention; the
	// controller never guesses or silently repairs.
	ErrorClassFatal ErrorClass = "fatal"
)

// Error is a classified controller error with resource context.
type Error struct {
	// Class drives the recovery policy.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource ID the error relates to, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is what was being attempted when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by class so callers can write
// errors.Is(err, ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithResource attaches resource context.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation attaches operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// Sentinel values for errors.Is class matching.
var (
	ErrConflict   = &Error{Class: ErrorClassConflict}
	ErrNotFound   = &Error{Class: ErrorClassNotFound}
	ErrValidation = &Error{Class: ErrorClassValidation}
	ErrTransient  = &Error{Class: ErrorClassTransient}
	ErrFatal      = &Error{Class: ErrorClassFatal}
)

// NewConflictError creates a conflict-class error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewNotFoundError creates a not-found-class error.
func NewNotFoundError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTransientError creates a transient-class error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewFatalError creates a fatal-class error.
func NewFatalError(message string, err error) *Error {
	return &Error{Class: ErrorClassFatal, Message: message, Err: err}
}

// ClassOf returns the class of an error, defaulting to transient for
// unclassified errors so that unknown failures are retried rather than
// escalated.
func ClassOf(err error) ErrorClass {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrorClassTransient
}

// IsRetryable reports whether the next tick should simply retry.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassConflict:
		return true
	default:
		return false
	}
}
