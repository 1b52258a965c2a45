package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches the requested identifier.
	ErrNotFound = errors.New("notification not found")

	// ErrForbidden is returned when the caller does not own the record.
	ErrForbidden = errors.New("notification belongs to another user")

	// ErrUnauthorized is returned when the bearer token is missing, invalid,
	// expired or revoked.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotScheduled is returned when an update or cancel targets a record
	// that already left the scheduled state.
	ErrNotScheduled = errors.New("notification is no longer scheduled")

	// ErrStatusTransitionDenied is returned by stores when a status update
	// would move a record out of a terminal state.
	ErrStatusTransitionDenied = errors.New("status transition denied: notification already in terminal state")
)

// ValidationError reports a user-correctable problem with one input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SchedulingBackendError wraps a failure to talk to the delay queue.
type SchedulingBackendError struct {
	Op  string
	Err error
}

func (e *SchedulingBackendError) Error() string {
	return fmt.Sprintf("scheduling backend %s: %v", e.Op, e.Err)
}

func (e *SchedulingBackendError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
