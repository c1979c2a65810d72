package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds shared by every aggregate in the service.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// DomainError carries one of the sentinel kinds plus a human readable message.
type DomainError struct {
	Err     error
	Message string
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *DomainError) Unwrap() error { return e.Err }

// NewNotFoundError reports a missing entity.
func NewNotFoundError(entity, id string) *DomainError {
	return &DomainError{Err: ErrNotFound, Message: fmt.Sprintf("%s %s", entity, id)}
}

// NewConflictError reports a stale write or a uniqueness violation.
func NewConflictError(message string) *DomainError {
	return &DomainError{Err: ErrConflict, Message: message}
}

// NewInvalidStateError reports a refused transition from one state to another.
func NewInvalidStateError(from, to string) *DomainError {
	return &DomainError{Err: ErrInvalidState, Message: fmt.Sprintf("cannot transition from %s to %s", from, to)}
}

// NewPreconditionError reports an operation whose precondition does not hold.
func NewPreconditionError(message string) *DomainError {
	return &DomainError{Err: ErrInvalidState, Message: message}
}

// NewValidationError reports a rejected argument.
func NewValidationError(message string) *DomainError {
	return &DomainError{Err: ErrValidation, Message: message}
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is (or wraps) a conflict error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidState reports whether err is (or wraps) an invalid-state error.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
