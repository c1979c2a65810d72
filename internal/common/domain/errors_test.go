package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_KindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("resume: %w", NewPreconditionError("subscription is not within its grace period"))

	assert.True(t, IsInvalidState(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "grace period")

	var domErr *DomainError
	assert.True(t, errors.As(err, &domErr))
	assert.Equal(t, ErrInvalidState, domErr.Err)
}

func TestDomainError_Messages(t *testing.T) {
	assert.Equal(t, "not found: Subscription 42", NewNotFoundError("Subscription", "42").Error())
	assert.Equal(t, "invalid state: cannot transition from succeeded to failed",
		NewInvalidStateError("succeeded", "failed").Error())
	assert.True(t, IsConflict(NewConflictError("stale version")))
	assert.Equal(t, "validation failed", (&DomainError{Err: ErrValidation}).Error())
}
