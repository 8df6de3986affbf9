package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("requirement", "must not be empty")
	assert.Contains(t, err.Error(), "requirement")
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsValidation(errors.New("other")))
}

func TestExecutorFault_Unwrap(t *testing.T) {
	inner := errors.New("process exited 1")
	fault := &ExecutorFault{SessionID: "s1", Stage: "development", Message: "agent crashed", Err: inner}
	assert.ErrorIs(t, fault, inner)
	assert.Contains(t, fault.Error(), "s1")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ExecutorFault{SessionID: "s1", Message: "boom"}))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("send: %w", ErrUnavailable)))
	assert.False(t, IsRetryable(NewValidationError("x", "bad")))
	assert.False(t, IsRetryable(ErrStopRequested))
}

func TestCheckpointRejected(t *testing.T) {
	err := &CheckpointRejected{Stage: "plan", Reason: "scope too large"}
	assert.Contains(t, err.Error(), "plan")
	assert.False(t, IsRetryable(err))
}
