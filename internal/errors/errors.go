// Package errors provides structured error types for the conductor core.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrIllegalState  = errors.New("illegal state transition")
	ErrStopRequested = errors.New("stop requested")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
)

// ValidationError reports bad submission input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExecutorFault reports a failure of the external execution agent. The
// owning session is moved to error state; the autonomous loop decides
// whether the fault consumes a fix attempt.
type ExecutorFault struct {
	SessionID string
	Stage     string
	Message   string
	Err       error
}

func (e *ExecutorFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor fault (session %s, stage %s): %s: %v", e.SessionID, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("executor fault (session %s, stage %s): %s", e.SessionID, e.Stage, e.Message)
}

func (e *ExecutorFault) Unwrap() error { return e.Err }

// DependencyTimeout reports a waiting member that exceeded its bound.
// It is reported to observers but never fatal to the project.
type DependencyTimeout struct {
	MemberID string
	WaitsOn  string
}

func (e *DependencyTimeout) Error() string {
	return fmt.Sprintf("member %s timed out waiting on %s", e.MemberID, e.WaitsOn)
}

// CheckpointRejected reports a human declining a required checkpoint. The
// project reverts to the prior editable stage; not fatal.
type CheckpointRejected struct {
	Stage  string
	Reason string
}

func (e *CheckpointRejected) Error() string {
	return fmt.Sprintf("checkpoint %s rejected: %s", e.Stage, e.Reason)
}

// IsRetryable returns true if the error is likely transient and worth
// retrying inside the autonomous loop.
func IsRetryable(err error) bool {
	var ef *ExecutorFault
	if errors.As(err, &ef) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
