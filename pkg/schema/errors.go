package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeServiceError       = "SERVICE_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "WORKFLOW_EXECUTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
)

// ConductorError is the structured error type shared by every layer of the engine.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Service ServiceID      `json:"service,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	switch {
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.Service != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Service, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ConductorError) WithStep(stepID string) *ConductorError {
	e.StepID = stepID
	return e
}

// WithService attaches the downstream service the error originated from.
func (e *ConductorError) WithService(service ServiceID) *ConductorError {
	e.Service = service
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}

// IsRetryable reports whether a failure with this code may be attempted again.
func (e *ConductorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeServiceUnavailable, ErrCodeServiceError, ErrCodeTimeout:
		return true
	}
	return false
}

// IsRetryable classifies any error. Unstructured errors are treated as
// transport failures and retried; cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}

// HasCode reports whether err is a ConductorError carrying code.
func HasCode(err error, code string) bool {
	var ce *ConductorError
	return errors.As(err, &ce) && ce.Code == code
}

// AsConductorError normalises err into a ConductorError. Plain errors become
// WORKFLOW_EXECUTION_ERROR and deadline expiry becomes TIMEOUT_ERROR.
func AsConductorError(err error) *ConductorError {
	if err == nil {
		return nil
	}
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrCodeTimeout, err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return NewError(ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}
