package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeParse      = "PARSE_ERROR"
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeStore      = "STORE_ERROR"
)

// RyvrError is the structured error type returned by the templating engine
// and the step data store.
type RyvrError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RyvrError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RyvrError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RyvrError.
func NewError(code, message string) *RyvrError {
	return &RyvrError{Code: code, Message: message}
}

// NewErrorf creates a new RyvrError with a formatted message.
func NewErrorf(code, format string, args ...any) *RyvrError {
	return &RyvrError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *RyvrError) WithStep(stepID string) *RyvrError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *RyvrError) WithCause(err error) *RyvrError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RyvrError) WithDetails(details map[string]any) *RyvrError {
	e.Details = details
	return e
}

// IsCode reports whether err, or an error it wraps, is a RyvrError carrying the given code.
func IsCode(err error, code string) bool {
	var re *RyvrError
	return errors.As(err, &re) && re.Code == code
}
