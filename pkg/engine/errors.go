package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error for propagation policy. Guard and
// apply errors become ApplyResult data and never unwind the loop; only
// validation errors abort a run.
type ErrorClass string

const (
	// ErrorClassGuard indicates a guard predicate failed to execute.
	// Treated as a resource failure, not a skip.
	ErrorClassGuard ErrorClass = "guard"

	// ErrorClassApply indicates the resource's underlying action failed
	// (I/O, external command non-zero exit, permission denied). Always
	// recoverable at the engine level.
	ErrorClassApply ErrorClass = "apply"

	// ErrorClassValidation indicates the resource list itself is unsound
	// (duplicate identity, impossible notification). Fatal before any
	// apply begins.
	ErrorClassValidation ErrorClass = "validation"
)

// Common error codes.
const (
	ErrCodeDuplicateID     = "DUPLICATE_RESOURCE_ID"
	ErrCodeUnknownTarget   = "UNKNOWN_NOTIFICATION_TARGET"
	ErrCodeImmediateOrder  = "IMMEDIATE_TARGET_UPSTREAM"
	ErrCodeGuardFailed     = "GUARD_FAILED"
	ErrCodeApplyFailed     = "APPLY_FAILED"
	ErrCodeRouterClosed    = "ROUTER_CLOSED"
)

// ConvergeError is a classified error with resource context.
type ConvergeError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource identity that caused the error, if any.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ConvergeError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ConvergeError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *ConvergeError) Is(target error) bool {
	t, ok := target.(*ConvergeError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to the error.
func (e *ConvergeError) WithResource(id ResourceID) *ConvergeError {
	e.Resource = id.String()
	return e
}

// NewGuardError creates a guard execution error.
func NewGuardError(message string, err error) *ConvergeError {
	return &ConvergeError{
		Class:   ErrorClassGuard,
		Message: message,
		Code:    ErrCodeGuardFailed,
		Err:     err,
	}
}

// NewApplyError creates a resource apply error.
func NewApplyError(message string, err error) *ConvergeError {
	return &ConvergeError{
		Class:   ErrorClassApply,
		Message: message,
		Code:    ErrCodeApplyFailed,
		Err:     err,
	}
}

// NewValidationError creates a fatal resource-list validation error.
func NewValidationError(code, message string) *ConvergeError {
	return &ConvergeError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    code,
	}
}

// IsValidation reports whether err is a validation error, the one class
// that aborts a whole run.
func IsValidation(err error) bool {
	var e *ConvergeError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsGuard reports whether err originated in guard evaluation.
func IsGuard(err error) bool {
	var e *ConvergeError
	if errors.As(err, &e) {
		return e.Class == ErrorClassGuard
	}
	return false
}
