// Package errors defines the coded error vocabulary of the control plane.
// Every error that crosses a package boundary carries a stable machine code
// plus a human message; the API layer maps codes to transport status.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code
type Code string

// Error codes
const (
	CodeValidation              Code = "VALIDATION"
	CodeTenantRequired          Code = "TENANT_REQUIRED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeStaleVersion            Code = "STALE_VERSION"
	CodeQuotaExceeded           Code = "QUOTA_EXCEEDED"
	CodeCycleDetected           Code = "CYCLE_DETECTED"
	CodeLockTimeout             Code = "LOCK_TIMEOUT"
	CodeLockNotOwned            Code = "LOCK_NOT_OWNED"
	CodeDeadlockDetected        Code = "DEADLOCK_DETECTED"
	CodeNoAgentAvailable        Code = "NO_AGENT_AVAILABLE"
	CodeAgentContended          Code = "AGENT_CONTENDED"
	CodeCoordinationUnavailable Code = "COORDINATION_UNAVAILABLE"
	CodeExecutorFailed          Code = "EXECUTOR_FAILED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeCancelled               Code = "CANCELLED"
	CodeInternal                Code = "INTERNAL"
)

// AppError is an error with a stable code and optional cause
type AppError struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches on code so errors.Is works with sentinel AppErrors
func (e *AppError) Is(target error) bool {
	var ae *AppError
	if errors.As(target, &ae) {
		return e.Code == ae.Code
	}
	return false
}

// WithDetails attaches structured details to the error
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// New creates a coded error
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code Code, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, cause: err}
}

// CodeOf extracts the code from an error chain; unknown errors are INTERNAL
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HasCode reports whether the error chain carries the given code
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the failed operation is worth retrying as-is
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeStaleVersion, CodeLockTimeout, CodeAgentContended, CodeTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error code to a transport status code
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeTenantRequired:
		return 400
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeInvalidTransition, CodeStaleVersion, CodeLockTimeout,
		CodeLockNotOwned, CodeDeadlockDetected, CodeCycleDetected,
		CodeAgentContended:
		return 409
	case CodeQuotaExceeded:
		return 429
	case CodeCoordinationUnavailable:
		return 503
	case CodeExecutorFailed:
		return 502
	case CodeTimeout:
		return 504
	case CodeNoAgentAvailable:
		return 404
	case CodeCancelled:
		return 499
	default:
		return 500
	}
}
