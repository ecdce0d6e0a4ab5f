// Package errors provides custom error types for the taskforge application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Scheduling & execution core error kinds.
	ErrCodePersistenceFault      = "PERSISTENCE_FAULT"
	ErrCodeInvalidTransition     = "INVALID_STATE_TRANSITION"
	ErrCodeDependencyViolation   = "DEPENDENCY_VIOLATION"
	ErrCodeExecutionFault        = "EXECUTION_FAULT"
	ErrCodeVerificationFault     = "VERIFICATION_FAULT"
	ErrCodeIPCFault              = "IPC_FAULT"
	ErrCodeAuthRequired          = "AUTH_REQUIRED"
	ErrCodePermissionDenied      = "PERMISSION_DENIED"
	ErrCodeMethodNotFound        = "METHOD_NOT_FOUND"
	ErrCodeGoalAlreadyCancelled  = "GOAL_ALREADY_CANCELLED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// PersistenceFault wraps a store I/O or constraint error. Never swallowed:
// callers surface it to the task boundary and the scheduler tick retries
// idempotent operations a bounded number of times before aborting.
func PersistenceFault(err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistenceFault,
		Message:    "persistence operation failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InvalidTransition reports an illegal state-machine move. Fatal to the
// current operation; never retried.
func InvalidTransition(entity, from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("invalid state transition for %s: %s -> %s", entity, from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// DependencyViolation reports a missing or cyclic work item dependency
// found during DAG validation. Aborts goal admission.
func DependencyViolation(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeDependencyViolation,
		Message:    reason,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// ExecutionFault wraps an error returned by the ExecutionService. Recorded
// on the Run as failed; drives the retry/escalation path.
func ExecutionFault(err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutionFault,
		Message:    "execution service reported a failure",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// VerificationFault reports a failing quality gate (deterministic or
// review). Fatal to the work item.
func VerificationFault(gate, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeVerificationFault,
		Message:    fmt.Sprintf("verification gate %q failed: %s", gate, reason),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// IPCFault reports a broken socket or timeout talking to the execution
// daemon.
func IPCFault(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIPCFault,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AuthRequired reports a session that has not completed the hello/auth flow.
func AuthRequired() *AppError {
	return &AppError{
		Code:       ErrCodeAuthRequired,
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// PermissionDenied reports a session lacking the permission an RPC method
// requires.
func PermissionDenied(perm string) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    fmt.Sprintf("missing required permission %q", perm),
		HTTPStatus: http.StatusForbidden,
	}
}

// MethodNotFound reports an RPC call for an unregistered method name.
func MethodNotFound(method string) *AppError {
	return &AppError{
		Code:       ErrCodeMethodNotFound,
		Message:    fmt.Sprintf("method %q not found", method),
		HTTPStatus: http.StatusNotFound,
	}
}

// GoalAlreadyCancelled reports a cancel_goal call on a goal already in the
// cancelled status.
func GoalAlreadyCancelled(goalID string) *AppError {
	return &AppError{
		Code:       ErrCodeGoalAlreadyCancelled,
		Message:    fmt.Sprintf("goal %q is already cancelled", goalID),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

