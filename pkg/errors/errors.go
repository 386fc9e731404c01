package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes shared by the chat service and its HTTP layer
const (
	CodeNotFound     = "NOT_FOUND"
	CodeForbidden    = "FORBIDDEN"
	CodeInvalidState = "INVALID_STATE"
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeUnauthorized = "AUTH_REQUIRED"
	CodeInternal     = "INTERNAL_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// NewNotFound reports a missing session or appointment
func NewNotFound(message string) *AppError {
	return NewError(http.StatusNotFound, CodeNotFound, message)
}

// NewForbidden reports a requester who is not a participant or not the doctor
func NewForbidden(message string) *AppError {
	return NewError(http.StatusForbidden, CodeForbidden, message)
}

// NewInvalidState reports an operation not allowed in the current lifecycle state
func NewInvalidState(message string) *AppError {
	return NewError(http.StatusConflict, CodeInvalidState, message)
}

// NewInvalidInput creates a 400 Bad Request error
func NewInvalidInput(message string) *AppError {
	return NewError(http.StatusBadRequest, CodeInvalidInput, message)
}

// NewUnauthorized creates a 401 Unauthorized error
func NewUnauthorized(message string) *AppError {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, message)
}

// NewUnavailable wraps a store or dependency failure
func NewUnavailable(message string, cause error) *AppError {
	e := NewError(http.StatusServiceUnavailable, CodeUnavailable, message)
	e.cause = cause
	return e
}

// As returns the AppError in err's chain, if there is one
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
