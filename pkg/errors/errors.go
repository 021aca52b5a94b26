package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeGone             ErrorCode = "GONE"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeThrottled        ErrorCode = "THROTTLED"
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeMuted            ErrorCode = "MUTED"
	ErrCodeSlowMode         ErrorCode = "SLOW_MODE"
	ErrCodeBlocked          ErrorCode = "BLOCKED"
	ErrCodeUnknownPeer      ErrorCode = "UNKNOWN_PEER"
	ErrCodeBadGateway       ErrorCode = "BAD_GATEWAY"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// StatusFor returns the HTTP status conventionally paired with a code.
func StatusFor(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeBlocked, ErrCodeMuted:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeUnknownPeer:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeGone:
		return http.StatusGone
	case ErrCodeThrottled, ErrCodeSlowMode:
		return http.StatusTooManyRequests
	case ErrCodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case ErrCodeBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an AppError using the default status for code.
func New(code ErrorCode, message string) *AppError {
	return NewAppError(code, message, StatusFor(code))
}

// Common error constructors
func NewInvalidArgumentError(message string) *AppError {
	return New(ErrCodeInvalidArgument, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return New(ErrCodeConflict, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
