package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidArgument, "test error", 400)
	expected := "INVALID_ARGUMENT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should see the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidArgumentError("test error")
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeInvalidArgument:  http.StatusBadRequest,
		ErrCodeUnauthorized:     http.StatusUnauthorized,
		ErrCodeNotFound:         http.StatusNotFound,
		ErrCodeInvalidState:     http.StatusConflict,
		ErrCodeGone:             http.StatusGone,
		ErrCodeConflict:         http.StatusConflict,
		ErrCodeThrottled:        http.StatusTooManyRequests,
		ErrCodeSlowMode:         http.StatusTooManyRequests,
		ErrCodeCapacityExceeded: http.StatusServiceUnavailable,
		ErrCodeMuted:            http.StatusForbidden,
		ErrCodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("stream")
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}
	if err.HTTPStatus != 404 {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
	if err.Message != "stream not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewConflictError("already recording")
	wrapped := fmt.Errorf("handler: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() = false, want true")
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Errorf("GetAppError() on plain error should be nil")
	}
	if GetAppError(nil) != nil {
		t.Errorf("GetAppError(nil) should be nil")
	}
}
