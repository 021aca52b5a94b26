package services

import (
	"errors"

	"streamhub/internal/core/domain"
	apperrors "streamhub/pkg/errors"
)

var errorCodes = []struct {
	target error
	code   apperrors.ErrorCode
}{
	{domain.ErrInvalidArgument, apperrors.ErrCodeInvalidArgument},
	{domain.ErrUnauthorized, apperrors.ErrCodeUnauthorized},
	{domain.ErrInvalidKey, apperrors.ErrCodeUnauthorized},
	{domain.ErrForbidden, apperrors.ErrCodeUnauthorized},
	{domain.ErrStreamNotFound, apperrors.ErrCodeNotFound},
	{domain.ErrSessionNotFound, apperrors.ErrCodeNotFound},
	{domain.ErrRecordingNotFound, apperrors.ErrCodeNotFound},
	{domain.ErrStreamGone, apperrors.ErrCodeGone},
	{domain.ErrInvalidState, apperrors.ErrCodeInvalidState},
	{domain.ErrNotLive, apperrors.ErrCodeInvalidState},
	{domain.ErrNotInStream, apperrors.ErrCodeInvalidState},
	{domain.ErrRecordingActive, apperrors.ErrCodeInvalidState},
	{domain.ErrAlreadyRecording, apperrors.ErrCodeConflict},
	{domain.ErrThrottled, apperrors.ErrCodeThrottled},
	{domain.ErrCapacityExceeded, apperrors.ErrCodeCapacityExceeded},
	{domain.ErrMuted, apperrors.ErrCodeMuted},
	{domain.ErrSlowMode, apperrors.ErrCodeSlowMode},
	{domain.ErrBlocked, apperrors.ErrCodeBlocked},
	{domain.ErrUnknownPeer, apperrors.ErrCodeUnknownPeer},
	{domain.ErrUpstream, apperrors.ErrCodeBadGateway},
}

// ToAppError maps a core error onto the boundary error kinds. Unknown errors
// become INTERNAL with a generic message.
func ToAppError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	for _, c := range errorCodes {
		if !errors.Is(err, c.target) {
			continue
		}
		out := apperrors.WrapError(err, c.code, err.Error(), apperrors.StatusFor(c.code))

		var slow *domain.SlowModeError
		if errors.As(err, &slow) {
			out.WithContext("remainingMs", slow.Remaining.Milliseconds())
		}
		var throttled *domain.ThrottledError
		if errors.As(err, &throttled) {
			out.WithContext("bucket", throttled.Bucket)
			out.WithContext("retryAfterMs", throttled.RetryAfter.Milliseconds())
		}
		return out
	}

	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", apperrors.StatusFor(apperrors.ErrCodeInternal))
}

// ErrorNotice renders err for a realtime error frame.
func ErrorNotice(err error) domain.ErrorNotice {
	appErr := ToAppError(err)
	notice := domain.ErrorNotice{Code: string(appErr.Code), Message: appErr.Message}
	if ms, ok := appErr.Context["remainingMs"].(int64); ok {
		notice.RemainingMs = ms
	}
	return notice
}
