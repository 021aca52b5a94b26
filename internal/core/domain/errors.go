package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrInvalidKey        = errors.New("invalid stream key")
	ErrInvalidState      = errors.New("invalid stream state")
	ErrNotLive           = errors.New("stream is not live")
	ErrStreamGone        = errors.New("stream has ended")
	ErrCapacityExceeded  = errors.New("stream viewer capacity reached")
	ErrBlocked           = errors.New("user is blocked from this stream")
	ErrForbidden         = errors.New("role does not permit this action")
	ErrMuted             = errors.New("user is muted")
	ErrSlowMode          = errors.New("slow mode active")
	ErrThrottled         = errors.New("rate limit exceeded")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrBackpressure      = errors.New("peer send buffer full")
	ErrAlreadyRecording  = errors.New("stream is already recording")
	ErrRecordingActive   = errors.New("recording is still active")
	ErrNotInStream       = errors.New("connection has not joined a stream")
	ErrUpstream          = errors.New("external service failed")
)

// SlowModeError carries the time left before the author may post again.
type SlowModeError struct {
	Remaining time.Duration
}

func (e *SlowModeError) Error() string {
	return fmt.Sprintf("slow mode active, retry in %dms", e.Remaining.Milliseconds())
}

func (e *SlowModeError) Is(target error) bool { return target == ErrSlowMode }

// ThrottledError identifies the exhausted bucket.
type ThrottledError struct {
	Bucket     string
	RetryAfter time.Duration
	// Notify is false for repeats within the same window that should be
	// dropped without telling the sender again.
	Notify bool
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %dms", e.Bucket, e.RetryAfter.Milliseconds())
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }
