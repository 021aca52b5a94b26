package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var (
	errTransient = errors.New("connection refused")
	errFatal     = errors.New("bad credentials")
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Permanent:    []error{errFatal},
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return nil
	}, nil)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	retries := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	}, func(int, error, time.Duration) { retries++ })

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 || retries != 2 {
		t.Errorf("attempts=%d retries=%d", attempts, retries)
	}
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return errTransient
	}, nil)

	if !errors.Is(err, errTransient) {
		t.Errorf("Expected wrapped transient error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_PermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		attempts++
		return fmt.Errorf("auth: %w", errFatal)
	}, nil)

	if !errors.Is(err, errFatal) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func(context.Context) error { return nil }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	if got := Backoff(cfg, 1); got != 100*time.Millisecond {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := Backoff(cfg, 2); got != 200*time.Millisecond {
		t.Errorf("Backoff(2) = %v", got)
	}
	if got := Backoff(cfg, 5); got != 300*time.Millisecond {
		t.Errorf("Backoff(5) = %v, want capped 300ms", got)
	}
}
