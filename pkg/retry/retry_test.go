package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	_, err := DoWithResult(context.Background(), Fixed(time.Millisecond), func() (int, error) {
		attempts++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestFixedIsUnbounded(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), Fixed(time.Millisecond), func() (int, error) {
		attempts++
		if attempts < 25 {
			return 0, Retryable(errors.New("unavailable"))
		}
		return attempts, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 25 {
		t.Errorf("expected result 25, got %d", got)
	}
}

func TestMaxAttemptsUnwrapsLastError(t *testing.T) {
	cause := errors.New("still down")
	cfg := Config{MaxAttempts: 3, InitialWait: time.Millisecond}
	attempts := 0
	last, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		return attempts, Retryable(cause)
	})
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if last != 3 {
		t.Errorf("expected the final attempt's result 3, got %d", last)
	}
	if IsRetryable(err) {
		t.Error("final error should not carry the retryable marker")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause, got %v", err)
	}
}

func TestHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DoWithResult(ctx, Fixed(time.Hour), func() (struct{}, error) {
		return struct{}{}, Retryable(errors.New("unavailable"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitIsFixedWithoutMultiplier(t *testing.T) {
	cfg := Fixed(50 * time.Millisecond)
	for attempt := 1; attempt < 5; attempt++ {
		if got := cfg.wait(attempt); got != 50*time.Millisecond {
			t.Errorf("attempt %d: wait = %v, want 50ms", attempt, got)
		}
	}
}
