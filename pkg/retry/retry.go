// Package retry provides retry loops for transient remote failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = unbounded)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for a single wait (0 = InitialWait)
	Multiplier  float64       // Backoff multiplier (<= 1 keeps the wait fixed)
	Jitter      float64       // Jitter factor (0-1)
}

// Fixed returns an unbounded policy that waits the same delay between
// attempts. Attempts continue for as long as fn reports a retryable error.
func Fixed(delay time.Duration) Config {
	return Config{InitialWait: delay, MaxWait: delay, Multiplier: 1}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// wait returns the delay to apply after the given (1-based) attempt.
func (cfg Config) wait(attempt int) time.Duration {
	wait := float64(cfg.InitialWait)
	if cfg.Multiplier > 1 {
		wait *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	limit := cfg.MaxWait
	if limit == 0 {
		limit = cfg.InitialWait
	}
	if wait > float64(limit) {
		wait = float64(limit)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// DoWithResult executes fn with retries and returns a result. The result of
// the final attempt is returned alongside its error, unwrapped from any
// RetryableError marker.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		result, lastErr = r, err

		if !IsRetryable(err) {
			return result, err
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}

	var retryable RetryableError
	if errors.As(lastErr, &retryable) {
		return result, retryable.Err
	}
	return result, lastErr
}
