// Package retry provides bounded retries with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter randomizes delays by a factor in [0.5, 1.5).
	Jitter bool
	// Retryable decides whether a failed attempt may be retried.
	// When nil every non-permanent error is retried.
	Retryable func(error) bool
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Do runs op until it succeeds, returns a permanent or non-retryable error,
// ctx is done, or MaxAttempts is reached. It returns the number of attempts
// made and the last error.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, ctxErr
		}
		if err = op(ctx); err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return attempt, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			delay = jitter(delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return cfg.MaxAttempts, err
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff calculates the backoff duration for a given attempt (1-based).
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// BackoffWithJitter calculates the backoff with random jitter.
func BackoffWithJitter(attempt int, initial, max time.Duration, factor float64) time.Duration {
	return jitter(Backoff(attempt, initial, max, factor))
}

func jitter(d time.Duration) time.Duration {
	f := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(d) * f)
}
