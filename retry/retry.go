// Package retry runs fallible operations with exponential backoff and jitter.
// It is used for transient provider failures: fee lookups, status polls and
// remote signing calls. Context cancellation always wins over a pending retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
	Jitter       bool          // Apply ±25% jitter to each delay
}

// DefaultConfig is used for provider calls made on the approval path.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// Always retries every error.
func Always(error) bool { return true }

// RetryAfter is implemented by errors that carry a server-provided backoff hint.
type RetryAfter interface {
	RetryAfterDelay() time.Duration
}

// ErrExhausted wraps the last error once MaxAttempts is reached.
var ErrExhausted = errors.New("retry: max attempts exceeded")

// Backoff returns the delay before retry number attempt (zero-based):
// initialDelay * multiplier^attempt, capped at maxDelay, with optional ±25% jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay / 2.0
		delay += (rand.Float64() * jitterRange) - (jitterRange / 2.0)
	}
	if delay < 0 {
		return cfg.InitialDelay
	}
	return time.Duration(delay)
}

// WithRetry executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := Backoff(config, attempt)
		var hint RetryAfter
		if errors.As(err, &hint) && hint.RetryAfterDelay() > delay {
			delay = hint.RetryAfterDelay()
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// WithSimpleRetry uses DefaultConfig.
func WithSimpleRetry[T any](
	ctx context.Context,
	fn func() (T, error),
	isRetryable IsRetryable,
) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}

// Do is WithRetry for operations without a result.
func Do(ctx context.Context, config Config, isRetryable IsRetryable, fn func() error) error {
	_, err := WithRetry(ctx, config, isRetryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
