package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

// Retry defaults match the upload contract: three attempts, two seconds apart.
const (
	DefaultMaxAttempts  = 3
	DefaultDelay        = 2 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultJitterFactor = 0.2
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts  int // total attempts including the first
	Delay        time.Duration
	MaxDelay     time.Duration
	Backoff      Backoff
	JitterFactor float64 // exponential only
	IsRetryable  func(error) bool
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt is called after every failed attempt.
	OnAttempt func(attempt int, err error)
}

// DefaultRetryConfig returns the fixed-delay upload policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		MaxDelay:    DefaultMaxDelay,
		Backoff:     BackoffFixed,
		IsRetryable: apperrors.IsRetryable,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// It returns the number of attempts made along with the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) (int, error) {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		if lastErr = fn(attempt); lastErr == nil {
			return attempt, nil
		}
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, lastErr)
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return attempt, lastErr
		}

		delay := backoffDelay(cfg, attempt-1)
		slog.Debug("retrying after error", "attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "error", lastErr)

		if err := cfg.Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return cfg.MaxAttempts, lastErr
}

// backoffDelay returns the wait after the given zero-based failed attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if cfg.Backoff != BackoffExponential {
		return cfg.Delay
	}
	delay := cfg.Delay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delay < 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = apperrors.IsRetryable
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}
