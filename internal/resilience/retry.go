package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backoff constants for engine call retries at the default base:
// 0.5s, 1s, 2s, 2s, ...
const (
	backoffBase      = 500 * time.Millisecond
	backoffCapFactor = 4
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of attempts (1 initial + retries).
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; later waits
	// double up to four times the base. Default: 500ms.
	BaseDelay time.Duration

	// Retryable reports whether an error is transient and worth retrying.
	// Permanent errors (authentication, quota, validation) must return
	// false. When nil, every error is considered transient.
	Retryable func(error) bool

	// Sleep is the wait function between attempts. Overridable in tests;
	// defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry runs operations with bounded exponential backoff. The zero value is
// not usable; construct with [NewRetry].
type Retry struct {
	name        string
	maxAttempts int
	base        time.Duration
	retryable   func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetry creates a [Retry] with the supplied configuration. Zero-value
// config fields are replaced with sensible defaults.
func NewRetry(cfg RetryConfig) *Retry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = backoffBase
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Retry{
		name:        cfg.Name,
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.BaseDelay,
		retryable:   cfg.Retryable,
		sleep:       cfg.Sleep,
	}
}

// Do runs fn up to MaxAttempts times, waiting Backoff(n) between attempts.
// It stops early when fn succeeds, when the error is not retryable, or when
// ctx is done. The returned error is the last error fn produced.
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !r.retryable(err) {
			slog.Debug("permanent error, not retrying",
				"name", r.name, "attempt", attempt, "error", err)
			return err
		}
		if attempt == r.maxAttempts {
			break
		}

		wait := backoffFrom(r.base, attempt)
		slog.Debug("transient error, backing off",
			"name", r.name, "attempt", attempt, "wait", wait, "error", err)
		if serr := r.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("retry %s interrupted: %w", r.name, err)
		}
	}
	return fmt.Errorf("retry %s: %d attempts exhausted: %w", r.name, r.maxAttempts, err)
}

// Backoff returns the wait duration after the n-th failed attempt (1-based)
// at the default base: base·2^(n−1), capped at four times the base.
func Backoff(attempt int) time.Duration {
	return backoffFrom(backoffBase, attempt)
}

func backoffFrom(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := base * backoffCapFactor
	d := base << (attempt - 1)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
