package client

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	planetRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	planetRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planet_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	planetRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the backoff ceiling before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff ceiling.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the ceiling per attempt.
	BackoffMultiplier float64

	// MaxRetryAfter caps a server-provided Retry-After. Zero means MaxBackoff.
	MaxRetryAfter time.Duration

	// DisableJitter sleeps for the full ceiling instead of a random fraction of it.
	DisableJitter bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the configuration for values the retry loop cannot use.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts)
	case c.InitialBackoff < 0 || c.MaxBackoff < 0 || c.MaxRetryAfter < 0:
		return fmt.Errorf("backoff durations must not be negative")
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1 (got %v)", c.BackoffMultiplier)
	}
	return nil
}

// Ceiling returns the upper bound of the delay after the given failed attempt
// (1-based): min(MaxBackoff, InitialBackoff * BackoffMultiplier^(attempt-1)).
func (c RetryConfig) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if ceiling > float64(c.MaxBackoff) || math.IsInf(ceiling, 0) {
		return c.MaxBackoff
	}
	return time.Duration(ceiling)
}

// Delay computes the sleep after a failed attempt. r is a uniform random number
// in [0, 1) used for full jitter. A Retry-After from the server replaces the
// computed delay, capped by MaxRetryAfter.
func (c RetryConfig) Delay(attempt int, retryAfter time.Duration, hasRetryAfter bool, r float64) time.Duration {
	if hasRetryAfter {
		limit := c.MaxRetryAfter
		if limit == 0 {
			limit = c.MaxBackoff
		}
		if retryAfter > limit {
			return limit
		}
		return retryAfter
	}

	ceiling := c.Ceiling(attempt)
	if c.DisableJitter {
		return ceiling
	}
	return time.Duration(r * float64(ceiling))
}

// exhausted wraps the last failure once all attempts are used.
func exhausted(attempts int, class ErrorClass, lastErr error) error {
	planetRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
