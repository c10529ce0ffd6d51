package adsb

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int

	// InitialDelay is the initial backoff delay (default: 1 second)
	InitialDelay time.Duration

	// MaxDelay is the maximum backoff delay (default: 60 seconds)
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (default: 2.0 for exponential)
	Multiplier float64

	// RespectRetryAfter uses Retry-After header if available (default: true)
	RespectRetryAfter bool

	// OnRetry, if set, is called before each wait with the attempt that
	// just failed and the delay before the next one.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		RespectRetryAfter: true,
	}
}

// RetryableFunc is a function that can be retried.
// It should return an error if the operation failed.
type RetryableFunc func() error

// RetryWithBackoff executes a function with exponential backoff retry logic.
// It handles rate limit errors (HTTP 429) specially by respecting Retry-After headers.
//
// Example usage:
//
//	err := RetryWithBackoff(ctx, DefaultRetryConfig(), func() error {
//	    return client.Ping(ctx)
//	})
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithBackoffResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithBackoffResult executes a function with exponential backoff and returns a result.
// This is useful when the function returns data along with an error.
//
// Example usage:
//
//	aircraft, err := RetryWithBackoffResult(ctx, DefaultRetryConfig(), func() ([]Aircraft, error) {
//	    return client.GetAircraft(ctx, lat, lon, radius)
//	})
func RetryWithBackoffResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		// Don't start an attempt once the caller has given up
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("retry cancelled: %w", err)
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err

		// Last attempt - don't wait
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.BackoffDelay(attempt)
		if rle, ok := IsRateLimitError(err); ok && cfg.RespectRetryAfter && rle.RetryAfter > 0 {
			delay = rle.RetryAfter
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// BackoffDelay is the wait after the given zero-based failed attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (cfg RetryConfig) BackoffDelay(attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt)))
	if cfg.MaxDelay > 0 && (d > cfg.MaxDelay || d < 0) {
		d = cfg.MaxDelay
	}
	return d
}
