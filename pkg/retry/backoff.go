// Package retry computes backoff delays for retrying failed imports.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
)

// DefaultBaseInterval is the delay before the first retry.
const DefaultBaseInterval = 500 * time.Millisecond

// BackoffStrategy defines how to calculate the next retry delay.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^(attempt-1)
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

func (s BackoffStrategy) String() string {
	switch s {
	case BackoffLinear:
		return "linear"
	case BackoffConstant:
		return "constant"
	default:
		return "exponential"
	}
}

// ParseStrategy maps a strategy name to a BackoffStrategy. Empty means
// exponential.
func ParseStrategy(s string) (BackoffStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exponential":
		return BackoffExponential, nil
	case "linear":
		return BackoffLinear, nil
	case "constant":
		return BackoffConstant, nil
	}
	return BackoffExponential, verrors.E(verrors.KindInvalidInput, "retry.ParseStrategy",
		fmt.Sprintf("unknown backoff strategy %q", s))
}

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the base interval for backoff calculation.
	// Default is DefaultBaseInterval.
	BaseInterval time.Duration

	// MaxInterval is the maximum interval between retries.
	// Default is 30 seconds.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.1 (10% jitter).
	Jitter float64
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  30 * time.Second,
		Jitter:       0.1,
	}
}

// Interval returns the delay before retry number attempts (1-based).
func (c *BackoffConfig) Interval(attempts int) time.Duration {
	interval := c.calculateInterval(attempts)
	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}
	return interval
}

// calculateInterval calculates the backoff interval without jitter.
func (c *BackoffConfig) calculateInterval(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempts)

	case BackoffConstant:
		interval = c.BaseInterval

	default:
		// attempts 1 -> 1x, attempts 2 -> 2x, attempts 3 -> 4x, etc.
		raw := float64(c.BaseInterval) * math.Pow(2, float64(attempts-1))
		if raw >= math.MaxInt64 {
			interval = time.Duration(math.MaxInt64)
		} else {
			interval = time.Duration(raw)
		}
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}
	return interval
}

// applyJitter adds randomness to the interval to prevent thundering herd.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// For jitter=0.1, the range is [0.9, 1.1] of the interval.
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// RetrySchedule returns the delays for maxAttempts retries, without jitter.
// Useful for displaying or logging the expected retry schedule.
func (c *BackoffConfig) RetrySchedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}
	schedule := make([]time.Duration, maxAttempts)
	for i := 0; i < maxAttempts; i++ {
		schedule[i] = c.calculateInterval(i + 1)
	}
	return schedule
}

// TotalBackoffTime returns the total delay of maxAttempts retries.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	var total time.Duration
	for _, d := range c.RetrySchedule(maxAttempts) {
		total += d
	}
	return total
}

// Wait sleeps for the delay of retry number attempts, or until ctx is done.
func (c *BackoffConfig) Wait(ctx context.Context, attempts int) error {
	timer := time.NewTimer(c.Interval(attempts))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return verrors.E(verrors.KindTimeout, "retry.Wait", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ShouldRetry reports whether err is worth another attempt.
func ShouldRetry(err error) bool {
	return err != nil && verrors.IsRetryable(err)
}
