package scheduler

import (
	"context"
	"math"
	"time"
)

// RetryStrategy decides how long to wait before the next attempt
type RetryStrategy interface {
	// NextRetry returns the wait before attempt+1, given the descriptor's configured delay
	NextRetry(attempt int, delay time.Duration) time.Duration
}

// FixedDelay waits the configured delay between every attempt
type FixedDelay struct{}

// NextRetry implements RetryStrategy
func (FixedDelay) NextRetry(_ int, delay time.Duration) time.Duration {
	return delay
}

// ExponentialBackoff multiplies the configured delay for each attempt already made
type ExponentialBackoff struct {
	MaxDelay   time.Duration
	Multiplier float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int, delay time.Duration) time.Duration {
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	next := float64(delay)
	for i := 1; i < attempt; i++ {
		next *= multiplier
	}

	if s.MaxDelay > 0 && next > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if next >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(next)
}

// retryBudget is the number of extra attempts allowed after the first.
// The global cap only applies when it is positive.
func retryBudget(taskLimit, globalMax int) int {
	if globalMax > 0 && globalMax < taskLimit {
		return globalMax
	}
	return taskLimit
}

// sleepContext waits for d or until ctx ends, reporting whether the full wait elapsed
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
