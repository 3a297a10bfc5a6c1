package ws

import (
	"context"
	"time"
)

// RetryPolicy describes bounded exponential backoff for backend
// reconnection. The zero value is not useful; use DefaultRetryPolicy or
// build one from configuration.
type RetryPolicy struct {
	// MaxAttempts caps the number of attempts before giving up.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times starting at one second, doubling
// per attempt, capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

// Delay returns the backoff delay preceding the given zero-based attempt.
// Attempt 0 has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. It returns nil on the first success, the last error after
// exhausting attempts, or the context error if ctx ends during a wait.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
