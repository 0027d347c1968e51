// Package retry provides the single bounded exponential-backoff policy shared
// by exchange calls and protective-order placement.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes a bounded-attempt exponential backoff schedule.
type Policy struct {
	// MaxAttempts includes the first try. Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles each attempt.
	BaseDelay time.Duration
	// MaxDelay caps the growth of the backoff.
	MaxDelay time.Duration
	// RetryIf decides whether an error is worth another attempt.
	// Nil retries every error.
	RetryIf func(error) bool
	// OnRetry is called before each wait, for logging.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned when all attempts fail.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		if !sleepWithContext(ctx, delay) {
			return errors.Join(lastErr, ctx.Err())
		}
		delay = nextDelay(delay, p.MaxDelay)
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
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

func nextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
