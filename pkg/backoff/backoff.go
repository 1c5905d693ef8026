// Package backoff provides retry policies as plain data and the helper that
// applies them.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

// Policy holds configuration for retry with exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// Base is the delay before the second attempt.
	// Default: 100ms
	Base time.Duration

	// Max caps any single delay. Zero means no cap.
	// Default: 5s
	Max time.Duration

	// Multiplier is applied to the delay after each attempt.
	// Default: 2.0
	Multiplier float64

	// Jitter is the fraction of the delay to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	Jitter float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        100 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Exponential returns a doubling policy without jitter.
func Exponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Base:        base,
		Max:         maxDelay,
		Multiplier:  2.0,
	}
}

// Delivery returns the policy for calls to an external side-effect
// collaborator: attempts tries, doubling from base up to maxDelay, with 10%
// jitter so retries from parallel workers spread out.
func Delivery(attempts int, base, maxDelay time.Duration) Policy {
	p := Exponential(attempts, base, maxDelay)
	p.Jitter = 0.1
	return p
}

// Delay returns the wait after the given failed attempt (1-indexed), before
// jitter: Base * Multiplier^(attempt-1), capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	j := time.Duration(float64(d) * p.Jitter * (rand.Float64()*2 - 1)) //nolint:gosec // jitter does not need crypto rand
	if d+j < 0 {
		return d
	}
	return d + j
}

// Retry calls op until it succeeds or the policy is exhausted, and returns
// the last error. op receives the 1-indexed attempt number.
// It does not retry context errors or core.NoRetryError, and waits the
// requested delay for core.RetryAfterError.
func Retry(ctx context.Context, p Policy, op func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= maxAttempts {
			break
		}

		wait := p.jittered(p.Delay(attempt))
		var ra *core.RetryAfterError
		if errors.As(lastErr, &ra) {
			wait = ra.Delay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// IsRetryable determines if an error is worth retrying.
// Context errors and NoRetry errors are permanent; anything else is assumed
// transient (connection resets, timeouts, lock waits).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !core.IsNoRetry(err)
}
