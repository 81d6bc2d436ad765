// ABOUTME: Exponential backoff with additive jitter shared by stream reconnects and the persistence outbox.
// ABOUTME: Provides Policy configuration, delay calculation, and a generic Retry wrapper that honours permanent errors.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	// MaxRetries is the maximum number of retry attempts, not counting the initial call.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay. Jitter is added on top.
	MaxDelay time.Duration

	// BackoffMultiplier controls exponential growth between retries.
	BackoffMultiplier float64

	// MaxJitter bounds the random delay added to every backoff. Zero disables jitter.
	MaxJitter time.Duration

	// Jitter returns a value in [0, max). Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration

	// OnRetry is invoked before each retry with the triggering error, the
	// zero-indexed attempt, and the delay about to be applied.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns 5 retries, 1s base, 30s cap, 2x growth, and up to 1s jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		MaxJitter:         time.Second,
	}
}

// RandomJitter returns a uniformly random duration in [0, max).
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Backoff computes base * multiplier^attempt capped at MaxDelay, without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delayFloat := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}
	return time.Duration(delayFloat)
}

// CalculateDelay returns Backoff(attempt) plus jitter in [0, MaxJitter).
func (p Policy) CalculateDelay(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.MaxJitter > 0 {
		jitter := p.Jitter
		if jitter == nil {
			jitter = RandomJitter
		}
		delay += jitter(p.MaxJitter)
	}
	return delay
}

// ShouldRetry reports whether err warrants another attempt after attempt failures.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Retry runs fn until it succeeds, returns a permanent error, the policy gives up,
// or ctx is cancelled. The last error is returned.
func Retry(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := policy.CalculateDelay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
}
