// Package retry runs capability calls with bounded exponential backoff.
// Only errors classified as retryable by the failure package are retried.
package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ShayCichocki/foresight/internal/failure"
)

// Policy bounds how often and how fast a failing call is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialInterval is the wait before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration
	// AttemptTimeout bounds each individual call. Zero means no extra bound.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		AttemptTimeout:  2 * time.Minute,
	}
}

// LeaseMargin is added to a policy's budget to cover the store calls made
// around the retried call while a lease is held.
const LeaseMargin = 30 * time.Second

func (p Policy) intervals() (initial, ceiling time.Duration) {
	initial, ceiling = backoff.DefaultInitialInterval, backoff.DefaultMaxInterval
	if p.InitialInterval > 0 {
		initial = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		ceiling = p.MaxInterval
	}
	return initial, ceiling
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval, b.MaxInterval = p.intervals()
	return b
}

// Budget returns the longest Do can run under p: every attempt hitting
// AttemptTimeout plus the largest randomized wait between attempts.
// Without an AttemptTimeout the run is unbounded and Budget returns 0.
func (p Policy) Budget() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 0
	}
	tries := int(p.maxTries())
	total := time.Duration(tries) * p.AttemptTimeout
	interval, ceiling := p.intervals()
	for i := 1; i < tries; i++ {
		total += time.Duration(float64(min(interval, ceiling)) * (1 + backoff.DefaultRandomizationFactor))
		interval = time.Duration(float64(interval) * backoff.DefaultMultiplier)
	}
	return total
}

// MinLease returns the shortest lease that outlives a full run of p, or 0
// when p is unbounded.
func (p Policy) MinLease() time.Duration {
	b := p.Budget()
	if b == 0 {
		return 0
	}
	return b + LeaseMargin
}

func (p Policy) maxTries() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the number of attempts made. The
// returned error keeps its failure kind so callers can tell an exhausted
// transient failure from a permanent one.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		callCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}

		result, err := fn(callCtx)
		if err == nil {
			return result, nil
		}
		if !failure.KindOf(err).Retryable() {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		log.Printf("[retry] %s attempt %d failed: %v (retrying in %s)", op, attempts, err, wait)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.maxTries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return result, attempts, err
}
