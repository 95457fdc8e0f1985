// Package retry re-runs whole store operations on transient failures.
//
// Stores never retry on their own. A retried operation starts over from its
// Fetch, so every attempt validates against fresh state.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, the first one included.
	// Values below 1 mean 1.
	MaxAttempts int
	// InitialDelay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// RetryConflicts also retries ErrConflict. Only enable it for operations
	// whose intent stays valid whatever a concurrent writer did.
	RetryConflicts bool
	// Notify, when set, is called before each new attempt.
	Notify func(err error, next time.Duration)
}

// DefaultPolicy retries transport failures twice.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Retryable reports whether the policy retries err.
func (p *Policy) Retryable(err error) bool {
	if storeerr.Temporary(err) {
		return true
	}
	return p.RetryConflicts && storeerr.CodeOf(err) == storeerr.ErrConflict
}

// Do calls op until it succeeds, fails permanently or the attempts run out.
// The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(1, p.MaxAttempts))),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
