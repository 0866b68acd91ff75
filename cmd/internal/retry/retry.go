// Package retry applies the upstream retry schedule (100ms, 300ms, 900ms) to
// store, channel and collaborator calls.
package retry

import (
	"context"
	"time"

	"standup/cmd/internal/fault"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a geometric retry schedule without jitter.
// Attempts counts the initial call, so Attempts=4 means three retries.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Attempts   uint
}

// Default is the schedule every upstream call uses: 100ms, 300ms, 900ms.
var Default = Policy{
	Initial:    100 * time.Millisecond,
	Multiplier: 3,
	Attempts:   4,
}

// Immediate retries without waiting. Intended for tests.
var Immediate = Policy{
	Initial:    time.Nanosecond,
	Multiplier: 1,
	Attempts:   4,
}

func (p Policy) backOff() backoff.BackOff {
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. Exhaustion is reported as fault.ErrTransient wrapping the last
// cause. Errors classified by fault (validation, not found, ...) and context
// cancellation return immediately, unchanged.
func Do[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = Default.Attempts
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !fault.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
	)
	if err != nil && fault.Retryable(err) {
		return v, fault.Transient(op, err)
	}
	return v, err
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
