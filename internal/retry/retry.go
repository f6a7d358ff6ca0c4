/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package retry runs an operation a bounded number of times with backoff between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable defines a func that can tell if error is retryable as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// Do executes fn according to policy p while ctx is alive.
// isRetryable may be nil, in which case every error is retried.
// notify, if not nil, is called before each retry with the error and the delay.
func Do(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bctx.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// ConstantPolicy retries up to MaxRetries times with a fixed interval.
// MaxRetries of zero means a single attempt.
type ConstantPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

func NewConstantPolicy(interval time.Duration, maxRetries int) ConstantPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return ConstantPolicy{Interval: interval, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ConstantPolicy) NewBackOff() backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxRetries))
	b.Reset()
	return b
}
