package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of a provider call.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay before the second try; it doubles after each failure.
	Base time.Duration
}

// Retry runs op until it succeeds, the policy is exhausted or ctx is done.
// Errors wrapping ErrRejected are not retried. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	if p.Base <= 0 {
		eb.InitialInterval = time.Millisecond
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
