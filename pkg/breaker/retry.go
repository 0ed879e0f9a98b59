package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loupe-obs/loupe/pkg/logs"
)

// RetryPolicy tunes exponential backoff between attempts. Delay for
// attempt n is min(InitialDelay * Factor^n, MaxDelay).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// Validate fills defaults.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	return nil
}

// ExecuteWithRetry runs fn under the breaker, retrying failed attempts
// with exponential backoff. Retries stop immediately once the circuit
// opens (no point hammering a dependency the breaker just declared dead)
// and are never attempted for validation errors.
func (b *Breaker) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context) error, timeout time.Duration, policy RetryPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.Factor
	bo.MaxElapsedTime = 0

	op := func() error {
		err := b.Execute(ctx, fn, timeout)
		if err == nil {
			return nil
		}
		if IsOpen(err) || logs.IsValidation(err) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(policy.MaxAttempts-1)))
}
