package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied to retryable errors.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	// ThrottleMultiplier stretches the next delay after a throttled error.
	ThrottleMultiplier float64 `json:"throttle_multiplier"`
}

// DefaultRetryPolicy returns 3 attempts starting at one second, capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		MaxInterval:        time.Minute,
		ThrottleMultiplier: 5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.ThrottleMultiplier < 1 {
		p.ThrottleMultiplier = 1
	}
	return p
}

// throttleAwareBackOff lengthens the delay after throttled errors.
type throttleAwareBackOff struct {
	backoff.BackOff
	last       *error
	multiplier float64
	max        time.Duration
}

func (b *throttleAwareBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || !IsThrottled(*b.last) {
		return d
	}
	d = time.Duration(float64(d) * b.multiplier)
	if d > b.max {
		d = b.max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. Only transient and throttled errors are
// retried; the last error is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify is Retry with a callback invoked before each backoff sleep.
func RetryNotify(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	policy = policy.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0

	var last error
	b := &throttleAwareBackOff{
		BackOff:    exp,
		last:       &last,
		multiplier: policy.ThrottleMultiplier,
		max:        policy.MaxInterval,
	}

	operation := func() error {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}

	return backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1)), ctx),
		notify,
	)
}
