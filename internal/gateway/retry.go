package gateway

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 300 * time.Millisecond
	defaultMultiplier  = 2.0
)

// RetryPolicy bounds the automatic retry of transient failures.
// MaxAttempts counts every call including the first.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Timer replaces the wall-clock sleep between attempts; nil uses real time.
	Timer backoff.Timer
}

// DefaultRetryPolicy returns three attempts spaced 300ms then 600ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Multiplier:  defaultMultiplier,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delays lists the sleeps the policy performs between attempts.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.normalized()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for attempt := 0; attempt < p.MaxAttempts-1; attempt++ {
		delays = append(delays, time.Duration(float64(p.BaseDelay)*math.Pow(p.Multiplier, float64(attempt))))
	}
	return delays
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.BaseDelay
	exponential.Multiplier = p.Multiplier
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(p.MaxAttempts)))
	exponential.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.MaxAttempts-1)), ctx)
}

// Run calls operation until it succeeds, returns a permanent error, or the budget is spent.
// Errors for which retryable reports false stop the loop immediately.
func (p RetryPolicy) Run(ctx context.Context, operation func() error, retryable func(error) bool, notify func(error, time.Duration)) error {
	attempt := func() error {
		err := operation()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotifyWithTimer(attempt, p.backOff(ctx), notify, p.Timer)
}
