package errors

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether err is worth another attempt; nil retries
	// endpoint failures only.
	Retryable func(err error) bool
	// Clock drives the waits between attempts. Defaults to wall time.
	Clock clock.Clock
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Retryable:    IsEndpointFailure,
	}
}

// schedule returns the delays between attempts: InitialDelay growing by
// Multiplier, capped at MaxDelay, with no jitter.
func (c *RetryConfig) schedule(attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.Multiplier = c.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = c.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryWithConfig retries fn until it succeeds, returns a non-retryable
// error, or runs out of attempts.
func RetryWithConfig(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryable := config.Retryable
	if retryable == nil {
		retryable = IsEndpointFailure
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	op := func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(config.schedule(attempts), ctx), nil, &clockTimer{clk: clk})
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clk clock.Clock
	c   <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clk.TickAfter(d) }

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }
