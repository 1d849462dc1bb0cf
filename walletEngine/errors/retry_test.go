package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retryEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRetryWithConfigSchedule(t *testing.T) {
	ticks := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(retryEpoch, ticks)
	failure := errors.New("connection reset by peer")

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- RetryWithConfig(context.Background(), func() error {
			calls.Add(1)
			return failure
		}, &RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
			Multiplier:   2,
			Clock:        clk,
		})
	}()

	now := retryEpoch
	for _, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond} {
		select {
		case got := <-ticks:
			assert.Equal(t, want, got)
			now = now.Add(got)
			clk.SetTime(now)
		case <-time.After(5 * time.Second):
			t.Fatalf("no wait scheduled for %v", want)
		}
	}

	select {
	case err := <-done:
		assert.Equal(t, failure, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish")
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestRetryWithConfigStopsOnPermanentError(t *testing.T) {
	var calls int
	invalid := NewInvalidParams("bad")

	err := RetryWithConfig(context.Background(), func() error {
		calls++
		return invalid
	}, &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, Clock: clock.NewTestClock(retryEpoch)})

	assert.Same(t, invalid, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithConfigRecovers(t *testing.T) {
	// zero delays tick immediately on the test clock
	var calls int
	err := RetryWithConfig(context.Background(), func() error {
		calls++
		if calls < 3 {
			return New(ReasonRpcUnavailable, "endpoint down")
		}
		return nil
	}, &RetryConfig{MaxAttempts: 3, Clock: clock.NewTestClock(retryEpoch)})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithConfigContextCanceled(t *testing.T) {
	ticks := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(retryEpoch, ticks)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- RetryWithConfig(ctx, func() error {
			return errors.New("connection refused")
		}, &RetryConfig{MaxAttempts: 3, InitialDelay: time.Minute, Clock: clk})
	}()

	<-ticks
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry ignored cancellation")
	}

	err := RetryWithConfig(ctx, func() error {
		t.Fatal("fn must not run on a canceled context")
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
