package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestTrackerDelays(t *testing.T) {
	cfg := TrackerConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 4}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
	}, cfg.Delays())

	def := TrackerConfig{}.Delays()
	require.Len(t, def, 40)
	assert.Equal(t, 3*time.Second, def[0])
	assert.Equal(t, 3*time.Second, def[39])
}

func TestTrackerPollsOnSchedule(t *testing.T) {
	ticks := make(chan time.Duration, 8)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)
	tr := NewTracker(TrackerConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 4}, clk, zerolog.Nop())

	polls := make(chan int, 8)
	tr.Track(context.Background(), "tx-1", func(_ context.Context, attempt int) bool {
		polls <- attempt
		return attempt == 3
	}, func(int) { t.Error("unexpected timeout") })
	assert.True(t, tr.IsTracking("tx-1"))

	now := testTime
	for i, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		require.Equal(t, want, <-ticks)
		now = now.Add(want)
		clk.SetTime(now)
		assert.Equal(t, i+1, <-polls)
	}

	require.Eventually(t, func() bool { return !tr.IsTracking("tx-1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.Count())
}

func TestTrackerTimeout(t *testing.T) {
	ticks := make(chan time.Duration, 8)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)
	tr := NewTracker(TrackerConfig{InitialDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 2}, clk, zerolog.Nop())

	timedOut := make(chan int, 1)
	tr.Track(context.Background(), "tx-1", func(context.Context, int) bool { return false }, func(n int) { timedOut <- n })

	now := testTime
	for i := 0; i < 2; i++ {
		<-ticks
		now = now.Add(time.Second)
		clk.SetTime(now)
	}
	select {
	case n := <-timedOut:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("timeout callback not called")
	}
	require.Eventually(t, func() bool { return !tr.IsTracking("tx-1") }, time.Second, 5*time.Millisecond)
}

func TestTrackerStopAndReplace(t *testing.T) {
	ticks := make(chan time.Duration, 8)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)
	counts := make(chan int, 16)
	tr := newTracker(TrackerConfig{InitialDelay: time.Second}, clk, func(n int) { counts <- n }, zerolog.Nop())

	never := func(context.Context, int) bool { return false }
	tr.Track(context.Background(), "tx-1", never, nil)
	tr.Resume(context.Background(), "tx-1", never, nil)
	tr.Track(context.Background(), "tx-2", never, nil)
	<-ticks
	<-ticks
	<-ticks
	assert.Equal(t, 2, tr.Count())

	tr.Stop("tx-1")
	tr.Stop("tx-1")
	assert.False(t, tr.IsTracking("tx-1"))
	assert.True(t, tr.IsTracking("tx-2"))

	tr.StopAll()
	assert.Equal(t, 0, tr.Count())

	var last int
	for len(counts) > 0 {
		last = <-counts
	}
	assert.Equal(t, 0, last)
}

func TestTrackerContextCancel(t *testing.T) {
	ticks := make(chan time.Duration, 4)
	clk := clock.NewTestClockWithTickSignal(testTime, ticks)
	tr := NewTracker(TrackerConfig{InitialDelay: time.Second}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	tr.Track(ctx, "tx-1", func(context.Context, int) bool { return false }, func(int) { t.Error("unexpected timeout") })
	<-ticks
	cancel()
	require.Eventually(t, func() bool { return !tr.IsTracking("tx-1") }, time.Second, 5*time.Millisecond)
}
