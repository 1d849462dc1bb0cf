package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
)

// TrackerConfig is the receipt polling schedule.
type TrackerConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 3 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 40
	}
	return c
}

// newSchedule returns the delay sequence: initial, doubling, capped at max,
// ending after MaxAttempts delays.
func (c TrackerConfig) newSchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.MaxAttempts))
}

// Delays lists the whole schedule.
func (c TrackerConfig) Delays() []time.Duration {
	c = c.withDefaults()
	b := c.newSchedule()
	var out []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		out = append(out, d)
	}
	return out
}

// PollFunc checks a tracked transaction once. It returns true when tracking
// is finished.
type PollFunc func(ctx context.Context, attempt int) bool

// TimeoutFunc runs when the schedule is exhausted.
type TimeoutFunc func(attempts int)

type trackJob struct {
	stop chan struct{}
}

// Tracker runs one polling schedule per record id.
type Tracker struct {
	cfg     TrackerConfig
	clock   clock.Clock
	onCount func(int)
	logger  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*trackJob
	wg   sync.WaitGroup
}

// NewTracker creates a tracker.
func NewTracker(cfg TrackerConfig, clk clock.Clock, logger zerolog.Logger) *Tracker {
	return newTracker(cfg, clk, nil, logger)
}

// newTracker also takes a hook that receives the running schedule count
// whenever it changes.
func newTracker(cfg TrackerConfig, clk clock.Clock, onCount func(int), logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if onCount == nil {
		onCount = func(int) {}
	}
	return &Tracker{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		onCount: onCount,
		logger:  logger.With().Str("component", "receipt_tracker").Logger(),
		jobs:    make(map[string]*trackJob),
	}
}

// Track starts polling id from the beginning of the schedule. A schedule
// already running for id is replaced.
func (t *Tracker) Track(ctx context.Context, id string, poll PollFunc, onTimeout TimeoutFunc) {
	job := &trackJob{stop: make(chan struct{})}

	t.mu.Lock()
	if prev, ok := t.jobs[id]; ok {
		close(prev.stop)
	}
	t.jobs[id] = job
	t.onCount(len(t.jobs))
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx, id, job, poll, onTimeout)
}

// Resume restarts the schedule for id from its initial delay.
func (t *Tracker) Resume(ctx context.Context, id string, poll PollFunc, onTimeout TimeoutFunc) {
	t.Track(ctx, id, poll, onTimeout)
}

// Stop cancels tracking of id. Stopping an untracked id is a no-op.
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		close(job.stop)
		delete(t.jobs, id)
		t.onCount(len(t.jobs))
	}
}

// StopAll cancels every schedule and waits for the pollers to exit.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	for id, job := range t.jobs {
		close(job.stop)
		delete(t.jobs, id)
	}
	t.onCount(0)
	t.mu.Unlock()
	t.wg.Wait()
}

// IsTracking reports whether id has a running schedule.
func (t *Tracker) IsTracking(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.jobs[id]
	return ok
}

// Count returns the number of running schedules.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func (t *Tracker) run(ctx context.Context, id string, job *trackJob, poll PollFunc, onTimeout TimeoutFunc) {
	defer t.wg.Done()
	defer t.finish(id, job)

	schedule := t.cfg.newSchedule()
	attempt := 0
	for {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-job.stop:
			return
		case <-t.clock.TickAfter(delay):
		}

		attempt++
		if poll(ctx, attempt) {
			return
		}
	}

	select {
	case <-job.stop:
		return
	default:
	}
	t.logger.Warn().Str("tx_id", id).Int("attempts", attempt).Msg("receipt tracking timed out")
	if onTimeout != nil {
		onTimeout(attempt)
	}
}

// finish drops job unless it was already replaced.
func (t *Tracker) finish(id string, job *trackJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.jobs[id]; ok && cur == job {
		delete(t.jobs, id)
		t.onCount(len(t.jobs))
	}
}
