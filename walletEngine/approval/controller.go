package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
)

// Config holds configuration for the approval controller.
type Config struct {
	Store    Store                     // nil keeps tasks in memory only
	Bus      *eventbus.Bus             // defaults to a private bus
	Revision *eventbus.RevisionNotifier // optional
	Clock    clock.Clock               // defaults to the wall clock
	TTL      time.Duration             // 0 disables expiry
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type entryState int

const (
	statePending entryState = iota
	stateResolving
)

type outcome struct {
	result any
	err    error
}

type entry struct {
	task      Task
	state     entryState
	abandoned bool
	done      chan outcome
	stop      chan struct{}
}

// Controller holds pending consent tasks and is the only path through which
// privileged operations wait for the user.
type Controller struct {
	store    Store
	bus      *eventbus.Bus
	revision *eventbus.RevisionNotifier
	clock    clock.Clock
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*entry
}

// NewController creates a new approval controller.
func NewController(cfg Config) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New(cfg.Logger)
	}
	return &Controller{
		store:    cfg.Store,
		bus:      bus,
		revision: cfg.Revision,
		clock:    clk,
		ttl:      cfg.TTL,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "approval_controller").Logger(),
		pending:  make(map[string]*entry),
	}
}

// RequestApproval registers task as pending and blocks until it is resolved,
// rejected or expired. On approval the resolver's result is returned.
func (c *Controller) RequestApproval(ctx context.Context, task Task, strategy Strategy) (any, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = c.clock.Now()
	}
	if task.ExpiresAt.IsZero() && c.ttl > 0 {
		task.ExpiresAt = task.CreatedAt.Add(c.ttl)
	}

	e := &entry{
		task: task.clone(),
		done: make(chan outcome, 1),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.pending[task.ID]; exists {
		c.mu.Unlock()
		return nil, apperrors.Newf(apperrors.ReasonRpcInvalidRequest, "approval %s already pending", task.ID)
	}
	c.pending[task.ID] = e
	count := len(c.pending)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveTask(ctx, task); err != nil {
			c.mu.Lock()
			delete(c.pending, task.ID)
			c.mu.Unlock()
			return nil, apperrors.NewInternal("failed to persist approval task", err)
		}
	}

	c.metrics.SetPendingApprovals(count)
	c.logger.Info().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("origin", task.Origin).
		Str("chain_ref", task.ChainRef).
		Msg("approval requested")

	eventbus.Publish(c.bus, TopicRequested, task.clone())
	c.bump()

	if !task.ExpiresAt.IsZero() {
		go c.watchExpiry(e)
	}
	if strategy != nil {
		go c.runStrategy(ctx, task.clone(), strategy)
	}

	select {
	case out := <-e.done:
		return out.result, out.err
	case <-ctx.Done():
		c.mu.Lock()
		e.abandoned = true
		c.mu.Unlock()
		c.finish(task.ID, StatusExpired, nil, apperrors.Wrap(apperrors.ReasonApprovalExpired, ctx.Err(), "approval request cancelled"), false)
		// A resolver may hold the task; its outcome (or the expiry after a
		// failed resolve) settles it.
		out := <-e.done
		return out.result, out.err
	}
}

func (c *Controller) runStrategy(ctx context.Context, task Task, strategy Strategy) {
	d := strategy(ctx, task)
	if d.Approve {
		if _, err := c.Resolve(ctx, task.ID, d.Resolve); err != nil {
			c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("strategy resolve failed")
		}
		return
	}
	c.Reject(task.ID, d.Reason)
}

func (c *Controller) watchExpiry(e *entry) {
	wait := e.task.ExpiresAt.Sub(c.clock.Now())
	select {
	case <-e.stop:
		return
	case <-c.clock.TickAfter(wait):
	}
	c.finish(e.task.ID, StatusExpired, nil, apperrors.Newf(apperrors.ReasonApprovalExpired, "approval %s expired", e.task.ID), false)
}

// Resolve runs fn and approves the task with its result. Resolving a task
// that is unknown or no longer pending is a no-op and returns false. If fn
// fails the task stays pending and the error is returned to the resolver.
func (c *Controller) Resolve(ctx context.Context, id string, fn ResolveFunc) (bool, error) {
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok || e.state != statePending {
		c.mu.Unlock()
		return false, nil
	}
	e.state = stateResolving
	c.mu.Unlock()

	var result any
	if fn != nil {
		var err error
		result, err = fn(ctx)
		if err != nil {
			c.mu.Lock()
			e.state = statePending
			lapsed := e.abandoned || (!e.task.ExpiresAt.IsZero() && !c.clock.Now().Before(e.task.ExpiresAt))
			c.mu.Unlock()
			if lapsed {
				c.finish(id, StatusExpired, nil, apperrors.Newf(apperrors.ReasonApprovalExpired, "approval %s expired", id), false)
			}
			return false, err
		}
	}

	return c.finish(id, StatusApproved, result, nil, true), nil
}

// Reject rejects a pending task. A nil reason rejects as a user rejection.
// Rejecting an unknown or settled task is a no-op and returns false.
func (c *Controller) Reject(id string, reason error) bool {
	if reason == nil {
		reason = apperrors.New(apperrors.ReasonApprovalRejected, "user rejected the request")
	}
	return c.finish(id, StatusRejected, nil, reason, false)
}

// finish settles a task exactly once. fromResolving selects which entry
// state is allowed to settle.
func (c *Controller) finish(id string, status Status, result any, err error, fromResolving bool) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if fromResolving != (e.state == stateResolving) {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	count := len(c.pending)
	c.mu.Unlock()

	close(e.stop)
	e.done <- outcome{result: result, err: err}

	if c.store != nil {
		if perr := c.store.UpdateTaskStatus(context.Background(), id, status); perr != nil {
			c.logger.Error().Err(perr).Str("task_id", id).Msg("failed to persist approval status")
		}
	}

	c.metrics.SetPendingApprovals(count)
	c.logger.Info().
		Str("task_id", id).
		Str("status", string(status)).
		Msg("approval settled")

	eventbus.Publish(c.bus, TopicStateChanged, StateChange{TaskID: id, Status: status, Task: e.task.clone()})
	c.bump()
	return true
}

// ExpireAllPending force-rejects every pending task, including tasks a
// previous process persisted and can no longer answer. It returns the count.
func (c *Controller) ExpireAllPending(ctx context.Context, reason error) (int, error) {
	if reason == nil {
		reason = apperrors.New(apperrors.ReasonSessionLocked, "session_lost")
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id, e := range c.pending {
		if e.state == statePending {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	count := 0
	for _, id := range ids {
		if c.finish(id, StatusExpired, nil, reason, false) {
			count++
		}
	}

	if c.store == nil {
		return count, nil
	}

	stale, err := c.store.ListPendingTasks(ctx)
	if err != nil {
		return count, apperrors.NewInternal("failed to list persisted approvals", err)
	}
	for _, task := range stale {
		if c.Has(task.ID) {
			continue
		}
		if err := c.store.UpdateTaskStatus(ctx, task.ID, StatusExpired); err != nil {
			return count, apperrors.NewInternal("failed to expire persisted approval", err)
		}
		count++
		eventbus.Publish(c.bus, TopicStateChanged, StateChange{TaskID: task.ID, Status: StatusExpired, Task: task.clone()})
	}
	if count > 0 {
		c.logger.Info().Int("count", count).Msg("expired pending approvals")
		c.bump()
	}
	return count, nil
}

// Has reports whether id is a live task.
func (c *Controller) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Get returns a copy of a live task.
func (c *Controller) Get(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[id]
	if !ok {
		return Task{}, false
	}
	return e.task.clone(), true
}

// List returns copies of live tasks, oldest first.
func (c *Controller) List() []Task {
	c.mu.Lock()
	out := make([]Task, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e.task.clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OnRequest subscribes to newly registered tasks.
func (c *Controller) OnRequest(handler func(Task)) func() {
	return eventbus.Subscribe(c.bus, TopicRequested, handler)
}

// OnStateChanged subscribes to task settlements.
func (c *Controller) OnStateChanged(handler func(StateChange)) func() {
	return eventbus.Subscribe(c.bus, TopicStateChanged, handler)
}

func (c *Controller) bump() {
	if c.revision != nil {
		c.revision.Bump()
	}
}
