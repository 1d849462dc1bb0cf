// Package transaction owns the transaction record lifecycle: approval,
// prepare, sign, broadcast and receipt tracking.
package transaction

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
)

// Error reasons recorded on failed records that have no engine reason.
const (
	FailureReverted     = "reverted"
	FailureSessionLost  = "session_lost"
	FailureBlocked      = "blocked_by_issues"
	FailureUserRejected = "user_rejected"
)

// Approver brokers user consent.
type Approver interface {
	RequestApproval(ctx context.Context, task approval.Task, strategy approval.Strategy) (any, error)
}

// Config holds configuration for the engine.
type Config struct {
	Store     Store
	Adapters  []Adapter
	Approvals Approver
	Tracker   TrackerConfig
	Bus       *eventbus.Bus
	Revision  *eventbus.RevisionNotifier
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// SubmitRequest is a new transaction from an origin.
type SubmitRequest struct {
	Origin   string
	ChainRef string
	From     string // account address
	Request  json.RawMessage
	Strategy approval.Strategy // optional automatic decision
}

// Engine drives records through the status graph. Every write is a
// compare-and-swap so concurrent callers never both apply a transition.
type Engine struct {
	store     Store
	adapters  map[string]Adapter
	approvals Approver
	tracker   *Tracker
	bus       *eventbus.Bus
	revision  *eventbus.RevisionNotifier
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    zerolog.Logger

	mu     sync.Mutex
	runCtx context.Context
}

// NewEngine creates an engine. Start must be called before records are
// tracked in the background.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(cfg.Logger)
	}
	adapters := make(map[string]Adapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Namespace()] = a
	}
	return &Engine{
		store:     cfg.Store,
		adapters:  adapters,
		approvals: cfg.Approvals,
		tracker:   newTracker(cfg.Tracker, cfg.Clock, cfg.Metrics.SetTrackedTransactions, cfg.Logger),
		bus:       cfg.Bus,
		revision:  cfg.Revision,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With().Str("component", "tx_engine").Logger(),
		runCtx:    context.Background(),
	}
}

// Start binds background tracking to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
}

// Stop cancels all receipt tracking.
func (e *Engine) Stop() {
	e.tracker.StopAll()
}

// Tracker exposes the receipt tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

func (e *Engine) background() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) adapter(namespace string) (Adapter, error) {
	a, ok := e.adapters[namespace]
	if !ok {
		return nil, apperrors.Newf(apperrors.ReasonChainNotSupported, "no transaction adapter for namespace %s", namespace)
	}
	return a, nil
}

// Get returns a copy of the record with id.
func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return Record{}, apperrors.NewInternal("failed to load transaction", err)
	}
	if !ok {
		return Record{}, apperrors.Newf(apperrors.ReasonTxNotFound, "transaction %s not found", id)
	}
	return rec, nil
}

// List returns records matching filter.
func (e *Engine) List(ctx context.Context, filter Filter) ([]Record, error) {
	recs, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternal("failed to list transactions", err)
	}
	return recs, nil
}

// SubmitTransaction records a new pending transaction, asks for approval and,
// once approved, prepares, signs and broadcasts it. It returns the record as
// of broadcast. A rejected approval fails the record and returns the
// rejection.
func (e *Engine) SubmitTransaction(ctx context.Context, req SubmitRequest) (Record, error) {
	namespace, _, ok := cutChainRef(req.ChainRef)
	if !ok {
		return Record{}, apperrors.NewInvalidParams("chain reference must be namespace:reference")
	}
	if _, err := e.adapter(namespace); err != nil {
		return Record{}, err
	}
	if len(req.Request) == 0 || !json.Valid(req.Request) {
		return Record{}, apperrors.NewInvalidParams("transaction request must be a JSON object")
	}
	if req.From == "" {
		return Record{}, apperrors.NewInvalidParams("transaction sender is required")
	}

	now := e.clock.Now()
	rec := Record{
		ID:            uuid.NewString(),
		Namespace:     namespace,
		ChainRef:      req.ChainRef,
		Origin:        req.Origin,
		FromAccountID: req.ChainRef + ":" + req.From,
		Request:       cloneRaw(req.Request),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Upsert(ctx, rec); err != nil {
		return Record{}, apperrors.NewInternal("failed to persist transaction", err)
	}
	e.logger.Info().
		Str("tx_id", rec.ID).
		Str("origin", rec.Origin).
		Str("chain_ref", rec.ChainRef).
		Msg("transaction queued")
	eventbus.Publish(e.bus, TopicQueued, rec.Clone())
	e.bump()

	// Fee and nonce estimates are shown on the approval; a failure becomes an
	// issue rather than an error so the user still sees the request.
	if prepared, err := e.Prepare(ctx, rec.ID); err == nil {
		rec = prepared
	} else {
		e.logger.Warn().Err(err).Str("tx_id", rec.ID).Msg("prepare before approval failed")
	}

	if e.approvals == nil {
		return rec, apperrors.NewInternal("no approval controller configured", nil)
	}
	task, err := approvalTask(rec)
	if err != nil {
		return rec, err
	}
	if _, err := e.approvals.RequestApproval(ctx, task, req.Strategy); err != nil {
		userRejected := apperrors.HasReason(err, apperrors.ReasonApprovalRejected) ||
			apperrors.HasReason(err, apperrors.ReasonUserRejected)
		failed, ferr := e.reject(ctx, rec.ID, err, userRejected)
		if ferr != nil {
			e.logger.Error().Err(ferr).Str("tx_id", rec.ID).Msg("failed to record rejection")
			return rec, err
		}
		return failed, err
	}

	// A resolver usually approved the record already; strategies without a
	// resolver leave it pending.
	if _, err := e.ApproveTransaction(ctx, rec.ID); err != nil && !apperrors.HasReason(err, apperrors.ReasonTxInvalidTransition) {
		return rec, err
	}
	return e.ProcessTransaction(ctx, rec.ID)
}

type approvalPayload struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	Request  json.RawMessage `json:"request"`
	Prepared json.RawMessage `json:"prepared,omitempty"`
	Warnings []Issue         `json:"warnings,omitempty"`
	Issues   []Issue         `json:"issues,omitempty"`
}

func approvalTask(rec Record) (approval.Task, error) {
	payload, err := json.Marshal(approvalPayload{
		ID:       rec.ID,
		From:     rec.FromAccountID,
		Request:  rec.Request,
		Prepared: rec.Prepared,
		Warnings: rec.Warnings,
		Issues:   rec.Issues,
	})
	if err != nil {
		return approval.Task{}, apperrors.NewInternal("failed to encode approval payload", err)
	}
	return approval.Task{
		ID:        rec.ID,
		Type:      approval.TypeSendTransaction,
		Origin:    rec.Origin,
		Namespace: rec.Namespace,
		ChainRef:  rec.ChainRef,
		Payload:   payload,
	}, nil
}

// Prepare runs the adapter's prepare step for a pending or approved record
// and attaches params, warnings and issues. The status is unchanged.
func (e *Engine) Prepare(ctx context.Context, id string) (Record, error) {
	rec, err := e.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending && rec.Status != StatusApproved {
		return rec, apperrors.Newf(apperrors.ReasonTxInvalidTransition, "cannot prepare a %s transaction", rec.Status)
	}
	adapter, err := e.adapter(rec.Namespace)
	if err != nil {
		return rec, err
	}

	prepared, perr := adapter.Prepare(ctx, rec)
	if perr != nil && (apperrors.IsEndpointFailure(perr) || apperrors.HasReason(perr, apperrors.ReasonRpcUnavailable)) {
		return rec, perr
	}
	next := rec.Clone()
	next.UpdatedAt = e.clock.Now()
	if perr != nil {
		next.Prepared = nil
		next.Issues = []Issue{{Code: "prepareFailed", Message: perr.Error()}}
	} else {
		next.Prepared = cloneRaw(prepared.Params)
		next.Warnings = cloneIssues(prepared.Warnings)
		next.Issues = cloneIssues(prepared.Issues)
	}

	ok, err := e.store.UpdateIfStatus(ctx, id, rec.Status, next)
	if err != nil {
		return rec, apperrors.NewInternal("failed to persist prepared transaction", err)
	}
	if !ok {
		// Someone moved the record on; report the current state.
		cur, gerr := e.Get(ctx, id)
		if gerr != nil {
			return rec, gerr
		}
		return cur, perr
	}
	next.Version = rec.Version + 1
	e.bump()
	return next, perr
}

// ApproveTransaction moves a pending record to approved. Approving an
// already approved record is a no-op.
func (e *Engine) ApproveTransaction(ctx context.Context, id string) (Record, error) {
	rec, _, err := e.transition(ctx, id, StatusPending, StatusApproved, nil)
	if err != nil {
		return rec, err
	}
	if rec.Status != StatusApproved {
		return rec, apperrors.Newf(apperrors.ReasonTxInvalidTransition, "cannot approve a %s transaction", rec.Status).
			WithData("id", id)
	}
	return rec, nil
}

// RejectTransaction fails a record that has not been broadcast yet.
func (e *Engine) RejectTransaction(ctx context.Context, id string, reason error) (Record, error) {
	if reason == nil {
		reason = apperrors.ErrUserRejected
	}
	return e.reject(ctx, id, reason, true)
}

func (e *Engine) reject(ctx context.Context, id string, reason error, userRejected bool) (Record, error) {
	rec, err := e.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	switch rec.Status {
	case StatusPending, StatusApproved, StatusSigned:
	default:
		return rec, apperrors.Newf(apperrors.ReasonTxInvalidTransition, "cannot reject a %s transaction", rec.Status)
	}
	return e.fail(ctx, rec, reason, userRejected)
}

// ProcessTransaction drives an approved record through sign and broadcast and
// starts receipt tracking. Signed records resume at broadcast; broadcast
// records only make sure tracking runs.
func (e *Engine) ProcessTransaction(ctx context.Context, id string) (Record, error) {
	rec, err := e.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	adapter, err := e.adapter(rec.Namespace)
	if err != nil {
		return rec, err
	}

	if rec.Status == StatusApproved {
		rec, err = e.sign(ctx, adapter, rec)
		if err != nil || rec.Status != StatusSigned {
			return rec, err
		}
	}
	if rec.Status == StatusSigned {
		rec, err = e.broadcast(ctx, adapter, rec)
		if err != nil || rec.Status != StatusBroadcast {
			return rec, err
		}
	}
	if rec.Status == StatusBroadcast {
		if !e.tracker.IsTracking(rec.ID) {
			e.startTracking(rec)
		}
		return rec, nil
	}
	return rec, apperrors.Newf(apperrors.ReasonTxInvalidTransition, "cannot process a %s transaction", rec.Status).
		WithData("id", rec.ID)
}

func (e *Engine) sign(ctx context.Context, adapter Adapter, rec Record) (Record, error) {
	if rec.Prepared == nil {
		prepared, err := e.Prepare(ctx, rec.ID)
		if err != nil && prepared.Status == "" {
			return rec, err
		}
		rec = prepared
		if rec.Status != StatusApproved {
			return rec, nil
		}
	}
	if len(rec.Issues) > 0 {
		cause := apperrors.New(apperrors.ReasonRpcInvalidRequest, "transaction has blocking issues").
			WithData("issues", rec.Issues)
		failed, err := e.failWith(ctx, rec, FailureBlocked, cause, false)
		if err != nil {
			return rec, err
		}
		return failed, cause
	}

	signed, err := adapter.Sign(ctx, rec)
	if err != nil {
		if isLockedError(err) {
			// Left approved; recovery signs it after the next unlock.
			e.logger.Info().Str("tx_id", rec.ID).Msg("signing deferred until unlock")
			return rec, err
		}
		if failed, ferr := e.fail(ctx, rec, err, false); ferr == nil {
			rec = failed
		}
		return rec, err
	}

	next, _, err := e.transition(ctx, rec.ID, StatusApproved, StatusSigned, func(r *Record) {
		r.Signed = cloneRaw(signed)
	})
	return next, err
}

func (e *Engine) broadcast(ctx context.Context, adapter Adapter, rec Record) (Record, error) {
	hash, err := adapter.Broadcast(ctx, rec)
	if err != nil {
		if apperrors.IsEndpointFailure(err) || apperrors.HasReason(err, apperrors.ReasonRpcUnavailable) {
			// The node may or may not have the transaction; the signed
			// payload is resent on recovery and yields the same hash.
			e.logger.Warn().Err(err).Str("tx_id", rec.ID).Msg("broadcast deferred")
			return rec, err
		}
		if failed, ferr := e.fail(ctx, rec, err, false); ferr == nil {
			rec = failed
		}
		return rec, err
	}

	owner, found, err := e.store.FindByHash(ctx, rec.ChainRef, hash)
	if err != nil {
		return rec, apperrors.NewInternal("failed to check transaction hash", err)
	}
	if found && owner.ID != rec.ID {
		cause := apperrors.Newf(apperrors.ReasonTxDuplicateHash, "transaction hash %s already recorded on %s", hash, rec.ChainRef).
			WithData("hash", hash)
		if failed, ferr := e.fail(ctx, rec, cause, false); ferr == nil {
			rec = failed
		}
		return rec, cause
	}

	next, _, err := e.transition(ctx, rec.ID, StatusSigned, StatusBroadcast, func(r *Record) {
		r.Hash = hash
	})
	if err != nil {
		if apperrors.HasReason(err, apperrors.ReasonTxDuplicateHash) {
			if failed, ferr := e.fail(ctx, rec, err, false); ferr == nil {
				return failed, err
			}
		}
		return rec, err
	}
	e.logger.Info().Str("tx_id", rec.ID).Str("hash", hash).Str("chain_ref", rec.ChainRef).Msg("transaction broadcast")
	return next, nil
}

// ResumePending recovers records after a restart. Broadcast records resume
// tracking. Pending records lost their approval with the previous session
// and fail. Approved and signed records are only driven on when
// includeSigning is set, which callers do after the session unlocks.
func (e *Engine) ResumePending(ctx context.Context, includeSigning bool) (int, error) {
	statuses := []Status{StatusBroadcast, StatusPending}
	if includeSigning {
		statuses = append(statuses, StatusApproved, StatusSigned)
	}
	recs, err := e.store.List(ctx, Filter{Statuses: statuses})
	if err != nil {
		return 0, apperrors.NewInternal("failed to list unfinished transactions", err)
	}

	resumed := 0
	for _, rec := range recs {
		switch rec.Status {
		case StatusBroadcast:
			if e.tracker.IsTracking(rec.ID) {
				continue
			}
			e.startTracking(rec)
			resumed++
		case StatusPending:
			if e.awaitingApproval(rec.ID) {
				continue
			}
			cause := apperrors.New(apperrors.ReasonApprovalExpired, FailureSessionLost)
			if _, err := e.failWith(ctx, rec, FailureSessionLost, cause, false); err != nil {
				e.logger.Error().Err(err).Str("tx_id", rec.ID).Msg("failed to expire orphaned transaction")
			}
		case StatusApproved, StatusSigned:
			if _, err := e.ProcessTransaction(ctx, rec.ID); err != nil {
				e.logger.Warn().Err(err).Str("tx_id", rec.ID).Msg("failed to resume transaction")
				continue
			}
			resumed++
		}
	}
	e.logger.Info().Int("resumed", resumed).Bool("include_signing", includeSigning).Msg("pending transactions resumed")
	return resumed, nil
}

// awaitingApproval reports whether a live approval task exists for id.
func (e *Engine) awaitingApproval(id string) bool {
	type hasser interface{ Has(id string) bool }
	if h, ok := e.approvals.(hasser); ok {
		return h.Has(id)
	}
	return false
}

// transition applies from -> to with a version compare-and-swap. It returns
// ok=false without error when the stored record no longer has status from.
func (e *Engine) transition(ctx context.Context, id string, from, to Status, mutate func(*Record)) (Record, bool, error) {
	if !CanTransition(from, to) {
		return Record{}, false, apperrors.Newf(apperrors.ReasonTxInvalidTransition, "illegal transition %s -> %s", from, to)
	}
	cur, err := e.Get(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	if cur.Status != from {
		return cur, false, nil
	}

	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = e.clock.Now()
	if mutate != nil {
		mutate(&next)
	}
	ok, err := e.store.CompareAndSwap(ctx, id, cur.Version, next)
	if err != nil {
		if apperrors.HasReason(err, apperrors.ReasonTxDuplicateHash) {
			return cur, false, err
		}
		return cur, false, apperrors.NewInternal("failed to persist transaction", err)
	}
	if !ok {
		latest, gerr := e.Get(ctx, id)
		if gerr != nil {
			return cur, false, gerr
		}
		e.logger.Debug().Str("tx_id", id).Str("from", string(from)).Str("to", string(to)).Msg("transition lost race")
		return latest, false, nil
	}
	next.Version = cur.Version + 1

	e.metrics.ObserveTransition(string(from), string(to))
	e.logger.Debug().Str("tx_id", id).Str("from", string(from)).Str("to", string(to)).Msg("transaction transitioned")
	eventbus.Publish(e.bus, TopicStatusChanged, StatusChange{ID: id, ChainRef: next.ChainRef, From: from, To: to, Hash: next.Hash})
	e.bump()
	return next, true, nil
}

func (e *Engine) fail(ctx context.Context, rec Record, cause error, userRejected bool) (Record, error) {
	reason := string(apperrors.ReasonOf(cause))
	if userRejected {
		reason = FailureUserRejected
	}
	return e.failWith(ctx, rec, reason, cause, userRejected)
}

func (e *Engine) failWith(ctx context.Context, rec Record, reason string, cause error, userRejected bool) (Record, error) {
	recErr := &RecordError{Reason: reason, Message: cause.Error()}
	if userRejected {
		recErr.Code = apperrors.CodeUserRejected
	} else {
		recErr.Code = apperrors.Encode(cause, rec.Namespace, apperrors.SurfaceUI, apperrors.Diagnostics{}).Code
	}
	next, _, err := e.transition(ctx, rec.ID, rec.Status, StatusFailed, func(r *Record) {
		r.Error = recErr
		r.UserRejected = userRejected
	})
	if err == nil && next.Status == StatusFailed {
		e.logger.Info().Str("tx_id", rec.ID).Str("reason", reason).Msg("transaction failed")
	}
	return next, err
}

func (e *Engine) startTracking(rec Record) {
	id := rec.ID
	e.tracker.Track(e.background(), id,
		func(ctx context.Context, attempt int) bool { return e.poll(ctx, id, attempt) },
		func(attempts int) { e.trackingTimedOut(id, attempts) },
	)
	e.logger.Debug().Str("tx_id", id).Str("hash", rec.Hash).Msg("receipt tracking started")
}

func (e *Engine) poll(ctx context.Context, id string, attempt int) bool {
	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Warn().Err(err).Str("tx_id", id).Msg("failed to load tracked transaction")
		return false
	}
	if !ok || rec.Status != StatusBroadcast {
		return true
	}
	adapter, err := e.adapter(rec.Namespace)
	if err != nil {
		return true
	}

	res, err := adapter.FetchReceipt(ctx, rec.ChainRef, rec.Hash)
	if err != nil {
		e.logger.Debug().Err(err).Str("tx_id", id).Int("attempt", attempt).Msg("receipt poll failed")
		return false
	}
	if res.Found {
		to := StatusConfirmed
		if !res.Success {
			to = StatusFailed
		}
		_, _, err := e.transition(ctx, id, StatusBroadcast, to, func(r *Record) {
			r.Receipt = cloneRaw(res.Receipt)
			if to == StatusFailed {
				r.Error = &RecordError{Reason: FailureReverted, Message: "transaction reverted"}
			}
		})
		if err != nil {
			e.logger.Error().Err(err).Str("tx_id", id).Msg("failed to record receipt")
			return false
		}
		return true
	}

	repl, err := adapter.DetectReplacement(ctx, rec)
	if err != nil {
		e.logger.Debug().Err(err).Str("tx_id", id).Msg("replacement check failed")
		return false
	}
	if repl.Replaced {
		e.replaced(ctx, rec, repl)
		return true
	}
	return false
}

// replaced marks rec replaced and, when the replacing hash is known and not
// owned by another record, tracks that hash from the start of the schedule.
func (e *Engine) replaced(ctx context.Context, rec Record, repl Replacement) {
	_, ok, err := e.transition(ctx, rec.ID, StatusBroadcast, StatusReplaced, func(r *Record) {
		r.ReplacedBy = repl.Hash
	})
	if err != nil || !ok {
		return
	}
	e.logger.Info().Str("tx_id", rec.ID).Str("hash", rec.Hash).Str("replaced_by", repl.Hash).Msg("transaction replaced")
	if repl.Hash == "" {
		return
	}
	owner, found, err := e.store.FindByHash(ctx, rec.ChainRef, repl.Hash)
	if err != nil || (found && owner.ID != rec.ID) {
		return
	}

	next, ok, err := e.transition(ctx, rec.ID, StatusReplaced, StatusBroadcast, func(r *Record) {
		r.Hash = repl.Hash
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("tx_id", rec.ID).Msg("failed to re-track replaced transaction")
		return
	}
	if ok {
		e.startTracking(next)
	}
}

func (e *Engine) trackingTimedOut(id string, attempts int) {
	rec, ok, err := e.store.Get(e.background(), id)
	if err != nil || !ok {
		return
	}
	eventbus.Publish(e.bus, TopicTrackingTimeout, TrackingTimeout{ID: id, ChainRef: rec.ChainRef, Hash: rec.Hash, Attempts: attempts})
}

func (e *Engine) bump() {
	if e.revision != nil {
		e.revision.Bump()
	}
}

func isLockedError(err error) bool {
	return apperrors.HasReason(err, apperrors.ReasonVaultLocked) ||
		apperrors.HasReason(err, apperrors.ReasonSessionLocked) ||
		apperrors.HasReason(err, apperrors.ReasonSecretUnavailable)
}

func cutChainRef(chainRef string) (namespace, reference string, ok bool) {
	namespace, reference, found := strings.Cut(chainRef, ":")
	return namespace, reference, found && namespace != "" && reference != ""
}
