package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/attention"
	"github.com/iosh/arx-sub004/walletEngine/chainregistry"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/methods"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
	"github.com/iosh/arx-sub004/walletEngine/permission"
)

// ActiveChains resolves chain references.
type ActiveChains interface {
	GetChain(chainRef string) (chainregistry.Chain, bool)
	ActiveChain(namespace string) (chainregistry.Chain, bool)
}

// Session reports the lock state.
type Session interface {
	IsUnlocked() bool
}

// PermissionChecker answers origin grant questions.
type PermissionChecker interface {
	IsConnected(origin, chainRef string) bool
	AssertPermission(origin string, req permission.Requirement) error
}

// AttentionSignal queues a best-effort UI prompt.
type AttentionSignal interface {
	RequestAttention(reason attention.Reason, origin, method, chainRef string) bool
}

// ResolveDecorator attaches the invocation context: namespace, target chain
// and the method's definition or passthrough entry.
type ResolveDecorator struct {
	registry *methods.Registry
	chains   ActiveChains
}

func NewResolveDecorator(registry *methods.Registry, chains ActiveChains) ResolveDecorator {
	return ResolveDecorator{registry: registry, chains: chains}
}

func (rd ResolveDecorator) Handle(ctx context.Context, req *Request, next Handler) (any, error) {
	if req.Method == "" {
		return nil, apperrors.New(apperrors.ReasonRpcInvalidRequest, "method is required")
	}
	inv := &Invocation{}
	req.Invocation = inv

	namespace, known := rd.registry.NamespaceOf(req.Method)
	if req.ChainRef != "" {
		hinted, _, ok := strings.Cut(req.ChainRef, ":")
		if !ok || hinted == "" {
			return nil, apperrors.NewInvalidParams("chain reference must be namespace:reference")
		}
		if known && namespace != methods.NamespaceUI && namespace != hinted {
			return nil, apperrors.Newf(apperrors.ReasonChainNotCompatible, "%s is not available on %s", req.Method, req.ChainRef)
		}
		if !known {
			namespace = hinted
		}
	}
	inv.Namespace = namespace
	if !known {
		return next(ctx, req)
	}

	inv.Definition, _ = rd.registry.Definition(namespace, req.Method)
	if inv.Definition == nil {
		inv.Passthrough, _ = rd.registry.Passthrough(namespace, req.Method)
	}

	switch {
	case req.ChainRef != "":
		if _, ok := rd.chains.GetChain(req.ChainRef); !ok {
			return nil, apperrors.NewChainNotFound(req.ChainRef)
		}
		inv.ChainRef = req.ChainRef
	case namespace != methods.NamespaceUI:
		active, ok := rd.chains.ActiveChain(namespace)
		if !ok {
			return nil, apperrors.Newf(apperrors.ReasonChainNotSupported, "no active %s chain", namespace)
		}
		inv.ChainRef = active.ChainRef
	}
	return next(ctx, req)
}

// InitGateDecorator rejects requests until startup recovery has finished.
type InitGateDecorator struct {
	ready func() bool
}

func NewInitGateDecorator(ready func() bool) InitGateDecorator {
	return InitGateDecorator{ready: ready}
}

func (ig InitGateDecorator) Handle(ctx context.Context, req *Request, next Handler) (any, error) {
	if ig.ready != nil && !ig.ready() {
		return nil, apperrors.ErrNotInitialized
	}
	return next(ctx, req)
}

// AccessGuardDecorator enforces lock, connection and scope policy. Internal
// origins bypass it.
type AccessGuardDecorator struct {
	session     Session
	permissions PermissionChecker
	attention   AttentionSignal
	logger      zerolog.Logger
}

func NewAccessGuardDecorator(session Session, permissions PermissionChecker, signal AttentionSignal, logger zerolog.Logger) AccessGuardDecorator {
	return AccessGuardDecorator{session: session, permissions: permissions, attention: signal, logger: logger}
}

// lockedResponse short-circuits the executor with a fixed result.
type lockedResponse struct{ value any }

func (ag AccessGuardDecorator) Handle(ctx context.Context, req *Request, next Handler) (any, error) {
	if req.internal() {
		return next(ctx, req)
	}
	inv := req.Invocation
	if inv == nil || (inv.Definition == nil && inv.Passthrough == nil) {
		return nil, apperrors.NewMethodNotFound(req.Method)
	}
	unlocked := ag.session.IsUnlocked()

	if p := inv.Passthrough; p != nil {
		if !unlocked && !p.AllowWhenLocked {
			ag.requestUnlock(req)
			return nil, sessionLocked(req.Method)
		}
		return next(ctx, req)
	}

	def := inv.Definition
	if !unlocked {
		switch def.Locked.Mode {
		case methods.LockedAllow:
			return next(ctx, req)
		case methods.LockedRespond:
			return lockedResponse{value: def.Locked.Response}, nil
		}
		if def.Bootstrap {
			// The dapp is asking to connect; surface the wallet so the user
			// can unlock while the request proceeds.
			ag.requestUnlock(req)
			return next(ctx, req)
		}
		ag.requestUnlock(req)
		return nil, sessionLocked(req.Method)
	}

	if def.RequiresConnection && !ag.permissions.IsConnected(req.Origin, inv.ChainRef) {
		return nil, apperrors.Newf(apperrors.ReasonPermissionNotConnected, "%s is not connected to %s", req.Origin, inv.ChainRef).
			WithData("origin", req.Origin)
	}
	err := ag.permissions.AssertPermission(req.Origin, permission.Requirement{
		Method:   req.Method,
		Scope:    def.Scope,
		ChainRef: inv.ChainRef,
	})
	if err != nil {
		return nil, err
	}
	return next(ctx, req)
}

func (ag AccessGuardDecorator) requestUnlock(req *Request) {
	if ag.attention == nil {
		return
	}
	chainRef := ""
	if req.Invocation != nil {
		chainRef = req.Invocation.ChainRef
	}
	if ag.attention.RequestAttention(attention.ReasonUnlockRequired, req.Origin, req.Method, chainRef) {
		ag.logger.Debug().Str("origin", req.Origin).Str("method", req.Method).Msg("unlock prompt queued")
	}
}

func sessionLocked(method string) error {
	return apperrors.Newf(apperrors.ReasonSessionLocked, "wallet is locked; unlock to call %s", method)
}

// ExecutorDecorator invokes the resolved handler. It is the last stage.
type ExecutorDecorator struct {
	activity func()
}

func NewExecutorDecorator(activity func()) ExecutorDecorator {
	return ExecutorDecorator{activity: activity}
}

func (ed ExecutorDecorator) Handle(ctx context.Context, req *Request, _ Handler) (any, error) {
	inv := req.Invocation
	var handler methods.Handler
	switch {
	case inv == nil:
	case inv.Definition != nil:
		handler = inv.Definition.Handler
	case inv.Passthrough != nil:
		handler = inv.Passthrough.Handler
	}
	if handler == nil {
		return nil, apperrors.NewMethodNotFound(req.Method)
	}
	result, err := handler(ctx, req.Call())
	if err == nil && req.internal() && ed.activity != nil {
		ed.activity()
	}
	return result, err
}

// ErrorBoundaryDecorator wraps the chain. It unwraps locked responses,
// recovers handler panics, encodes errors for the request's surface and
// records the outcome.
type ErrorBoundaryDecorator struct {
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewErrorBoundaryDecorator(m *metrics.Metrics, logger zerolog.Logger) ErrorBoundaryDecorator {
	return ErrorBoundaryDecorator{metrics: m, logger: logger}
}

func (eb ErrorBoundaryDecorator) Handle(ctx context.Context, req *Request, next Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("origin", req.Origin).
				Str("method", req.Method).
				Str("panic", fmt.Sprint(r)).
				Msg("method handler panicked")
			result, err = nil, apperrors.NewInternal("method handler failed", nil)
		}
		eb.finish(req, err)
		if err != nil {
			result, err = nil, apperrors.Encode(err, namespaceOf(req), req.Surface, req.diagnostics())
		}
	}()

	result, err = next(ctx, req)
	if lr, ok := result.(lockedResponse); ok {
		result = lr.value
	}
	return result, err
}

func (eb ErrorBoundaryDecorator) finish(req *Request, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.ReasonOf(err))
		if outcome == "" {
			outcome = string(apperrors.ReasonRpcInternal)
		}
		ev := eb.logger.Debug()
		if apperrors.CodeFor(namespaceOf(req), apperrors.ReasonOf(err)) == apperrors.CodeInternal {
			ev = eb.logger.Warn()
		}
		ev.Err(err).
			Str("origin", req.Origin).
			Str("method", req.Method).
			Str("reason", outcome).
			Msg("request failed")
	}
	eb.metrics.ObserveRequest(string(req.Surface), req.Method, outcome)
}

// LoggingDecorator wraps a stage with debug logging.
type LoggingDecorator struct {
	name   string
	dec    Decorator
	logger zerolog.Logger
}

func NewLoggingDecorator(name string, dec Decorator, logger zerolog.Logger) Decorator {
	return &LoggingDecorator{name: name, dec: dec, logger: logger}
}

func (ld *LoggingDecorator) Handle(ctx context.Context, req *Request, next Handler) (any, error) {
	ld.logger.Debug().Str("stage", ld.name).Str("method", req.Method).Msg("executing stage")
	result, err := ld.dec.Handle(ctx, req, next)
	if err != nil {
		ld.logger.Debug().Err(err).Str("stage", ld.name).Str("method", req.Method).Msg("stage failed")
	}
	return result, err
}
