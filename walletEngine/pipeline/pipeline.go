// Package pipeline runs every inbound request through an ordered chain of
// decorators that resolve its invocation context, gate it on session and
// permission state, and execute the method handler.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/methods"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
)

// InternalOrigin is the origin of the wallet's own UI.
const InternalOrigin = "arx://internal"

// Request is one inbound call. Invocation is filled by the resolver.
type Request struct {
	Origin  string
	Method  string
	Params  json.RawMessage
	Surface apperrors.Surface
	// ChainRef optionally targets a chain other than the namespace's active one.
	ChainRef string

	Invocation *Invocation
}

// Invocation is the resolved routing of a request.
type Invocation struct {
	Namespace   string
	ChainRef    string
	Definition  *methods.Definition
	Passthrough *methods.Passthrough
}

// Call converts the request into a handler call.
func (r *Request) Call() methods.Call {
	call := methods.Call{Origin: r.Origin, Method: r.Method, Params: r.Params}
	if r.Invocation != nil {
		call.Namespace = r.Invocation.Namespace
		call.ChainRef = r.Invocation.ChainRef
	}
	return call
}

func (r *Request) internal() bool {
	return r.Origin == InternalOrigin
}

func (r *Request) diagnostics() apperrors.Diagnostics {
	d := apperrors.Diagnostics{Origin: r.Origin, Method: r.Method, ChainRef: r.ChainRef}
	if r.Invocation != nil && r.Invocation.ChainRef != "" {
		d.ChainRef = r.Invocation.ChainRef
	}
	return d
}

// Handler processes a request.
type Handler func(ctx context.Context, req *Request) (any, error)

// Decorator is one stage. It either short-circuits or calls next.
type Decorator interface {
	Handle(ctx context.Context, req *Request, next Handler) (any, error)
}

// Chain composes decorators so that the first one runs outermost.
func Chain(decorators ...Decorator) Handler {
	var terminal Handler = func(context.Context, *Request) (any, error) {
		return nil, nil
	}
	for i := len(decorators) - 1; i >= 0; i-- {
		dec, next := decorators[i], terminal
		terminal = func(ctx context.Context, req *Request) (any, error) {
			return dec.Handle(ctx, req, next)
		}
	}
	return terminal
}

// Response is what the pipeline returns to a transport.
type Response struct {
	Result  any
	Error   *apperrors.Envelope
	Effects []methods.Effect
}

// Config holds configuration for the pipeline.
type Config struct {
	Registry    *methods.Registry
	Chains      ActiveChains
	Ready       func() bool
	Session     Session
	Permissions PermissionChecker
	Attention   AttentionSignal
	// Activity is called after every successful internal request.
	Activity func()
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// Verbose wraps each stage in a logging decorator.
	Verbose bool
}

// Pipeline is the access policy pipeline.
type Pipeline struct {
	handler Handler
	logger  zerolog.Logger
}

// New builds the standard stage order.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger.With().Str("component", "pipeline").Logger()
	stages := []struct {
		name string
		dec  Decorator
	}{
		{"resolve", NewResolveDecorator(cfg.Registry, cfg.Chains)},
		{"init_gate", NewInitGateDecorator(cfg.Ready)},
		{"access_guard", NewAccessGuardDecorator(cfg.Session, cfg.Permissions, cfg.Attention, logger)},
		{"executor", NewExecutorDecorator(cfg.Activity)},
	}
	decorators := []Decorator{NewErrorBoundaryDecorator(cfg.Metrics, logger)}
	for _, s := range stages {
		dec := s.dec
		if cfg.Verbose {
			dec = NewLoggingDecorator(s.name, dec, logger)
		}
		decorators = append(decorators, dec)
	}
	return &Pipeline{handler: Chain(decorators...), logger: logger}
}

// Handle runs req through the pipeline. Errors come back encoded for the
// request's namespace and surface.
func (p *Pipeline) Handle(ctx context.Context, req Request) Response {
	if req.Surface == "" {
		req.Surface = apperrors.SurfaceDapp
	}
	if req.Surface == apperrors.SurfaceDapp && req.Origin == InternalOrigin {
		// A dapp cannot claim the wallet's own origin.
		req.Origin = ""
	}
	result, err := p.handler(ctx, &req)
	resp := Response{Result: result}
	if err != nil {
		var env *apperrors.Envelope
		if !apperrors.As(err, &env) {
			env = apperrors.Encode(err, namespaceOf(&req), req.Surface, req.diagnostics())
		}
		resp.Result = nil
		resp.Error = env
		return resp
	}
	if req.Invocation != nil && req.Invocation.Definition != nil {
		resp.Effects = append([]methods.Effect(nil), req.Invocation.Definition.Effects...)
	}
	return resp
}

func namespaceOf(req *Request) string {
	if req.Invocation != nil {
		return req.Invocation.Namespace
	}
	return ""
}
