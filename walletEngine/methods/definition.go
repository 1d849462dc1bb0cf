// Package methods holds the static policy and handler of every RPC method the
// engine answers, for dapp namespaces and the internal UI surface.
package methods

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/permission"
)

// NamespaceUI is the pseudo namespace of internal UI methods.
const NamespaceUI = "ui"

// LockedMode selects what a scoped method does while the session is locked.
type LockedMode int

const (
	LockedDeny LockedMode = iota
	LockedAllow
	LockedRespond
)

// LockedPolicy is a method's behavior while locked. Response is returned
// as-is when Mode is LockedRespond.
type LockedPolicy struct {
	Mode     LockedMode
	Response any
}

func AllowWhenLocked() LockedPolicy { return LockedPolicy{Mode: LockedAllow} }

func RespondWhenLocked(v any) LockedPolicy { return LockedPolicy{Mode: LockedRespond, Response: v} }

// Effect is a side effect the host must honor when relaying a UI result.
type Effect string

const (
	EffectBroadcastSnapshot Effect = "broadcastSnapshot"
	EffectPersistVaultMeta  Effect = "persistVaultMeta"
	EffectHoldBroadcast     Effect = "holdBroadcast"
)

// Call is one resolved method invocation.
type Call struct {
	Origin    string
	Method    string
	Params    json.RawMessage
	Namespace string
	ChainRef  string
}

// Handler executes a method.
type Handler func(ctx context.Context, call Call) (any, error)

// Definition is the policy and handler of a scoped method.
type Definition struct {
	Method string
	Scope  permission.Scope
	// RequiresConnection demands an account binding on the target chain.
	RequiresConnection bool
	RequiresApproval   bool
	Locked             LockedPolicy
	// Bootstrap methods may run while locked; they are how a dapp first
	// reaches the wallet.
	Bootstrap bool
	Effects   []Effect
	Handler   Handler
}

// Passthrough is a method forwarded to the chain's RPC endpoints.
type Passthrough struct {
	Method          string
	AllowWhenLocked bool
	Handler         Handler
}

// Registry maps namespaces and method names to definitions. It is filled at
// startup and read-only afterwards.
type Registry struct {
	definitions map[string]map[string]*Definition
	passthrough map[string]map[string]*Passthrough
	owners      map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]map[string]*Definition),
		passthrough: make(map[string]map[string]*Passthrough),
		owners:      make(map[string]string),
	}
}

func (r *Registry) claim(namespace, method string) error {
	if method == "" || namespace == "" {
		return apperrors.NewInvalidParams("method and namespace are required")
	}
	if owner, ok := r.owners[method]; ok {
		return apperrors.Newf(apperrors.ReasonRpcInvalidRequest, "method %s already registered for %s", method, owner)
	}
	r.owners[method] = namespace
	return nil
}

// Register adds a scoped definition.
func (r *Registry) Register(namespace string, def Definition) error {
	if def.Handler == nil {
		return apperrors.Newf(apperrors.ReasonRpcInvalidRequest, "method %s has no handler", def.Method)
	}
	if err := r.claim(namespace, def.Method); err != nil {
		return err
	}
	if def.Scope == "" {
		def.Scope = permission.ScopeBasic
	}
	def.Effects = append([]Effect(nil), def.Effects...)
	if r.definitions[namespace] == nil {
		r.definitions[namespace] = make(map[string]*Definition)
	}
	r.definitions[namespace][def.Method] = &def
	return nil
}

// RegisterPassthrough adds a forwarded method.
func (r *Registry) RegisterPassthrough(namespace string, p Passthrough) error {
	if p.Handler == nil {
		return apperrors.Newf(apperrors.ReasonRpcInvalidRequest, "method %s has no handler", p.Method)
	}
	if err := r.claim(namespace, p.Method); err != nil {
		return err
	}
	if r.passthrough[namespace] == nil {
		r.passthrough[namespace] = make(map[string]*Passthrough)
	}
	r.passthrough[namespace][p.Method] = &p
	return nil
}

// NamespaceOf returns the namespace owning method. Methods are unique across
// namespaces; an unknown method falls back to its prefix ("ui.x" -> "ui").
func (r *Registry) NamespaceOf(method string) (string, bool) {
	if ns, ok := r.owners[method]; ok {
		return ns, true
	}
	if strings.HasPrefix(method, NamespaceUI+".") {
		return NamespaceUI, true
	}
	return "", false
}

// Definition returns the scoped definition of method in namespace.
func (r *Registry) Definition(namespace, method string) (*Definition, bool) {
	d, ok := r.definitions[namespace][method]
	return d, ok
}

// Passthrough returns the passthrough entry of method in namespace.
func (r *Registry) Passthrough(namespace, method string) (*Passthrough, bool) {
	p, ok := r.passthrough[namespace][method]
	return p, ok
}

// Methods lists every registered method of namespace, sorted.
func (r *Registry) Methods(namespace string) []string {
	var out []string
	for m := range r.definitions[namespace] {
		out = append(out, m)
	}
	for m := range r.passthrough[namespace] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
