package permission

import (
	"context"
	"time"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Scope is a named permission bucket an origin must hold.
type Scope string

const (
	// ScopeBasic is held implicitly by every origin.
	ScopeBasic       Scope = "basic"
	ScopeAccounts    Scope = "accounts"
	ScopeSign        Scope = "sign"
	ScopeTransaction Scope = "transaction"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeBasic, ScopeAccounts, ScopeSign, ScopeTransaction:
		return true
	default:
		return false
	}
}

// ChainGrant is what an origin holds on one chain.
type ChainGrant struct {
	Scopes   []Scope  `json:"scopes"`
	Accounts []string `json:"accounts"`
}

func (g ChainGrant) has(scope Scope) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (g ChainGrant) clone() ChainGrant {
	return ChainGrant{
		Scopes:   append([]Scope(nil), g.Scopes...),
		Accounts: append([]string(nil), g.Accounts...),
	}
}

// OriginPermissions holds every grant of one origin, keyed by chain reference.
type OriginPermissions struct {
	Origin    string                `json:"origin"`
	Chains    map[string]ChainGrant `json:"chains"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p OriginPermissions) Clone() OriginPermissions {
	out := OriginPermissions{Origin: p.Origin, UpdatedAt: p.UpdatedAt, Chains: make(map[string]ChainGrant, len(p.Chains))}
	for ref, g := range p.Chains {
		out.Chains[ref] = g.clone()
	}
	return out
}

// Requirement is what a method invocation needs from the caller's origin.
type Requirement struct {
	Method   string
	Scope    Scope
	ChainRef string
}

// Change is published whenever an origin's grants change.
type Change struct {
	Origin   string `json:"origin"`
	ChainRef string `json:"chainRef,omitempty"`
}

var TopicPermissionsChanged = eventbus.NewTopic[Change]("permissionsChanged", nil)

// Store persists grants.
type Store interface {
	GetPermissions(ctx context.Context, origin string) (OriginPermissions, bool, error)
	UpsertPermissions(ctx context.Context, perms OriginPermissions) error
	RemovePermission(ctx context.Context, origin, chainRef string) error
	ClearOrigin(ctx context.Context, origin string) error
	ListPermissions(ctx context.Context) ([]OriginPermissions, error)
}
