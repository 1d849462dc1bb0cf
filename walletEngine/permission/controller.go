package permission

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Controller tracks scope grants per origin. Grants are cached in memory and
// written through to the store.
type Controller struct {
	store  Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	origins map[string]OriginPermissions
}

// NewController creates a new permission controller.
func NewController(store Store, bus *eventbus.Bus, clk clock.Clock, logger zerolog.Logger) *Controller {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	return &Controller{
		store:   store,
		bus:     bus,
		clock:   clk,
		logger:  logger.With().Str("component", "permission_controller").Logger(),
		origins: make(map[string]OriginPermissions),
	}
}

// Load fills the cache from the store.
func (c *Controller) Load(ctx context.Context) error {
	all, err := c.store.ListPermissions(ctx)
	if err != nil {
		return apperrors.NewInternal("failed to load permissions", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.origins = make(map[string]OriginPermissions, len(all))
	for _, p := range all {
		c.origins[p.Origin] = p.Clone()
	}
	c.logger.Debug().Int("origins", len(all)).Msg("permissions loaded")
	return nil
}

// Grant adds scopes for origin on chainRef.
func (c *Controller) Grant(ctx context.Context, origin, chainRef string, scopes ...Scope) error {
	for _, s := range scopes {
		if !s.Valid() {
			return apperrors.NewInvalidParams("unknown scope " + string(s))
		}
	}
	return c.update(ctx, origin, chainRef, func(g *ChainGrant) {
		for _, s := range scopes {
			if !g.has(s) {
				g.Scopes = append(g.Scopes, s)
			}
		}
	})
}

// SetAccounts binds accounts for origin on chainRef and grants the accounts
// scope. An empty list disconnects the origin from that chain.
func (c *Controller) SetAccounts(ctx context.Context, origin, chainRef string, accounts []string) error {
	return c.update(ctx, origin, chainRef, func(g *ChainGrant) {
		g.Accounts = dedupe(accounts)
		if len(g.Accounts) > 0 && !g.has(ScopeAccounts) {
			g.Scopes = append(g.Scopes, ScopeAccounts)
		}
	})
}

func (c *Controller) update(ctx context.Context, origin, chainRef string, mutate func(*ChainGrant)) error {
	if origin == "" || chainRef == "" {
		return apperrors.NewInvalidParams("origin and chain are required")
	}

	c.mu.Lock()
	perms, ok := c.origins[origin]
	if ok {
		perms = perms.Clone()
	} else {
		perms = OriginPermissions{Origin: origin, Chains: make(map[string]ChainGrant)}
	}
	grant := perms.Chains[chainRef].clone()
	mutate(&grant)
	sort.Slice(grant.Scopes, func(i, j int) bool { return grant.Scopes[i] < grant.Scopes[j] })
	perms.Chains[chainRef] = grant
	perms.UpdatedAt = c.clock.Now()

	if err := c.store.UpsertPermissions(ctx, perms); err != nil {
		c.mu.Unlock()
		return apperrors.NewInternal("failed to persist permissions", err)
	}
	c.origins[origin] = perms
	c.mu.Unlock()

	c.logger.Info().
		Str("origin", origin).
		Str("chain_ref", chainRef).
		Int("accounts", len(grant.Accounts)).
		Msg("permissions updated")
	eventbus.Publish(c.bus, TopicPermissionsChanged, Change{Origin: origin, ChainRef: chainRef})
	return nil
}

// Revoke drops everything origin holds on chainRef.
func (c *Controller) Revoke(ctx context.Context, origin, chainRef string) error {
	c.mu.Lock()
	perms, ok := c.origins[origin]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if _, has := perms.Chains[chainRef]; !has {
		c.mu.Unlock()
		return nil
	}
	if err := c.store.RemovePermission(ctx, origin, chainRef); err != nil {
		c.mu.Unlock()
		return apperrors.NewInternal("failed to remove permission", err)
	}
	perms = perms.Clone()
	delete(perms.Chains, chainRef)
	if len(perms.Chains) == 0 {
		delete(c.origins, origin)
	} else {
		c.origins[origin] = perms
	}
	c.mu.Unlock()

	eventbus.Publish(c.bus, TopicPermissionsChanged, Change{Origin: origin, ChainRef: chainRef})
	return nil
}

// Disconnect drops every grant of origin.
func (c *Controller) Disconnect(ctx context.Context, origin string) error {
	c.mu.Lock()
	if _, ok := c.origins[origin]; !ok {
		c.mu.Unlock()
		return nil
	}
	if err := c.store.ClearOrigin(ctx, origin); err != nil {
		c.mu.Unlock()
		return apperrors.NewInternal("failed to clear origin", err)
	}
	delete(c.origins, origin)
	c.mu.Unlock()

	c.logger.Info().Str("origin", origin).Msg("origin disconnected")
	eventbus.Publish(c.bus, TopicPermissionsChanged, Change{Origin: origin})
	return nil
}

// RemoveAccount unbinds an account from every origin, e.g. after the
// keyring dropped it.
func (c *Controller) RemoveAccount(ctx context.Context, account string) error {
	c.mu.RLock()
	type binding struct{ origin, chainRef string }
	var affected []binding
	for origin, perms := range c.origins {
		for ref, g := range perms.Chains {
			for _, a := range g.Accounts {
				if strings.EqualFold(a, account) {
					affected = append(affected, binding{origin, ref})
					break
				}
			}
		}
	}
	c.mu.RUnlock()

	for _, b := range affected {
		err := c.update(ctx, b.origin, b.chainRef, func(g *ChainGrant) {
			kept := g.Accounts[:0]
			for _, a := range g.Accounts {
				if !strings.EqualFold(a, account) {
					kept = append(kept, a)
				}
			}
			g.Accounts = kept
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of origin's grants.
func (c *Controller) Get(origin string) (OriginPermissions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.origins[origin]
	if !ok {
		return OriginPermissions{}, false
	}
	return p.Clone(), true
}

// ListOrigins returns every origin holding a grant, sorted.
func (c *Controller) ListOrigins() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.origins))
	for origin := range c.origins {
		out = append(out, origin)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// GetAccounts returns the accounts bound to origin on chainRef.
func (c *Controller) GetAccounts(origin, chainRef string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.origins[origin].Chains[chainRef].Accounts...)
}

// IsConnected reports whether origin has an account binding on chainRef.
func (c *Controller) IsConnected(origin, chainRef string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g := c.origins[origin].Chains[chainRef]
	return g.has(ScopeAccounts) && len(g.Accounts) > 0
}

// HasScope reports whether origin holds scope on chainRef.
func (c *Controller) HasScope(origin, chainRef string, scope Scope) bool {
	if scope == ScopeBasic || scope == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.origins[origin].Chains[chainRef].has(scope)
}

// AssertPermission fails with PermissionDenied unless origin satisfies req.
func (c *Controller) AssertPermission(origin string, req Requirement) error {
	if c.HasScope(origin, req.ChainRef, req.Scope) {
		return nil
	}
	return apperrors.Newf(apperrors.ReasonPermissionDenied, "origin lacks %s permission for %s", req.Scope, req.Method).
		WithData("method", req.Method).
		WithContext("origin", origin).
		WithContext("chain_ref", req.ChainRef)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
