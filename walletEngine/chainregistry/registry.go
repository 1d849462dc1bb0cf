// Package chainregistry keeps the known chains and the active chain per
// namespace.
package chainregistry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/config"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/rpcrouter"
)

const activeChainKeyPrefix = "activeChain."

// Chain is the metadata of one registered chain.
type Chain struct {
	ChainRef       string   `json:"chainRef"`
	Namespace      string   `json:"namespace"`
	Name           string   `json:"name"`
	NativeSymbol   string   `json:"nativeSymbol"`
	NativeDecimals int      `json:"nativeDecimals"`
	RPCURLs        []string `json:"rpcUrls"`
	Strategy       string   `json:"strategy,omitempty"`
}

func (c Chain) clone() Chain {
	c.RPCURLs = append([]string(nil), c.RPCURLs...)
	return c
}

// Reference returns the part of the chain ref after the namespace.
func (c Chain) Reference() string {
	_, ref, _ := strings.Cut(c.ChainRef, ":")
	return ref
}

// ChainChanged is published when a namespace's active chain changes.
type ChainChanged struct {
	Namespace string `json:"namespace"`
	Previous  string `json:"previous,omitempty"`
	ChainRef  string `json:"chainRef"`
}

var TopicChainChanged = eventbus.NewTopic[ChainChanged]("chainChanged", nil)

// SettingsStore persists small key/value preferences.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// EndpointSyncer receives endpoint lists for registered chains.
type EndpointSyncer interface {
	SyncChain(meta rpcrouter.ChainMetadata) error
	RemoveChain(chainRef string)
}

// Config holds configuration for the registry.
type Config struct {
	Settings SettingsStore
	Router   EndpointSyncer
	Bus      *eventbus.Bus
	Revision *eventbus.RevisionNotifier
	Logger   zerolog.Logger
}

// Registry is the chain metadata owner.
type Registry struct {
	settings SettingsStore
	router   EndpointSyncer
	bus      *eventbus.Bus
	revision *eventbus.RevisionNotifier
	logger   zerolog.Logger

	mu     sync.RWMutex
	chains map[string]Chain
	active map[string]string // namespace -> chainRef
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(cfg.Logger)
	}
	return &Registry{
		settings: cfg.Settings,
		router:   cfg.Router,
		bus:      cfg.Bus,
		revision: cfg.Revision,
		logger:   cfg.Logger.With().Str("component", "chain_registry").Logger(),
		chains:   make(map[string]Chain),
		active:   make(map[string]string),
	}
}

// FromConfig converts configured chains into registry entries.
func FromConfig(cfg *config.Config) []Chain {
	out := make([]Chain, 0, len(cfg.ChainConfigs))
	for ref, cc := range cfg.ChainConfigs {
		out = append(out, Chain{
			ChainRef:       ref,
			Namespace:      config.Namespace(ref),
			Name:           cc.Name,
			NativeSymbol:   cc.NativeSymbol,
			NativeDecimals: cc.NativeDecimals,
			RPCURLs:        append([]string(nil), cc.RPCURLs...),
			Strategy:       cc.Strategy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainRef < out[j].ChainRef })
	return out
}

// Load registers chains and restores the active chain of every namespace:
// the persisted choice first, then defaults, then the first registered chain.
func (r *Registry) Load(ctx context.Context, chains []Chain, defaults map[string]string) error {
	for _, c := range chains {
		if err := r.RegisterChain(c); err != nil {
			return errors.Wrapf(err, "failed to register chain %s", c.ChainRef)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	namespaces := make(map[string]struct{})
	for _, c := range r.chains {
		namespaces[c.Namespace] = struct{}{}
	}
	for ns := range namespaces {
		if ref := r.restoreActive(ctx, ns); ref != "" {
			r.active[ns] = ref
			continue
		}
		if ref, ok := defaults[ns]; ok {
			if _, known := r.chains[ref]; known {
				r.active[ns] = ref
				continue
			}
			r.logger.Warn().Str("namespace", ns).Str("chain_ref", ref).Msg("default chain is not registered")
		}
		r.active[ns] = r.firstChainLocked(ns)
	}
	return nil
}

func (r *Registry) restoreActive(ctx context.Context, ns string) string {
	if r.settings == nil {
		return ""
	}
	ref, ok, err := r.settings.GetSetting(ctx, activeChainKeyPrefix+ns)
	if err != nil {
		r.logger.Warn().Err(err).Str("namespace", ns).Msg("failed to read active chain")
		return ""
	}
	if !ok {
		return ""
	}
	if _, known := r.chains[ref]; !known {
		return ""
	}
	return ref
}

func (r *Registry) firstChainLocked(ns string) string {
	var refs []string
	for ref, c := range r.chains {
		if c.Namespace == ns {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

// RegisterChain adds or updates a chain and syncs its endpoints to the router.
func (r *Registry) RegisterChain(chain Chain) error {
	ns, ref, ok := strings.Cut(chain.ChainRef, ":")
	if !ok || ns == "" || ref == "" {
		return apperrors.NewInvalidParams("chain reference must be namespace:reference").
			WithData("chainRef", chain.ChainRef)
	}
	if chain.Namespace == "" {
		chain.Namespace = ns
	}
	if chain.Namespace != ns {
		return apperrors.Newf(apperrors.ReasonChainNotCompatible, "chain %s does not belong to namespace %s", chain.ChainRef, chain.Namespace)
	}

	if r.router != nil && len(chain.RPCURLs) > 0 {
		err := r.router.SyncChain(rpcrouter.ChainMetadata{
			ChainRef: chain.ChainRef,
			RPCURLs:  chain.RPCURLs,
			Strategy: chain.Strategy,
		})
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.chains[chain.ChainRef] = chain.clone()
	r.mu.Unlock()

	r.logger.Debug().Str("chain_ref", chain.ChainRef).Int("rpc_urls", len(chain.RPCURLs)).Msg("chain registered")
	r.bump()
	return nil
}

// RemoveChain unregisters a chain. The active chain of a namespace cannot be
// removed.
func (r *Registry) RemoveChain(chainRef string) error {
	r.mu.Lock()
	c, ok := r.chains[chainRef]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewChainNotFound(chainRef)
	}
	if r.active[c.Namespace] == chainRef {
		r.mu.Unlock()
		return apperrors.Newf(apperrors.ReasonRpcInvalidRequest, "cannot remove active chain %s", chainRef)
	}
	delete(r.chains, chainRef)
	r.mu.Unlock()

	if r.router != nil {
		r.router.RemoveChain(chainRef)
	}
	r.bump()
	return nil
}

// SwitchChain makes chainRef the active chain of namespace.
func (r *Registry) SwitchChain(ctx context.Context, namespace, chainRef string) error {
	r.mu.Lock()
	c, ok := r.chains[chainRef]
	if !ok {
		r.mu.Unlock()
		return apperrors.NewChainNotFound(chainRef)
	}
	if c.Namespace != namespace {
		r.mu.Unlock()
		return apperrors.Newf(apperrors.ReasonChainNotCompatible, "chain %s is not a %s chain", chainRef, namespace)
	}
	previous := r.active[namespace]
	if previous == chainRef {
		r.mu.Unlock()
		return nil
	}
	r.active[namespace] = chainRef
	r.mu.Unlock()

	if r.settings != nil {
		if err := r.settings.PutSetting(ctx, activeChainKeyPrefix+namespace, chainRef); err != nil {
			r.logger.Error().Err(err).Str("chain_ref", chainRef).Msg("failed to persist active chain")
		}
	}

	r.logger.Info().Str("namespace", namespace).Str("previous", previous).Str("chain_ref", chainRef).Msg("active chain switched")
	eventbus.Publish(r.bus, TopicChainChanged, ChainChanged{Namespace: namespace, Previous: previous, ChainRef: chainRef})
	r.bump()
	return nil
}

// GetChain returns a registered chain.
func (r *Registry) GetChain(chainRef string) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[chainRef]
	if !ok {
		return Chain{}, false
	}
	return c.clone(), true
}

// ActiveChain returns the active chain of namespace.
func (r *Registry) ActiveChain(namespace string) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref := r.active[namespace]
	c, ok := r.chains[ref]
	if !ok {
		return Chain{}, false
	}
	return c.clone(), true
}

// ListChains returns all chains ordered by chain ref.
func (r *Registry) ListChains() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainRef < out[j].ChainRef })
	return out
}

// ActiveChains returns namespace -> active chain ref.
func (r *Registry) ActiveChains() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.active))
	for ns, ref := range r.active {
		if ref != "" {
			out[ns] = ref
		}
	}
	return out
}

func (r *Registry) bump() {
	if r.revision != nil {
		r.revision.Bump()
	}
}
