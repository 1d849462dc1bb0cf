package rpcrouter

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/metrics"
)

// Config holds configuration for the router.
type Config struct {
	DefaultCooldown time.Duration
	DefaultStrategy string
	Clock           clock.Clock
	Bus             *eventbus.Bus
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

type chainPool struct {
	endpoints   []Endpoint
	activeIndex int
	strategy    Strategy
}

func (p *chainPool) snapshot(chainRef string) ChainState {
	return ChainState{
		ChainRef:    chainRef,
		Endpoints:   append([]Endpoint(nil), p.endpoints...),
		ActiveIndex: p.activeIndex,
		Strategy:    p.strategy.Name(),
	}
}

// Router keeps one endpoint pool per chain and rotates the active endpoint
// when it fails.
type Router struct {
	cooldown        time.Duration
	defaultStrategy string
	clock           clock.Clock
	bus             *eventbus.Bus
	metrics         *metrics.Metrics
	logger          zerolog.Logger

	mu     sync.RWMutex
	chains map[string]*chainPool
}

// NewRouter creates an empty router.
func NewRouter(cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 30 * time.Second
	}
	return &Router{
		cooldown:        cfg.DefaultCooldown,
		defaultStrategy: cfg.DefaultStrategy,
		clock:           cfg.Clock,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With().Str("component", "rpc_router").Logger(),
		chains:          make(map[string]*chainPool),
	}
}

// SyncChain reconciles a chain's pool with its metadata. Health is kept for
// URLs that survive; the active endpoint is kept when its URL is still listed,
// otherwise the index is clamped into range.
func (r *Router) SyncChain(meta ChainMetadata) error {
	if meta.ChainRef == "" {
		return apperrors.NewInvalidParams("chain reference is required")
	}
	urls := dedupeURLs(meta.RPCURLs)
	if len(urls) == 0 {
		return apperrors.Newf(apperrors.ReasonRpcInvalidParams, "chain %s has no rpc endpoints", meta.ChainRef)
	}
	strategyName := meta.Strategy
	if strategyName == "" {
		strategyName = r.defaultStrategy
	}

	r.mu.Lock()
	prev, existed := r.chains[meta.ChainRef]
	pool := &chainPool{strategy: NewStrategy(strategyName)}

	prevHealth := map[string]Health{}
	prevActive := ""
	if existed {
		for _, ep := range prev.endpoints {
			prevHealth[ep.URL] = ep.Health
		}
		prevActive = prev.endpoints[prev.activeIndex].URL
	}

	pool.endpoints = make([]Endpoint, len(urls))
	activeIndex := -1
	for i, url := range urls {
		h, ok := prevHealth[url]
		if !ok {
			h = newHealth()
		}
		pool.endpoints[i] = Endpoint{URL: url, Health: h}
		if url == prevActive {
			activeIndex = i
		}
	}
	if activeIndex == -1 {
		activeIndex = 0
		if existed {
			activeIndex = clampIndex(prev.activeIndex, len(urls))
		}
	}
	pool.activeIndex = activeIndex
	r.chains[meta.ChainRef] = pool
	next := pool.endpoints[activeIndex].URL
	r.mu.Unlock()

	if existed && prevActive != next {
		r.publishChange(EndpointChanged{ChainRef: meta.ChainRef, Previous: prevActive, Next: next, Reason: "sync"})
	}
	r.logger.Debug().
		Str("chain", meta.ChainRef).
		Int("endpoints", len(urls)).
		Str("active", next).
		Msg("chain endpoints synced")
	return nil
}

// ReplaceState installs a previously captured state, e.g. on restore.
func (r *Router) ReplaceState(state ChainState) error {
	if state.ChainRef == "" || len(state.Endpoints) == 0 {
		return apperrors.NewInvalidParams("state must name a chain and at least one endpoint")
	}
	idx := clampIndex(state.ActiveIndex, len(state.Endpoints))
	r.mu.Lock()
	r.chains[state.ChainRef] = &chainPool{
		endpoints:   append([]Endpoint(nil), state.Endpoints...),
		activeIndex: idx,
		strategy:    NewStrategy(state.Strategy),
	}
	r.mu.Unlock()
	return nil
}

// RemoveChain drops a chain's pool.
func (r *Router) RemoveChain(chainRef string) {
	r.mu.Lock()
	delete(r.chains, chainRef)
	r.mu.Unlock()
}

// GetActiveEndpoint returns the URL calls for chainRef should use.
func (r *Router) GetActiveEndpoint(chainRef string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.chains[chainRef]
	if !ok {
		return "", apperrors.NewChainNotFound(chainRef)
	}
	return pool.endpoints[pool.activeIndex].URL, nil
}

// Candidates returns the endpoints to try for one call: the active endpoint
// first, then the rest in list order with those in cooldown last.
func (r *Router) Candidates(chainRef string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.chains[chainRef]
	if !ok {
		return nil, apperrors.NewChainNotFound(chainRef)
	}
	now := r.clock.Now()
	n := len(pool.endpoints)
	out := make([]string, 0, n)
	var cooled []string
	out = append(out, pool.endpoints[pool.activeIndex].URL)
	for step := 1; step < n; step++ {
		ep := pool.endpoints[(pool.activeIndex+step)%n]
		if ep.Health.InCooldown(now) {
			cooled = append(cooled, ep.URL)
			continue
		}
		out = append(out, ep.URL)
	}
	return append(out, cooled...), nil
}

// ReportRpcOutcome updates endpoint health. A failure on the active endpoint
// puts it in cooldown and rotates to the strategy's next pick; a success
// never moves the active index.
func (r *Router) ReportRpcOutcome(chainRef string, outcome Outcome) {
	now := r.clock.Now()

	r.mu.Lock()
	pool, ok := r.chains[chainRef]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("chain", chainRef).Msg("outcome for unknown chain ignored")
		return
	}

	idx := pool.activeIndex
	if outcome.URL != "" {
		idx = -1
		for i, ep := range pool.endpoints {
			if ep.URL == outcome.URL {
				idx = i
				break
			}
		}
		if idx == -1 {
			r.mu.Unlock()
			r.logger.Debug().Str("chain", chainRef).Str("url", outcome.URL).Msg("outcome for unknown endpoint ignored")
			return
		}
	}

	ep := &pool.endpoints[idx]
	var change *EndpointChanged
	if outcome.Success {
		ep.Health.recordSuccess(now, outcome.Latency)
	} else {
		cooldown := outcome.Cooldown
		if cooldown <= 0 {
			cooldown = r.cooldown
		}
		ep.Health.recordFailure(now, outcome.Err, outcome.Latency, cooldown)

		if idx == pool.activeIndex {
			next := pool.strategy.Next(pool.endpoints, pool.activeIndex, now)
			if next != pool.activeIndex {
				change = &EndpointChanged{
					ChainRef: chainRef,
					Previous: pool.endpoints[pool.activeIndex].URL,
					Next:     pool.endpoints[next].URL,
					Reason:   "failure",
				}
				pool.activeIndex = next
			}
		}
	}
	health := HealthChanged{ChainRef: chainRef, URL: ep.URL, Health: ep.Health}
	r.mu.Unlock()

	r.metrics.ObserveRPCOutcome(chainRef, outcome.Success)
	if !outcome.Success {
		r.logger.Warn().
			Str("chain", chainRef).
			Str("url", health.URL).
			Int("consecutive_failures", health.Health.ConsecutiveFailures).
			Str("error", health.Health.LastError).
			Msg("rpc endpoint failure")
	}
	if r.bus != nil {
		eventbus.Publish(r.bus, TopicHealthChanged, health)
	}
	if change != nil {
		r.publishChange(*change)
	}
}

// State returns a copy of a chain's pool.
func (r *Router) State(chainRef string) (ChainState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.chains[chainRef]
	if !ok {
		return ChainState{}, false
	}
	return pool.snapshot(chainRef), true
}

// Chains returns the chain references the router knows about.
func (r *Router) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for ref := range r.chains {
		out = append(out, ref)
	}
	return out
}

func (r *Router) publishChange(ev EndpointChanged) {
	r.logger.Info().
		Str("chain", ev.ChainRef).
		Str("previous", ev.Previous).
		Str("next", ev.Next).
		Str("reason", ev.Reason).
		Msg("active rpc endpoint changed")
	if r.bus != nil {
		eventbus.Publish(r.bus, TopicEndpointChanged, ev)
	}
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// clampIndex pulls i into [0, n).
func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
