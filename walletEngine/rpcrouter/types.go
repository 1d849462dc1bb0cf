package rpcrouter

import (
	"time"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Health tracks the outcome history of one endpoint.
type Health struct {
	SuccessCount        uint64        `json:"successCount"`
	FailureCount        uint64        `json:"failureCount"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	CooldownUntil       time.Time     `json:"cooldownUntil,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	LastSuccessAt       time.Time     `json:"lastSuccessAt,omitempty"`
	LastFailureAt       time.Time     `json:"lastFailureAt,omitempty"`
	AverageLatency      time.Duration `json:"averageLatency"`
	HealthScore         float64       `json:"healthScore"` // 0-100
}

// InCooldown reports whether the endpoint should be skipped at now.
func (h Health) InCooldown(now time.Time) bool {
	return now.Before(h.CooldownUntil)
}

// Endpoint is one RPC URL with its health.
type Endpoint struct {
	URL    string `json:"url"`
	Health Health `json:"health"`
}

// ChainState is a snapshot of one chain's endpoint pool.
type ChainState struct {
	ChainRef    string     `json:"chainRef"`
	Endpoints   []Endpoint `json:"endpoints"`
	ActiveIndex int        `json:"activeIndex"`
	Strategy    string     `json:"strategy"`
}

// ChainMetadata is the part of chain metadata the router reconciles against.
type ChainMetadata struct {
	ChainRef string
	RPCURLs  []string
	Strategy string
}

// Outcome reports how one RPC call went.
type Outcome struct {
	URL      string        // endpoint that served the call; empty means the active one
	Success  bool
	Err      error
	Latency  time.Duration
	Cooldown time.Duration // overrides the router default when non-zero
}

// EndpointChanged is published when a chain's active endpoint changes.
type EndpointChanged struct {
	ChainRef string `json:"chainRef"`
	Previous string `json:"previous"`
	Next     string `json:"next"`
	Reason   string `json:"reason"`
}

// HealthChanged is published after every reported outcome.
type HealthChanged struct {
	ChainRef string `json:"chainRef"`
	URL      string `json:"url"`
	Health   Health `json:"health"`
}

var (
	TopicEndpointChanged = eventbus.NewTopic[EndpointChanged]("rpcEndpointChanged", nil)
	TopicHealthChanged   = eventbus.NewTopic[HealthChanged]("rpcHealthChanged", nil)
)
