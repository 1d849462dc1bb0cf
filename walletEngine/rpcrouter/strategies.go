package rpcrouter

import (
	"time"

	"github.com/iosh/arx-sub004/walletEngine/config"
)

// Strategy picks the endpoint to rotate to after the active one failed.
type Strategy interface {
	Name() string
	Next(endpoints []Endpoint, current int, now time.Time) int
}

// RoundRobinStrategy moves to the next endpoint in list order, wrapping, and
// skips endpoints in cooldown when any other endpoint is available.
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Name() string { return config.StrategyRoundRobin }

func (RoundRobinStrategy) Next(endpoints []Endpoint, current int, now time.Time) int {
	n := len(endpoints)
	if n <= 1 {
		return current
	}
	for step := 1; step < n; step++ {
		idx := (current + step) % n
		if !endpoints[idx].Health.InCooldown(now) {
			return idx
		}
	}
	return (current + 1) % n
}

// HealthiestStrategy moves to the endpoint with the best health score among
// those not in cooldown, breaking ties by round-robin order.
type HealthiestStrategy struct{}

func (HealthiestStrategy) Name() string { return config.StrategyHealthiest }

func (HealthiestStrategy) Next(endpoints []Endpoint, current int, now time.Time) int {
	n := len(endpoints)
	if n <= 1 {
		return current
	}
	best := -1
	for step := 1; step < n; step++ {
		idx := (current + step) % n
		ep := endpoints[idx]
		if ep.Health.InCooldown(now) {
			continue
		}
		if best == -1 || ep.Health.HealthScore > endpoints[best].Health.HealthScore {
			best = idx
		}
	}
	if best == -1 {
		return (current + 1) % n
	}
	return best
}

// NewStrategy returns the strategy for name, defaulting to round-robin.
func NewStrategy(name string) Strategy {
	switch name {
	case config.StrategyHealthiest:
		return HealthiestStrategy{}
	default:
		return RoundRobinStrategy{}
	}
}
