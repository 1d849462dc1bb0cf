// Package metrics exposes engine counters through prometheus. A nil *Metrics
// is valid and records nothing, so components can be built without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arx"

type Metrics struct {
	requests         *prometheus.CounterVec
	txTransitions    *prometheus.CounterVec
	rpcOutcomes      *prometheus.CounterVec
	pendingApprovals prometheus.Gauge
	trackedTx        prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the access pipeline.",
		}, []string{"surface", "method", "outcome"}),
		txTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_transitions_total",
			Help:      "Applied transaction status transitions.",
		}, []string{"from", "to"}),
		rpcOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_outcomes_total",
			Help:      "RPC outcomes reported to the router.",
		}, []string{"chain", "outcome"}),
		pendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Approval tasks waiting for a decision.",
		}),
		trackedTx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_transactions",
			Help:      "Transactions with an active receipt tracker.",
		}),
	}
	reg.MustRegister(m.requests, m.txTransitions, m.rpcOutcomes, m.pendingApprovals, m.trackedTx)
	return m
}

func (m *Metrics) ObserveRequest(surface, method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(surface, method, outcome).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.txTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRPCOutcome(chainRef string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.rpcOutcomes.WithLabelValues(chainRef, outcome).Inc()
}

func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}

func (m *Metrics) SetTrackedTransactions(n int) {
	if m == nil {
		return
	}
	m.trackedTx.Set(float64(n))
}
