package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveRequest("dapp", "eth_accounts", "ok")
		m.ObserveTransition("pending", "approved")
		m.ObserveRPCOutcome("eip155:1", true)
		m.SetPendingApprovals(3)
		m.SetTrackedTransactions(1)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("dapp", "eth_accounts", "ok")
	m.ObserveRequest("dapp", "eth_accounts", "ok")
	m.ObserveTransition("pending", "approved")
	m.ObserveRPCOutcome("eip155:1", false)
	m.SetPendingApprovals(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("dapp", "eth_accounts", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.txTransitions.WithLabelValues("pending", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcOutcomes.WithLabelValues("eip155:1", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingApprovals))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
