package rpcrouter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

const chainRef = "eip155:1"

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, strategy string, urls ...string) (*Router, *clock.TestClock, *eventbus.Bus) {
	t.Helper()
	clk := clock.NewTestClock(start)
	bus := eventbus.New(zerolog.Nop())
	r := NewRouter(Config{
		DefaultCooldown: 30 * time.Second,
		DefaultStrategy: strategy,
		Clock:           clk,
		Bus:             bus,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, r.SyncChain(ChainMetadata{ChainRef: chainRef, RPCURLs: urls}))
	return r, clk, bus
}

func TestFailureRotatesAndSuccessKeepsIndex(t *testing.T) {
	r, _, bus := newTestRouter(t, "", "https://a.example", "https://b.example")

	var changes []EndpointChanged
	eventbus.Subscribe(bus, TopicEndpointChanged, func(ev EndpointChanged) { changes = append(changes, ev) })

	r.ReportRpcOutcome(chainRef, Outcome{Success: false, Err: errors.New("boom")})

	state, ok := r.State(chainRef)
	require.True(t, ok)
	assert.Equal(t, 1, state.ActiveIndex)
	assert.Equal(t, start.Add(30*time.Second), state.Endpoints[0].Health.CooldownUntil)
	assert.Equal(t, 1, state.Endpoints[0].Health.ConsecutiveFailures)
	assert.Equal(t, "boom", state.Endpoints[0].Health.LastError)
	require.Len(t, changes, 1)
	assert.Equal(t, "https://a.example", changes[0].Previous)
	assert.Equal(t, "https://b.example", changes[0].Next)

	r.ReportRpcOutcome(chainRef, Outcome{Success: true, Latency: 50 * time.Millisecond})

	state, _ = r.State(chainRef)
	assert.Equal(t, 1, state.ActiveIndex)
	assert.Equal(t, 0, state.Endpoints[1].Health.ConsecutiveFailures)
	assert.Equal(t, uint64(1), state.Endpoints[1].Health.SuccessCount)
	assert.Len(t, changes, 1)
}

func TestRoundRobinSkipsCooledEndpoints(t *testing.T) {
	r, clk, _ := newTestRouter(t, "", "https://a.example", "https://b.example", "https://c.example")

	r.ReportRpcOutcome(chainRef, Outcome{Success: false}) // a -> b
	r.ReportRpcOutcome(chainRef, Outcome{Success: false}) // b -> c
	url, err := r.GetActiveEndpoint(chainRef)
	require.NoError(t, err)
	assert.Equal(t, "https://c.example", url)

	// a and b are cooling down, so c wraps to a only after a's cooldown.
	clk.SetTime(start.Add(10 * time.Second))
	r.ReportRpcOutcome(chainRef, Outcome{Success: false})
	url, _ = r.GetActiveEndpoint(chainRef)
	assert.Equal(t, "https://a.example", url, "all cooled falls back to plain next")

	clk.SetTime(start.Add(time.Hour))
	r.ReportRpcOutcome(chainRef, Outcome{Success: false})
	url, _ = r.GetActiveEndpoint(chainRef)
	assert.Equal(t, "https://b.example", url)
}

func TestHealthiestPicksBestScore(t *testing.T) {
	r, clk, _ := newTestRouter(t, "healthiest", "https://a.example", "https://b.example", "https://c.example")

	// b keeps its failure history after a short cooldown has elapsed
	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://b.example", Success: false, Cooldown: time.Millisecond})
	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://c.example", Success: true})
	clk.SetTime(start.Add(time.Second))

	r.ReportRpcOutcome(chainRef, Outcome{Success: false})
	url, err := r.GetActiveEndpoint(chainRef)
	require.NoError(t, err)
	assert.Equal(t, "https://c.example", url)
}

func TestFailureOnInactiveEndpointDoesNotRotate(t *testing.T) {
	r, _, _ := newTestRouter(t, "", "https://a.example", "https://b.example")

	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://b.example", Success: false})
	state, _ := r.State(chainRef)
	assert.Equal(t, 0, state.ActiveIndex)
	assert.Equal(t, 1, state.Endpoints[1].Health.ConsecutiveFailures)

	// unknown URL is ignored
	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://zzz.example", Success: false})
	state, _ = r.State(chainRef)
	assert.Equal(t, 0, state.ActiveIndex)
}

func TestSyncChain(t *testing.T) {
	tests := []struct {
		name       string
		initial    []string
		failures   int
		next       []string
		wantActive string
		wantLen    int
	}{
		{
			name:       "active url kept when still listed",
			initial:    []string{"https://a.example", "https://b.example"},
			failures:   1,
			next:       []string{"https://c.example", "https://b.example"},
			wantActive: "https://b.example",
			wantLen:    2,
		},
		{
			name:       "index clamped when active url removed",
			initial:    []string{"https://a.example", "https://b.example", "https://c.example"},
			failures:   2,
			next:       []string{"https://x.example"},
			wantActive: "https://x.example",
			wantLen:    1,
		},
		{
			name:       "shrinking list clamps to last entry",
			initial:    []string{"https://a.example", "https://b.example", "https://c.example"},
			failures:   2,
			next:       []string{"https://a.example", "https://b.example"},
			wantActive: "https://b.example",
			wantLen:    2,
		},
		{
			name:       "removed active keeps its position",
			initial:    []string{"https://a.example", "https://b.example", "https://c.example"},
			failures:   1,
			next:       []string{"https://a.example", "https://x.example", "https://c.example"},
			wantActive: "https://x.example",
			wantLen:    3,
		},
		{
			name:       "duplicates and empty entries dropped",
			initial:    []string{"https://a.example"},
			next:       []string{"https://a.example", "", "https://a.example", "https://b.example"},
			wantActive: "https://a.example",
			wantLen:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRouter(t, "", tt.initial...)
			for i := 0; i < tt.failures; i++ {
				r.ReportRpcOutcome(chainRef, Outcome{Success: false})
			}
			require.NoError(t, r.SyncChain(ChainMetadata{ChainRef: chainRef, RPCURLs: tt.next}))

			state, ok := r.State(chainRef)
			require.True(t, ok)
			assert.Len(t, state.Endpoints, tt.wantLen)
			assert.Equal(t, tt.wantActive, state.Endpoints[state.ActiveIndex].URL)
		})
	}
}

func TestSyncChainPreservesHealth(t *testing.T) {
	r, _, _ := newTestRouter(t, "", "https://a.example", "https://b.example")
	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://b.example", Success: true})

	require.NoError(t, r.SyncChain(ChainMetadata{ChainRef: chainRef, RPCURLs: []string{"https://b.example", "https://c.example"}}))
	state, _ := r.State(chainRef)
	assert.Equal(t, uint64(1), state.Endpoints[0].Health.SuccessCount)
	assert.Equal(t, 100.0, state.Endpoints[1].Health.HealthScore)
}

func TestSyncChainRejectsInvalid(t *testing.T) {
	r := NewRouter(Config{Logger: zerolog.Nop()})

	err := r.SyncChain(ChainMetadata{ChainRef: chainRef})
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))

	err = r.SyncChain(ChainMetadata{RPCURLs: []string{"https://a.example"}})
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))

	_, err = r.GetActiveEndpoint("eip155:999")
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonChainNotFound))
}

func TestCandidatesOrder(t *testing.T) {
	r, _, _ := newTestRouter(t, "", "https://a.example", "https://b.example", "https://c.example")
	r.ReportRpcOutcome(chainRef, Outcome{URL: "https://b.example", Success: false})

	got, err := r.Candidates(chainRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://c.example", "https://b.example"}, got)
}

func TestReplaceStateAndRemove(t *testing.T) {
	r := NewRouter(Config{Logger: zerolog.Nop()})
	require.NoError(t, r.ReplaceState(ChainState{
		ChainRef:    chainRef,
		Endpoints:   []Endpoint{{URL: "https://a.example"}, {URL: "https://b.example"}},
		ActiveIndex: 1,
	}))
	url, err := r.GetActiveEndpoint(chainRef)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", url)
	assert.Equal(t, []string{chainRef}, r.Chains())

	r.RemoveChain(chainRef)
	_, ok := r.State(chainRef)
	assert.False(t, ok)
}

func TestHealthScore(t *testing.T) {
	h := newHealth()
	assert.Equal(t, 100.0, h.HealthScore)

	h.recordFailure(start, errors.New("x"), 0, time.Second)
	assert.Equal(t, 0.0, h.HealthScore)

	h.recordSuccess(start, 100*time.Millisecond)
	assert.Equal(t, 50.0, h.HealthScore)
	assert.False(t, h.InCooldown(start))
}

func TestProberRecoversEndpoint(t *testing.T) {
	r, clk, _ := newTestRouter(t, "", "https://a.example", "https://b.example")
	r.ReportRpcOutcome(chainRef, Outcome{Success: false})

	var probed []string
	p := NewProber(r, func(_ context.Context, ref, url string) error {
		probed = append(probed, url)
		return nil
	}, time.Minute, time.Second, zerolog.Nop())

	// still cooling down
	assert.Equal(t, 0, p.ProbeOnce(context.Background()))

	clk.SetTime(start.Add(time.Minute))
	assert.Equal(t, 1, p.ProbeOnce(context.Background()))
	assert.Equal(t, []string{"https://a.example"}, probed)

	state, _ := r.State(chainRef)
	assert.Equal(t, 0, state.Endpoints[0].Health.ConsecutiveFailures)
	assert.Equal(t, 1, state.ActiveIndex, "recovery does not move the active endpoint")
}
