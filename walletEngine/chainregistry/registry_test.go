package chainregistry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iosh/arx-sub004/walletEngine/config"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/rpcrouter"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	putErr error
}

func newMemSettings() *memSettings { return &memSettings{values: map[string]string{}} }

func (m *memSettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memSettings) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.values[key] = value
	return nil
}

var (
	mainnet = Chain{ChainRef: "eip155:1", Name: "Ethereum", NativeSymbol: "ETH", NativeDecimals: 18, RPCURLs: []string{"https://eth.example"}}
	sepolia = Chain{ChainRef: "eip155:11155111", Name: "Sepolia", NativeSymbol: "ETH", NativeDecimals: 18, RPCURLs: []string{"https://sepolia.example"}}
	solMain = Chain{ChainRef: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", Name: "Solana", NativeSymbol: "SOL", NativeDecimals: 9, RPCURLs: []string{"https://sol.example"}}
)

func newTestRegistry(t *testing.T, settings SettingsStore) (*Registry, *rpcrouter.Router, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	router := rpcrouter.NewRouter(rpcrouter.Config{Bus: bus, Logger: zerolog.Nop()})
	reg := NewRegistry(Config{Settings: settings, Router: router, Bus: bus, Logger: zerolog.Nop()})
	return reg, router, bus
}

func TestLoadPicksActiveChains(t *testing.T) {
	tests := []struct {
		name      string
		persisted map[string]string
		defaults  map[string]string
		want      map[string]string
	}{
		{
			name: "first registered chain",
			want: map[string]string{"eip155": "eip155:1", "solana": solMain.ChainRef},
		},
		{
			name:     "configured default",
			defaults: map[string]string{"eip155": sepolia.ChainRef},
			want:     map[string]string{"eip155": sepolia.ChainRef, "solana": solMain.ChainRef},
		},
		{
			name:     "unknown default falls back",
			defaults: map[string]string{"eip155": "eip155:999"},
			want:     map[string]string{"eip155": "eip155:1", "solana": solMain.ChainRef},
		},
		{
			name:      "persisted choice wins",
			persisted: map[string]string{"activeChain.eip155": sepolia.ChainRef},
			defaults:  map[string]string{"eip155": "eip155:1"},
			want:      map[string]string{"eip155": sepolia.ChainRef, "solana": solMain.ChainRef},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := newMemSettings()
			for k, v := range tt.persisted {
				settings.values[k] = v
			}
			reg, router, _ := newTestRegistry(t, settings)
			require.NoError(t, reg.Load(context.Background(), []Chain{mainnet, sepolia, solMain}, tt.defaults))

			assert.Equal(t, tt.want, reg.ActiveChains())
			assert.ElementsMatch(t, []string{mainnet.ChainRef, sepolia.ChainRef, solMain.ChainRef}, router.Chains())
		})
	}
}

func TestSwitchChain(t *testing.T) {
	settings := newMemSettings()
	reg, _, bus := newTestRegistry(t, settings)
	require.NoError(t, reg.Load(context.Background(), []Chain{mainnet, sepolia, solMain}, nil))

	var changes []ChainChanged
	eventbus.Subscribe(bus, TopicChainChanged, func(c ChainChanged) { changes = append(changes, c) })

	require.NoError(t, reg.SwitchChain(context.Background(), "eip155", sepolia.ChainRef))
	active, ok := reg.ActiveChain("eip155")
	require.True(t, ok)
	assert.Equal(t, "Sepolia", active.Name)
	assert.Equal(t, "11155111", active.Reference())
	assert.Equal(t, sepolia.ChainRef, settings.values["activeChain.eip155"])
	require.Len(t, changes, 1)
	assert.Equal(t, ChainChanged{Namespace: "eip155", Previous: "eip155:1", ChainRef: sepolia.ChainRef}, changes[0])

	// Switching to the current chain publishes nothing.
	require.NoError(t, reg.SwitchChain(context.Background(), "eip155", sepolia.ChainRef))
	assert.Len(t, changes, 1)

	err := reg.SwitchChain(context.Background(), "eip155", "eip155:999")
	require.Error(t, err)
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonChainNotFound))
	assert.Equal(t, apperrors.CodeUnrecognizedChain, apperrors.CodeFor("eip155", apperrors.ReasonOf(err)))

	err = reg.SwitchChain(context.Background(), "eip155", solMain.ChainRef)
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonChainNotCompatible))
}

func TestSwitchChainSurvivesSettingsFailure(t *testing.T) {
	settings := newMemSettings()
	settings.putErr = errors.New("disk full")
	reg, _, _ := newTestRegistry(t, settings)
	require.NoError(t, reg.Load(context.Background(), []Chain{mainnet, sepolia}, nil))

	require.NoError(t, reg.SwitchChain(context.Background(), "eip155", sepolia.ChainRef))
	active, _ := reg.ActiveChain("eip155")
	assert.Equal(t, sepolia.ChainRef, active.ChainRef)
}

func TestRegisterChainValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	tests := []struct {
		name   string
		chain  Chain
		reason apperrors.Reason
	}{
		{name: "missing reference", chain: Chain{ChainRef: "eip155"}, reason: apperrors.ReasonRpcInvalidParams},
		{name: "empty namespace", chain: Chain{ChainRef: ":1"}, reason: apperrors.ReasonRpcInvalidParams},
		{name: "namespace mismatch", chain: Chain{ChainRef: "eip155:1", Namespace: "solana"}, reason: apperrors.ReasonChainNotCompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.RegisterChain(tt.chain)
			require.Error(t, err)
			assert.Equal(t, tt.reason, apperrors.ReasonOf(err))
		})
	}
	assert.Empty(t, reg.ListChains())
}

func TestGetChainReturnsCopy(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	require.NoError(t, reg.RegisterChain(mainnet))

	c, ok := reg.GetChain(mainnet.ChainRef)
	require.True(t, ok)
	assert.Equal(t, "eip155", c.Namespace)
	c.RPCURLs[0] = "https://mutated.example"

	again, _ := reg.GetChain(mainnet.ChainRef)
	assert.Equal(t, "https://eth.example", again.RPCURLs[0])
}

func TestRemoveChain(t *testing.T) {
	reg, router, _ := newTestRegistry(t, nil)
	require.NoError(t, reg.Load(context.Background(), []Chain{mainnet, sepolia}, nil))

	err := reg.RemoveChain(mainnet.ChainRef)
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcInvalidRequest))

	require.NoError(t, reg.RemoveChain(sepolia.ChainRef))
	_, ok := reg.GetChain(sepolia.ChainRef)
	assert.False(t, ok)
	assert.Equal(t, []string{mainnet.ChainRef}, router.Chains())

	assert.True(t, apperrors.HasReason(reg.RemoveChain(sepolia.ChainRef), apperrors.ReasonChainNotFound))
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{ChainConfigs: map[string]config.ChainConfig{
		"eip155:1":        {Name: "Ethereum", NativeSymbol: "ETH", NativeDecimals: 18, RPCURLs: []string{"https://eth.example"}},
		"eip155:11155111": {Name: "Sepolia", NativeSymbol: "ETH", NativeDecimals: 18, Strategy: config.StrategyHealthiest},
	}}
	chains := FromConfig(cfg)
	require.Len(t, chains, 2)
	assert.Equal(t, "eip155:1", chains[0].ChainRef)
	assert.Equal(t, "eip155", chains[0].Namespace)
	assert.Equal(t, config.StrategyHealthiest, chains[1].Strategy)
}
