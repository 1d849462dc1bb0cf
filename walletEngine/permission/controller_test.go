package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

const (
	dapp    = "https://dapp.example"
	mainnet = "eip155:1"
	base    = "eip155:8453"
)

type memStore struct {
	data    map[string]OriginPermissions
	failing bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]OriginPermissions)}
}

func (m *memStore) GetPermissions(_ context.Context, origin string) (OriginPermissions, bool, error) {
	p, ok := m.data[origin]
	return p.Clone(), ok, nil
}

func (m *memStore) UpsertPermissions(_ context.Context, perms OriginPermissions) error {
	if m.failing {
		return errors.New("write failed")
	}
	m.data[perms.Origin] = perms.Clone()
	return nil
}

func (m *memStore) RemovePermission(_ context.Context, origin, chainRef string) error {
	p, ok := m.data[origin]
	if !ok {
		return nil
	}
	delete(p.Chains, chainRef)
	return nil
}

func (m *memStore) ClearOrigin(_ context.Context, origin string) error {
	delete(m.data, origin)
	return nil
}

func (m *memStore) ListPermissions(context.Context) ([]OriginPermissions, error) {
	out := make([]OriginPermissions, 0, len(m.data))
	for _, p := range m.data {
		out = append(out, p.Clone())
	}
	return out, nil
}

func newTestController(t *testing.T) (*Controller, *memStore, *[]Change) {
	t.Helper()
	store := newMemStore()
	bus := eventbus.New(zerolog.Nop())
	var changes []Change
	eventbus.Subscribe(bus, TopicPermissionsChanged, func(c Change) { changes = append(changes, c) })
	return NewController(store, bus, nil, zerolog.Nop()), store, &changes
}

func TestGrantAndAssert(t *testing.T) {
	ctrl, _, changes := newTestController(t)
	ctx := context.Background()

	err := ctrl.AssertPermission(dapp, Requirement{Method: "personal_sign", Scope: ScopeSign, ChainRef: mainnet})
	require.Error(t, err)
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonPermissionDenied))

	require.NoError(t, ctrl.Grant(ctx, dapp, mainnet, ScopeSign, ScopeSign))
	assert.NoError(t, ctrl.AssertPermission(dapp, Requirement{Method: "personal_sign", Scope: ScopeSign, ChainRef: mainnet}))

	// grants are per chain
	assert.Error(t, ctrl.AssertPermission(dapp, Requirement{Method: "personal_sign", Scope: ScopeSign, ChainRef: base}))

	perms, ok := ctrl.Get(dapp)
	require.True(t, ok)
	assert.Equal(t, []Scope{ScopeSign}, perms.Chains[mainnet].Scopes)
	assert.Len(t, *changes, 1)
}

func TestBasicScopeIsImplicit(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	assert.NoError(t, ctrl.AssertPermission("https://anyone.example", Requirement{Method: "wallet_switchEthereumChain", Scope: ScopeBasic, ChainRef: mainnet}))
}

func TestGrantRejectsUnknownScope(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	err := ctrl.Grant(context.Background(), dapp, mainnet, Scope("admin"))
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))
}

func TestSetAccountsConnects(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	assert.False(t, ctrl.IsConnected(dapp, mainnet))

	require.NoError(t, ctrl.SetAccounts(ctx, dapp, mainnet, []string{"0xAbC", "0xabc", "0xDef"}))
	assert.True(t, ctrl.IsConnected(dapp, mainnet))
	assert.False(t, ctrl.IsConnected(dapp, base))
	assert.Equal(t, []string{"0xAbC", "0xDef"}, ctrl.GetAccounts(dapp, mainnet))
	assert.True(t, ctrl.HasScope(dapp, mainnet, ScopeAccounts))

	require.NoError(t, ctrl.SetAccounts(ctx, dapp, mainnet, nil))
	assert.False(t, ctrl.IsConnected(dapp, mainnet))
}

func TestRevokeAndDisconnect(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.SetAccounts(ctx, dapp, mainnet, []string{"0xabc"}))
	require.NoError(t, ctrl.SetAccounts(ctx, dapp, base, []string{"0xabc"}))

	require.NoError(t, ctrl.Revoke(ctx, dapp, mainnet))
	assert.False(t, ctrl.IsConnected(dapp, mainnet))
	assert.True(t, ctrl.IsConnected(dapp, base))

	require.NoError(t, ctrl.Disconnect(ctx, dapp))
	_, ok := ctrl.Get(dapp)
	assert.False(t, ok)
	assert.Empty(t, store.data)
	assert.Empty(t, ctrl.ListOrigins())

	// no-ops
	assert.NoError(t, ctrl.Revoke(ctx, dapp, mainnet))
	assert.NoError(t, ctrl.Disconnect(ctx, dapp))
}

func TestRemoveAccount(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.SetAccounts(ctx, dapp, mainnet, []string{"0xAAA", "0xBBB"}))
	require.NoError(t, ctrl.SetAccounts(ctx, "https://other.example", mainnet, []string{"0xaaa"}))

	require.NoError(t, ctrl.RemoveAccount(ctx, "0xaaa"))
	assert.Equal(t, []string{"0xBBB"}, ctrl.GetAccounts(dapp, mainnet))
	assert.False(t, ctrl.IsConnected("https://other.example", mainnet))
}

func TestLoadAndCopies(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()
	require.NoError(t, ctrl.SetAccounts(ctx, dapp, mainnet, []string{"0xabc"}))

	fresh := NewController(store, nil, nil, zerolog.Nop())
	require.NoError(t, fresh.Load(ctx))
	assert.True(t, fresh.IsConnected(dapp, mainnet))

	perms, _ := fresh.Get(dapp)
	perms.Chains[mainnet] = ChainGrant{}
	assert.True(t, fresh.IsConnected(dapp, mainnet))
}

func TestPersistFailureLeavesCacheUntouched(t *testing.T) {
	ctrl, store, changes := newTestController(t)
	store.failing = true

	err := ctrl.Grant(context.Background(), dapp, mainnet, ScopeSign)
	require.Error(t, err)
	assert.False(t, ctrl.HasScope(dapp, mainnet, ScopeSign))
	assert.Empty(t, *changes)
}
