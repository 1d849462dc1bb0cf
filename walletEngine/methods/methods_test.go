package methods

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/attention"
	"github.com/iosh/arx-sub004/walletEngine/chainregistry"
	"github.com/iosh/arx-sub004/walletEngine/db"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/rpcclient"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
	"github.com/iosh/arx-sub004/walletEngine/unlock"
)

const (
	testMnemonic = "test test test test test test test test test test test junk"
	testPassword = "Str0ng!Passw0rd"
	dapp         = "https://dapp.example"
	mainnet      = "eip155:1"
	base         = "eip155:8453"

	account0 = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	account1 = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	key0     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeTransactions struct {
	mu        sync.Mutex
	submitted []transaction.SubmitRequest
	approved  []string
	result    transaction.Record
	err       error
	records   []transaction.Record
	filters   []transaction.Filter
}

func (f *fakeTransactions) SubmitTransaction(_ context.Context, req transaction.SubmitRequest) (transaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return f.result, f.err
}

func (f *fakeTransactions) ApproveTransaction(_ context.Context, id string) (transaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	return transaction.Record{ID: id, Status: transaction.StatusApproved}, nil
}

func (f *fakeTransactions) List(_ context.Context, filter transaction.Filter) ([]transaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.records, nil
}

type fakeForwarder struct {
	chainRef string
	req      rpcclient.Request
}

func (f *fakeForwarder) Request(_ context.Context, chainRef string, req rpcclient.Request) (json.RawMessage, error) {
	f.chainRef, f.req = chainRef, req
	return json.RawMessage(`"0x10"`), nil
}

type MethodsTestSuite struct {
	suite.Suite
	ctx       context.Context
	deps      Deps
	reg       *Registry
	txs       *fakeTransactions
	forwarder *fakeForwarder
	requested chan approval.Task
}

func (s *MethodsTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.deps, s.txs, s.forwarder = s.newDeps(nil)
	s.rebuild(nil)

	_, err := s.deps.Keyring.CreateVault(s.ctx, testPassword, testMnemonic)
	s.Require().NoError(err)
	s.deps.Unlock.MarkUnlocked()
	for i := uint32(0); i < 2; i++ {
		_, err := s.deps.Keyring.DeriveAccount(s.ctx, NamespaceEIP155, i)
		s.Require().NoError(err)
	}
}

func (s *MethodsTestSuite) newDeps(strategy approval.Strategy) (Deps, *fakeTransactions, *fakeForwarder) {
	d, err := db.OpenInMemoryDB(true)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = d.Close() })

	logger := zerolog.Nop()
	bus := eventbus.New(logger)
	clk := clock.NewTestClock(testTime)
	kr := keyring.NewService(keyring.Config{
		Accounts: db.NewKeyringStore(d),
		Vault:    db.NewKeyringStore(d),
		Bus:      bus,
		Clock:    clk,
		Logger:   logger,
	})
	chains := chainregistry.NewRegistry(chainregistry.Config{Settings: db.NewSettingsStore(d), Bus: bus, Logger: logger})
	s.Require().NoError(chains.Load(s.ctx, []chainregistry.Chain{
		{ChainRef: mainnet, Name: "Ethereum", NativeSymbol: "ETH", NativeDecimals: 18},
		{ChainRef: base, Name: "Base", NativeSymbol: "ETH", NativeDecimals: 18},
	}, map[string]string{NamespaceEIP155: mainnet}))

	s.requested = make(chan approval.Task, 8)
	approvals := approval.NewController(approval.Config{Bus: bus, Clock: clk, Logger: logger})
	requested := s.requested
	approvals.OnRequest(func(task approval.Task) {
		select {
		case requested <- task:
		default:
		}
	})

	txs := &fakeTransactions{}
	fwd := &fakeForwarder{}
	return Deps{
		Keyring:      kr,
		Unlock:       unlock.NewController(unlock.Config{Keyring: kr, Bus: bus, Clock: clk, Logger: logger}),
		Permissions:  permission.NewController(db.NewPermissionStore(d), bus, clk, logger),
		Approvals:    approvals,
		Attention:    attention.NewService(bus, clk, time.Minute, logger),
		Chains:       chains,
		Transactions: txs,
		Forwarder:    fwd,
		Revision:     eventbus.NewRevisionNotifier(bus),
		Strategy:     strategy,
		Clock:        clk,
		Logger:       logger,
	}, txs, fwd
}

func (s *MethodsTestSuite) rebuild(strategy approval.Strategy) {
	s.deps.Strategy = strategy
	reg, err := NewDefaultRegistry(s.deps)
	s.Require().NoError(err)
	s.reg = reg
}

func (s *MethodsTestSuite) call(method, chainRef string, params string) (any, error) {
	ns, ok := s.reg.NamespaceOf(method)
	s.Require().True(ok, method)
	call := Call{Origin: dapp, Method: method, Namespace: ns, ChainRef: chainRef}
	if params != "" {
		call.Params = json.RawMessage(params)
	}
	if def, ok := s.reg.Definition(ns, method); ok {
		return def.Handler(s.ctx, call)
	}
	p, ok := s.reg.Passthrough(ns, method)
	s.Require().True(ok, method)
	return p.Handler(s.ctx, call)
}

func (s *MethodsTestSuite) connect(accounts ...string) {
	s.rebuild(approval.AutoApprove(func(context.Context) (any, error) { return accounts, nil }))
	_, err := s.call("eth_requestAccounts", mainnet, "")
	s.Require().NoError(err)
	s.rebuild(nil)
}

// nextTask skips tasks published by earlier automatic approvals.
func (s *MethodsTestSuite) nextTask(typ approval.Type) approval.Task {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case task := <-s.requested:
			if task.Type == typ {
				return task
			}
		case <-timeout:
			s.FailNow("no approval task of type " + string(typ))
		}
	}
}

func (s *MethodsTestSuite) TestRequestAccountsConnectsSelected() {
	var asked int
	s.rebuild(func(_ context.Context, task approval.Task) approval.Decision {
		asked++
		s.Equal(approval.TypeRequestAccounts, task.Type)
		s.Equal(mainnet, task.ChainRef)
		s.Contains(string(task.Payload), account1)
		return approval.Decision{Approve: true, Resolve: func(context.Context) (any, error) {
			return []string{strings.ToLower(account1), "0xnotanaddress"}, nil
		}}
	})

	got, err := s.call("eth_requestAccounts", mainnet, "")
	s.Require().NoError(err)
	s.Equal([]string{account1}, got)
	s.True(s.deps.Permissions.HasScope(dapp, mainnet, permission.ScopeSign))
	s.True(s.deps.Permissions.HasScope(dapp, mainnet, permission.ScopeTransaction))

	got, err = s.call("eth_accounts", mainnet, "")
	s.Require().NoError(err)
	s.Equal([]string{account1}, got)

	// already connected: no second prompt
	_, err = s.call("eth_requestAccounts", mainnet, "")
	s.Require().NoError(err)
	s.Equal(1, asked)

	s.Len(s.deps.Attention.Pending(), 1)
	s.Equal(attention.ReasonApprovalRequired, s.deps.Attention.Pending()[0].Reason)
}

func (s *MethodsTestSuite) TestRequestAccountsDefaultsToFirst() {
	s.rebuild(approval.AutoApprove(nil))
	got, err := s.call("eth_requestAccounts", mainnet, "")
	s.Require().NoError(err)
	s.Equal([]string{account0}, got)
}

func (s *MethodsTestSuite) TestRequestAccountsRejected() {
	s.rebuild(approval.AutoReject(apperrors.ErrUserRejected))
	_, err := s.call("eth_requestAccounts", mainnet, "")
	s.True(apperrors.HasReason(err, apperrors.ReasonUserRejected))
	s.False(s.deps.Permissions.IsConnected(dapp, mainnet))

	got, err := s.call("eth_accounts", mainnet, "")
	s.Require().NoError(err)
	s.Equal([]string{}, got)
}

func (s *MethodsTestSuite) TestChainIdentity() {
	got, err := s.call("eth_chainId", base, "")
	s.Require().NoError(err)
	s.Equal("0x2105", got)

	got, err = s.call("net_version", mainnet, "")
	s.Require().NoError(err)
	s.Equal("1", got)
}

func (s *MethodsTestSuite) TestPersonalSign() {
	s.connect(account0)
	s.rebuild(approval.AutoApprove(nil))

	msg := hexutil.Encode([]byte("hello arx"))
	got, err := s.call("personal_sign", mainnet, `["`+msg+`","`+strings.ToLower(account0)+`"]`)
	s.Require().NoError(err)

	sig, err := hexutil.Decode(got.(string))
	s.Require().NoError(err)
	s.Require().Len(sig, 65)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello arx")), sig)
	s.Require().NoError(err)
	s.Equal(account0, crypto.PubkeyToAddress(*pub).Hex())
}

func (s *MethodsTestSuite) TestPersonalSignRequiresPermittedAccount() {
	s.connect(account0)
	s.rebuild(approval.AutoApprove(nil))

	_, err := s.call("personal_sign", mainnet, `["0x68656c6c6f","`+account1+`"]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonPermissionDenied))

	_, err = s.call("personal_sign", mainnet, `["0x68656c6c6f"]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))
}

func (s *MethodsTestSuite) TestPersonalSignRejected() {
	s.connect(account0)
	s.rebuild(approval.AutoReject(nil))
	_, err := s.call("personal_sign", mainnet, `["0x68656c6c6f","`+account0+`"]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonApprovalRejected))
}

const typedDataTemplate = `{
	"types": {
		"EIP712Domain": [{"name": "name", "type": "string"}, {"name": "chainId", "type": "uint256"}],
		"Mail": [{"name": "contents", "type": "string"}]
	},
	"primaryType": "Mail",
	"domain": {"name": "Arx", "chainId": "CHAIN"},
	"message": {"contents": "hi"}
}`

func (s *MethodsTestSuite) TestSignTypedData() {
	s.connect(account0)
	s.rebuild(approval.AutoApprove(nil))

	typed := strings.Replace(typedDataTemplate, "CHAIN", "1", 1)
	// the payload is passed as a JSON string, as most dapps do
	encoded, err := json.Marshal(typed)
	s.Require().NoError(err)
	got, err := s.call("eth_signTypedData_v4", mainnet, `["`+account0+`",`+string(encoded)+`]`)
	s.Require().NoError(err)

	var td apitypes.TypedData
	s.Require().NoError(json.Unmarshal([]byte(typed), &td))
	digest, _, err := apitypes.TypedDataAndHash(td)
	s.Require().NoError(err)
	sig, err := hexutil.Decode(got.(string))
	s.Require().NoError(err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	s.Require().NoError(err)
	s.Equal(account0, crypto.PubkeyToAddress(*pub).Hex())

	mismatched := strings.Replace(typedDataTemplate, "CHAIN", "5", 1)
	_, err = s.call("eth_signTypedData_v4", mainnet, `["`+account0+`",`+mismatched+`]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonChainNotCompatible))
}

func (s *MethodsTestSuite) TestSendTransaction() {
	s.connect(account0)
	s.txs.result = transaction.Record{ID: "tx-1", Hash: "0xabc"}

	got, err := s.call("eth_sendTransaction", mainnet, `[{"to":"`+account1+`","value":"0x1"}]`)
	s.Require().NoError(err)
	s.Equal("0xabc", got)
	s.Require().Len(s.txs.submitted, 1)
	req := s.txs.submitted[0]
	s.Equal(dapp, req.Origin)
	s.Equal(mainnet, req.ChainRef)
	s.Equal(account0, req.From)
	s.JSONEq(`{"to":"`+account1+`","value":"0x1"}`, string(req.Request))

	s.txs.result = transaction.Record{ID: "tx-2", Error: &transaction.RecordError{
		Reason: string(apperrors.ReasonRpcUnavailable), Message: "all endpoints failed",
	}}
	_, err = s.call("eth_sendTransaction", mainnet, `[{"from":"`+account0+`","to":"`+account1+`"}]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonRpcUnavailable))

	_, err = s.call("eth_sendTransaction", mainnet, `[{"from":"`+account1+`","to":"`+account0+`"}]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonPermissionDenied))
	s.Len(s.txs.submitted, 2)
}

func (s *MethodsTestSuite) TestSwitchEthereumChain() {
	_, err := s.call("wallet_switchEthereumChain", mainnet, `[{"chainId":"0x89"}]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonChainNotFound))
	s.Equal(apperrors.CodeUnrecognizedChain, apperrors.Encode(err, NamespaceEIP155, apperrors.SurfaceDapp, apperrors.Diagnostics{}).Code)

	s.rebuild(approval.AutoReject(nil))
	_, err = s.call("wallet_switchEthereumChain", mainnet, `[{"chainId":"0x2105"}]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonApprovalRejected))
	active, _ := s.deps.Chains.ActiveChain(NamespaceEIP155)
	s.Equal(mainnet, active.ChainRef)

	s.rebuild(approval.AutoApprove(nil))
	got, err := s.call("wallet_switchEthereumChain", mainnet, `[{"chainId":"0x2105"}]`)
	s.Require().NoError(err)
	s.Nil(got)
	active, _ = s.deps.Chains.ActiveChain(NamespaceEIP155)
	s.Equal(base, active.ChainRef)
}

func (s *MethodsTestSuite) TestWalletPermissions() {
	got, err := s.call("wallet_getPermissions", mainnet, "")
	s.Require().NoError(err)
	s.Empty(got)

	_, err = s.call("wallet_requestPermissions", mainnet, `[{"eth_sign":{}}]`)
	s.True(apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))

	s.rebuild(approval.AutoApprove(nil))
	got, err = s.call("wallet_requestPermissions", mainnet, `[{"eth_accounts":{}}]`)
	s.Require().NoError(err)
	descriptors := got.([]PermissionDescriptor)
	s.Require().Len(descriptors, 1)
	s.Equal("eth_accounts", descriptors[0].ParentCapability)
	s.Equal(dapp, descriptors[0].Invoker)
	s.Equal([]string{account0}, descriptors[0].Caveats[0].Value)

	_, err = s.call("wallet_revokePermissions", mainnet, `[{"eth_accounts":{}}]`)
	s.Require().NoError(err)
	got, err = s.call("wallet_getPermissions", mainnet, "")
	s.Require().NoError(err)
	s.Empty(got)
	s.False(s.deps.Permissions.IsConnected(dapp, mainnet))
}

func (s *MethodsTestSuite) TestPassthroughForwards() {
	got, err := s.call("eth_getBalance", base, `["`+account0+`","latest"]`)
	s.Require().NoError(err)
	s.Equal(json.RawMessage(`"0x10"`), got)
	s.Equal(base, s.forwarder.chainRef)
	s.Equal("eth_getBalance", s.forwarder.req.Method)
	s.Len(s.forwarder.req.Params, 2)

	_, err = s.call("eth_call", mainnet, `{"not":"an array"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonRpcInvalidParams))
}

func (s *MethodsTestSuite) TestUILockAndUnlock() {
	_, err := s.call("ui.lock", "", "")
	s.Require().NoError(err)
	s.False(s.deps.Unlock.IsUnlocked())
	s.False(s.deps.Keyring.IsUnlocked())

	_, err = s.call("ui.unlock", "", `{"password":"wrong-Passw0rd!"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonInvalidPassword))

	_, err = s.call("ui.unlock", "", `{"password":"`+testPassword+`"}`)
	s.Require().NoError(err)
	s.True(s.deps.Unlock.IsUnlocked())

	snap, err := s.call("ui.getSnapshot", "", "")
	s.Require().NoError(err)
	snapshot := snap.(Snapshot)
	s.True(snapshot.Initialized)
	s.True(snapshot.Unlocked)
	s.Len(snapshot.Accounts[NamespaceEIP155], 2)
	s.Equal(mainnet, snapshot.ActiveChains[NamespaceEIP155])
	s.Len(snapshot.Chains, 2)
}

func (s *MethodsTestSuite) TestUICreateVault() {
	deps, _, _ := s.newDeps(nil)
	s.deps = deps
	s.rebuild(nil)

	got, err := s.call("ui.createVault", "", `{"password":"`+testPassword+`"}`)
	s.Require().NoError(err)
	res := got.(createVaultResult)
	s.Len(strings.Fields(res.Mnemonic), 12)
	s.Len(res.Accounts, len(s.deps.Keyring.Namespaces()))
	s.True(s.deps.Unlock.IsUnlocked())

	_, err = s.call("ui.createVault", "", `{"password":"`+testPassword+`"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonVaultExists))
}

func (s *MethodsTestSuite) TestUIAccounts() {
	got, err := s.call("ui.deriveAccount", "", `{"namespace":"eip155"}`)
	s.Require().NoError(err)
	acc := got.(keyring.Account)
	s.Require().NotNil(acc.Index)
	s.Equal(uint32(2), *acc.Index)

	_, err = s.call("ui.deriveAccount", "", `{"namespace":"eip155","index":"1"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonDuplicateAccount))

	got, err = s.call("ui.importAccount", "", `{"namespace":"eip155","privateKey":"0x7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6"}`)
	s.Require().NoError(err)
	s.Equal(keyring.SourceImported, got.(keyring.Account).Source)
}

func (s *MethodsTestSuite) TestUIExportPrivateKey() {
	_, err := s.call("ui.exportPrivateKey", "", `{"namespace":"eip155","address":"`+account0+`","password":"Wr0ng!Password"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonInvalidPassword))

	got, err := s.call("ui.exportPrivateKey", "", `{"namespace":"eip155","address":"`+account0+`","password":"`+testPassword+`"}`)
	s.Require().NoError(err)
	s.Equal(key0, got)
}

func (s *MethodsTestSuite) TestUIResolveTransactionApproval() {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := s.deps.Approvals.RequestApproval(s.ctx, approval.Task{
			Type:    approval.TypeSendTransaction,
			Origin:  dapp,
			Payload: json.RawMessage(`{"id":"tx-9"}`),
		}, nil)
		done <- outcome{v, err}
	}()
	task := s.nextTask(approval.TypeSendTransaction)

	got, err := s.call("ui.resolveApproval", "", `{"id":"`+task.ID+`"}`)
	s.Require().NoError(err)
	s.Equal(resolveResult{Resolved: true}, got)
	s.Equal([]string{"tx-9"}, s.txs.approved)

	out := <-done
	s.Require().NoError(out.err)
	s.Equal("tx-9", out.value.(transaction.Record).ID)

	// settled tasks resolve to false
	got, err = s.call("ui.resolveApproval", "", `{"id":"`+task.ID+`"}`)
	s.Require().NoError(err)
	s.Equal(resolveResult{}, got)
}

func (s *MethodsTestSuite) TestUIResolveConnectApproval() {
	result := make(chan []string, 1)
	go func() {
		v, err := s.call("eth_requestAccounts", mainnet, "")
		s.NoError(err)
		accs, _ := v.([]string)
		result <- accs
	}()
	task := s.nextTask(approval.TypeRequestAccounts)

	_, err := s.call("ui.resolveApproval", "", `{"id":"`+task.ID+`","accounts":["`+account1+`"]}`)
	s.Require().NoError(err)
	s.Equal([]string{account1}, <-result)
}

func (s *MethodsTestSuite) TestUIRejectApproval() {
	errs := make(chan error, 1)
	go func() {
		_, err := s.call("personal_sign", mainnet, `["0x68656c6c6f","`+account0+`"]`)
		errs <- err
	}()
	// not connected: the handler fails before any approval
	s.True(apperrors.HasReason(<-errs, apperrors.ReasonPermissionDenied))

	s.connect(account0)
	go func() {
		_, err := s.call("personal_sign", mainnet, `["0x68656c6c6f","`+account0+`"]`)
		errs <- err
	}()
	task := s.nextTask(approval.TypeSignMessage)

	got, err := s.call("ui.rejectApproval", "", `{"id":"`+task.ID+`","reason":"not now"}`)
	s.Require().NoError(err)
	s.Equal(resolveResult{Resolved: true}, got)
	err = <-errs
	s.True(apperrors.HasReason(err, apperrors.ReasonApprovalRejected))
	s.Contains(err.Error(), "not now")
}

func (s *MethodsTestSuite) TestUIListTransactions() {
	s.txs.records = []transaction.Record{{
		ID: "tx-1", ChainRef: mainnet, Origin: dapp, FromAccountID: mainnet + ":" + account0,
		Status: transaction.StatusConfirmed, Hash: "0xabc", CreatedAt: testTime, UpdatedAt: testTime,
	}}
	got, err := s.call("ui.listTransactions", "", `{"chainRef":"eip155:1","statuses":["confirmed"],"limit":"5"}`)
	s.Require().NoError(err)
	views := got.([]TxView)
	s.Require().Len(views, 1)
	s.Equal("0xabc", views[0].Hash)
	s.Equal(transaction.StatusConfirmed, views[0].Status)

	s.Require().Len(s.txs.filters, 1)
	f := s.txs.filters[0]
	s.Equal(mainnet, f.ChainRef)
	s.Equal(5, f.Limit)
	s.Equal([]transaction.Status{transaction.StatusConfirmed}, f.Statuses)
}

func (s *MethodsTestSuite) TestUISwitchChain() {
	_, err := s.call("ui.switchChain", "", `{"chainRef":"eip155:137"}`)
	s.True(apperrors.HasReason(err, apperrors.ReasonChainNotFound))

	got, err := s.call("ui.switchChain", "", `{"chainRef":"eip155:8453"}`)
	s.Require().NoError(err)
	s.Equal("Base", got.(chainregistry.Chain).Name)
	active, _ := s.deps.Chains.ActiveChain(NamespaceEIP155)
	s.Equal(base, active.ChainRef)
}

func TestMethodsTestSuite(t *testing.T) {
	suite.Run(t, new(MethodsTestSuite))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Call) (any, error) { return nil, nil }

	require.NoError(t, reg.Register("eip155", Definition{Method: "eth_accounts", Handler: noop}))
	require.NoError(t, reg.RegisterPassthrough("eip155", Passthrough{Method: "eth_call", Handler: noop}))

	err := reg.Register("solana", Definition{Method: "eth_accounts", Handler: noop})
	assert.True(t, apperrors.HasReason(err, apperrors.ReasonRpcInvalidRequest))
	err = reg.Register("eip155", Definition{Method: "eth_missing"})
	assert.Error(t, err)

	def, ok := reg.Definition("eip155", "eth_accounts")
	require.True(t, ok)
	assert.Equal(t, permission.ScopeBasic, def.Scope)
	assert.Equal(t, LockedDeny, def.Locked.Mode)

	ns, ok := reg.NamespaceOf("eth_call")
	assert.True(t, ok)
	assert.Equal(t, "eip155", ns)
	ns, ok = reg.NamespaceOf("ui.anything")
	assert.True(t, ok)
	assert.Equal(t, NamespaceUI, ns)
	_, ok = reg.NamespaceOf("eth_unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"eth_accounts", "eth_call"}, reg.Methods("eip155"))
}

func TestNamedParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]interface{}{}},
		{name: "object", raw: `{"a":"b"}`, want: map[string]interface{}{"a": "b"}},
		{name: "wrapped", raw: `[{"a":"b"}]`, want: map[string]interface{}{"a": "b"}},
		{name: "empty array", raw: `[]`, want: map[string]interface{}{}},
		{name: "scalar", raw: `"x"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := named(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
