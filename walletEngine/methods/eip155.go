package methods

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/spf13/cast"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/attention"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/rpcclient"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
	txeip155 "github.com/iosh/arx-sub004/walletEngine/transaction/eip155"
)

// NamespaceEIP155 is the EVM account and chain namespace.
const NamespaceEIP155 = txeip155.Namespace

// Methods forwarded verbatim to the active endpoint. The bool is whether the
// method may be called while locked.
var eip155Passthrough = map[string]bool{
	"eth_blockNumber":           true,
	"eth_call":                  true,
	"eth_estimateGas":           true,
	"eth_gasPrice":              true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionByHash":  true,
	"eth_getCode":               true,
	"eth_feeHistory":            true,
	"eth_getBalance":            false,
	"eth_getTransactionCount":   false,
}

type eip155Handlers struct {
	deps Deps
}

// RegisterEIP155 registers the eip155 and wallet_ methods.
func RegisterEIP155(reg *Registry, deps Deps) error {
	h := &eip155Handlers{deps: deps}
	defs := []Definition{
		{
			Method:           "eth_requestAccounts",
			Scope:            permission.ScopeBasic,
			RequiresApproval: true,
			Bootstrap:        true,
			Handler:          h.requestAccounts,
		},
		{
			Method:  "eth_accounts",
			Scope:   permission.ScopeBasic,
			Locked:  RespondWhenLocked([]string{}),
			Handler: h.accounts,
		},
		{
			Method:  "eth_chainId",
			Scope:   permission.ScopeBasic,
			Locked:  AllowWhenLocked(),
			Handler: h.chainID,
		},
		{
			Method:  "net_version",
			Scope:   permission.ScopeBasic,
			Locked:  AllowWhenLocked(),
			Handler: h.netVersion,
		},
		{
			Method:             "personal_sign",
			Scope:              permission.ScopeSign,
			RequiresConnection: true,
			RequiresApproval:   true,
			Handler:            h.personalSign,
		},
		{
			Method:             "eth_signTypedData_v4",
			Scope:              permission.ScopeSign,
			RequiresConnection: true,
			RequiresApproval:   true,
			Handler:            h.signTypedData,
		},
		{
			Method:             "eth_sendTransaction",
			Scope:              permission.ScopeTransaction,
			RequiresConnection: true,
			RequiresApproval:   true,
			Handler:            h.sendTransaction,
		},
		{
			Method:           "wallet_switchEthereumChain",
			Scope:            permission.ScopeBasic,
			RequiresApproval: true,
			Handler:          h.switchChain,
		},
		{
			Method:           "wallet_requestPermissions",
			Scope:            permission.ScopeBasic,
			RequiresApproval: true,
			Handler:          h.requestPermissions,
		},
		{
			Method:  "wallet_getPermissions",
			Scope:   permission.ScopeBasic,
			Locked:  RespondWhenLocked([]PermissionDescriptor{}),
			Handler: h.getPermissions,
		},
		{
			Method:  "wallet_revokePermissions",
			Scope:   permission.ScopeBasic,
			Handler: h.revokePermissions,
		},
	}
	for _, d := range defs {
		if err := reg.Register(NamespaceEIP155, d); err != nil {
			return err
		}
	}
	for method, allow := range eip155Passthrough {
		p := Passthrough{Method: method, AllowWhenLocked: allow, Handler: h.forward}
		if err := reg.RegisterPassthrough(NamespaceEIP155, p); err != nil {
			return err
		}
	}
	return nil
}

// PermissionDescriptor is the EIP-2255 shape of a granted permission.
type PermissionDescriptor struct {
	Invoker          string   `json:"invoker"`
	ParentCapability string   `json:"parentCapability"`
	Caveats          []Caveat `json:"caveats"`
}

type Caveat struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type connectPayload struct {
	Accounts []string `json:"accounts"`
}

type signPayload struct {
	From    string          `json:"from"`
	Message string          `json:"message,omitempty"`
	Typed   json.RawMessage `json:"typedData,omitempty"`
}

type switchPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"chainRef"`
	Name string `json:"name,omitempty"`
}

func (h *eip155Handlers) requestAccounts(ctx context.Context, call Call) (any, error) {
	if h.deps.Permissions.IsConnected(call.Origin, call.ChainRef) {
		return h.deps.Permissions.GetAccounts(call.Origin, call.ChainRef), nil
	}
	return h.connect(ctx, call, approval.TypeRequestAccounts)
}

func (h *eip155Handlers) requestPermissions(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	if _, ok := p["eth_accounts"]; !ok {
		return nil, apperrors.NewInvalidParams("only eth_accounts permission can be requested")
	}
	if _, err := h.connect(ctx, call, approval.TypeRequestPermissions); err != nil {
		return nil, err
	}
	return h.descriptors(call.Origin, call.ChainRef), nil
}

// connect asks the user which accounts to expose and grants them.
func (h *eip155Handlers) connect(ctx context.Context, call Call, typ approval.Type) ([]string, error) {
	available := h.deps.Keyring.ListAccounts(NamespaceEIP155)
	if len(available) == 0 {
		return nil, apperrors.New(apperrors.ReasonKeyringAccountNotFound, "wallet has no accounts")
	}
	addrs := make([]string, len(available))
	for i, a := range available {
		addrs[i] = a.Address
	}

	result, err := h.approve(ctx, call, typ, connectPayload{Accounts: addrs})
	if err != nil {
		return nil, err
	}
	selected := h.selectAccounts(result, addrs)

	err = h.deps.Permissions.Grant(ctx, call.Origin, call.ChainRef,
		permission.ScopeAccounts, permission.ScopeSign, permission.ScopeTransaction)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Permissions.SetAccounts(ctx, call.Origin, call.ChainRef, selected); err != nil {
		return nil, err
	}
	h.deps.Logger.Info().
		Str("origin", call.Origin).
		Str("chain_ref", call.ChainRef).
		Int("accounts", len(selected)).
		Msg("origin connected")
	return selected, nil
}

// selectAccounts keeps the approved accounts the keyring knows, falling back
// to the first account.
func (h *eip155Handlers) selectAccounts(result any, available []string) []string {
	var out []string
	for _, addr := range cast.ToStringSlice(result) {
		if !common.IsHexAddress(addr) {
			continue
		}
		checksummed := common.HexToAddress(addr).Hex()
		if h.deps.Keyring.HasAccount(NamespaceEIP155, checksummed) {
			out = append(out, checksummed)
		}
	}
	if len(out) == 0 {
		out = []string{available[0]}
	}
	return out
}

func (h *eip155Handlers) accounts(_ context.Context, call Call) (any, error) {
	if !h.deps.Permissions.IsConnected(call.Origin, call.ChainRef) {
		return []string{}, nil
	}
	return h.deps.Permissions.GetAccounts(call.Origin, call.ChainRef), nil
}

func (h *eip155Handlers) chainID(_ context.Context, call Call) (any, error) {
	id, err := txeip155.ChainIDFromRef(call.ChainRef)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeBig(id), nil
}

func (h *eip155Handlers) netVersion(_ context.Context, call Call) (any, error) {
	id, err := txeip155.ChainIDFromRef(call.ChainRef)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

func (h *eip155Handlers) personalSign(ctx context.Context, call Call) (any, error) {
	items, err := positional(call.Params)
	if err != nil {
		return nil, err
	}
	message, err := stringAt(items, 0, "message")
	if err != nil {
		return nil, err
	}
	from, err := stringAt(items, 1, "address")
	if err != nil {
		return nil, err
	}
	// Some dapps send [address, message].
	if common.IsHexAddress(message) && !common.IsHexAddress(from) {
		message, from = from, message
	}
	signer, err := h.authorizedAccount(call, from)
	if err != nil {
		return nil, err
	}

	data := []byte(message)
	if decoded, derr := hexutil.Decode(message); derr == nil {
		data = decoded
	}
	if _, err := h.approve(ctx, call, approval.TypeSignMessage, signPayload{From: signer, Message: message}); err != nil {
		return nil, err
	}
	sig, err := h.deps.Keyring.SignDigest(NamespaceEIP155, signer, accounts.TextHash(data))
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func (h *eip155Handlers) signTypedData(ctx context.Context, call Call) (any, error) {
	items, err := positional(call.Params)
	if err != nil {
		return nil, err
	}
	from, err := stringAt(items, 0, "address")
	if err != nil {
		return nil, err
	}
	if len(items) < 2 {
		return nil, apperrors.NewInvalidParams("missing typed data")
	}
	raw := items[1]
	// The payload may arrive as a JSON string holding the object.
	var encoded string
	if json.Unmarshal(raw, &encoded) == nil {
		raw = json.RawMessage(encoded)
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, apperrors.NewInvalidParams("malformed typed data")
	}
	if typed.Domain.ChainId != nil {
		want, err := txeip155.ChainIDFromRef(call.ChainRef)
		if err != nil {
			return nil, err
		}
		if (*big.Int)(typed.Domain.ChainId).Cmp(want) != 0 {
			return nil, apperrors.Newf(apperrors.ReasonChainNotCompatible,
				"typed data chain id %s does not match active chain %s", (*big.Int)(typed.Domain.ChainId), want).
				WithData("chainRef", call.ChainRef)
		}
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ReasonRpcInvalidParams, err, "typed data cannot be hashed")
	}
	signer, err := h.authorizedAccount(call, from)
	if err != nil {
		return nil, err
	}
	if _, err := h.approve(ctx, call, approval.TypeSignTypedData, signPayload{From: signer, Typed: raw}); err != nil {
		return nil, err
	}
	sig, err := h.deps.Keyring.SignDigest(NamespaceEIP155, signer, digest)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func (h *eip155Handlers) sendTransaction(ctx context.Context, call Call) (any, error) {
	items, err := positional(call.Params)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.NewInvalidParams("missing transaction object")
	}
	var req txeip155.TxRequest
	if err := json.Unmarshal(items[0], &req); err != nil {
		return nil, apperrors.NewInvalidParams("malformed transaction object")
	}
	var from string
	if req.From != nil {
		from = req.From.Hex()
	} else if accs := h.deps.Permissions.GetAccounts(call.Origin, call.ChainRef); len(accs) > 0 {
		from = accs[0]
	}
	signer, err := h.authorizedAccount(call, from)
	if err != nil {
		return nil, err
	}
	h.deps.Attention.RequestAttention(attention.ReasonApprovalRequired, call.Origin, call.Method, call.ChainRef)

	rec, err := h.deps.Transactions.SubmitTransaction(ctx, transaction.SubmitRequest{
		Origin:   call.Origin,
		ChainRef: call.ChainRef,
		From:     signer,
		Request:  items[0],
		Strategy: h.deps.Strategy,
	})
	if err != nil {
		return nil, err
	}
	if rec.Hash == "" {
		if rec.Error != nil {
			return nil, apperrors.New(apperrors.Reason(rec.Error.Reason), rec.Error.Message)
		}
		return nil, apperrors.NewInternal("transaction was not broadcast", nil).WithData("id", rec.ID)
	}
	return rec.Hash, nil
}

func (h *eip155Handlers) switchChain(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	raw, err := requiredString(p, "chainId")
	if err != nil {
		return nil, err
	}
	id, err := hexutil.DecodeBig(raw)
	if err != nil {
		return nil, apperrors.NewInvalidParams("chainId must be a 0x-prefixed hex quantity")
	}
	target := NamespaceEIP155 + ":" + id.String()
	chain, ok := h.deps.Chains.GetChain(target)
	if !ok {
		return nil, apperrors.NewChainNotFound(target)
	}
	if active, ok := h.deps.Chains.ActiveChain(NamespaceEIP155); ok && active.ChainRef == target {
		return nil, nil
	}
	payload := switchPayload{From: call.ChainRef, To: target, Name: chain.Name}
	if _, err := h.approve(ctx, call, approval.TypeSwitchChain, payload); err != nil {
		return nil, err
	}
	if err := h.deps.Chains.SwitchChain(ctx, NamespaceEIP155, target); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *eip155Handlers) getPermissions(_ context.Context, call Call) (any, error) {
	return h.descriptors(call.Origin, call.ChainRef), nil
}

func (h *eip155Handlers) revokePermissions(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	if _, ok := p["eth_accounts"]; !ok {
		return nil, apperrors.NewInvalidParams("only eth_accounts permission can be revoked")
	}
	if err := h.deps.Permissions.Revoke(ctx, call.Origin, call.ChainRef); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *eip155Handlers) descriptors(origin, chainRef string) []PermissionDescriptor {
	if !h.deps.Permissions.IsConnected(origin, chainRef) {
		return []PermissionDescriptor{}
	}
	return []PermissionDescriptor{{
		Invoker:          origin,
		ParentCapability: "eth_accounts",
		Caveats: []Caveat{{
			Type:  "restrictReturnedAccounts",
			Value: h.deps.Permissions.GetAccounts(origin, chainRef),
		}},
	}}
}

func (h *eip155Handlers) forward(ctx context.Context, call Call) (any, error) {
	if h.deps.Forwarder == nil {
		return nil, apperrors.New(apperrors.ReasonRpcUnavailable, "no rpc transport configured")
	}
	params, err := toPositional(call.Params)
	if err != nil {
		return nil, err
	}
	return h.deps.Forwarder.Request(ctx, call.ChainRef, rpcclient.Request{Method: call.Method, Params: params})
}

// authorizedAccount checks that address is one of the origin's accounts on
// the call's chain and returns its checksummed form.
func (h *eip155Handlers) authorizedAccount(call Call, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", apperrors.NewInvalidParams("invalid address: " + address)
	}
	checksummed := common.HexToAddress(address).Hex()
	for _, acc := range h.deps.Permissions.GetAccounts(call.Origin, call.ChainRef) {
		if strings.EqualFold(acc, checksummed) {
			if !h.deps.Keyring.HasAccount(NamespaceEIP155, checksummed) {
				return "", apperrors.NewAccountNotFound(NamespaceEIP155, checksummed)
			}
			return checksummed, nil
		}
	}
	return "", apperrors.Newf(apperrors.ReasonPermissionDenied, "account %s is not permitted for %s", checksummed, call.Origin).
		WithData("origin", call.Origin)
}

// approve publishes a consent task for call and waits for its outcome.
func (h *eip155Handlers) approve(ctx context.Context, call Call, typ approval.Type, payload interface{}) (any, error) {
	return requestApproval(ctx, h.deps, call, typ, payload)
}

func requestApproval(ctx context.Context, deps Deps, call Call, typ approval.Type, payload interface{}) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternal("failed to encode approval payload", err)
	}
	deps.Attention.RequestAttention(attention.ReasonApprovalRequired, call.Origin, call.Method, call.ChainRef)
	return deps.Approvals.RequestApproval(ctx, approval.Task{
		Type:      typ,
		Origin:    call.Origin,
		Namespace: call.Namespace,
		ChainRef:  call.ChainRef,
		Payload:   raw,
	}, deps.Strategy)
}
