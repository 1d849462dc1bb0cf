package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cast"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/attention"
	"github.com/iosh/arx-sub004/walletEngine/chainregistry"
	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
	"github.com/iosh/arx-sub004/walletEngine/unlock"
)

// Snapshot is the whole engine state the UI renders from.
type Snapshot struct {
	Revision         uint64                         `json:"revision"`
	Initialized      bool                           `json:"initialized"`
	Unlocked         bool                           `json:"unlocked"`
	AutoLockDeadline *time.Time                     `json:"autoLockDeadline,omitempty"`
	Chains           []chainregistry.Chain          `json:"chains"`
	ActiveChains     map[string]string              `json:"activeChains"`
	Accounts         map[string][]keyring.Account   `json:"accounts"`
	Approvals        []approval.Task                `json:"approvals"`
	Permissions      []permission.OriginPermissions `json:"permissions"`
	Attention        []attention.Request            `json:"attention"`
}

// TxView is the UI listing of a transaction record.
type TxView struct {
	ID        string                   `json:"id"`
	ChainRef  string                   `json:"chainRef"`
	Origin    string                   `json:"origin"`
	From      string                   `json:"from"`
	Status    transaction.Status       `json:"status"`
	Hash      string                   `json:"hash,omitempty"`
	Request   json.RawMessage          `json:"request"`
	Prepared  json.RawMessage          `json:"prepared,omitempty"`
	Receipt   json.RawMessage          `json:"receipt,omitempty"`
	Error     *transaction.RecordError `json:"error,omitempty"`
	Warnings  []transaction.Issue      `json:"warnings,omitempty"`
	Issues    []transaction.Issue      `json:"issues,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

type uiHandlers struct {
	deps Deps
}

// RegisterUI registers the internal ui.* methods.
func RegisterUI(reg *Registry, deps Deps) error {
	h := &uiHandlers{deps: deps}
	defs := []Definition{
		{Method: "ui.getSnapshot", Locked: AllowWhenLocked(), Handler: h.getSnapshot},
		{Method: "ui.unlock", Locked: AllowWhenLocked(), Effects: []Effect{EffectBroadcastSnapshot}, Handler: h.unlock},
		{Method: "ui.lock", Locked: AllowWhenLocked(), Effects: []Effect{EffectBroadcastSnapshot}, Handler: h.lock},
		{
			Method:  "ui.createVault",
			Locked:  AllowWhenLocked(),
			Effects: []Effect{EffectPersistVaultMeta, EffectBroadcastSnapshot},
			Handler: h.createVault,
		},
		{Method: "ui.deriveAccount", Effects: []Effect{EffectPersistVaultMeta}, Handler: h.deriveAccount},
		{Method: "ui.importAccount", Effects: []Effect{EffectPersistVaultMeta}, Handler: h.importAccount},
		{Method: "ui.resolveApproval", Effects: []Effect{EffectHoldBroadcast}, Handler: h.resolveApproval},
		{Method: "ui.rejectApproval", Locked: AllowWhenLocked(), Effects: []Effect{EffectHoldBroadcast}, Handler: h.rejectApproval},
		{Method: "ui.listTransactions", Locked: AllowWhenLocked(), Handler: h.listTransactions},
		{Method: "ui.switchChain", Locked: AllowWhenLocked(), Effects: []Effect{EffectBroadcastSnapshot}, Handler: h.switchChain},
		{Method: "ui.exportPrivateKey", Handler: h.exportPrivateKey},
	}
	for _, d := range defs {
		if err := reg.Register(NamespaceUI, d); err != nil {
			return err
		}
	}
	return nil
}

// BuildSnapshot collects the current engine state.
func BuildSnapshot(ctx context.Context, deps Deps) (Snapshot, error) {
	initialized, err := deps.Keyring.IsInitialized(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Initialized:  initialized,
		Unlocked:     deps.Unlock.IsUnlocked(),
		Chains:       deps.Chains.ListChains(),
		ActiveChains: deps.Chains.ActiveChains(),
		Accounts:     make(map[string][]keyring.Account),
		Approvals:    deps.Approvals.List(),
		Attention:    deps.Attention.Pending(),
	}
	if deps.Revision != nil {
		snap.Revision = deps.Revision.Revision()
	}
	if deadline := deps.Unlock.AutoLockDeadline(); !deadline.IsZero() {
		snap.AutoLockDeadline = &deadline
	}
	for _, ns := range deps.Keyring.Namespaces() {
		snap.Accounts[ns] = deps.Keyring.ListAccounts(ns)
	}
	for _, origin := range deps.Permissions.ListOrigins() {
		if p, ok := deps.Permissions.Get(origin); ok {
			snap.Permissions = append(snap.Permissions, p)
		}
	}
	return snap, nil
}

func (h *uiHandlers) getSnapshot(ctx context.Context, _ Call) (any, error) {
	return BuildSnapshot(ctx, h.deps)
}

func (h *uiHandlers) unlock(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	password, err := requiredString(p, "password")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Unlock.Unlock(ctx, password); err != nil {
		return nil, err
	}
	h.deps.Attention.Clear()
	return true, nil
}

func (h *uiHandlers) lock(context.Context, Call) (any, error) {
	h.deps.Unlock.Lock(unlock.ReasonManual)
	return true, nil
}

type createVaultResult struct {
	Mnemonic string            `json:"mnemonic"`
	Accounts []keyring.Account `json:"accounts"`
}

func (h *uiHandlers) createVault(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	password, err := requiredString(p, "password")
	if err != nil {
		return nil, err
	}
	mnemonic, err := h.deps.Keyring.CreateVault(ctx, password, optionalString(p, "mnemonic"))
	if err != nil {
		return nil, err
	}
	h.deps.Unlock.MarkUnlocked()

	out := createVaultResult{Mnemonic: mnemonic}
	for _, ns := range h.deps.Keyring.Namespaces() {
		acc, err := h.deps.Keyring.DeriveAccount(ctx, ns, 0)
		if err != nil {
			return nil, err
		}
		out.Accounts = append(out.Accounts, acc)
	}
	return out, nil
}

func (h *uiHandlers) deriveAccount(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	ns, err := requiredString(p, "namespace")
	if err != nil {
		return nil, err
	}
	if raw, ok := p["index"]; ok {
		index, err := cast.ToUint32E(raw)
		if err != nil {
			return nil, apperrors.NewInvalidParams("index must be a non-negative integer")
		}
		return h.deps.Keyring.DeriveAccount(ctx, ns, index)
	}
	return h.deps.Keyring.DeriveNextAccount(ctx, ns)
}

func (h *uiHandlers) importAccount(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	ns, err := requiredString(p, "namespace")
	if err != nil {
		return nil, err
	}
	key, err := requiredString(p, "privateKey")
	if err != nil {
		return nil, err
	}
	return h.deps.Keyring.ImportAccount(ctx, ns, key)
}

type resolveResult struct {
	Resolved bool `json:"resolved"`
}

func (h *uiHandlers) resolveApproval(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	id, err := requiredString(p, "id")
	if err != nil {
		return nil, err
	}
	task, ok := h.deps.Approvals.Get(id)
	if !ok {
		return resolveResult{}, nil
	}

	var fn approval.ResolveFunc
	switch task.Type {
	case approval.TypeRequestAccounts, approval.TypeRequestPermissions:
		selected := cast.ToStringSlice(p["accounts"])
		fn = func(context.Context) (any, error) { return selected, nil }
	case approval.TypeSendTransaction:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil || payload.ID == "" {
			return nil, apperrors.NewInternal("transaction approval lacks a record id", err)
		}
		fn = func(ctx context.Context) (any, error) {
			return h.deps.Transactions.ApproveTransaction(ctx, payload.ID)
		}
	}

	resolved, err := h.deps.Approvals.Resolve(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	return resolveResult{Resolved: resolved}, nil
}

func (h *uiHandlers) rejectApproval(_ context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	id, err := requiredString(p, "id")
	if err != nil {
		return nil, err
	}
	var reason error
	if msg := optionalString(p, "reason"); msg != "" {
		reason = apperrors.New(apperrors.ReasonApprovalRejected, msg)
	}
	return resolveResult{Resolved: h.deps.Approvals.Reject(id, reason)}, nil
}

func (h *uiHandlers) listTransactions(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	filter := transaction.Filter{
		Namespace: optionalString(p, "namespace"),
		ChainRef:  optionalString(p, "chainRef"),
		Origin:    optionalString(p, "origin"),
		Limit:     cast.ToInt(p["limit"]),
	}
	for _, s := range cast.ToStringSlice(p["statuses"]) {
		filter.Statuses = append(filter.Statuses, transaction.Status(s))
	}
	records, err := h.deps.Transactions.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]TxView, len(records))
	for i, r := range records {
		out[i] = TxView{
			ID:        r.ID,
			ChainRef:  r.ChainRef,
			Origin:    r.Origin,
			From:      r.FromAccountID,
			Status:    r.Status,
			Hash:      r.Hash,
			Request:   r.Request,
			Prepared:  r.Prepared,
			Receipt:   r.Receipt,
			Error:     r.Error,
			Warnings:  r.Warnings,
			Issues:    r.Issues,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}

func (h *uiHandlers) switchChain(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	ref, err := requiredString(p, "chainRef")
	if err != nil {
		return nil, err
	}
	chain, ok := h.deps.Chains.GetChain(ref)
	if !ok {
		return nil, apperrors.NewChainNotFound(ref)
	}
	if err := h.deps.Chains.SwitchChain(ctx, chain.Namespace, ref); err != nil {
		return nil, err
	}
	return chain, nil
}

func (h *uiHandlers) exportPrivateKey(ctx context.Context, call Call) (any, error) {
	p, err := named(call.Params)
	if err != nil {
		return nil, err
	}
	ns, err := requiredString(p, "namespace")
	if err != nil {
		return nil, err
	}
	address, err := requiredString(p, "address")
	if err != nil {
		return nil, err
	}
	password, err := requiredString(p, "password")
	if err != nil {
		return nil, err
	}
	if err := h.deps.Keyring.VerifyPassword(ctx, password); err != nil {
		return nil, err
	}
	h.deps.Logger.Warn().Str("namespace", ns).Str("address", address).Msg("private key exported")
	var exported string
	err = h.deps.Keyring.WithExportedKey(ns, address, func(encoded []byte) error {
		exported = string(encoded)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exported, nil
}
