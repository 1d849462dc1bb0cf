package methods

import (
	"context"
	"encoding/json"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/attention"
	"github.com/iosh/arx-sub004/walletEngine/chainregistry"
	"github.com/iosh/arx-sub004/walletEngine/eventbus"
	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/rpcclient"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
	"github.com/iosh/arx-sub004/walletEngine/unlock"
)

// Transactions is the part of the transaction engine handlers use.
type Transactions interface {
	SubmitTransaction(ctx context.Context, req transaction.SubmitRequest) (transaction.Record, error)
	ApproveTransaction(ctx context.Context, id string) (transaction.Record, error)
	List(ctx context.Context, filter transaction.Filter) ([]transaction.Record, error)
}

// Forwarder sends a request to a chain's active RPC endpoint.
type Forwarder interface {
	Request(ctx context.Context, chainRef string, req rpcclient.Request) (json.RawMessage, error)
}

// Deps are the collaborators method handlers call into.
type Deps struct {
	Keyring      *keyring.Service
	Unlock       *unlock.Controller
	Permissions  *permission.Controller
	Approvals    *approval.Controller
	Attention    *attention.Service
	Chains       *chainregistry.Registry
	Transactions Transactions
	Forwarder    Forwarder
	Revision     *eventbus.RevisionNotifier
	// Strategy decides approvals without a human; nil waits for the UI.
	Strategy approval.Strategy
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// NewDefaultRegistry registers the eip155, wallet and UI method sets.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	if deps.Clock == nil {
		deps.Clock = clock.NewDefaultClock()
	}
	reg := NewRegistry()
	if err := RegisterEIP155(reg, deps); err != nil {
		return nil, err
	}
	if err := RegisterUI(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
