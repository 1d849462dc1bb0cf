// Package keyring holds account secrets for each namespace, derives HD
// accounts from the vault mnemonic and signs on behalf of the engine.
package keyring

import (
	"context"
	"time"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Source records how an account entered the keyring.
type Source string

const (
	SourceDerived  Source = "derived"
	SourceImported Source = "imported"
)

// Account is a keyring account without its secret.
type Account struct {
	Namespace string    `json:"namespace"`
	Address   string    `json:"address"`
	Index     *uint32   `json:"index,omitempty"` // nil for imported accounts
	Path      string    `json:"path,omitempty"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a Account) clone() Account {
	if a.Index != nil {
		idx := *a.Index
		a.Index = &idx
	}
	return a
}

// NamespaceKeyring implements key handling for one account namespace.
// Every []byte secret passed in or returned is owned by the caller, who
// zeroes it.
type NamespaceKeyring interface {
	Namespace() string
	// DerivePath returns the derivation path for index.
	DerivePath(index uint32) string
	// Derive returns the address and secret at index under seed.
	Derive(seed []byte, index uint32) (address string, secret []byte, err error)
	// ParsePrivateKey decodes an exported private key.
	ParsePrivateKey(encoded string) (address string, secret []byte, err error)
	// FormatPrivateKey encodes secret for export into a new buffer.
	FormatPrivateKey(secret []byte) ([]byte, error)
	// SignDigest signs payload with secret.
	SignDigest(secret, payload []byte) ([]byte, error)
	// NormalizeAddress returns the canonical form of address.
	NormalizeAddress(address string) (string, error)
}

// AccountStore persists account metadata.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	SaveAccount(ctx context.Context, account Account) error
	RemoveAccount(ctx context.Context, namespace, address string) error
}

// VaultStore persists the encrypted vault blob.
type VaultStore interface {
	// LoadVault returns nil, nil when no vault exists.
	LoadVault(ctx context.Context) ([]byte, error)
	SaveVault(ctx context.Context, blob []byte) error
}

// AccountsChanged is published when a namespace's account list changes.
type AccountsChanged struct {
	Namespace string   `json:"namespace"`
	Addresses []string `json:"addresses"`
	Removed   []string `json:"removed,omitempty"`
}

var TopicAccountsChanged = eventbus.NewTopic[AccountsChanged]("accountsChanged", nil)
