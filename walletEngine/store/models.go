// Package store contains GORM-backed SQLite models used by the wallet engine.
//
// Database Structure (database file: <home>/data/engine.db):
//
//	engine.db
//	├── transaction_records
//	├── permission_grants
//	├── approval_tasks
//	├── settings
//	├── keyring_accounts
//	└── vault_meta
package store

import (
	"time"
)

// TransactionRecord is one transaction through its lifecycle. Hash is NULL
// until broadcast so the (chain_ref, hash) unique index only binds known
// hashes.
type TransactionRecord struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Namespace     string    `gorm:"index;not null"`
	ChainRef      string    `gorm:"uniqueIndex:idx_chain_hash;not null"`
	Origin        string    `gorm:"index"`
	FromAccountID string    // CAIP-10 account id
	Request       []byte    // JSON request payload
	Prepared      []byte    // JSON prepared params
	Signed        []byte    // JSON signed payload
	Status        string    `gorm:"index;not null"` // "pending", "approved", "signed", "broadcast", "confirmed", "replaced", "failed"
	Hash          *string   `gorm:"uniqueIndex:idx_chain_hash"`
	Receipt       []byte    // JSON receipt, set on confirmation
	Error         []byte    // JSON RecordError
	Warnings      []byte    // JSON []Issue
	Issues        []byte    // JSON []Issue
	ReplacedBy    string    // hash of the replacing transaction
	UserRejected  bool      `gorm:"not null;default:false"`
	Version       uint64    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false;index"`
}

// PermissionGrant is what one origin holds on one chain.
type PermissionGrant struct {
	Origin    string    `gorm:"primaryKey"`
	ChainRef  string    `gorm:"primaryKey"`
	Scopes    []byte    // JSON []string
	Accounts  []byte    // JSON []string
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// ApprovalTask is a consent request. Rows left "pending" at startup belong to
// a previous session and are expired.
type ApprovalTask struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Type      string    `gorm:"not null"`
	Origin    string    `gorm:"index"`
	Namespace string
	ChainRef  string
	Payload   []byte
	Status    string    `gorm:"index;not null"` // "pending", "approved", "rejected", "expired"
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// Setting is a key/value preference such as the active chain per namespace.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// KeyringAccount is account metadata. Secrets live only in the vault.
type KeyringAccount struct {
	Namespace string    `gorm:"primaryKey"`
	Address   string    `gorm:"primaryKey"`
	Index     *uint32   // nil for imported accounts
	Path      string
	Source    string    `gorm:"not null"` // "derived" or "imported"
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

// VaultMeta holds the encrypted vault. There is at most one row.
type VaultMeta struct {
	ID         uint   `gorm:"primaryKey"`
	Ciphertext []byte `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName specifies the table name for VaultMeta.
func (VaultMeta) TableName() string {
	return "vault_meta"
}
