package transaction

import (
	"context"
	"encoding/json"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Store persists records. The engine is its only writer.
type Store interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Upsert writes r unconditionally. Used for inserts.
	Upsert(ctx context.Context, r Record) error
	// UpdateIfStatus writes next only while the stored status is expected.
	UpdateIfStatus(ctx context.Context, id string, expected Status, next Record) (bool, error)
	// CompareAndSwap writes next only while the stored version is
	// expectedVersion. The stored version becomes expectedVersion+1.
	CompareAndSwap(ctx context.Context, id string, expectedVersion uint64, next Record) (bool, error)
	Remove(ctx context.Context, id string) error
	FindByHash(ctx context.Context, chainRef, hash string) (Record, bool, error)
}

// Prepared is what an adapter computed for a request.
type Prepared struct {
	Params   json.RawMessage
	Warnings []Issue
	Issues   []Issue
}

// ReceiptResult is one poll of the chain for a broadcast hash.
type ReceiptResult struct {
	Found   bool
	Success bool
	Receipt json.RawMessage
}

// Replacement reports that a different transaction took the record's slot.
type Replacement struct {
	Replaced bool
	Hash     string // hash of the replacing transaction when known
}

// Adapter performs the chain specific steps for one namespace.
type Adapter interface {
	Namespace() string
	// Prepare fills chain parameters. It never signs.
	Prepare(ctx context.Context, r Record) (Prepared, error)
	// Sign returns the signed payload for r.Prepared.
	Sign(ctx context.Context, r Record) (json.RawMessage, error)
	// Broadcast submits r.Signed and returns its hash.
	Broadcast(ctx context.Context, r Record) (string, error)
	FetchReceipt(ctx context.Context, chainRef, hash string) (ReceiptResult, error)
	DetectReplacement(ctx context.Context, r Record) (Replacement, error)
}

// StatusChange is published after every persisted transition.
type StatusChange struct {
	ID       string `json:"id"`
	ChainRef string `json:"chainRef"`
	From     Status `json:"from"`
	To       Status `json:"to"`
	Hash     string `json:"hash,omitempty"`
}

// TrackingTimeout is published when the tracker gives up on a hash without
// a result. The record keeps its status.
type TrackingTimeout struct {
	ID       string `json:"id"`
	ChainRef string `json:"chainRef"`
	Hash     string `json:"hash"`
	Attempts int    `json:"attempts"`
}

var (
	TopicQueued          = eventbus.NewTopic[Record]("txQueued", nil)
	TopicStatusChanged   = eventbus.NewTopic[StatusChange]("txStatusChanged", nil)
	TopicTrackingTimeout = eventbus.NewTopic[TrackingTimeout]("txTrackingTimeout", nil)
)
