package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iosh/arx-sub004/walletEngine/eventbus"
)

// Type identifies what the user is asked to consent to.
type Type string

const (
	TypeRequestAccounts    Type = "requestAccounts"
	TypeRequestPermissions Type = "requestPermissions"
	TypeSignMessage        Type = "signMessage"
	TypeSignTypedData      Type = "signTypedData"
	TypeSendTransaction    Type = "sendTransaction"
	TypeSwitchChain        Type = "switchChain"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Task is one pending consent request. Tasks are never mutated after
// registration; state lives in the controller.
type Task struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Origin    string          `json:"origin"`
	Namespace string          `json:"namespace"`
	ChainRef  string          `json:"chainRef"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

func (t Task) clone() Task {
	if t.Payload != nil {
		t.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return t
}

// ResolveFunc produces the value returned to the requester on approval.
type ResolveFunc func(ctx context.Context) (any, error)

// Decision is what a Strategy concluded for a task.
type Decision struct {
	Approve bool
	Resolve ResolveFunc
	Reason  error
}

// Strategy decides a task without a human, for trusted contexts and tests.
// It runs after the task is published; a human decision made first wins.
type Strategy func(ctx context.Context, task Task) Decision

// AutoApprove approves every task with fn.
func AutoApprove(fn ResolveFunc) Strategy {
	return func(context.Context, Task) Decision {
		return Decision{Approve: true, Resolve: fn}
	}
}

// AutoReject rejects every task with reason.
func AutoReject(reason error) Strategy {
	return func(context.Context, Task) Decision {
		return Decision{Reason: reason}
	}
}

// StateChange is published whenever a task leaves the pending state.
type StateChange struct {
	TaskID string `json:"taskId"`
	Status Status `json:"status"`
	Task   Task   `json:"task"`
}

var (
	TopicRequested    = eventbus.NewTopic[Task]("approvalRequested", nil)
	TopicStateChanged = eventbus.NewTopic[StateChange]("approvalStateChanged", nil)
)

// Store persists tasks so a restart can find the ones left pending.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	UpdateTaskStatus(ctx context.Context, id string, status Status) error
	ListPendingTasks(ctx context.Context) ([]Task, error)
}
