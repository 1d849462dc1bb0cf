package db

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/iosh/arx-sub004/walletEngine/approval"
	"github.com/iosh/arx-sub004/walletEngine/store"
)

// ApprovalStore implements approval.Store.
type ApprovalStore struct {
	db *gorm.DB
}

var _ approval.Store = (*ApprovalStore)(nil)

func NewApprovalStore(d *DB) *ApprovalStore {
	return &ApprovalStore{db: d.Client()}
}

func (s *ApprovalStore) SaveTask(ctx context.Context, task approval.Task) error {
	row := store.ApprovalTask{
		ID:        task.ID,
		Type:      string(task.Type),
		Origin:    task.Origin,
		Namespace: task.Namespace,
		ChainRef:  task.ChainRef,
		Payload:   task.Payload,
		Status:    string(approval.StatusPending),
		CreatedAt: task.CreatedAt,
	}
	if !task.ExpiresAt.IsZero() {
		exp := task.ExpiresAt
		row.ExpiresAt = &exp
	}
	return errors.Wrapf(s.db.WithContext(ctx).Create(&row).Error, "failed to save approval %s", task.ID)
}

func (s *ApprovalStore) UpdateTaskStatus(ctx context.Context, id string, status approval.Status) error {
	err := s.db.WithContext(ctx).
		Model(&store.ApprovalTask{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
	return errors.Wrapf(err, "failed to update approval %s", id)
}

func (s *ApprovalStore) ListPendingTasks(ctx context.Context) ([]approval.Task, error) {
	var rows []store.ApprovalTask
	err := s.db.WithContext(ctx).
		Where("status = ?", string(approval.StatusPending)).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending approvals")
	}
	out := make([]approval.Task, 0, len(rows))
	for _, row := range rows {
		t := approval.Task{
			ID:        row.ID,
			Type:      approval.Type(row.Type),
			Origin:    row.Origin,
			Namespace: row.Namespace,
			ChainRef:  row.ChainRef,
			Payload:   rawOrNil(row.Payload),
			CreatedAt: row.CreatedAt,
		}
		if row.ExpiresAt != nil {
			t.ExpiresAt = *row.ExpiresAt
		}
		out = append(out, t)
	}
	return out, nil
}
