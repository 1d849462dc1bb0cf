package db

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iosh/arx-sub004/walletEngine/store"
)

// SettingsStore is a key/value table.
type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(d *DB) *SettingsStore {
	return &SettingsStore{db: d.Client()}
}

func (s *SettingsStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row store.Setting
	err := s.db.WithContext(ctx).Where(&store.Setting{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read setting %s", key)
	}
	return row.Value, true, nil
}

func (s *SettingsStore) PutSetting(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"})}).
		Create(&store.Setting{Key: key, Value: value}).Error
	return errors.Wrapf(err, "failed to write setting %s", key)
}

func (s *SettingsStore) DeleteSetting(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where(&store.Setting{Key: key}).Delete(&store.Setting{}).Error
	return errors.Wrapf(err, "failed to delete setting %s", key)
}
