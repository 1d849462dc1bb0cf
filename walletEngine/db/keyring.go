package db

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iosh/arx-sub004/walletEngine/keyring"
	"github.com/iosh/arx-sub004/walletEngine/store"
)

const vaultRowID = 1

// KeyringStore persists account metadata and the encrypted vault.
type KeyringStore struct {
	db *gorm.DB
}

var (
	_ keyring.AccountStore = (*KeyringStore)(nil)
	_ keyring.VaultStore   = (*KeyringStore)(nil)
)

func NewKeyringStore(d *DB) *KeyringStore {
	return &KeyringStore{db: d.Client()}
}

func (s *KeyringStore) ListAccounts(ctx context.Context) ([]keyring.Account, error) {
	var rows []store.KeyringAccount
	if err := s.db.WithContext(ctx).Order("namespace").Order("created_at").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	out := make([]keyring.Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, keyring.Account{
			Namespace: row.Namespace,
			Address:   row.Address,
			Index:     row.Index,
			Path:      row.Path,
			Source:    keyring.Source(row.Source),
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (s *KeyringStore) SaveAccount(ctx context.Context, account keyring.Account) error {
	row := store.KeyringAccount{
		Namespace: account.Namespace,
		Address:   account.Address,
		Index:     account.Index,
		Path:      account.Path,
		Source:    string(account.Source),
		CreatedAt: account.CreatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrapf(err, "failed to save account %s", account.Address)
}

func (s *KeyringStore) RemoveAccount(ctx context.Context, namespace, address string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND address = ?", namespace, address).
		Delete(&store.KeyringAccount{}).Error
	return errors.Wrapf(err, "failed to remove account %s", address)
}

func (s *KeyringStore) LoadVault(ctx context.Context) ([]byte, error) {
	var row store.VaultMeta
	err := s.db.WithContext(ctx).Where("id = ?", vaultRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load vault")
	}
	return row.Ciphertext, nil
}

func (s *KeyringStore) SaveVault(ctx context.Context, blob []byte) error {
	row := store.VaultMeta{ID: vaultRowID, Ciphertext: blob}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrap(err, "failed to save vault")
}
