package db

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iosh/arx-sub004/walletEngine/permission"
	"github.com/iosh/arx-sub004/walletEngine/store"
)

// PermissionStore implements permission.Store with one row per
// (origin, chain).
type PermissionStore struct {
	db *gorm.DB
}

var _ permission.Store = (*PermissionStore)(nil)

func NewPermissionStore(d *DB) *PermissionStore {
	return &PermissionStore{db: d.Client()}
}

func (s *PermissionStore) GetPermissions(ctx context.Context, origin string) (permission.OriginPermissions, bool, error) {
	var rows []store.PermissionGrant
	if err := s.db.WithContext(ctx).Where("origin = ?", origin).Find(&rows).Error; err != nil {
		return permission.OriginPermissions{}, false, errors.Wrapf(err, "failed to load permissions for %s", origin)
	}
	if len(rows) == 0 {
		return permission.OriginPermissions{}, false, nil
	}
	grouped, err := groupGrants(rows)
	if err != nil {
		return permission.OriginPermissions{}, false, err
	}
	return grouped[0], true, nil
}

// UpsertPermissions replaces every row of perms.Origin with perms.
func (s *PermissionStore) UpsertPermissions(ctx context.Context, perms permission.OriginPermissions) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("origin = ?", perms.Origin).Delete(&store.PermissionGrant{}).Error; err != nil {
			return errors.Wrap(err, "failed to clear stale grants")
		}
		for chainRef, grant := range perms.Chains {
			scopes, err := json.Marshal(grant.Scopes)
			if err != nil {
				return errors.Wrap(err, "failed to encode scopes")
			}
			accounts, err := json.Marshal(grant.Accounts)
			if err != nil {
				return errors.Wrap(err, "failed to encode accounts")
			}
			row := store.PermissionGrant{
				Origin:    perms.Origin,
				ChainRef:  chainRef,
				Scopes:    scopes,
				Accounts:  accounts,
				UpdatedAt: perms.UpdatedAt,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return errors.Wrapf(err, "failed to save grant for %s", chainRef)
			}
		}
		return nil
	})
}

func (s *PermissionStore) RemovePermission(ctx context.Context, origin, chainRef string) error {
	err := s.db.WithContext(ctx).
		Where("origin = ? AND chain_ref = ?", origin, chainRef).
		Delete(&store.PermissionGrant{}).Error
	return errors.Wrap(err, "failed to remove permission")
}

func (s *PermissionStore) ClearOrigin(ctx context.Context, origin string) error {
	err := s.db.WithContext(ctx).Where("origin = ?", origin).Delete(&store.PermissionGrant{}).Error
	return errors.Wrap(err, "failed to clear origin")
}

func (s *PermissionStore) ListPermissions(ctx context.Context) ([]permission.OriginPermissions, error) {
	var rows []store.PermissionGrant
	if err := s.db.WithContext(ctx).Order("origin").Order("chain_ref").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list permissions")
	}
	return groupGrants(rows)
}

func groupGrants(rows []store.PermissionGrant) ([]permission.OriginPermissions, error) {
	byOrigin := make(map[string]*permission.OriginPermissions)
	for _, row := range rows {
		p, ok := byOrigin[row.Origin]
		if !ok {
			p = &permission.OriginPermissions{Origin: row.Origin, Chains: make(map[string]permission.ChainGrant)}
			byOrigin[row.Origin] = p
		}
		var g permission.ChainGrant
		if len(row.Scopes) > 0 {
			if err := json.Unmarshal(row.Scopes, &g.Scopes); err != nil {
				return nil, errors.Wrapf(err, "corrupt scopes for %s", row.Origin)
			}
		}
		if len(row.Accounts) > 0 {
			if err := json.Unmarshal(row.Accounts, &g.Accounts); err != nil {
				return nil, errors.Wrapf(err, "corrupt accounts for %s", row.Origin)
			}
		}
		p.Chains[row.ChainRef] = g
		if row.UpdatedAt.After(p.UpdatedAt) {
			p.UpdatedAt = row.UpdatedAt
		}
	}

	out := make([]permission.OriginPermissions, 0, len(byOrigin))
	for _, p := range byOrigin {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}
