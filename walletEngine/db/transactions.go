package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
	"github.com/iosh/arx-sub004/walletEngine/store"
	"github.com/iosh/arx-sub004/walletEngine/transaction"
)

// TransactionStore implements transaction.Store.
type TransactionStore struct {
	db *gorm.DB
}

var _ transaction.Store = (*TransactionStore)(nil)

// NewTransactionStore creates a transaction repository on d.
func NewTransactionStore(d *DB) *TransactionStore {
	return &TransactionStore{db: d.Client()}
}

// Get returns the record with id.
func (s *TransactionStore) Get(ctx context.Context, id string) (transaction.Record, bool, error) {
	var row store.TransactionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transaction.Record{}, false, nil
	}
	if err != nil {
		return transaction.Record{}, false, errors.Wrapf(err, "failed to load transaction %s", id)
	}
	r, err := fromRow(row)
	return r, err == nil, err
}

// List returns records matching filter, newest first.
func (s *TransactionStore) List(ctx context.Context, filter transaction.Filter) ([]transaction.Record, error) {
	q := s.db.WithContext(ctx).Model(&store.TransactionRecord{})
	if filter.Namespace != "" {
		q = q.Where("namespace = ?", filter.Namespace)
	}
	if filter.ChainRef != "" {
		q = q.Where("chain_ref = ?", filter.ChainRef)
	}
	if filter.Origin != "" {
		q = q.Where("origin = ?", filter.Origin)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", filter.UpdatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []store.TransactionRecord
	if err := q.Order("created_at DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}
	out := make([]transaction.Record, 0, len(rows))
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Upsert inserts r or overwrites the stored record with the same id.
func (s *TransactionStore) Upsert(ctx context.Context, r transaction.Record) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&row).Error
	return translateWriteError(err, r)
}

// UpdateIfStatus writes next while the stored status equals expected and
// bumps the stored version.
func (s *TransactionStore) UpdateIfStatus(ctx context.Context, id string, expected transaction.Status, next transaction.Record) (bool, error) {
	cols, err := updateColumns(next)
	if err != nil {
		return false, err
	}
	cols["version"] = gorm.Expr("version + 1")
	res := s.db.WithContext(ctx).
		Model(&store.TransactionRecord{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(cols)
	if res.Error != nil {
		return false, translateWriteError(res.Error, next)
	}
	return res.RowsAffected == 1, nil
}

// CompareAndSwap writes next while the stored version equals expectedVersion.
func (s *TransactionStore) CompareAndSwap(ctx context.Context, id string, expectedVersion uint64, next transaction.Record) (bool, error) {
	cols, err := updateColumns(next)
	if err != nil {
		return false, err
	}
	cols["version"] = expectedVersion + 1
	res := s.db.WithContext(ctx).
		Model(&store.TransactionRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(cols)
	if res.Error != nil {
		return false, translateWriteError(res.Error, next)
	}
	return res.RowsAffected == 1, nil
}

// Remove deletes the record with id.
func (s *TransactionStore) Remove(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&store.TransactionRecord{}).Error
	return errors.Wrapf(err, "failed to remove transaction %s", id)
}

// FindByHash returns the record that owns (chainRef, hash).
func (s *TransactionStore) FindByHash(ctx context.Context, chainRef, hash string) (transaction.Record, bool, error) {
	var row store.TransactionRecord
	err := s.db.WithContext(ctx).Where("chain_ref = ? AND hash = ?", chainRef, hash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transaction.Record{}, false, nil
	}
	if err != nil {
		return transaction.Record{}, false, errors.Wrap(err, "failed to look up transaction hash")
	}
	r, err := fromRow(row)
	return r, err == nil, err
}

// DeleteTerminalBefore removes confirmed, failed and replaced records last
// updated before cutoff.
func (s *TransactionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminalStatuses, cutoff).
		Delete(&store.TransactionRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to delete old transactions")
	}
	return res.RowsAffected, nil
}

var terminalStatuses = []string{
	string(transaction.StatusConfirmed),
	string(transaction.StatusFailed),
	string(transaction.StatusReplaced),
}

func translateWriteError(err error, r transaction.Record) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Newf(apperrors.ReasonTxDuplicateHash, "transaction hash %s already recorded on %s", r.Hash, r.ChainRef).
			WithData("hash", r.Hash)
	}
	return errors.Wrapf(err, "failed to write transaction %s", r.ID)
}

func toRow(r transaction.Record) (store.TransactionRecord, error) {
	row := store.TransactionRecord{
		ID:            r.ID,
		Namespace:     r.Namespace,
		ChainRef:      r.ChainRef,
		Origin:        r.Origin,
		FromAccountID: r.FromAccountID,
		Request:       r.Request,
		Prepared:      r.Prepared,
		Signed:        r.Signed,
		Status:        string(r.Status),
		Receipt:       r.Receipt,
		ReplacedBy:    r.ReplacedBy,
		UserRejected:  r.UserRejected,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Hash != "" {
		h := r.Hash
		row.Hash = &h
	}
	var err error
	if row.Error, err = marshalOptional(r.Error, r.Error == nil); err != nil {
		return row, err
	}
	if row.Warnings, err = marshalOptional(r.Warnings, len(r.Warnings) == 0); err != nil {
		return row, err
	}
	if row.Issues, err = marshalOptional(r.Issues, len(r.Issues) == 0); err != nil {
		return row, err
	}
	return row, nil
}

func fromRow(row store.TransactionRecord) (transaction.Record, error) {
	r := transaction.Record{
		ID:            row.ID,
		Namespace:     row.Namespace,
		ChainRef:      row.ChainRef,
		Origin:        row.Origin,
		FromAccountID: row.FromAccountID,
		Request:       rawOrNil(row.Request),
		Prepared:      rawOrNil(row.Prepared),
		Signed:        rawOrNil(row.Signed),
		Status:        transaction.Status(row.Status),
		Receipt:       rawOrNil(row.Receipt),
		ReplacedBy:    row.ReplacedBy,
		UserRejected:  row.UserRejected,
		Version:       row.Version,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.Hash != nil {
		r.Hash = *row.Hash
	}
	if len(row.Error) > 0 {
		r.Error = &transaction.RecordError{}
		if err := json.Unmarshal(row.Error, r.Error); err != nil {
			return r, errors.Wrapf(err, "corrupt error column on transaction %s", row.ID)
		}
	}
	if len(row.Warnings) > 0 {
		if err := json.Unmarshal(row.Warnings, &r.Warnings); err != nil {
			return r, errors.Wrapf(err, "corrupt warnings column on transaction %s", row.ID)
		}
	}
	if len(row.Issues) > 0 {
		if err := json.Unmarshal(row.Issues, &r.Issues); err != nil {
			return r, errors.Wrapf(err, "corrupt issues column on transaction %s", row.ID)
		}
	}
	return r, nil
}

// updateColumns lists every mutable column so zero values are written too.
func updateColumns(r transaction.Record) (map[string]interface{}, error) {
	row, err := toRow(r)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"namespace":       row.Namespace,
		"chain_ref":       row.ChainRef,
		"origin":          row.Origin,
		"from_account_id": row.FromAccountID,
		"request":         row.Request,
		"prepared":        row.Prepared,
		"signed":          row.Signed,
		"status":          row.Status,
		"hash":            row.Hash,
		"receipt":         row.Receipt,
		"error":           row.Error,
		"warnings":        row.Warnings,
		"issues":          row.Issues,
		"replaced_by":     row.ReplacedBy,
		"user_rejected":   row.UserRejected,
		"updated_at":      row.UpdatedAt,
	}, nil
}

func marshalOptional(v interface{}, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "failed to encode transaction column")
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
