package store

import (
	"context"
	"fmt"

	"omemostore/internal/domain"
	"omemostore/internal/keys"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreKeyStore struct{ db *gorm.DB }

func (s *Store) PreKeys() *PreKeyStore { return &PreKeyStore{db: s.DB} }

func preKeyRow(owner domain.Device, rec *keys.PreKeyRecord) domain.PreKey {
	return domain.PreKey{
		Account:  owner.Address,
		DeviceID: owner.ID,
		PreKeyID: rec.ID,
		Record:   rec.Marshal(),
	}
}

var preKeyConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "account"}, {Name: "device_id"}, {Name: "pre_key_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"record"}),
}

// Store inserts the pre-key or replaces the record kept under the same id.
func (p *PreKeyStore) Store(ctx context.Context, owner domain.Device, rec *keys.PreKeyRecord) error {
	row := preKeyRow(owner, rec)
	err := p.db.WithContext(ctx).Clauses(preKeyConflict).Create(&row).Error
	return wrap("store pre-key", err)
}

// StoreBatch writes all records in a single statement.
func (p *PreKeyStore) StoreBatch(ctx context.Context, owner domain.Device, recs []*keys.PreKeyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]domain.PreKey, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, preKeyRow(owner, rec))
	}
	err := p.db.WithContext(ctx).Clauses(preKeyConflict).CreateInBatches(&rows, 200).Error
	return wrap("store pre-keys", err)
}

// Load returns the pre-key with the given id, or nil when it does not exist
// (never generated or already consumed).
func (p *PreKeyStore) Load(ctx context.Context, owner domain.Device, id uint32) (*keys.PreKeyRecord, error) {
	var row domain.PreKey
	err := p.db.WithContext(ctx).
		First(&row, "account = ? AND device_id = ? AND pre_key_id = ?", owner.Address, owner.ID, id).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("load pre-key", err)
	}
	return decodePreKey(owner, row)
}

// LoadAll returns the remaining pre-keys ordered by id.
func (p *PreKeyStore) LoadAll(ctx context.Context, owner domain.Device) ([]*keys.PreKeyRecord, error) {
	var rows []domain.PreKey
	err := p.db.WithContext(ctx).
		Where("account = ? AND device_id = ?", owner.Address, owner.ID).
		Order("pre_key_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("load pre-keys", err)
	}
	out := make([]*keys.PreKeyRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodePreKey(owner, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete consumes a pre-key. Deleting a missing id is not an error.
func (p *PreKeyStore) Delete(ctx context.Context, owner domain.Device, id uint32) error {
	err := p.db.WithContext(ctx).
		Where("account = ? AND device_id = ? AND pre_key_id = ?", owner.Address, owner.ID, id).
		Delete(&domain.PreKey{}).Error
	return wrap("delete pre-key", err)
}

// HighestID returns the largest stored pre-key id, 0 when there are none.
func (p *PreKeyStore) HighestID(ctx context.Context, owner domain.Device) (uint32, error) {
	var highest int64
	err := p.db.WithContext(ctx).Model(&domain.PreKey{}).
		Where("account = ? AND device_id = ?", owner.Address, owner.ID).
		Select("COALESCE(MAX(pre_key_id), 0)").
		Scan(&highest).Error
	if err != nil {
		return 0, wrap("highest pre-key id", err)
	}
	return uint32(highest), nil
}

func (p *PreKeyStore) Count(ctx context.Context, owner domain.Device) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&domain.PreKey{}).
		Where("account = ? AND device_id = ?", owner.Address, owner.ID).
		Count(&n).Error
	if err != nil {
		return 0, wrap("count pre-keys", err)
	}
	return n, nil
}

func decodePreKey(owner domain.Device, row domain.PreKey) (*keys.PreKeyRecord, error) {
	rec, err := keys.ParsePreKeyRecord(row.Record)
	if err != nil {
		return nil, corrupted(domain.KindPreKey, owner, row.PreKeyID, err)
	}
	if rec.ID != row.PreKeyID {
		return nil, corrupted(domain.KindPreKey, owner, row.PreKeyID,
			fmt.Errorf("record carries id %d", rec.ID))
	}
	return rec, nil
}
