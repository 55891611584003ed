package store

import (
	"context"
	"fmt"
	"time"

	"omemostore/internal/domain"
	"omemostore/internal/keys"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SignedPreKeyStore struct{ db *gorm.DB }

func (s *Store) SignedPreKeys() *SignedPreKeyStore { return &SignedPreKeyStore{db: s.DB} }

// Store inserts or replaces a signed pre-key. The renewal time is taken from
// the record's own timestamp.
func (s *SignedPreKeyStore) Store(ctx context.Context, owner domain.Device, rec *keys.SignedPreKeyRecord) error {
	row := domain.SignedPreKey{
		Account:        owner.Address,
		DeviceID:       owner.ID,
		SignedPreKeyID: rec.ID,
		Record:         rec.Marshal(),
		LastRenewalAt:  rec.Timestamp.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "device_id"}, {Name: "signed_pre_key_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"record", "last_renewal_at"}),
		}).
		Create(&row).Error
	return wrap("store signed pre-key", err)
}

func (s *SignedPreKeyStore) Load(ctx context.Context, owner domain.Device, id uint32) (*keys.SignedPreKeyRecord, error) {
	row, err := s.row(ctx, owner, id)
	if err != nil || row == nil {
		return nil, err
	}
	return decodeSignedPreKey(owner, *row)
}

func (s *SignedPreKeyStore) LoadAll(ctx context.Context, owner domain.Device) ([]*keys.SignedPreKeyRecord, error) {
	var rows []domain.SignedPreKey
	err := s.db.WithContext(ctx).
		Where("account = ? AND device_id = ?", owner.Address, owner.ID).
		Order("signed_pre_key_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("load signed pre-keys", err)
	}
	out := make([]*keys.SignedPreKeyRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeSignedPreKey(owner, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SignedPreKeyStore) Delete(ctx context.Context, owner domain.Device, id uint32) error {
	err := s.db.WithContext(ctx).
		Where("account = ? AND device_id = ? AND signed_pre_key_id = ?", owner.Address, owner.ID, id).
		Delete(&domain.SignedPreKey{}).Error
	return wrap("delete signed pre-key", err)
}

// DeleteExcept removes every signed pre-key of owner other than keepID and
// reports how many were removed.
func (s *SignedPreKeyStore) DeleteExcept(ctx context.Context, owner domain.Device, keepID uint32) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("account = ? AND device_id = ? AND signed_pre_key_id <> ?", owner.Address, owner.ID, keepID).
		Delete(&domain.SignedPreKey{})
	if res.Error != nil {
		return 0, wrap("delete superseded signed pre-keys", res.Error)
	}
	return res.RowsAffected, nil
}

// SetLastRenewal restamps a signed pre-key. The record's own timestamp is
// rewritten too so Load and LastRenewal agree.
func (s *SignedPreKeyStore) SetLastRenewal(ctx context.Context, owner domain.Device, id uint32, at time.Time) error {
	row, err := s.row(ctx, owner, id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("store: set signed pre-key renewal: no signed pre-key %d for %s: %w",
			id, owner, domain.ErrNotInitialized)
	}
	rec, err := decodeSignedPreKey(owner, *row)
	if err != nil {
		return err
	}
	rec.Timestamp = at.UTC().Truncate(time.Millisecond)

	res := s.db.WithContext(ctx).Model(&domain.SignedPreKey{}).
		Where("account = ? AND device_id = ? AND signed_pre_key_id = ?", owner.Address, owner.ID, id).
		Updates(map[string]any{"record": rec.Marshal(), "last_renewal_at": rec.Timestamp})
	if res.Error != nil {
		return wrap("set signed pre-key renewal", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: set signed pre-key renewal: no signed pre-key %d for %s: %w",
			id, owner, domain.ErrNotInitialized)
	}
	return nil
}

// LastRenewal returns the renewal time of the signed pre-key currently in
// use, or nil when there is none.
func (s *SignedPreKeyStore) LastRenewal(ctx context.Context, owner domain.Device) (*time.Time, error) {
	current, err := (&RegistrationStore{db: s.db}).CurrentSignedPreKeyID(ctx, owner)
	if err != nil {
		return nil, err
	}
	row, err := s.row(ctx, owner, current)
	if err != nil || row == nil {
		return nil, err
	}
	at := row.LastRenewalAt.UTC()
	return &at, nil
}

func (s *SignedPreKeyStore) row(ctx context.Context, owner domain.Device, id uint32) (*domain.SignedPreKey, error) {
	var row domain.SignedPreKey
	err := s.db.WithContext(ctx).
		First(&row, "account = ? AND device_id = ? AND signed_pre_key_id = ?", owner.Address, owner.ID, id).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("load signed pre-key", err)
	}
	return &row, nil
}

func decodeSignedPreKey(owner domain.Device, row domain.SignedPreKey) (*keys.SignedPreKeyRecord, error) {
	rec, err := keys.ParseSignedPreKeyRecord(row.Record)
	if err != nil {
		return nil, corrupted(domain.KindSignedPreKey, owner, row.SignedPreKeyID, err)
	}
	if rec.ID != row.SignedPreKeyID {
		return nil, corrupted(domain.KindSignedPreKey, owner, row.SignedPreKeyID,
			fmt.Errorf("record carries id %d", rec.ID))
	}
	return rec, nil
}
