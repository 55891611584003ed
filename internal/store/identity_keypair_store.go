package store

import (
	"context"

	"omemostore/internal/domain"
	"omemostore/internal/keys"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityKeyPairStore struct{ db *gorm.DB }

func (s *Store) IdentityKeyPairs() *IdentityKeyPairStore { return &IdentityKeyPairStore{db: s.DB} }

func (i *IdentityKeyPairStore) Store(ctx context.Context, own domain.Device, kp *keys.IdentityKeyPair) error {
	row := domain.IdentityKeyPair{Account: own.Address, DeviceID: own.ID, Record: kp.Marshal()}
	err := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"record"}),
		}).
		Create(&row).Error
	return wrap("store identity key pair", err)
}

// Load returns the identity key pair of the local device, nil when it was
// never created. Stored bytes that do not decode are reported as a
// *domain.CorruptedKeyError.
func (i *IdentityKeyPairStore) Load(ctx context.Context, own domain.Device) (*keys.IdentityKeyPair, error) {
	var row domain.IdentityKeyPair
	err := i.db.WithContext(ctx).
		First(&row, "account = ? AND device_id = ?", own.Address, own.ID).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("load identity key pair", err)
	}
	kp, err := keys.ParseIdentityKeyPair(row.Record)
	if err != nil {
		return nil, corrupted(domain.KindIdentityKeyPair, own, 0, err)
	}
	return kp, nil
}
