package store

import (
	"context"
	"fmt"
	"time"

	"omemostore/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegistrationStore keeps the single local device of each account together
// with its signed pre-key and pre-key counters.
type RegistrationStore struct{ db *gorm.DB }

func (s *Store) Registrations() *RegistrationStore { return &RegistrationStore{db: s.DB} }

// Register records dev as the local device of its account. Repeating the
// call for the same device is a no-op; a different device id for an already
// registered account is a constraint violation.
func (r *RegistrationStore) Register(ctx context.Context, dev domain.Device) error {
	if !dev.Valid() {
		return fmt.Errorf("store: register %s: %w", dev, domain.ErrInvalidDevice)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		acc := domain.Account{Address: dev.Address, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error; err != nil {
			return wrap("register", err)
		}
		reg := domain.DeviceRegistration{
			Account:               dev.Address,
			DeviceID:              dev.ID,
			CurrentSignedPreKeyID: 1,
			LastPreKeyID:          0,
			State:                 domain.StateRegistered,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}},
			DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
		}).Create(&reg).Error
		if err != nil {
			return wrap("register", err)
		}

		var stored domain.DeviceRegistration
		if err := tx.First(&stored, "account = ?", dev.Address).Error; err != nil {
			return wrap("register", err)
		}
		if stored.DeviceID != dev.ID {
			return fmt.Errorf("store: register %s: account already has device %d: %w",
				dev, stored.DeviceID, domain.ErrConstraintViolation)
		}
		return nil
	})
}

// Get returns the registration of account, or nil when there is none.
func (r *RegistrationStore) Get(ctx context.Context, account string) (*domain.DeviceRegistration, error) {
	var reg domain.DeviceRegistration
	if err := r.db.WithContext(ctx).First(&reg, "account = ?", account).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("get registration", err)
	}
	return &reg, nil
}

func (r *RegistrationStore) find(ctx context.Context, dev domain.Device) (*domain.DeviceRegistration, error) {
	var reg domain.DeviceRegistration
	err := r.db.WithContext(ctx).
		First(&reg, "account = ? AND device_id = ?", dev.Address, dev.ID).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &reg, nil
}

// CurrentSignedPreKeyID returns the id of the signed pre-key in use, 1 when
// nothing is stored yet.
func (r *RegistrationStore) CurrentSignedPreKeyID(ctx context.Context, dev domain.Device) (uint32, error) {
	reg, err := r.find(ctx, dev)
	if err != nil {
		return 0, wrap("current signed pre-key id", err)
	}
	if reg == nil {
		return 1, nil
	}
	return reg.CurrentSignedPreKeyID, nil
}

func (r *RegistrationStore) SetCurrentSignedPreKeyID(ctx context.Context, dev domain.Device, id uint32) error {
	return r.update(ctx, "set current signed pre-key id", dev, map[string]any{
		"current_signed_pre_key_id": id,
	})
}

// LastPreKeyID returns the highest pre-key id ever handed out, 0 when
// nothing is stored yet.
func (r *RegistrationStore) LastPreKeyID(ctx context.Context, dev domain.Device) (uint32, error) {
	reg, err := r.find(ctx, dev)
	if err != nil {
		return 0, wrap("last pre-key id", err)
	}
	if reg == nil {
		return 0, nil
	}
	return reg.LastPreKeyID, nil
}

// SetLastPreKeyID advances the pre-key counter. The counter never moves
// backwards: a lower id yields ErrCounterRegression and leaves the row as is.
func (r *RegistrationStore) SetLastPreKeyID(ctx context.Context, dev domain.Device, id uint32) error {
	res := r.db.WithContext(ctx).Model(&domain.DeviceRegistration{}).
		Where("account = ? AND device_id = ? AND last_pre_key_id <= ?", dev.Address, dev.ID, id).
		Updates(map[string]any{"last_pre_key_id": id, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrap("set last pre-key id", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	reg, err := r.find(ctx, dev)
	if err != nil {
		return wrap("set last pre-key id", err)
	}
	if reg == nil {
		return fmt.Errorf("store: set last pre-key id for %s: %w", dev, domain.ErrNotInitialized)
	}
	return fmt.Errorf("store: set last pre-key id for %s: %d < %d: %w",
		dev, id, reg.LastPreKeyID, domain.ErrCounterRegression)
}

func (r *RegistrationStore) SetState(ctx context.Context, dev domain.Device, state domain.State) error {
	return r.update(ctx, "set state", dev, map[string]any{"state": state})
}

// Delete removes the registration; pre-keys, signed pre-keys and the
// identity key pair of the device go with it.
func (r *RegistrationStore) Delete(ctx context.Context, dev domain.Device) error {
	err := r.db.WithContext(ctx).
		Where("account = ? AND device_id = ?", dev.Address, dev.ID).
		Delete(&domain.DeviceRegistration{}).Error
	return wrap("delete registration", err)
}

func (r *RegistrationStore) List(ctx context.Context) ([]domain.DeviceRegistration, error) {
	var out []domain.DeviceRegistration
	if err := r.db.WithContext(ctx).Order("account ASC").Find(&out).Error; err != nil {
		return nil, wrap("list registrations", err)
	}
	return out, nil
}

func (r *RegistrationStore) update(ctx context.Context, op string, dev domain.Device, values map[string]any) error {
	values["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.DeviceRegistration{}).
		Where("account = ? AND device_id = ?", dev.Address, dev.ID).
		Updates(values)
	if res.Error != nil {
		return wrap(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: %s for %s: %w", op, dev, domain.ErrNotInitialized)
	}
	return nil
}
