package store

import (
	"context"
	"fmt"
	"time"

	"omemostore/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore keeps one opaque ratchet state per remote device of an
// account. Records are overwritten on every ratchet step.
type SessionStore struct {
	db      *gorm.DB
	account string
}

func (s *Store) Sessions(account string) *SessionStore {
	return &SessionStore{db: s.DB, account: account}
}

func (ss *SessionStore) device(ctx context.Context, dev domain.Device) *gorm.DB {
	return ss.db.WithContext(ctx).
		Where("account = ? AND address = ? AND device_id = ?", ss.account, dev.Address, dev.ID)
}

// Has reports whether a session exists without reading the record.
func (ss *SessionStore) Has(ctx context.Context, dev domain.Device) (bool, error) {
	var n int64
	if err := ss.device(ctx, dev).Model(&domain.Session{}).Count(&n).Error; err != nil {
		return false, wrap("has session", err)
	}
	return n > 0, nil
}

// Load returns the session record of dev, nil when there is none.
func (ss *SessionStore) Load(ctx context.Context, dev domain.Device) ([]byte, error) {
	var row domain.Session
	if err := ss.device(ctx, dev).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("load session", err)
	}
	return row.Record, nil
}

// Store replaces the session of dev. Writing for an account that no longer
// exists fails with domain.ErrConstraintViolation.
func (ss *SessionStore) Store(ctx context.Context, dev domain.Device, record []byte) error {
	if !dev.Valid() {
		return fmt.Errorf("store: store session %s: %w", dev, domain.ErrInvalidDevice)
	}
	if record == nil {
		record = []byte{}
	}
	row := domain.Session{
		Account:   ss.account,
		Address:   dev.Address,
		DeviceID:  dev.ID,
		Record:    record,
		UpdatedAt: time.Now().UTC(),
	}
	err := ss.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   identityPK,
			DoUpdates: clause.AssignmentColumns([]string{"record", "updated_at"}),
		}).
		Create(&row).Error
	return wrap("store session", err)
}

func (ss *SessionStore) Delete(ctx context.Context, dev domain.Device) error {
	err := ss.device(ctx, dev).Delete(&domain.Session{}).Error
	return wrap("delete session", err)
}

// DeleteAllForContact removes every session with any device of address.
func (ss *SessionStore) DeleteAllForContact(ctx context.Context, address string) (int64, error) {
	res := ss.db.WithContext(ctx).
		Where("account = ? AND address = ?", ss.account, address).
		Delete(&domain.Session{})
	if res.Error != nil {
		return 0, wrap("delete contact sessions", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAll removes every session of the account.
func (ss *SessionStore) DeleteAll(ctx context.Context) (int64, error) {
	res := ss.db.WithContext(ctx).
		Where("account = ?", ss.account).
		Delete(&domain.Session{})
	if res.Error != nil {
		return 0, wrap("delete sessions", res.Error)
	}
	return res.RowsAffected, nil
}

func (ss *SessionStore) LoadAllForContact(ctx context.Context, address string) (map[uint32][]byte, error) {
	var rows []domain.Session
	err := ss.db.WithContext(ctx).
		Where("account = ? AND address = ?", ss.account, address).
		Find(&rows).Error
	if err != nil {
		return nil, wrap("load contact sessions", err)
	}
	out := make(map[uint32][]byte, len(rows))
	for _, row := range rows {
		out[row.DeviceID] = row.Record
	}
	return out, nil
}

// LoadAll returns every session of the account. Meant for diagnostics and
// export, not for the message path.
func (ss *SessionStore) LoadAll(ctx context.Context) (map[domain.Device][]byte, error) {
	var rows []domain.Session
	if err := ss.db.WithContext(ctx).Where("account = ?", ss.account).Find(&rows).Error; err != nil {
		return nil, wrap("load sessions", err)
	}
	out := make(map[domain.Device][]byte, len(rows))
	for _, row := range rows {
		out[domain.Device{Address: row.Address, ID: row.DeviceID}] = row.Record
	}
	return out, nil
}
