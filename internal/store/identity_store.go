package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"omemostore/internal/domain"
	"omemostore/internal/keys"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityStore holds what one account knows about remote devices (and its
// own reflexive row): identity keys, trust decisions and activity.
type IdentityStore struct {
	db      *gorm.DB
	account string
}

func (s *Store) Identities(account string) *IdentityStore {
	return &IdentityStore{db: s.DB, account: account}
}

var identityPK = []clause.Column{{Name: "account"}, {Name: "address"}, {Name: "device_id"}}

func (i *IdentityStore) scope(ctx context.Context, dev domain.Device) *gorm.DB {
	return i.db.WithContext(ctx).Model(&domain.IdentityRecord{}).
		Where("account = ? AND address = ? AND device_id = ?", i.account, dev.Address, dev.ID)
}

// Store saves the identity key of dev. A key whose fingerprint matches the
// stored one keeps its trust; a new fingerprint takes the supplied status.
func (i *IdentityStore) Store(ctx context.Context, dev domain.Device, key keys.IdentityKey, trust domain.TrustStatus) error {
	if !dev.Valid() {
		return fmt.Errorf("store: store identity %s: %w", dev, domain.ErrInvalidDevice)
	}
	now := time.Now().UTC()
	fp := key.Fingerprint()
	row := domain.IdentityRecord{
		Account:          i.account,
		Address:          dev.Address,
		DeviceID:         dev.ID,
		Fingerprint:      fp,
		IdentityKey:      key.Marshal(),
		Trust:            trust,
		Active:           true,
		LastActivationAt: &now,
	}
	err := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: identityPK,
			DoUpdates: clause.Assignments(map[string]any{
				"fingerprint":  fp,
				"identity_key": row.IdentityKey,
				"trust": gorm.Expr("CASE WHEN identities.fingerprint = ? THEN identities.trust ELSE ? END",
					fp, trust),
			}),
		}).
		Create(&row).Error
	return wrap("store identity", err)
}

// PreTrust records a trust decision for a fingerprint whose key has not been
// seen yet. It does not override a row bound to a different fingerprint and
// reports whether the decision was recorded.
func (i *IdentityStore) PreTrust(ctx context.Context, dev domain.Device, fingerprint string, trust domain.TrustStatus) (bool, error) {
	if !dev.Valid() {
		return false, fmt.Errorf("store: pre-trust %s: %w", dev, domain.ErrInvalidDevice)
	}
	row := domain.IdentityRecord{
		Account:     i.account,
		Address:     dev.Address,
		DeviceID:    dev.ID,
		Fingerprint: fingerprint,
		Trust:       trust,
		Active:      true,
	}
	res := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: identityPK,
			DoUpdates: clause.Assignments(map[string]any{
				"fingerprint": fingerprint,
				"trust":       trust,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				gorm.Expr("identities.fingerprint = '' OR identities.fingerprint = ?", fingerprint),
			}},
		}).
		Create(&row)
	if res.Error != nil {
		return false, wrap("pre-trust", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the identity row of dev, nil when unknown.
func (i *IdentityStore) Get(ctx context.Context, dev domain.Device) (*domain.IdentityRecord, error) {
	var row domain.IdentityRecord
	if err := i.scope(ctx, dev).First(&row).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, wrap("get identity", err)
	}
	return &row, nil
}

// LoadKey returns the identity key of dev. Unknown devices and blind-trust
// rows without key material yield nil.
func (i *IdentityStore) LoadKey(ctx context.Context, dev domain.Device) (*keys.IdentityKey, error) {
	row, err := i.Get(ctx, dev)
	if err != nil || row == nil || len(row.IdentityKey) == 0 {
		return nil, err
	}
	key, err := keys.ParseIdentityKey(row.IdentityKey)
	if err != nil {
		return nil, corrupted(domain.KindIdentity, dev, 0, err)
	}
	if row.Fingerprint != "" && key.Fingerprint() != row.Fingerprint {
		return nil, corrupted(domain.KindIdentity, dev, 0,
			fmt.Errorf("fingerprint %s does not match stored %s", key.Fingerprint(), row.Fingerprint))
	}
	return &key, nil
}

func (i *IdentityStore) Delete(ctx context.Context, dev domain.Device) error {
	err := i.db.WithContext(ctx).
		Where("account = ? AND address = ? AND device_id = ?", i.account, dev.Address, dev.ID).
		Delete(&domain.IdentityRecord{}).Error
	return wrap("delete identity", err)
}

// SetTrust changes the trust of dev only while its stored fingerprint equals
// fingerprint. It reports whether a row was updated.
func (i *IdentityStore) SetTrust(ctx context.Context, dev domain.Device, fingerprint string, status domain.TrustStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("store: set trust: invalid status %d", int(status))
	}
	res := i.scope(ctx, dev).
		Where("fingerprint = ?", fingerprint).
		Update("trust", status)
	if res.Error != nil {
		return false, wrap("set trust", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Trust returns the trust of dev and whether the device is known at all.
func (i *IdentityStore) Trust(ctx context.Context, dev domain.Device) (domain.TrustStatus, bool, error) {
	row, err := i.Get(ctx, dev)
	if err != nil || row == nil {
		return domain.TrustUndecided, false, err
	}
	return row.Trust, true, nil
}

// CountTrusted counts the active devices of address whose trust allows
// encrypting to them. The account's own registered device is not counted.
func (i *IdentityStore) CountTrusted(ctx context.Context, address string) (int64, error) {
	var n int64
	err := i.db.WithContext(ctx).Model(&domain.IdentityRecord{}).
		Where("account = ? AND address = ? AND active = ? AND trust IN ?",
			i.account, address, true, domain.TrustedStatuses()).
		Where("NOT EXISTS (?)", i.db.Table("device_registrations AS r").
			Select("1").
			Where("r.account = identities.account AND r.account = identities.address AND r.device_id = identities.device_id")).
		Count(&n).Error
	if err != nil {
		return 0, wrap("count trusted", err)
	}
	return n, nil
}

// UpdateDeviceList applies a device-list push for address. Listed ids are
// upserted with their new state, every other known device of address is
// marked inactive. Rows are never deleted here. An id present in both sets
// counts as active.
func (i *IdentityStore) UpdateDeviceList(ctx context.Context, address string, active, inactive []uint32) error {
	isActive := make(map[uint32]bool, len(active)+len(inactive))
	for _, id := range inactive {
		isActive[id] = false
	}
	for _, id := range active {
		isActive[id] = true
	}
	listed := make([]uint32, 0, len(isActive))
	for id := range isActive {
		if !(domain.Device{Address: address, ID: id}).Valid() {
			return fmt.Errorf("store: update device list: %s/%d: %w", address, id, domain.ErrInvalidDevice)
		}
		listed = append(listed, id)
	}
	sort.Slice(listed, func(a, b int) bool { return listed[a] < listed[b] })

	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, id := range listed {
			row := domain.IdentityRecord{
				Account:  i.account,
				Address:  address,
				DeviceID: id,
				Trust:    domain.TrustUndecided,
				Active:   isActive[id],
			}
			var updates map[string]any
			if isActive[id] {
				row.LastActivationAt = &now
				row.LastDeviceIDPublishAt = &now
				updates = map[string]any{
					"active":                    true,
					"last_device_id_publish_at": now,
					"last_activation_at": gorm.Expr(
						"CASE WHEN identities.active THEN identities.last_activation_at ELSE ? END", now),
				}
			} else {
				updates = map[string]any{"active": false}
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   identityPK,
				DoUpdates: clause.Assignments(updates),
			}).Create(&row).Error
			if err != nil {
				return wrap("update device list", err)
			}
		}

		q := tx.Model(&domain.IdentityRecord{}).
			Where("account = ? AND address = ? AND active = ?", i.account, address, true)
		if len(listed) > 0 {
			q = q.Where("device_id NOT IN ?", listed)
		}
		if err := q.Update("active", false).Error; err != nil {
			return wrap("update device list", err)
		}
		return nil
	})
}

// DeviceList projects the active flags of address into a device list.
func (i *IdentityStore) DeviceList(ctx context.Context, address string) (domain.DeviceList, error) {
	var rows []domain.IdentityRecord
	list := domain.DeviceList{Active: []uint32{}, Inactive: []uint32{}}
	err := i.db.WithContext(ctx).
		Select("device_id", "active").
		Where("account = ? AND address = ?", i.account, address).
		Order("device_id ASC").
		Find(&rows).Error
	if err != nil {
		return list, wrap("load device list", err)
	}
	for _, row := range rows {
		if row.Active {
			list.Active = append(list.Active, row.DeviceID)
		} else {
			list.Inactive = append(list.Inactive, row.DeviceID)
		}
	}
	return list, nil
}

// RecordMessageReceived bumps the message counter of dev. Unknown devices
// are ignored.
func (i *IdentityStore) RecordMessageReceived(ctx context.Context, dev domain.Device, at time.Time) error {
	err := i.scope(ctx, dev).Updates(map[string]any{
		"message_counter":          gorm.Expr("message_counter + 1"),
		"last_message_received_at": at.UTC(),
	}).Error
	return wrap("record message received", err)
}

func (i *IdentityStore) ResetMessageCounter(ctx context.Context, dev domain.Device) error {
	err := i.scope(ctx, dev).Update("message_counter", 0).Error
	return wrap("reset message counter", err)
}

func (i *IdentityStore) SetLastDeviceIDPublish(ctx context.Context, dev domain.Device, at time.Time) error {
	err := i.scope(ctx, dev).Update("last_device_id_publish_at", at.UTC()).Error
	return wrap("set device id publish time", err)
}

// DeleteStale removes inactive, undecided devices (and their sessions) whose
// latest activity is older than before. Devices with a trust decision are
// always kept.
func (i *IdentityStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []domain.IdentityRecord
		err := tx.Where("account = ? AND active = ? AND trust = ?", i.account, false, domain.TrustUndecided).
			Find(&rows).Error
		if err != nil {
			return wrap("delete stale identities", err)
		}
		for _, row := range rows {
			if last := lastActivity(row); last != nil && !last.Before(before) {
				continue
			}
			where := "account = ? AND address = ? AND device_id = ?"
			if err := tx.Where(where, i.account, row.Address, row.DeviceID).Delete(&domain.Session{}).Error; err != nil {
				return wrap("delete stale sessions", err)
			}
			if err := tx.Where(where, i.account, row.Address, row.DeviceID).Delete(&domain.IdentityRecord{}).Error; err != nil {
				return wrap("delete stale identities", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func lastActivity(r domain.IdentityRecord) *time.Time {
	var last *time.Time
	for _, t := range []*time.Time{r.LastActivationAt, r.LastDeviceIDPublishAt, r.LastMessageReceivedAt} {
		if t != nil && (last == nil || t.After(*last)) {
			last = t
		}
	}
	return last
}
