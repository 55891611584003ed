package store

import (
	"context"

	"omemostore/internal/domain"
)

// DeleteAccountData removes the account and, through foreign key cascades,
// every row it owns. Counts per record kind are captured before deletion.
func (s *Store) DeleteAccountData(ctx context.Context, account string) (map[domain.RecordKind]int64, error) {
	deleted := map[domain.RecordKind]int64{}

	err := s.WithTx(ctx, func(tx *Store) error {
		db := tx.DB.WithContext(ctx)

		for _, kind := range domain.RecordKinds() {
			column := "account"
			if kind == domain.KindAccount {
				column = "address"
			}
			var total int64
			if err := db.Table(kind.Table()).Where(column+" = ?", account).Count(&total).Error; err != nil {
				return wrap("count "+kind.String(), err)
			}
			deleted[kind] = total
		}

		if err := db.Where("address = ?", account).Delete(&domain.Account{}).Error; err != nil {
			return wrap("delete account", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
