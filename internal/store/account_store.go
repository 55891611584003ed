package store

import (
	"context"
	"time"

	"omemostore/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountStore struct{ db *gorm.DB }

func (s *Store) Accounts() *AccountStore { return &AccountStore{db: s.DB} }

func (a *AccountStore) Ensure(ctx context.Context, address string) error {
	acc := domain.Account{Address: address, CreatedAt: time.Now().UTC()}
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&acc).Error
	return wrap("ensure account", err)
}

func (a *AccountStore) Exists(ctx context.Context, address string) (bool, error) {
	var n int64
	err := a.db.WithContext(ctx).Model(&domain.Account{}).
		Where("address = ?", address).
		Count(&n).Error
	if err != nil {
		return false, wrap("account exists", err)
	}
	return n > 0, nil
}

// List returns every known account address in lexical order.
func (a *AccountStore) List(ctx context.Context) ([]string, error) {
	var out []string
	err := a.db.WithContext(ctx).Model(&domain.Account{}).
		Order("address ASC").
		Pluck("address", &out).Error
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	return out, nil
}

// Delete removes the account row. Foreign keys cascade to every other table.
func (a *AccountStore) Delete(ctx context.Context, address string) error {
	err := a.db.WithContext(ctx).
		Where("address = ?", address).
		Delete(&domain.Account{}).Error
	return wrap("delete account", err)
}
