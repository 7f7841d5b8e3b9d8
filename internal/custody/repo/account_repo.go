package repo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"refwallet.com/internal/custody/domain"
)

// GetAccount 查无此记录不是错误，返回零值账户
func (r *Repo) GetAccount(ctx context.Context, ownerID int64, currency string) (*domain.Account, error) {
	var a domain.Account
	err := r.getDb(ctx).Where("owner_id = ? AND currency = ?", ownerID, currency).First(&a).Error
	if err != nil {
		if notFound(err) {
			return &domain.Account{
				OwnerID:       ownerID,
				Currency:      currency,
				Balance:       decimal.Zero,
				FrozenBalance: decimal.Zero,
			}, nil
		}
		return nil, dbErr("get account", err)
	}
	return &a, nil
}

// Credit upsert 原子加钱
func (r *Repo) Credit(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("credit %s: %w", amount, domain.ErrInvalidParams)
	}
	acc := domain.Account{OwnerID: ownerID, Currency: currency, Balance: amount, FrozenBalance: decimal.Zero}
	err := r.getDb(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "currency"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance": gorm.Expr("accounts.balance + ?", amount),
			"version": gorm.Expr("accounts.version + 1"),
		}),
	}).Create(&acc).Error
	if err != nil {
		return dbErr("credit", err)
	}
	return nil
}

// Debit 条件更新，余额检查和扣减在同一条 SQL 里完成，并发下不会丢更新
func (r *Repo) Debit(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("debit %s: %w", amount, domain.ErrInvalidParams)
	}
	res := r.getDb(ctx).Model(&domain.Account{}).
		Where("owner_id = ? AND currency = ? AND balance >= frozen_balance + ?", ownerID, currency, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return dbErr("debit", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}
