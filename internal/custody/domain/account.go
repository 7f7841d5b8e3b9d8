package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account 只能通过 Credit/Debit 原子增减，保证 balance - frozen >= 0
type Account struct {
	ID            int64
	OwnerID       int64           `gorm:"uniqueIndex:idx_account_owner"`
	Currency      string          `gorm:"size:16;uniqueIndex:idx_account_owner"`
	Balance       decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	FrozenBalance decimal.Decimal `gorm:"type:decimal(36,18);default:0"`
	Version       int64           `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.FrozenBalance)
}

type AccountRepo interface {
	// GetAccount 不存在时返回零值账户
	GetAccount(ctx context.Context, ownerID int64, currency string) (*Account, error)
	// Credit 不存在则创建
	Credit(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal) error
	// Debit 可用余额不足返回 ErrInsufficientBalance
	Debit(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal) error
}
