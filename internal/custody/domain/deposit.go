package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DepositRecord 每个 tx_hash 最多一条，唯一索引是入账幂等的最终保证
type DepositRecord struct {
	ID            int64
	TxHash        string          `gorm:"size:128;uniqueIndex"`
	OrderID       string          `gorm:"size:36;index"`
	OwnerID       int64           `gorm:"index"`
	Currency      string          `gorm:"size:16"`
	Network       string          `gorm:"size:32"`
	Address       string          `gorm:"size:128"`
	FromAddress   string          `gorm:"size:128"`
	Amount        decimal.Decimal `gorm:"type:decimal(36,18)"`
	Confirmations int64
	CreditedAt    time.Time
}

type DepositRepo interface {
	// InsertDeposit tx_hash 冲突时返回 false, nil
	InsertDeposit(ctx context.Context, d *DepositRecord) (bool, error)
	GetDepositByTxHash(ctx context.Context, txHash string) (*DepositRecord, error)
	GetDepositByOrderID(ctx context.Context, orderID string) (*DepositRecord, error)
}
