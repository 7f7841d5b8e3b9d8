package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"   // 已扣款，待广播
	WithdrawalBroadcast WithdrawalStatus = "broadcast" // 已上链
	WithdrawalFailed    WithdrawalStatus = "failed"    // 广播失败，已退款
	WithdrawalUnknown   WithdrawalStatus = "unknown"   // 广播超时，结果未知，等待对账
)

type WithdrawalRecord struct {
	ID          int64
	RequestID   *string          `gorm:"size:64;uniqueIndex"`
	OwnerID     int64            `gorm:"index"`
	Currency    string           `gorm:"size:16"`
	Network     string           `gorm:"size:32"`
	ToAddress   string           `gorm:"size:128"`
	GrossAmount decimal.Decimal  `gorm:"type:decimal(36,18)"`
	Fee         decimal.Decimal  `gorm:"type:decimal(36,18)"`
	NetAmount   decimal.Decimal  `gorm:"type:decimal(36,18)"`
	TxHash      string           `gorm:"size:128"`
	Status      WithdrawalStatus `gorm:"size:16;index"`
	Custody     string           `gorm:"size:16"`
	ErrorMsg    string           `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RevenueEntry 只追加，不更新
type RevenueEntry struct {
	ID           int64
	Source       string          `gorm:"size:32"`
	RefID        int64           `gorm:"index"`
	Currency     string          `gorm:"size:16"`
	Amount       decimal.Decimal `gorm:"type:decimal(36,18)"` // 收取的手续费
	ProviderCost decimal.Decimal `gorm:"type:decimal(36,18)"` // 预估的链上成本
	Profit       decimal.Decimal `gorm:"type:decimal(36,18)"`
	CreatedAt    time.Time
}

const RevenueSourceWithdrawalFee = "withdrawal-fee"

type WithdrawalRepo interface {
	CreateWithdrawal(ctx context.Context, w *WithdrawalRecord) error
	GetWithdrawalByRequestID(ctx context.Context, requestID string) (*WithdrawalRecord, error)
	UpdateWithdrawalResult(ctx context.Context, id int64, status WithdrawalStatus, txHash, errMsg string) error
	InsertRevenue(ctx context.Context, r *RevenueEntry) error
}
