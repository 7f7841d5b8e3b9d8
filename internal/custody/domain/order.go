package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirming OrderStatus = "confirming"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderFailed     OrderStatus = "failed"
)

const OrderKindActivation = "activation"

// PendingOrder 短期支付单，active_key 非空时表示占用 (owner, kind) 的唯一活跃名额
type PendingOrder struct {
	OrderID        string          `gorm:"primaryKey;size:36"`
	OwnerID        int64           `gorm:"index"`
	Kind           string          `gorm:"size:32"`
	Currency       string          `gorm:"size:16"`
	Network        string          `gorm:"size:32"`
	Address        string          `gorm:"size:128;index"`
	ExpectedAmount decimal.Decimal `gorm:"type:decimal(36,18)"`
	Status         OrderStatus     `gorm:"size:16;index"`
	ActiveKey      *string         `gorm:"size:96;uniqueIndex"`
	MatchedTxHash  string          `gorm:"size:128"`
	Confirmations  int64
	FailReason     string `gorm:"size:255"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func ActiveKeyFor(ownerID int64, kind string) string {
	return fmt.Sprintf("%d:%s", ownerID, kind)
}

func (o *PendingOrder) IsActive() bool {
	return o.Status == OrderPending || o.Status == OrderConfirming
}

// Expired now 严格晚于 expiresAt
func (o *PendingOrder) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// CanTransition pending -> confirming -> confirmed，pending/confirming -> failed
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case OrderPending:
		return to == OrderConfirming || to == OrderConfirmed || to == OrderFailed
	case OrderConfirming:
		return to == OrderConfirmed || to == OrderFailed
	}
	return false
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, o *PendingOrder) error
	// GetOrder 没有记录时返回 nil, nil
	GetOrder(ctx context.Context, orderID string) (*PendingOrder, error)
	FindActiveOrder(ctx context.Context, ownerID int64, kind string) (*PendingOrder, error)
	ListActiveOrders(ctx context.Context, limit int) ([]PendingOrder, error)
	// FindActiveOrderByAddress 推送入口按收款地址定位订单
	FindActiveOrderByAddress(ctx context.Context, network, address string) (*PendingOrder, error)
	// TransitionOrder 条件更新，只有当前状态是 from 才会改成 to，返回是否命中
	TransitionOrder(ctx context.Context, orderID string, from, to OrderStatus, fields map[string]interface{}) (bool, error)
	// DeleteActiveOrder 只删仍活跃且未过期的订单
	DeleteActiveOrder(ctx context.Context, orderID string, now time.Time) (bool, error)
	FailExpiredOrders(ctx context.Context, now time.Time) (int64, error)
	PurgeFailedOrders(ctx context.Context, before time.Time) (int64, error)
}
