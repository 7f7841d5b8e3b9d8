package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"refwallet.com/internal/custody/domain"
)

// CreateOrder active_key 冲突说明同一 owner/kind 已有活跃订单
func (r *Repo) CreateOrder(ctx context.Context, o *domain.PendingOrder) error {
	if err := r.getDb(ctx).Create(o).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateRecord
		}
		return dbErr("create order", err)
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (*domain.PendingOrder, error) {
	var o domain.PendingOrder
	if err := r.getDb(ctx).Where("order_id = ?", orderID).First(&o).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("get order", err)
	}
	return &o, nil
}

func (r *Repo) FindActiveOrder(ctx context.Context, ownerID int64, kind string) (*domain.PendingOrder, error) {
	var o domain.PendingOrder
	err := r.getDb(ctx).Where("active_key = ?", domain.ActiveKeyFor(ownerID, kind)).First(&o).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("find active order", err)
	}
	return &o, nil
}

func (r *Repo) ListActiveOrders(ctx context.Context, limit int) ([]domain.PendingOrder, error) {
	var orders []domain.PendingOrder
	err := r.getDb(ctx).
		Where("status IN ?", []domain.OrderStatus{domain.OrderPending, domain.OrderConfirming}).
		Order("created_at").Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, dbErr("list active orders", err)
	}
	return orders, nil
}

func (r *Repo) FindActiveOrderByAddress(ctx context.Context, network, address string) (*domain.PendingOrder, error) {
	var o domain.PendingOrder
	err := r.getDb(ctx).
		Where("network = ? AND address = ? AND status IN ?", network, address,
			[]domain.OrderStatus{domain.OrderPending, domain.OrderConfirming}).
		Order("created_at DESC").First(&o).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("find order by address", err)
	}
	return &o, nil
}

// TransitionOrder 终态时释放 active_key，让同一 owner 可以再下单
func (r *Repo) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, fields map[string]interface{}) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidParams
	}
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	if to == domain.OrderConfirmed || to == domain.OrderFailed {
		updates["active_key"] = nil
	}
	res := r.getDb(ctx).Model(&domain.PendingOrder{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, dbErr("transition order", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteActiveOrder 确认入账时调用。条件里带上过期时间，过期订单永远删不掉
func (r *Repo) DeleteActiveOrder(ctx context.Context, orderID string, now time.Time) (bool, error) {
	res := r.getDb(ctx).
		Where("order_id = ? AND status IN ? AND expires_at >= ?", orderID,
			[]domain.OrderStatus{domain.OrderPending, domain.OrderConfirming}, now).
		Delete(&domain.PendingOrder{})
	if res.Error != nil {
		return false, dbErr("delete order", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) FailExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	res := r.getDb(ctx).Model(&domain.PendingOrder{}).
		Where("status IN ? AND expires_at < ?",
			[]domain.OrderStatus{domain.OrderPending, domain.OrderConfirming}, now).
		Updates(map[string]interface{}{
			"status":      domain.OrderFailed,
			"active_key":  nil,
			"fail_reason": "expired",
		})
	if res.Error != nil {
		return 0, dbErr("fail expired orders", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repo) PurgeFailedOrders(ctx context.Context, before time.Time) (int64, error) {
	res := r.getDb(ctx).
		Where("status = ? AND updated_at < ?", domain.OrderFailed, before).
		Delete(&domain.PendingOrder{})
	if res.Error != nil {
		return 0, dbErr("purge failed orders", res.Error)
	}
	return res.RowsAffected, nil
}
