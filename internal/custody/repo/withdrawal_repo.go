package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"refwallet.com/internal/custody/domain"
)

func (r *Repo) CreateWithdrawal(ctx context.Context, w *domain.WithdrawalRecord) error {
	if err := r.getDb(ctx).Create(w).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateRecord
		}
		return dbErr("create withdrawal", err)
	}
	return nil
}

func (r *Repo) GetWithdrawalByRequestID(ctx context.Context, requestID string) (*domain.WithdrawalRecord, error) {
	var w domain.WithdrawalRecord
	if err := r.getDb(ctx).Where("request_id = ?", requestID).First(&w).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("get withdrawal", err)
	}
	return &w, nil
}

// UpdateWithdrawalResult 只允许从 pending 落到终态一次
func (r *Repo) UpdateWithdrawalResult(ctx context.Context, id int64, status domain.WithdrawalStatus, txHash, errMsg string) error {
	res := r.getDb(ctx).Model(&domain.WithdrawalRecord{}).
		Where("id = ? AND status = ?", id, domain.WithdrawalPending).
		Updates(map[string]interface{}{
			"status":    status,
			"tx_hash":   txHash,
			"error_msg": truncate(errMsg, 255),
		})
	if res.Error != nil {
		return dbErr("update withdrawal", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidParams
	}
	return nil
}

func (r *Repo) InsertRevenue(ctx context.Context, e *domain.RevenueEntry) error {
	if err := r.getDb(ctx).Create(e).Error; err != nil {
		return dbErr("insert revenue", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
