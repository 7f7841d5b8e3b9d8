package repo

import (
	"context"

	"gorm.io/gorm/clause"
	"refwallet.com/internal/custody/domain"
)

// InsertDeposit tx_hash 唯一，冲突时什么都不做，RowsAffected 为 0 即重复
func (r *Repo) InsertDeposit(ctx context.Context, d *domain.DepositRecord) (bool, error) {
	res := r.getDb(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(d)
	if res.Error != nil {
		return false, dbErr("insert deposit", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) GetDepositByTxHash(ctx context.Context, txHash string) (*domain.DepositRecord, error) {
	var d domain.DepositRecord
	if err := r.getDb(ctx).Where("tx_hash = ?", txHash).First(&d).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("get deposit", err)
	}
	return &d, nil
}

func (r *Repo) GetDepositByOrderID(ctx context.Context, orderID string) (*domain.DepositRecord, error) {
	var d domain.DepositRecord
	if err := r.getDb(ctx).Where("order_id = ?", orderID).First(&d).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("get deposit by order", err)
	}
	return &d, nil
}
