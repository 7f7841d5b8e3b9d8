package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"refwallet.com/internal/custody/domain"
)

func (r *Repo) FindKey(ctx context.Context, ownerID int64, currency, network string) (*domain.DerivedKey, error) {
	var k domain.DerivedKey
	err := r.getDb(ctx).
		Where("owner_id = ? AND currency = ? AND network = ?", ownerID, currency, network).
		First(&k).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("find key", err)
	}
	return &k, nil
}

func (r *Repo) FindKeyByAddress(ctx context.Context, network, address string) (*domain.DerivedKey, error) {
	var k domain.DerivedKey
	err := r.getDb(ctx).Where("network = ? AND address = ?", network, address).First(&k).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, dbErr("find key by address", err)
	}
	return &k, nil
}

// NextIndex 计数器行不存在先插入，然后条件自增；读到的值即本次占用的下标
func (r *Repo) NextIndex(ctx context.Context, currency, network string) (uint32, error) {
	db := r.getDb(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.DerivationCounter{Currency: currency, Network: network}).Error; err != nil {
		return 0, dbErr("init counter", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		var c domain.DerivationCounter
		if err := db.Where("currency = ? AND network = ?", currency, network).First(&c).Error; err != nil {
			return 0, dbErr("read counter", err)
		}
		// CAS：别人先改了就重读
		res := db.Model(&domain.DerivationCounter{}).
			Where("currency = ? AND network = ? AND next_index = ?", currency, network, c.NextIndex).
			Updates(map[string]interface{}{"next_index": gorm.Expr("next_index + 1")})
		if res.Error != nil {
			return 0, dbErr("advance counter", res.Error)
		}
		if res.RowsAffected == 1 {
			return c.NextIndex, nil
		}
	}
	return 0, dbErr("advance counter", gorm.ErrInvalidTransaction)
}

func (r *Repo) CreateKey(ctx context.Context, key *domain.DerivedKey) error {
	if err := r.getDb(ctx).Create(key).Error; err != nil {
		return dbErr("create key", err)
	}
	return nil
}

func (r *Repo) ListKeys(ctx context.Context, network, currency string, afterID int64, limit int) ([]domain.DerivedKey, error) {
	q := r.getDb(ctx).Where("network = ? AND id > ?", network, afterID)
	if currency != "" {
		q = q.Where("currency = ?", currency)
	}
	var keys []domain.DerivedKey
	if err := q.Order("id").Limit(limit).Find(&keys).Error; err != nil {
		return nil, dbErr("list keys", err)
	}
	return keys, nil
}
