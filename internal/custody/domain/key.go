package domain

import (
	"context"
	"time"
)

// DerivedKey 一个 (owner, currency, network) 一条，创建后不可变
type DerivedKey struct {
	ID                  int64
	OwnerID             int64  `gorm:"uniqueIndex:idx_key_owner"`
	Currency            string `gorm:"size:16;uniqueIndex:idx_key_owner;uniqueIndex:idx_key_index"`
	Network             string `gorm:"size:32;uniqueIndex:idx_key_owner;uniqueIndex:idx_key_index"`
	DerivationIndex     uint32 `gorm:"uniqueIndex:idx_key_index"`
	Account             uint32 // BIP44 account，按 currency/network 固定
	Address             string `gorm:"size:128;uniqueIndex"`
	EncryptedPrivateKey string `gorm:"type:text" json:"-"`
	CreatedAt           time.Time
}

// DerivationCounter 每个 (currency, network) 的下一个可用下标
type DerivationCounter struct {
	Currency  string `gorm:"primaryKey;size:16"`
	Network   string `gorm:"primaryKey;size:32"`
	NextIndex uint32 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

type KeyRepo interface {
	// FindKey 没有记录时返回 nil, nil
	FindKey(ctx context.Context, ownerID int64, currency, network string) (*DerivedKey, error)
	FindKeyByAddress(ctx context.Context, network, address string) (*DerivedKey, error)
	// NextIndex 原子地占用一个下标，必须在事务里调用
	NextIndex(ctx context.Context, currency, network string) (uint32, error)
	CreateKey(ctx context.Context, key *DerivedKey) error
	// ListKeys 按 id 游标分页，currency 为空表示全部
	ListKeys(ctx context.Context, network, currency string, afterID int64, limit int) ([]DerivedKey, error)
}
