package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/pkg/xerr"
)

type txKey struct{}

type Repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var _ domain.Repository = (*Repo)(nil)

// Migrate 建表，唯一索引在这里落地
func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(domain.Models()...)
}

// Transaction 把 tx 放进 ctx，仓储方法通过 getDb 自动使用
func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func dbErr(op string, err error) error {
	return xerr.New(xerr.DbError, fmt.Sprintf("%s: %v", op, err))
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
