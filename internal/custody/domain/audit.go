package domain

import (
	"context"
	"time"
)

// KeyAccessLog 密钥访问审计，只追加；不记录任何口令或明文
type KeyAccessLog struct {
	ID      int64
	Caller  string    `gorm:"size:64;index"`
	Purpose string    `gorm:"size:64"`
	Op      string    `gorm:"size:32"`
	Outcome string    `gorm:"size:32"`
	At      time.Time `gorm:"index"`
}

type AuditRepo interface {
	AppendAccessLogs(ctx context.Context, logs []KeyAccessLog) error
	PurgeAccessLogs(ctx context.Context, before time.Time) (int64, error)
}
