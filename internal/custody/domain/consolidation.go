package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type SweepStatus string

const (
	SweepSuccess SweepStatus = "success"
	SweepFailed  SweepStatus = "failed"
	SweepSkipped SweepStatus = "skipped"
)

type ConsolidationMode string

const (
	ModeLive   ConsolidationMode = "live"
	ModeDryRun ConsolidationMode = "dry-run"
	ModeStats  ConsolidationMode = "stats"
)

func ParseMode(s string) (ConsolidationMode, bool) {
	switch ConsolidationMode(s) {
	case ModeLive, ModeDryRun, ModeStats:
		return ConsolidationMode(s), true
	case "":
		return ModeLive, true
	}
	return "", false
}

// ConsolidationRecord 每次归集每个地址的结果
type ConsolidationRecord struct {
	ID        int64
	RunID     string          `gorm:"size:36;index"`
	Mode      string          `gorm:"size:16"`
	Network   string          `gorm:"size:32"`
	Currency  string          `gorm:"size:16"`
	Address   string          `gorm:"size:128;index"`
	Balance   decimal.Decimal `gorm:"type:decimal(36,18)"`
	Amount    decimal.Decimal `gorm:"type:decimal(36,18)"`
	Status    SweepStatus     `gorm:"size:16"`
	TxHash    string          `gorm:"size:128"`
	Error     string          `gorm:"size:255"`
	CreatedAt time.Time
}

type ConsolidationRepo interface {
	SaveConsolidationRecords(ctx context.Context, records []ConsolidationRecord) error
}
