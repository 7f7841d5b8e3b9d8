package repo

import (
	"context"
	"time"

	"refwallet.com/internal/custody/domain"
)

func (r *Repo) SaveConsolidationRecords(ctx context.Context, records []domain.ConsolidationRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		records[i].Error = truncate(records[i].Error, 255)
	}
	if err := r.getDb(ctx).CreateInBatches(&records, 100).Error; err != nil {
		return dbErr("save consolidation records", err)
	}
	return nil
}

func (r *Repo) AppendAccessLogs(ctx context.Context, logs []domain.KeyAccessLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.getDb(ctx).CreateInBatches(&logs, 100).Error; err != nil {
		return dbErr("append access logs", err)
	}
	return nil
}

// PurgeAccessLogs 清理保留期之外的审计记录
func (r *Repo) PurgeAccessLogs(ctx context.Context, before time.Time) (int64, error) {
	res := r.getDb(ctx).Where("at < ?", before).Delete(&domain.KeyAccessLog{})
	if res.Error != nil {
		return 0, dbErr("purge access logs", res.Error)
	}
	return res.RowsAffected, nil
}
