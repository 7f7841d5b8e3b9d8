package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/wal"
)

const (
	OutcomeOK            = "ok"
	OutcomeDenied        = "access-denied"
	OutcomeBadPassphrase = "bad-passphrase"
	OutcomeError         = "error"
)

// AuditLog 内存追加缓冲，满 flushSize 或定时刷到数据库
type AuditLog struct {
	mu        sync.Mutex
	buf       []domain.KeyAccessLog
	sink      domain.AuditRepo
	flushSize int
	retention time.Duration
	now       func() time.Time
}

func NewAuditLog(sink domain.AuditRepo, flushSize int, retention time.Duration) *AuditLog {
	if flushSize <= 0 {
		flushSize = 100
	}
	if retention <= 0 {
		retention = 365 * 24 * time.Hour
	}
	return &AuditLog{sink: sink, flushSize: flushSize, retention: retention, now: time.Now}
}

func (a *AuditLog) Record(ctx context.Context, caller string, purpose Purpose, op, outcome string) {
	entry := domain.KeyAccessLog{
		Caller:  caller,
		Purpose: string(purpose),
		Op:      op,
		Outcome: outcome,
		At:      a.now().UTC(),
	}
	a.mu.Lock()
	a.buf = append(a.buf, entry)
	full := len(a.buf) >= a.flushSize
	a.mu.Unlock()

	logger.Info(ctx, "key access",
		zap.String("caller", caller),
		zap.String("purpose", string(purpose)),
		zap.String("op", op),
		zap.String("outcome", outcome))

	if full {
		if err := a.Flush(context.WithoutCancel(ctx)); err != nil {
			logger.Error(ctx, "flush key access log failed", zap.Error(err))
		}
	}
}

// Flush 写失败时把条目放回缓冲头部，不丢审计
func (a *AuditLog) Flush(ctx context.Context) error {
	if a.sink == nil {
		return nil
	}
	a.mu.Lock()
	pending := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	if err := a.sink.AppendAccessLogs(ctx, pending); err != nil {
		a.mu.Lock()
		a.buf = append(pending, a.buf...)
		a.mu.Unlock()
		return err
	}
	return nil
}

// Purge 删除超过保留期的审计记录
func (a *AuditLog) Purge(ctx context.Context) (int64, error) {
	if a.sink == nil {
		return 0, nil
	}
	return a.sink.PurgeAccessLogs(ctx, a.now().Add(-a.retention))
}

func (a *AuditLog) Pending() []domain.KeyAccessLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.KeyAccessLog(nil), a.buf...)
}

// SpillTo 退出时库写不进去，把缓冲里的条目落到本地文件，下次启动 RestoreFrom 回放
func (a *AuditLog) SpillTo(path string) (int, error) {
	a.mu.Lock()
	pending := a.buf
	a.buf = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}
	putBack := func() {
		a.mu.Lock()
		a.buf = append(pending, a.buf...)
		a.mu.Unlock()
	}

	w, err := wal.Open(path)
	if err != nil {
		putBack()
		return 0, err
	}
	for _, e := range pending {
		b, err := json.Marshal(e)
		if err == nil {
			err = w.Append(b)
		}
		if err != nil {
			_ = w.Close()
			putBack()
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		putBack()
		return 0, err
	}
	return len(pending), nil
}

// RestoreFrom 回放落盘的条目并写库，成功后删除文件
func (a *AuditLog) RestoreFrom(ctx context.Context, path string) (int, error) {
	var restored []domain.KeyAccessLog
	st, err := wal.Replay(path, func(payload []byte) error {
		var e domain.KeyAccessLog
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		e.ID = 0
		restored = append(restored, e)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", path, err)
	}
	if st.TruncatedTail {
		logger.Warn(ctx, "key access spill has a truncated tail", zap.String("file", path))
	}
	if len(restored) == 0 {
		return 0, wal.Remove(path)
	}

	// 直接写库，不进缓冲；失败时文件保留，下次再回放
	if a.sink == nil {
		return 0, nil
	}
	if err := a.sink.AppendAccessLogs(ctx, restored); err != nil {
		return 0, err
	}
	return len(restored), wal.Remove(path)
}
