package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/service"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/task"
)

type Config struct {
	DepositPoll   time.Duration `mapstructure:"deposit_poll"`
	ExpirySweep   time.Duration `mapstructure:"expiry_sweep"`
	Consolidation time.Duration `mapstructure:"consolidation"`
	VaultSweep    time.Duration `mapstructure:"vault_sweep"`
	AuditFlush    time.Duration `mapstructure:"audit_flush"`
	AuditPurge    time.Duration `mapstructure:"audit_purge"`
	Jitter        float64       `mapstructure:"jitter"`
}

func (c *Config) defaults() {
	if c.DepositPoll <= 0 {
		c.DepositPoll = 15 * time.Second
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = time.Minute
	}
	if c.Consolidation <= 0 {
		c.Consolidation = 30 * time.Minute
	}
	if c.VaultSweep <= 0 {
		c.VaultSweep = time.Minute
	}
	if c.AuditFlush <= 0 {
		c.AuditFlush = 10 * time.Second
	}
	if c.AuditPurge <= 0 {
		c.AuditPurge = 24 * time.Hour
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.1
	}
}

// Deps 为空的组件不注册对应任务
type Deps struct {
	Tracker        *service.Tracker
	Consolidator   *service.Consolidator
	Consolidations []service.ConsolidationOptions
	Vault          *keyvault.Vault
}

// Tasks 托管核心的全部后台任务
func Tasks(cfg Config, d Deps) []task.Task {
	cfg.defaults()
	var tasks []task.Task

	if d.Tracker != nil {
		tasks = append(tasks,
			task.Task{
				Name:       "deposit-poll",
				Interval:   cfg.DepositPoll,
				Jitter:     cfg.Jitter,
				RunOnStart: true,
				Run: func(ctx context.Context) error {
					stats, err := d.Tracker.Poll(ctx)
					if err != nil {
						return err
					}
					if stats.Scanned > 0 {
						logger.Debug(ctx, "deposit poll",
							zap.Int("scanned", stats.Scanned),
							zap.Int("confirming", stats.Confirming),
							zap.Int("confirmed", stats.Confirmed),
							zap.Int("expired", stats.Expired),
							zap.Int("errors", stats.Errors))
					}
					return nil
				},
			},
			task.Task{
				Name:     "order-expiry",
				Interval: cfg.ExpirySweep,
				Jitter:   cfg.Jitter,
				Run: func(ctx context.Context) error {
					_, _, err := d.Tracker.SweepExpired(ctx)
					return err
				},
			},
		)
	}

	if d.Consolidator != nil && len(d.Consolidations) > 0 {
		tasks = append(tasks,
			task.Task{
				Name:     "consolidation",
				Interval: cfg.Consolidation,
				Jitter:   cfg.Jitter,
				Run: func(ctx context.Context) error {
					var errs []error
					for _, opts := range d.Consolidations {
						if ctx.Err() != nil {
							break
						}
						_, err := d.Consolidator.Consolidate(ctx, opts)
						if errors.Is(err, domain.ErrConsolidationBusy) {
							// 另一个实例在跑
							logger.Info(ctx, "consolidation skipped, lock held", zap.String("network", opts.Network))
							continue
						}
						if err != nil {
							errs = append(errs, err)
						}
					}
					return errors.Join(errs...)
				},
			},
			task.Task{
				Name:     "ratelimit-cleanup",
				Interval: 10 * time.Minute,
				Run: func(context.Context) error {
					d.Consolidator.Limiter().Cleanup()
					return nil
				},
			},
		)
	}

	if d.Vault != nil {
		tasks = append(tasks,
			task.Task{
				Name:     "vault-janitor",
				Interval: cfg.VaultSweep,
				Run: func(ctx context.Context) error {
					if n := d.Vault.Sweep(); n > 0 {
						logger.Debug(ctx, "vault cache swept", zap.Int("evicted", n))
					}
					return nil
				},
			},
			task.Task{
				Name:     "audit-flush",
				Interval: cfg.AuditFlush,
				Run: func(ctx context.Context) error {
					return d.Vault.Audit().Flush(ctx)
				},
			},
			task.Task{
				Name:       "audit-purge",
				Interval:   cfg.AuditPurge,
				Jitter:     cfg.Jitter,
				RunOnStart: true,
				Run: func(ctx context.Context) error {
					n, err := d.Vault.Audit().Purge(ctx)
					if err == nil && n > 0 {
						logger.Info(ctx, "key access logs purged", zap.Int64("rows", n))
					}
					return err
				},
			},
		)
	}
	return tasks
}

func Register(s *task.Scheduler, cfg Config, d Deps) {
	for _, t := range Tasks(cfg, d) {
		s.Add(t)
	}
}
