package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/ratelimit"
	"refwallet.com/pkg/retry"
	"refwallet.com/pkg/xredis"
)

const consolidationLockKey = "fund_consolidation_lock"

type ConsolidationConfig struct {
	Treasury     map[string]string // network -> 国库地址
	Reserve      decimal.Decimal   // 每个地址留下的余量，用来付手续费
	ItemInterval time.Duration     // 地址之间的最小间隔
	SliceDelay   time.Duration     // 批次之间的间隔
	LockTTL      time.Duration
	PageSize     int
	Retry        retry.Policy
}

type ConsolidationOptions struct {
	Network    string
	Currency   string
	MinBalance decimal.Decimal
	BatchSize  int
	Mode       domain.ConsolidationMode
}

type ItemResult struct {
	Address string
	Balance decimal.Decimal
	Amount  decimal.Decimal
	Status  domain.SweepStatus
	TxHash  string
	Error   string
}

type Batch struct {
	Index int
	Items []ItemResult
}

type Report struct {
	RunID         string
	Mode          domain.ConsolidationMode
	Network       string
	Currency      string
	Scanned       int
	Candidates    int
	TotalEligible decimal.Decimal
	Batches       []Batch
	Unreachable   []ItemResult // 余额查询重试后仍失败的地址
}

// Results 所有批次的结果拍平
func (r *Report) Results() []ItemResult {
	var out []ItemResult
	for _, b := range r.Batches {
		out = append(out, b.Items...)
	}
	return out
}

func (r *Report) Count(s domain.SweepStatus) int {
	n := 0
	for _, b := range r.Batches {
		for _, it := range b.Items {
			if it.Status == s {
				n++
			}
		}
	}
	return n
}

type candidate struct {
	key     domain.DerivedKey
	balance decimal.Decimal
}

// Consolidator 把散落在充值地址上的余额归集到国库地址
type Consolidator struct {
	repo      domain.Repository
	alloc     *Allocator
	providers *ledger.Registry
	locker    xredis.Locker
	limiter   *ratelimit.Store
	cfg       ConsolidationConfig
}

func NewConsolidator(repo domain.Repository, alloc *Allocator, providers *ledger.Registry, locker xredis.Locker, cfg ConsolidationConfig) *Consolidator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = retry.Default()
	}
	treasury := make(map[string]string, len(cfg.Treasury))
	for n, addr := range cfg.Treasury {
		treasury[strings.ToLower(n)] = addr
	}
	cfg.Treasury = treasury
	return &Consolidator{
		repo:      repo,
		alloc:     alloc,
		providers: providers,
		locker:    locker,
		limiter:   ratelimit.NewStore(ratelimit.Every(cfg.ItemInterval), 1, 0),
		cfg:       cfg,
	}
}

// Limiter 暴露给定时任务做清理
func (c *Consolidator) Limiter() *ratelimit.Store { return c.limiter }

// Consolidate 同一时间只允许一次归集；单个地址失败不影响同批其他地址
func (c *Consolidator) Consolidate(ctx context.Context, opts ConsolidationOptions) (*Report, error) {
	_, opts.Network = normalize("", opts.Network)
	opts.Currency, _ = normalize(opts.Currency, "")
	mode, ok := domain.ParseMode(string(opts.Mode))
	if !ok || opts.Network == "" {
		return nil, domain.ErrInvalidParams
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	provider, err := c.providers.Get(opts.Network)
	if err != nil {
		return nil, err
	}
	treasury := c.cfg.Treasury[opts.Network]
	if mode == domain.ModeLive && treasury == "" {
		return nil, fmt.Errorf("no treasury address for %s: %w", opts.Network, domain.ErrInvalidParams)
	}

	release, err := c.locker.Acquire(ctx, consolidationLockKey, c.cfg.LockTTL, 0)
	if err != nil {
		if errors.Is(err, xredis.ErrLockNotAcquired) {
			return nil, domain.ErrConsolidationBusy
		}
		return nil, err
	}
	defer release()

	report := &Report{
		RunID:         uuid.NewString(),
		Mode:          mode,
		Network:       opts.Network,
		Currency:      opts.Currency,
		TotalEligible: decimal.Zero,
	}
	logger.Info(ctx, "consolidation started",
		zap.String("run_id", report.RunID),
		zap.String("mode", string(mode)),
		zap.String("network", opts.Network),
		zap.String("currency", opts.Currency),
		zap.String("min_balance", opts.MinBalance.String()),
		zap.Int("batch_size", opts.BatchSize))

	// 1. 枚举地址并查余额
	candidates, err := c.scan(ctx, provider, opts, report)
	if err != nil {
		return nil, err
	}
	report.Candidates = len(candidates)
	for _, cand := range candidates {
		report.TotalEligible = report.TotalEligible.Add(cand.balance)
	}
	if mode == domain.ModeStats {
		c.finish(ctx, report)
		return report, nil
	}

	// 2. 分批，批内顺序处理
	for start, bi := 0, 0; start < len(candidates); start, bi = start+opts.BatchSize, bi+1 {
		end := min(start+opts.BatchSize, len(candidates))
		batch := Batch{Index: bi}
		if bi > 0 && ctx.Err() == nil {
			_ = sleepCtx(ctx, c.cfg.SliceDelay)
		}
		for _, cand := range candidates[start:end] {
			if ctx.Err() == nil {
				if err := c.limiter.Wait(ctx, opts.Network); err == nil {
					// 手上这一笔做完，不跟随取消
					batch.Items = append(batch.Items, c.sweep(context.WithoutCancel(ctx), provider, mode, treasury, cand))
					continue
				}
			}
			batch.Items = append(batch.Items, ItemResult{
				Address: cand.key.Address,
				Balance: cand.balance,
				Status:  domain.SweepSkipped,
				Error:   "canceled",
			})
		}
		report.Batches = append(report.Batches, batch)
	}

	c.persist(ctx, report)
	c.finish(ctx, report)
	return report, nil
}

func (c *Consolidator) scan(ctx context.Context, provider ledger.Provider, opts ConsolidationOptions, report *Report) ([]candidate, error) {
	var out []candidate
	var afterID int64
	for {
		keys, err := c.repo.ListKeys(ctx, opts.Network, opts.Currency, afterID, c.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			afterID = k.ID
			report.Scanned++
			bal, err := retry.Do(ctx, "get_balance", c.cfg.Retry, func(ctx context.Context) (ledger.Balance, error) {
				return provider.GetBalance(ctx, k.Address)
			})
			if err != nil {
				report.Unreachable = append(report.Unreachable, ItemResult{
					Address: k.Address,
					Status:  domain.SweepFailed,
					Error:   err.Error(),
				})
				logger.Warn(ctx, "consolidation balance query failed", zap.String("address", k.Address), zap.Error(err))
				continue
			}
			amount := bal.Of(c.providers.AssetOf(opts.Network, k.Currency))
			// 空地址不参与归集
			if amount.IsPositive() && amount.GreaterThanOrEqual(opts.MinBalance) {
				out = append(out, candidate{key: k, balance: amount})
			}
		}
		if len(keys) < c.cfg.PageSize {
			return out, nil
		}
	}
}

func (c *Consolidator) sweep(ctx context.Context, provider ledger.Provider, mode domain.ConsolidationMode, treasury string, cand candidate) ItemResult {
	res := ItemResult{Address: cand.key.Address, Balance: cand.balance}
	amount := cand.balance.Sub(c.cfg.Reserve)
	if !amount.IsPositive() {
		res.Status, res.Error = domain.SweepSkipped, "below reserve"
		return res
	}
	res.Amount = amount
	if mode == domain.ModeDryRun {
		res.Status, res.Error = domain.SweepSkipped, "dry-run"
		return res
	}

	privateKey, err := c.alloc.DecryptKey(keyvault.WithCaller(ctx, keyvault.CallerConsolidation), &cand.key)
	if err != nil {
		res.Status, res.Error = domain.SweepFailed, err.Error()
		logger.Warn(ctx, "consolidation decrypt failed", zap.String("address", res.Address), zap.Error(err))
		return res
	}
	txHash, err := provider.BroadcastTransfer(ctx, ledger.TransferRequest{
		PrivateKey: privateKey,
		To:         treasury,
		Amount:     amount,
		Asset:      c.providers.AssetOf(cand.key.Network, cand.key.Currency),
	})
	if err != nil {
		res.Status, res.Error = domain.SweepFailed, err.Error()
		logger.Warn(ctx, "consolidation transfer failed", zap.String("address", res.Address), zap.Error(err))
		return res
	}
	res.Status, res.TxHash = domain.SweepSuccess, txHash
	logger.Info(ctx, "consolidated",
		zap.String("address", res.Address),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return res
}

func (c *Consolidator) persist(ctx context.Context, r *Report) {
	items := append(r.Results(), r.Unreachable...)
	records := make([]domain.ConsolidationRecord, 0, len(items))
	for _, it := range items {
		records = append(records, domain.ConsolidationRecord{
			RunID:    r.RunID,
			Mode:     string(r.Mode),
			Network:  r.Network,
			Currency: r.Currency,
			Address:  it.Address,
			Balance:  it.Balance,
			Amount:   it.Amount,
			Status:   it.Status,
			TxHash:   it.TxHash,
			Error:    it.Error,
		})
		metrics.ConsolidationItemTotal.WithLabelValues(r.Network, string(it.Status)).Inc()
	}
	if err := c.repo.SaveConsolidationRecords(context.WithoutCancel(ctx), records); err != nil {
		logger.Error(ctx, "save consolidation records failed", zap.String("run_id", r.RunID), zap.Error(err))
	}
}

func (c *Consolidator) finish(ctx context.Context, r *Report) {
	logger.Info(ctx, "consolidation finished",
		zap.String("run_id", r.RunID),
		zap.String("mode", string(r.Mode)),
		zap.Int("scanned", r.Scanned),
		zap.Int("candidates", r.Candidates),
		zap.String("total_eligible", r.TotalEligible.String()),
		zap.Int("batches", len(r.Batches)),
		zap.Int("success", r.Count(domain.SweepSuccess)),
		zap.Int("failed", r.Count(domain.SweepFailed)+len(r.Unreachable)),
		zap.Int("skipped", r.Count(domain.SweepSkipped)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
