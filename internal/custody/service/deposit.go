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
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/hdwallet"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/retry"
	"refwallet.com/pkg/xredis"
)

type TrackerConfig struct {
	Confirmations        int64            // 默认确认数
	NetworkConfirmations map[string]int64 // 按网络覆盖
	Tolerance            decimal.Decimal  // |amount - expected| <= tolerance 视为匹配
	BatchSize            int              // 每轮最多处理的活跃订单
	DefaultTTL           time.Duration
	FailedRetention      time.Duration // 失败订单保留多久再清理
	Retry                retry.Policy
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Confirmations:   12,
		Tolerance:       decimal.New(1, -6),
		BatchSize:       200,
		DefaultTTL:      30 * time.Minute,
		FailedRetention: 7 * 24 * time.Hour,
		Retry:           retry.Default(),
	}
}

type OrderRequest struct {
	OwnerID        int64
	Kind           string
	Currency       string
	Network        string
	ExpectedAmount decimal.Decimal
	TTL            time.Duration
}

// PollStats 一轮轮询的结果
type PollStats struct {
	Scanned    int
	Confirming int
	Confirmed  int
	Expired    int
	Errors     int
}

// Tracker 充值订单状态机：pending -> confirming -> confirmed，超时 -> failed
type Tracker struct {
	repo      domain.Repository
	alloc     *Allocator
	providers *ledger.Registry
	seen      *xredis.SeenSet
	cfg       TrackerConfig
	now       func() time.Time
}

func NewTracker(repo domain.Repository, alloc *Allocator, providers *ledger.Registry, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = def.Confirmations
	}
	if cfg.Tolerance.IsNegative() {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = def.Retry
	}
	return &Tracker{repo: repo, alloc: alloc, providers: providers, cfg: cfg, now: time.Now}
}

// WithSeenSet 已入账交易的 Redis 提示集合，只用来少查一次库，唯一索引才是最终保证
func (t *Tracker) WithSeenSet(s *xredis.SeenSet) *Tracker {
	t.seen = s
	return t
}

// CreatePendingOrder 同一 (owner, kind) 只有一个活跃订单，未过期时直接返回它
func (t *Tracker) CreatePendingOrder(ctx context.Context, req OrderRequest) (*domain.PendingOrder, error) {
	req.Currency, req.Network = normalize(req.Currency, req.Network)
	if req.Kind == "" {
		req.Kind = domain.OrderKindActivation
	}
	if !req.ExpectedAmount.IsPositive() {
		return nil, fmt.Errorf("expected amount %s: %w", req.ExpectedAmount, domain.ErrInvalidParams)
	}
	if req.TTL <= 0 {
		req.TTL = t.cfg.DefaultTTL
	}
	provider, err := t.providers.Get(req.Network)
	if err != nil {
		return nil, err
	}
	// 入账列不出来的资产，订单永远确认不了
	if !ledger.CanListTransfers(provider, t.providers.AssetOf(req.Network, req.Currency)) {
		return nil, fmt.Errorf("%s on %s cannot be tracked: %w", req.Currency, req.Network, domain.ErrInvalidParams)
	}

	key, err := t.alloc.Allocate(ctx, req.OwnerID, req.Currency, req.Network)
	if err != nil {
		return nil, err
	}

	now := t.now()
	var order *domain.PendingOrder
	err = t.repo.Transaction(ctx, func(txCtx context.Context) error {
		existing, err := t.repo.FindActiveOrder(txCtx, req.OwnerID, req.Kind)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Expired(now) {
				order = existing
				return nil
			}
			// 过期的旧订单先失败掉，释放名额
			if _, err := t.repo.TransitionOrder(txCtx, existing.OrderID, existing.Status, domain.OrderFailed,
				map[string]interface{}{"fail_reason": "expired"}); err != nil {
				return err
			}
			metrics.OrderTransitionTotal.WithLabelValues(string(domain.OrderFailed)).Inc()
		}

		activeKey := domain.ActiveKeyFor(req.OwnerID, req.Kind)
		order = &domain.PendingOrder{
			OrderID:        uuid.NewString(),
			OwnerID:        req.OwnerID,
			Kind:           req.Kind,
			Currency:       req.Currency,
			Network:        req.Network,
			Address:        key.Address,
			ExpectedAmount: req.ExpectedAmount,
			Status:         domain.OrderPending,
			ActiveKey:      &activeKey,
			CreatedAt:      now,
			ExpiresAt:      now.Add(req.TTL),
		}
		return t.repo.CreateOrder(txCtx, order)
	})
	if errors.Is(err, domain.ErrDuplicateRecord) {
		// 并发下单，另一个请求先建好了
		order, err = t.repo.FindActiveOrder(ctx, req.OwnerID, req.Kind)
		if err == nil && order == nil {
			err = domain.ErrOrderNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "pending order ready",
		zap.String("order_id", order.OrderID),
		zap.Int64("owner_id", order.OwnerID),
		zap.String("address", order.Address),
		zap.String("expected", order.ExpectedAmount.String()),
		zap.Time("expires_at", order.ExpiresAt))
	return order, nil
}

// CheckOrderStatus 订单行被删除说明已入账，用充值记录回答
func (t *Tracker) CheckOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	o, err := t.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o != nil {
		if o.IsActive() && o.Expired(t.now()) {
			return domain.OrderFailed, nil
		}
		return o.Status, nil
	}
	dep, err := t.repo.GetDepositByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if dep != nil {
		return domain.OrderConfirmed, nil
	}
	return "", domain.ErrOrderNotFound
}

// Poll 处理一批活跃订单，单个订单的错误不影响其他订单
func (t *Tracker) Poll(ctx context.Context) (PollStats, error) {
	var stats PollStats
	orders, err := t.repo.ListActiveOrders(ctx, t.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for i := range orders {
		// 停止时只做完手上这一单
		if ctx.Err() != nil {
			break
		}
		o := &orders[i]
		stats.Scanned++
		status, err := t.track(context.WithoutCancel(ctx), o)
		switch {
		case errors.Is(err, domain.ErrOrderExpired):
			stats.Expired++
		case err != nil:
			stats.Errors++
			logger.Warn(ctx, "track order failed", zap.String("order_id", o.OrderID), zap.Error(err))
		case status == domain.OrderConfirming:
			stats.Confirming++
		case status == domain.OrderConfirmed:
			stats.Confirmed++
		}
	}
	return stats, nil
}

// HandleNotification 推送入口，匹配规则和轮询一致
func (t *Tracker) HandleNotification(ctx context.Context, network string, tr ledger.Transfer) (domain.OrderStatus, error) {
	_, network = normalize("", network)
	// 推送里的地址大小写不可靠
	tr.To = hdwallet.NormalizeAddress(network, tr.To)
	o, err := t.repo.FindActiveOrderByAddress(ctx, network, tr.To)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", domain.ErrOrderNotFound
	}
	if o.Expired(t.now()) {
		t.expire(ctx, o)
		return domain.OrderFailed, domain.ErrOrderExpired
	}
	if !t.matches(o, tr) {
		return o.Status, nil
	}
	seen, err := t.recorded(ctx, tr.TxHash)
	if err != nil {
		return "", err
	}
	if seen {
		return o.Status, nil
	}
	return t.advance(ctx, o, tr)
}

// SweepExpired 独立于轮询的过期清理，轮询卡住时过期依然生效
func (t *Tracker) SweepExpired(ctx context.Context) (failed, purged int64, err error) {
	now := t.now()
	failed, err = t.repo.FailExpiredOrders(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	if failed > 0 {
		metrics.OrderTransitionTotal.WithLabelValues(string(domain.OrderFailed)).Add(float64(failed))
		logger.Info(ctx, "expired orders failed", zap.Int64("count", failed))
	}
	purged, err = t.repo.PurgeFailedOrders(ctx, now.Add(-t.cfg.FailedRetention))
	if err != nil {
		return failed, 0, err
	}
	return failed, purged, nil
}

func (t *Tracker) track(ctx context.Context, o *domain.PendingOrder) (domain.OrderStatus, error) {
	if o.Expired(t.now()) {
		t.expire(ctx, o)
		return domain.OrderFailed, domain.ErrOrderExpired
	}
	provider, err := t.providers.Get(o.Network)
	if err != nil {
		return "", err
	}
	filter := ledger.TransferFilter{
		Asset: t.providers.AssetOf(o.Network, o.Currency),
		Since: o.CreatedAt,
	}
	page, err := retry.Do(ctx, "list_transfers", t.cfg.Retry, func(ctx context.Context) (ledger.TransferPage, error) {
		return provider.ListTransfers(ctx, o.Address, filter)
	})
	if err != nil {
		return "", err
	}

	for _, tr := range page.Items {
		if !t.matches(o, tr) {
			continue
		}
		seen, err := t.recorded(ctx, tr.TxHash)
		if err != nil {
			return "", err
		}
		if seen {
			continue
		}
		return t.advance(ctx, o, tr)
	}
	return o.Status, nil
}

func (t *Tracker) matches(o *domain.PendingOrder, tr ledger.Transfer) bool {
	if !strings.EqualFold(tr.To, o.Address) {
		return false
	}
	// confirming 之后只跟踪已匹配的那笔
	if o.MatchedTxHash != "" && tr.TxHash != o.MatchedTxHash {
		return false
	}
	if !tr.Timestamp.IsZero() && tr.Timestamp.Before(o.CreatedAt) {
		return false
	}
	return tr.Amount.Sub(o.ExpectedAmount).Abs().LessThanOrEqual(t.cfg.Tolerance)
}

// recorded 先看 Redis 提示，再以充值表为准
func (t *Tracker) recorded(ctx context.Context, txHash string) (bool, error) {
	if t.seen != nil {
		if ok, err := t.seen.Seen(ctx, txHash); err == nil && ok {
			return true, nil
		}
	}
	dep, err := t.repo.GetDepositByTxHash(ctx, txHash)
	if err != nil {
		return false, err
	}
	return dep != nil, nil
}

func (t *Tracker) advance(ctx context.Context, o *domain.PendingOrder, tr ledger.Transfer) (domain.OrderStatus, error) {
	if o.Status == domain.OrderPending {
		ok, err := t.repo.TransitionOrder(ctx, o.OrderID, domain.OrderPending, domain.OrderConfirming, map[string]interface{}{
			"matched_tx_hash": tr.TxHash,
			"confirmations":   tr.Confirmations,
		})
		if err != nil {
			return "", err
		}
		if ok {
			o.Status = domain.OrderConfirming
			o.MatchedTxHash = tr.TxHash
			metrics.OrderTransitionTotal.WithLabelValues(string(domain.OrderConfirming)).Inc()
			logger.Info(ctx, "order confirming",
				zap.String("order_id", o.OrderID),
				zap.String("tx_hash", tr.TxHash),
				zap.Int64("confirmations", tr.Confirmations))
		}
	}
	if tr.Confirmations < t.threshold(o.Network) {
		return domain.OrderConfirming, nil
	}
	return t.confirm(ctx, o, tr)
}

// confirm 一个事务里：删订单（只删仍活跃且未过期的）、写充值记录、加余额
func (t *Tracker) confirm(ctx context.Context, o *domain.PendingOrder, tr ledger.Transfer) (domain.OrderStatus, error) {
	now := t.now()
	err := t.repo.Transaction(ctx, func(txCtx context.Context) error {
		deleted, err := t.repo.DeleteActiveOrder(txCtx, o.OrderID, now)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrOrderExpired
		}
		inserted, err := t.repo.InsertDeposit(txCtx, &domain.DepositRecord{
			TxHash:        tr.TxHash,
			OrderID:       o.OrderID,
			OwnerID:       o.OwnerID,
			Currency:      o.Currency,
			Network:       o.Network,
			Address:       o.Address,
			FromAddress:   tr.From,
			Amount:        tr.Amount,
			Confirmations: tr.Confirmations,
			CreditedAt:    now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicateTx
		}
		return t.repo.Credit(txCtx, o.OwnerID, o.Currency, tr.Amount)
	})

	switch {
	case errors.Is(err, domain.ErrDuplicateTx):
		// 同一笔交易已经入过账，幂等成功
		logger.Info(ctx, "deposit already credited", zap.String("tx_hash", tr.TxHash), zap.String("order_id", o.OrderID))
		t.markSeen(ctx, tr.TxHash)
		return o.Status, nil
	case errors.Is(err, domain.ErrOrderExpired):
		cur, gerr := t.repo.GetOrder(ctx, o.OrderID)
		if gerr != nil {
			return "", gerr
		}
		if cur == nil {
			// 被并发的轮询或推送确认掉了
			return domain.OrderConfirmed, nil
		}
		t.expire(ctx, cur)
		return domain.OrderFailed, domain.ErrOrderExpired
	case err != nil:
		return "", err
	}

	t.markSeen(ctx, tr.TxHash)
	metrics.OrderTransitionTotal.WithLabelValues(string(domain.OrderConfirmed)).Inc()
	metrics.DepositCreditedTotal.WithLabelValues(o.Network, o.Currency).Inc()
	logger.Info(ctx, "deposit credited",
		zap.String("order_id", o.OrderID),
		zap.Int64("owner_id", o.OwnerID),
		zap.String("tx_hash", tr.TxHash),
		zap.String("amount", tr.Amount.String()),
		zap.Int64("confirmations", tr.Confirmations))
	return domain.OrderConfirmed, nil
}

func (t *Tracker) expire(ctx context.Context, o *domain.PendingOrder) {
	ok, err := t.repo.TransitionOrder(ctx, o.OrderID, o.Status, domain.OrderFailed,
		map[string]interface{}{"fail_reason": "expired"})
	if err != nil {
		logger.Warn(ctx, "expire order failed", zap.String("order_id", o.OrderID), zap.Error(err))
		return
	}
	if ok {
		o.Status = domain.OrderFailed
		metrics.OrderTransitionTotal.WithLabelValues(string(domain.OrderFailed)).Inc()
		logger.Info(ctx, "order expired", zap.String("order_id", o.OrderID), zap.Time("expires_at", o.ExpiresAt))
	}
}

func (t *Tracker) markSeen(ctx context.Context, txHash string) {
	if t.seen == nil {
		return
	}
	if err := t.seen.Mark(ctx, txHash); err != nil {
		logger.Warn(ctx, "mark processed tx failed", zap.String("tx_hash", txHash), zap.Error(err))
	}
}

func (t *Tracker) threshold(network string) int64 {
	if n, ok := t.cfg.NetworkConfirmations[network]; ok && n > 0 {
		return n
	}
	return t.cfg.Confirmations
}
