package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/hdwallet"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/metrics"
)

type WithdrawRequest struct {
	OwnerID   int64
	Currency  string
	Network   string
	To        string
	Amount    decimal.Decimal
	RequestID string // 可选，重放时返回已有记录
}

type WithdrawalEngine struct {
	repo      domain.Repository
	providers *ledger.Registry
	signer    Signer
	fee       atomic.Pointer[domain.FeePolicy]
	btcParams *chaincfg.Params
}

func NewWithdrawalEngine(repo domain.Repository, providers *ledger.Registry, signer Signer, fee domain.FeePolicy) *WithdrawalEngine {
	e := &WithdrawalEngine{repo: repo, providers: providers, signer: signer, btcParams: &chaincfg.MainNetParams}
	e.fee.Store(&fee)
	return e
}

// WithBTCParams 测试网部署时切换 BTC 地址校验参数
func (e *WithdrawalEngine) WithBTCParams(p *chaincfg.Params) *WithdrawalEngine {
	e.btcParams = p
	return e
}

// SetFeePolicy 配置热更新时调用
func (e *WithdrawalEngine) SetFeePolicy(p domain.FeePolicy) {
	e.fee.Store(&p)
	logger.Log.Info("fee policy updated",
		zap.String("fixed", p.Fixed.String()),
		zap.String("rate", p.Rate.String()),
		zap.String("min_rate", p.MinRate.String()),
		zap.String("max_rate", p.MaxRate.String()))
}

func (e *WithdrawalEngine) FeePolicy() domain.FeePolicy {
	return *e.fee.Load()
}

// Withdraw 校验顺序：地址 -> 余额 -> 手续费。扣款和提现记录同一事务，广播失败补偿退款
func (e *WithdrawalEngine) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.WithdrawalRecord, error) {
	req.Currency, req.Network = normalize(req.Currency, req.Network)
	if req.OwnerID <= 0 || !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidParams
	}

	if req.RequestID != "" {
		existing, err := e.repo.GetWithdrawalByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// 1. 地址格式
	if err := hdwallet.ValidateAddress(req.Network, req.To, e.btcParams); err != nil {
		return nil, fmt.Errorf("%s address %q: %w", req.Network, req.To, domain.ErrInvalidAddress)
	}

	// 2. 余额
	acc, err := e.repo.GetAccount(ctx, req.OwnerID, req.Currency)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(acc.Available()) {
		return nil, domain.ErrInsufficientBalance
	}

	// 3. 手续费
	policy := e.FeePolicy()
	fee, net, err := policy.Split(req.Amount)
	if err != nil {
		return nil, err
	}

	provider, err := e.providers.Get(req.Network)
	if err != nil {
		return nil, err
	}

	// 4. 扣款 + 提现记录，原子
	w := &domain.WithdrawalRecord{
		OwnerID:     req.OwnerID,
		Currency:    req.Currency,
		Network:     req.Network,
		ToAddress:   req.To,
		GrossAmount: req.Amount,
		Fee:         fee,
		NetAmount:   net,
		Status:      domain.WithdrawalPending,
		Custody:     e.signer.Custody(),
	}
	if req.RequestID != "" {
		w.RequestID = &req.RequestID
	}
	err = e.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.repo.Debit(txCtx, req.OwnerID, req.Currency, req.Amount); err != nil {
			return err
		}
		return e.repo.CreateWithdrawal(txCtx, w)
	})
	if errors.Is(err, domain.ErrDuplicateRecord) && req.RequestID != "" {
		// 同一个 request_id 并发提交，事务已回滚，返回先到的那笔
		return e.repo.GetWithdrawalByRequestID(ctx, req.RequestID)
	}
	if err != nil {
		return nil, err
	}

	// 5. 签名广播，广播放在事务之外
	signCtx := keyvault.WithCaller(ctx, keyvault.CallerWithdrawal)
	privateKey, err := e.signer.SigningKey(signCtx, req.OwnerID, req.Currency, req.Network)
	if err != nil {
		return e.refund(ctx, w, err)
	}
	// 已经扣款，广播不跟随调用方取消，超时由 Guard 兜底
	txHash, err := provider.BroadcastTransfer(context.WithoutCancel(ctx), ledger.TransferRequest{
		PrivateKey: privateKey,
		To:         req.To,
		Amount:     net,
		Asset:      e.providers.AssetOf(req.Network, req.Currency),
	})
	if err != nil {
		if outcomeUnknown(err) {
			return e.unknown(ctx, w, err)
		}
		return e.refund(ctx, w, err)
	}

	// 6. 成功：记录哈希和手续费收入，交易已发出，同样不跟随取消
	err = e.repo.Transaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if err := e.repo.UpdateWithdrawalResult(txCtx, w.ID, domain.WithdrawalBroadcast, txHash, ""); err != nil {
			return err
		}
		return e.repo.InsertRevenue(txCtx, &domain.RevenueEntry{
			Source:       domain.RevenueSourceWithdrawalFee,
			RefID:        w.ID,
			Currency:     req.Currency,
			Amount:       fee,
			ProviderCost: policy.ProviderCost,
			Profit:       fee.Sub(policy.ProviderCost),
		})
	})
	if err != nil {
		// 链上已经发出，不能退款，只能人工对账
		logger.Error(ctx, "withdrawal broadcast but bookkeeping failed",
			zap.Int64("withdrawal_id", w.ID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return nil, err
	}
	w.Status = domain.WithdrawalBroadcast
	w.TxHash = txHash

	metrics.WithdrawalTotal.WithLabelValues(req.Network, string(w.Status)).Inc()
	logger.Info(ctx, "withdrawal broadcast",
		zap.Int64("withdrawal_id", w.ID),
		zap.Int64("owner_id", req.OwnerID),
		zap.String("to", req.To),
		zap.String("gross", req.Amount.String()),
		zap.String("fee", fee.String()),
		zap.String("net", net.String()),
		zap.String("tx_hash", txHash))
	return w, nil
}

// outcomeUnknown 节点可能已经收到交易，不能退款
func outcomeUnknown(err error) bool {
	return errors.Is(err, domain.ErrProviderTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// refund 补偿：退回扣款并标记失败
func (e *WithdrawalEngine) refund(ctx context.Context, w *domain.WithdrawalRecord, cause error) (*domain.WithdrawalRecord, error) {
	ctx = context.WithoutCancel(ctx)
	err := e.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.repo.Credit(txCtx, w.OwnerID, w.Currency, w.GrossAmount); err != nil {
			return err
		}
		return e.repo.UpdateWithdrawalResult(txCtx, w.ID, domain.WithdrawalFailed, "", cause.Error())
	})
	if err != nil {
		logger.Error(ctx, "withdrawal refund failed",
			zap.Int64("withdrawal_id", w.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return nil, errors.Join(cause, err)
	}
	w.Status = domain.WithdrawalFailed
	w.ErrorMsg = cause.Error()
	metrics.WithdrawalTotal.WithLabelValues(w.Network, string(w.Status)).Inc()
	logger.Warn(ctx, "withdrawal failed, refunded",
		zap.Int64("withdrawal_id", w.ID),
		zap.String("amount", w.GrossAmount.String()),
		zap.Error(cause))
	return w, cause
}

// unknown 广播超时或被取消，交易可能已经上链，不退款，留给对账
func (e *WithdrawalEngine) unknown(ctx context.Context, w *domain.WithdrawalRecord, cause error) (*domain.WithdrawalRecord, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.repo.UpdateWithdrawalResult(ctx, w.ID, domain.WithdrawalUnknown, "", cause.Error()); err != nil {
		logger.Error(ctx, "mark withdrawal unknown failed", zap.Int64("withdrawal_id", w.ID), zap.Error(err))
	}
	w.Status = domain.WithdrawalUnknown
	w.ErrorMsg = cause.Error()
	metrics.WithdrawalTotal.WithLabelValues(w.Network, string(w.Status)).Inc()
	logger.Error(ctx, "withdrawal broadcast outcome unknown, needs reconciliation",
		zap.Int64("withdrawal_id", w.ID),
		zap.Int64("owner_id", w.OwnerID),
		zap.String("amount", w.GrossAmount.String()),
		zap.Error(cause))
	return w, cause
}
