package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/xredis"
)

type AllocatorConfig struct {
	// Accounts currency -> BIP44 account，未配置的币种按名字哈希
	Accounts map[string]uint32 `mapstructure:"accounts"`
	LockTTL  time.Duration     `mapstructure:"lock_ttl"`
	LockWait time.Duration     `mapstructure:"lock_wait"`
}

type Allocator struct {
	repo      domain.Repository
	providers *ledger.Registry
	secrets   keyvault.SecretProvider
	locker    xredis.Locker
	cfg       AllocatorConfig
}

func NewAllocator(repo domain.Repository, providers *ledger.Registry, secrets keyvault.SecretProvider, locker xredis.Locker, cfg AllocatorConfig) *Allocator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	// viper 会把 map 的 key 转成小写
	accounts := make(map[string]uint32, len(cfg.Accounts))
	for cur, acc := range cfg.Accounts {
		accounts[strings.ToUpper(cur)] = acc
	}
	cfg.Accounts = accounts
	return &Allocator{repo: repo, providers: providers, secrets: secrets, locker: locker, cfg: cfg}
}

// Allocate 幂等：已有地址直接返回；否则在 (currency, network) 锁内占用下一个下标并派生
func (a *Allocator) Allocate(ctx context.Context, ownerID int64, currency, network string) (*domain.DerivedKey, error) {
	currency, network = normalize(currency, network)
	if ownerID <= 0 || currency == "" || network == "" {
		return nil, domain.ErrInvalidParams
	}

	// 1. 快路径
	key, err := a.repo.FindKey(ctx, ownerID, currency, network)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	provider, err := a.providers.Get(network)
	if err != nil {
		return nil, err
	}

	// 2. 同一 (currency, network) 的下标分配全局串行
	release, err := a.locker.Acquire(ctx, "derive:"+currency+":"+network, a.cfg.LockTTL, a.cfg.LockWait)
	if err != nil {
		if errors.Is(err, xredis.ErrLockNotAcquired) {
			return nil, fmt.Errorf("allocate %s/%s: %w", currency, network, err)
		}
		return nil, err
	}
	defer release()

	// 3. 拿到锁后再查一次，前一个持锁者可能已经给同一个 owner 分配过
	key, err = a.repo.FindKey(ctx, ownerID, currency, network)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	// 密钥在事务外取，审计落库不受事务回滚影响
	vctx := keyvault.WithCaller(ctx, keyvault.CallerAllocator)
	seed, err := a.secrets.Secret(vctx, keyvault.PurposeMasterSeed)
	if err != nil {
		return nil, err
	}
	defer seed.Destroy()
	encKey, err := a.secrets.Secret(vctx, keyvault.PurposeAddressKey)
	if err != nil {
		return nil, err
	}
	defer encKey.Destroy()

	account := a.accountFor(currency)
	err = a.repo.Transaction(ctx, func(txCtx context.Context) error {
		idx, err := a.repo.NextIndex(txCtx, currency, network)
		if err != nil {
			return err
		}
		derived, err := provider.DeriveAddress(txCtx, seed.Bytes(), ledger.Path{Account: account, Index: idx})
		if err != nil {
			return fmt.Errorf("derive %s/%d: %w", network, idx, err)
		}
		enc, err := keyvault.EncryptWith(encKey.Bytes(), []byte(derived.PrivateKey))
		if err != nil {
			return err
		}
		key = &domain.DerivedKey{
			OwnerID:             ownerID,
			Currency:            currency,
			Network:             network,
			DerivationIndex:     idx,
			Account:             account,
			Address:             derived.Address,
			EncryptedPrivateKey: enc,
		}
		return a.repo.CreateKey(txCtx, key)
	})
	if err != nil {
		logger.Error(ctx, "allocate address failed",
			zap.Int64("owner_id", ownerID),
			zap.String("currency", currency),
			zap.String("network", network),
			zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "address allocated",
		zap.Int64("owner_id", ownerID),
		zap.String("currency", currency),
		zap.String("network", network),
		zap.Uint32("index", key.DerivationIndex),
		zap.String("address", key.Address))
	return key, nil
}

// DecryptKey 解密地址私钥。只有 vault ACL 允许的调用方（提现、归集）能拿到
func (a *Allocator) DecryptKey(ctx context.Context, key *domain.DerivedKey) (string, error) {
	// 分配器自己也能拿加密密钥，但明文私钥只给签名方
	switch keyvault.CallerFrom(ctx) {
	case keyvault.CallerWithdrawal, keyvault.CallerConsolidation:
	default:
		return "", fmt.Errorf("decrypt key by %q: %w", keyvault.CallerFrom(ctx), domain.ErrAccessDenied)
	}
	encKey, err := a.secrets.Secret(ctx, keyvault.PurposeAddressKey)
	if err != nil {
		return "", err
	}
	defer encKey.Destroy()

	plain, err := keyvault.DecryptWith(encKey.Bytes(), key.EncryptedPrivateKey)
	if err != nil {
		return "", fmt.Errorf("decrypt key %s: %w", key.Address, err)
	}
	defer clear(plain)
	return string(plain), nil
}

func (a *Allocator) accountFor(currency string) uint32 {
	if acc, ok := a.cfg.Accounts[currency]; ok {
		return acc
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(currency))
	return h.Sum32() & 0x7fffffff
}

func normalize(currency, network string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(currency)), strings.ToLower(strings.TrimSpace(network))
}
