// Package app 把配置装配成托管核心的各个组件，wallet-service 和 walletctl 共用
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/internal/custody/ledger/evm"
	"refwallet.com/internal/custody/ledger/ledgertest"
	"refwallet.com/internal/custody/repo"
	"refwallet.com/internal/custody/service"
	"refwallet.com/internal/custody/worker"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/orm"
	"refwallet.com/pkg/ratelimit"
	"refwallet.com/pkg/task"
	"refwallet.com/pkg/xredis"
)

const seenSetKey = "custody:deposit:seen"

type App struct {
	Cfg   *Config
	DB    *gorm.DB
	Redis *redis.Client // 未配置 redis 时为 nil，锁退化为进程内锁
	Repo  *repo.Repo

	Vault     *keyvault.Vault
	Secrets   *keyvault.Session
	Providers *ledger.Registry

	Allocator      *service.Allocator
	Tracker        *service.Tracker
	Withdrawals    *service.WithdrawalEngine
	Consolidator   *service.Consolidator
	Consolidations []service.ConsolidationOptions
}

// Options 测试里可以替换链服务，避免连真实节点
type Options struct {
	Providers map[string]ledger.Provider
}

// New 按启动顺序装配：DB -> Redis -> 金库 -> 链服务 -> 业务服务
func New(ctx context.Context, cfg *Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	// 1. 数据库
	db, err := orm.Open(&cfg.Orm)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Repo = repo.New(db)
	if err := a.Repo.Migrate(ctx); err != nil {
		return nil, err
	}

	// 2. redis，锁和已处理交易集合
	var locker xredis.Locker = xredis.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb, err := xredis.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		locker = xredis.NewRedisLocker(rdb)
	}

	// 3. 金库
	vault, err := keyvault.New(keyvault.FileSource(cfg.Vault.SealedFile), cfg.Vault.Config, a.Repo)
	if err != nil {
		return nil, err
	}
	passphrase, err := cfg.PassphraseBytes()
	if err != nil {
		return nil, err
	}
	a.Vault = vault
	a.Secrets = keyvault.NewSession(vault, passphrase)
	for i := range passphrase {
		passphrase[i] = 0
	}
	if spill := cfg.Vault.AuditSpill; spill != "" {
		n, err := vault.Audit().RestoreFrom(ctx, spill)
		if err != nil {
			// 文件保留，下次启动再试
			logger.Error(ctx, "restore key access spill", zap.String("file", spill), zap.Error(err))
		} else if n > 0 {
			logger.Info(ctx, "key access spill restored", zap.String("file", spill), zap.Int("rows", n))
		}
	}

	// 4. 链服务，外面套超时和熔断
	breakers := ratelimit.NewManager(cfg.Breaker, nil)
	a.Providers = ledger.NewRegistry()
	for _, n := range cfg.Networks {
		p, err := dialProvider(ctx, n, opts)
		if err != nil {
			return nil, err
		}
		a.Providers.Register(ledger.NewGuard(p, cfg.ProviderTimeout, breakers), n.Native)
		a.registerTreasury(p)
		logger.Info(ctx, "network registered",
			zap.String("network", p.Network()),
			zap.String("native", strings.ToUpper(n.Native)))
	}

	// 5. 业务服务
	a.Allocator = service.NewAllocator(a.Repo, a.Providers, a.Secrets, locker, cfg.Allocator)

	trackerCfg, err := cfg.TrackerConfig()
	if err != nil {
		return nil, err
	}
	a.Tracker = service.NewTracker(a.Repo, a.Allocator, a.Providers, trackerCfg)
	if a.Redis != nil {
		ttl := cfg.Deposit.SeenTTL
		if ttl <= 0 {
			ttl = 7 * 24 * time.Hour
		}
		a.Tracker.WithSeenSet(xredis.NewSeenSet(a.Redis, seenSetKey, ttl))
	}

	fee, err := cfg.FeePolicy()
	if err != nil {
		return nil, err
	}
	signer, err := service.NewSigner(cfg.Withdrawal.Custody, a.Secrets, a.Repo, a.Allocator)
	if err != nil {
		return nil, err
	}
	a.Withdrawals = service.NewWithdrawalEngine(a.Repo, a.Providers, signer, fee).WithBTCParams(cfg.BTCParams())

	consCfg, jobs, err := cfg.ConsolidationSetup()
	if err != nil {
		return nil, err
	}
	// 没配置国库地址的链按 treasury_account 派生，口令错误在这里就会暴露
	treasury := make(map[string]string, len(consCfg.Treasury))
	for n, addr := range consCfg.Treasury {
		treasury[strings.ToLower(n)] = addr
	}
	for _, n := range a.Providers.Networks() {
		if treasury[n] != "" {
			continue
		}
		addr, err := a.TreasuryAddress(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("derive treasury for %s: %w", n, err)
		}
		treasury[n] = addr
	}
	consCfg.Treasury = treasury
	a.Consolidator = service.NewConsolidator(a.Repo, a.Allocator, a.Providers, locker, consCfg)
	a.Consolidations = jobs

	ok = true
	return a, nil
}

func dialProvider(ctx context.Context, n NetworkConfig, opts Options) (ledger.Provider, error) {
	if p, found := opts.Providers[strings.ToLower(n.Network)]; found {
		return p, nil
	}
	switch n.Driver {
	case DriverMemory:
		return ledgertest.New(strings.ToLower(n.Network)), nil
	default:
		return evm.Dial(ctx, n.Config)
	}
}

// registerTreasury 国库私钥按网络派生，只有提现能取到
func (a *App) registerTreasury(p ledger.Provider) {
	path := ledger.Path{Account: a.Cfg.Vault.TreasuryAccount}
	a.Vault.RegisterPurpose(keyvault.TreasuryPurpose(p.Network()), func(ctx context.Context, seed []byte) ([]byte, error) {
		k, err := p.DeriveAddress(ctx, seed, path)
		if err != nil {
			return nil, err
		}
		return []byte(k.PrivateKey), nil
	})
}

// TreasuryAddress 运维用：解锁主种子，算出某条链的国库地址
func (a *App) TreasuryAddress(ctx context.Context, network string) (string, error) {
	p, err := a.Providers.Get(network)
	if err != nil {
		return "", err
	}
	seed, err := a.Secrets.Secret(keyvault.WithCaller(ctx, keyvault.CallerOperator), keyvault.PurposeMasterSeed)
	if err != nil {
		return "", err
	}
	defer seed.Destroy()
	k, err := p.DeriveAddress(ctx, seed.Bytes(), ledger.Path{Account: a.Cfg.Vault.TreasuryAccount})
	if err != nil {
		return "", err
	}
	return k.Address, nil
}

// Scheduler 注册全部后台任务，调用方负责 Start/Stop
func (a *App) Scheduler() *task.Scheduler {
	s := task.NewScheduler()
	worker.Register(s, a.Cfg.Worker, worker.Deps{
		Tracker:        a.Tracker,
		Consolidator:   a.Consolidator,
		Consolidations: a.Consolidations,
		Vault:          a.Vault,
	})
	return s
}

// Close 先把审计日志落库，再清掉内存里的密钥
func (a *App) Close(ctx context.Context) {
	if a.Vault != nil && a.Repo != nil {
		if err := a.Vault.Audit().Flush(ctx); err != nil {
			logger.Error(ctx, "flush key access log", zap.Error(err))
			a.spillAudit(ctx)
		}
	}
	if a.Secrets != nil {
		a.Secrets.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func (a *App) spillAudit(ctx context.Context) {
	spill := a.Cfg.Vault.AuditSpill
	if spill == "" {
		return
	}
	n, err := a.Vault.Audit().SpillTo(spill)
	if err != nil {
		logger.Error(ctx, "spill key access log", zap.String("file", spill), zap.Error(err))
		return
	}
	logger.Warn(ctx, "key access log spilled to disk", zap.String("file", spill), zap.Int("rows", n))
}
