package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger/evm"
	"refwallet.com/internal/custody/service"
	"refwallet.com/internal/custody/worker"
	"refwallet.com/pkg/config"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/orm"
	"refwallet.com/pkg/ratelimit"
	"refwallet.com/pkg/retry"
	"refwallet.com/pkg/xredis"
)

const (
	DriverEVM    = "evm"
	DriverMemory = "memory" // 内存链，只用于本地演示
)

type Config struct {
	Name            string                  `mapstructure:"name"`
	MetricsAddr     string                  `mapstructure:"metrics_addr"`
	Log             logger.Config           `mapstructure:"log"`
	Orm             orm.Config              `mapstructure:"orm"`
	Redis           xredis.Config           `mapstructure:"redis"`
	Vault           VaultConfig             `mapstructure:"vault"`
	Networks        []NetworkConfig         `mapstructure:"networks"`
	ProviderTimeout time.Duration           `mapstructure:"provider_timeout"`
	Breaker         ratelimit.Rule          `mapstructure:"breaker"`
	Retry           retry.Policy            `mapstructure:"retry"`
	Allocator       service.AllocatorConfig `mapstructure:"allocator"`
	Deposit         DepositConfig           `mapstructure:"deposit"`
	Withdrawal      WithdrawalConfig        `mapstructure:"withdrawal"`
	Consolidation   ConsolidationConfig     `mapstructure:"consolidation"`
	Worker          worker.Config           `mapstructure:"worker"`
}

type VaultConfig struct {
	keyvault.Config `mapstructure:",squash"`
	SealedFile      string `mapstructure:"sealed_file"`
	// 口令只从环境变量或文件读取，配置文件里留空
	Passphrase      string `mapstructure:"passphrase"`
	PassphraseFile  string `mapstructure:"passphrase_file"`
	TreasuryAccount uint32 `mapstructure:"treasury_account"` // 国库地址的 BIP44 account
	AuditSpill      string `mapstructure:"audit_spill"`      // 审计日志写库失败时的本地暂存文件
}

type NetworkConfig struct {
	evm.Config `mapstructure:",squash"`
	Driver     string `mapstructure:"driver"` // evm | memory
	Native     string `mapstructure:"native"` // 原生币符号
}

type DepositConfig struct {
	Confirmations        int64            `mapstructure:"confirmations"`
	NetworkConfirmations map[string]int64 `mapstructure:"network_confirmations"`
	Tolerance            string           `mapstructure:"tolerance"`
	BatchSize            int              `mapstructure:"batch_size"`
	OrderTTL             time.Duration    `mapstructure:"order_ttl"`
	FailedRetention      time.Duration    `mapstructure:"failed_retention"`
	SeenTTL              time.Duration    `mapstructure:"seen_ttl"`
}

type FeeConfig struct {
	Fixed        string `mapstructure:"fixed"`
	Rate         string `mapstructure:"rate"`
	MinRate      string `mapstructure:"min_rate"`
	MaxRate      string `mapstructure:"max_rate"`
	ProviderCost string `mapstructure:"provider_cost"`
}

type WithdrawalConfig struct {
	Custody    string    `mapstructure:"custody"`     // pooled | per-address
	BTCNetwork string    `mapstructure:"btc_network"` // mainnet | testnet3 | regtest | signet
	Fee        FeeConfig `mapstructure:"fee"`
}

type ConsolidationJob struct {
	Network    string `mapstructure:"network"`
	Currency   string `mapstructure:"currency"`
	MinBalance string `mapstructure:"min_balance"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type ConsolidationConfig struct {
	Treasury     map[string]string  `mapstructure:"treasury"`
	Reserve      string             `mapstructure:"reserve"`
	ItemInterval time.Duration      `mapstructure:"item_interval"`
	SliceDelay   time.Duration      `mapstructure:"slice_delay"`
	LockTTL      time.Duration      `mapstructure:"lock_ttl"`
	PageSize     int                `mapstructure:"page_size"`
	Jobs         []ConsolidationJob `mapstructure:"jobs"`
}

// Load 读取 config/{service}.yaml。onChange 不为空时监听文件，变更后解析成新对象回调
func Load(service string, onChange func(*Config), paths ...string) (*Config, error) {
	cfg := &Config{}
	var hook func(v *viper.Viper)
	if onChange != nil {
		hook = func(v *viper.Viper) {
			next := &Config{}
			if err := v.Unmarshal(next); err != nil {
				logger.Log.Error("reload config", zap.Error(err))
				return
			}
			onChange(next)
		}
	}
	if _, err := config.LoadAndWatch(service, cfg, hook, paths...); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = service
	}
	return cfg, nil
}

// Validate 启动前检查，尽早暴露配置错误
func (c *Config) Validate() error {
	var errs []error
	if c.Vault.SealedFile == "" {
		errs = append(errs, errors.New("vault.sealed_file is required"))
	}
	seen := map[string]bool{}
	for i, n := range c.Networks {
		name := strings.ToLower(n.Network)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("networks[%d].network is required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("network %q configured twice", name))
		}
		seen[name] = true
		switch n.Driver {
		case "", DriverEVM:
			if n.RPCURL == "" {
				errs = append(errs, fmt.Errorf("network %q: rpc_url is required", name))
			}
		case DriverMemory:
		default:
			errs = append(errs, fmt.Errorf("network %q: unknown driver %q", name, n.Driver))
		}
	}
	for _, j := range c.Consolidation.Jobs {
		if !seen[strings.ToLower(j.Network)] {
			errs = append(errs, fmt.Errorf("consolidation job references unknown network %q", j.Network))
		}
	}
	switch c.Withdrawal.Custody {
	case "", service.CustodyPooled, service.CustodyPerAddress:
	default:
		errs = append(errs, fmt.Errorf("withdrawal.custody %q is not pooled or per-address", c.Withdrawal.Custody))
	}
	if _, err := c.FeePolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TrackerConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.ConsolidationSetup(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PassphraseBytes 环境变量优先，其次口令文件
func (c *Config) PassphraseBytes() ([]byte, error) {
	if c.Vault.Passphrase != "" {
		return []byte(c.Vault.Passphrase), nil
	}
	if c.Vault.PassphraseFile == "" {
		return nil, errors.New("vault passphrase not provided")
	}
	b, err := os.ReadFile(c.Vault.PassphraseFile)
	if err != nil {
		return nil, fmt.Errorf("read passphrase file: %w", err)
	}
	return []byte(strings.TrimRight(string(b), "\r\n")), nil
}

// FeePolicy 未配置的项沿用默认值
func (c *Config) FeePolicy() (domain.FeePolicy, error) {
	p := domain.DefaultFeePolicy()
	f := c.Withdrawal.Fee
	var err error
	if p.Fixed, err = decOr("withdrawal.fee.fixed", f.Fixed, p.Fixed); err != nil {
		return p, err
	}
	if p.Rate, err = decOr("withdrawal.fee.rate", f.Rate, p.Rate); err != nil {
		return p, err
	}
	if p.MinRate, err = decOr("withdrawal.fee.min_rate", f.MinRate, p.MinRate); err != nil {
		return p, err
	}
	if p.MaxRate, err = decOr("withdrawal.fee.max_rate", f.MaxRate, p.MaxRate); err != nil {
		return p, err
	}
	if p.ProviderCost, err = decOr("withdrawal.fee.provider_cost", f.ProviderCost, p.ProviderCost); err != nil {
		return p, err
	}
	if p.MinRate.GreaterThan(p.MaxRate) {
		return p, fmt.Errorf("withdrawal.fee.min_rate %s > max_rate %s", p.MinRate, p.MaxRate)
	}
	return p, nil
}

func (c *Config) TrackerConfig() (service.TrackerConfig, error) {
	t := service.DefaultTrackerConfig()
	d := c.Deposit
	if d.Confirmations > 0 {
		t.Confirmations = d.Confirmations
	}
	if len(d.NetworkConfirmations) > 0 {
		t.NetworkConfirmations = make(map[string]int64, len(d.NetworkConfirmations))
		for n, v := range d.NetworkConfirmations {
			t.NetworkConfirmations[strings.ToLower(n)] = v
		}
	}
	tol, err := decOr("deposit.tolerance", d.Tolerance, t.Tolerance)
	if err != nil {
		return t, err
	}
	t.Tolerance = tol
	if d.BatchSize > 0 {
		t.BatchSize = d.BatchSize
	}
	if d.OrderTTL > 0 {
		t.DefaultTTL = d.OrderTTL
	}
	if d.FailedRetention > 0 {
		t.FailedRetention = d.FailedRetention
	}
	if c.Retry.MaxTries > 0 {
		t.Retry = c.Retry
	}
	return t, nil
}

// ConsolidationSetup 返回归集器配置和定时任务要跑的归集作业
func (c *Config) ConsolidationSetup() (service.ConsolidationConfig, []service.ConsolidationOptions, error) {
	cc := c.Consolidation
	reserve, err := decOr("consolidation.reserve", cc.Reserve, decimal.Zero)
	if err != nil {
		return service.ConsolidationConfig{}, nil, err
	}
	cfg := service.ConsolidationConfig{
		Treasury:     cc.Treasury,
		Reserve:      reserve,
		ItemInterval: cc.ItemInterval,
		SliceDelay:   cc.SliceDelay,
		LockTTL:      cc.LockTTL,
		PageSize:     cc.PageSize,
		Retry:        c.Retry,
	}
	jobs := make([]service.ConsolidationOptions, 0, len(cc.Jobs))
	for _, j := range cc.Jobs {
		minBal, err := decOr("consolidation.jobs.min_balance", j.MinBalance, decimal.Zero)
		if err != nil {
			return cfg, nil, err
		}
		jobs = append(jobs, service.ConsolidationOptions{
			Network:    j.Network,
			Currency:   j.Currency,
			MinBalance: minBal,
			BatchSize:  j.BatchSize,
			Mode:       domain.ModeLive,
		})
	}
	return cfg, jobs, nil
}

func (c *Config) BTCParams() *chaincfg.Params {
	switch strings.ToLower(c.Withdrawal.BTCNetwork) {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Redacted 用于打日志，去掉口令和连接串里的密码
func (c Config) Redacted() Config {
	out := c
	if out.Vault.Passphrase != "" {
		out.Vault.Passphrase = "***"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "***"
	}
	out.Orm.DSN = redactDSN(out.Orm.DSN)
	out.Networks = make([]NetworkConfig, len(c.Networks))
	for i, n := range c.Networks {
		n.RPCURL = redactDSN(n.RPCURL)
		out.Networks[i] = n
	}
	return out
}

// redactDSN 处理 URL 形式和 mysql DSN，解析不了的原样返回
func redactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		return u.Redacted()
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil || mc.Passwd == "" {
		return dsn
	}
	mc.Passwd = "***"
	return mc.FormatDSN()
}

func decOr(name, s string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() {
		return def, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}
