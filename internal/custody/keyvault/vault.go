package keyvault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/pkg/metrics"
)

type Purpose string

const (
	PurposeMasterSeed Purpose = "master-seed"
	PurposeAddressKey Purpose = "address-key-encryption"
	PurposeTreasury   Purpose = "treasury-signing"
)

// TreasuryPurpose 每条链一个国库签名密钥
func TreasuryPurpose(network string) Purpose {
	return Purpose(string(PurposeTreasury) + ":" + strings.ToLower(network))
}

// 逻辑调用方
const (
	CallerAllocator     = "allocator"
	CallerWithdrawal    = "withdrawal"
	CallerConsolidation = "consolidation"
	CallerOperator      = "operator"
)

type callerKey struct{}

func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}

// DeriveFunc 从主种子派生某个用途的密钥
type DeriveFunc func(ctx context.Context, seed []byte) ([]byte, error)

type Config struct {
	ACL            map[string][]string `mapstructure:"acl"` // purpose -> callers
	CacheTTL       time.Duration       `mapstructure:"cache_ttl"`
	CacheMaxSize   int                 `mapstructure:"cache_max_size"`
	AuditFlushSize int                 `mapstructure:"audit_flush_size"`
	AuditRetention time.Duration       `mapstructure:"audit_retention"`
}

// DefaultACL 托管核心默认的访问控制
func DefaultACL() map[string][]string {
	return map[string][]string{
		string(PurposeMasterSeed): {CallerAllocator, CallerOperator},
		string(PurposeAddressKey): {CallerAllocator, CallerWithdrawal, CallerConsolidation},
		string(PurposeTreasury):   {CallerWithdrawal},
	}
}

type Vault struct {
	source   SeedSource
	acl      map[Purpose]map[string]struct{}
	mu       sync.RWMutex
	derivers map[Purpose]DeriveFunc
	cache    *secretCache
	audit    *AuditLog
	sf       singleflight.Group
	pepper   []byte // 只用于口令校验值，进程内随机
}

func New(source SeedSource, cfg Config, audit domain.AuditRepo) (*Vault, error) {
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		return nil, err
	}
	aclCfg := cfg.ACL
	if len(aclCfg) == 0 {
		aclCfg = DefaultACL()
	}
	acl := make(map[Purpose]map[string]struct{}, len(aclCfg))
	for purpose, callers := range aclCfg {
		set := make(map[string]struct{}, len(callers))
		for _, c := range callers {
			set[c] = struct{}{}
		}
		acl[Purpose(purpose)] = set
	}

	v := &Vault{
		source: source,
		acl:    acl,
		cache:  newSecretCache(cfg.CacheTTL, cfg.CacheMaxSize, time.Now),
		audit:  NewAuditLog(audit, cfg.AuditFlushSize, cfg.AuditRetention),
		pepper: pepper,
	}
	v.derivers = map[Purpose]DeriveFunc{
		PurposeMasterSeed: func(_ context.Context, seed []byte) ([]byte, error) {
			return append([]byte(nil), seed...), nil
		},
		PurposeAddressKey: func(_ context.Context, seed []byte) ([]byte, error) {
			return SubKey(seed, string(PurposeAddressKey), 32)
		},
	}
	return v, nil
}

// RegisterPurpose 注册额外用途，例如国库签名私钥
func (v *Vault) RegisterPurpose(p Purpose, fn DeriveFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivers[p] = fn
}

func (v *Vault) Audit() *AuditLog { return v.audit }

// Unlock 解密主种子。调用方负责 Destroy
func (v *Vault) Unlock(ctx context.Context, passphrase []byte) (*SeedHandle, error) {
	return v.access(ctx, PurposeMasterSeed, passphrase, "unlock")
}

// DeriveSecret 按用途取密钥。未授权的调用方在任何解密之前就被拒绝
func (v *Vault) DeriveSecret(ctx context.Context, purpose Purpose, passphrase []byte) (*Secret, error) {
	return v.access(ctx, purpose, passphrase, "derive")
}

// Purge 清空缓存
func (v *Vault) Purge(ctx context.Context) {
	v.cache.purge()
	v.audit.Record(ctx, CallerFrom(ctx), "*", "purge", OutcomeOK)
}

// Sweep 清理过期缓存，由定时任务调用
func (v *Vault) Sweep() int {
	return v.cache.sweep()
}

func (v *Vault) allowed(p Purpose, caller string) bool {
	if caller == "" {
		return false
	}
	set, ok := v.acl[p]
	if !ok {
		// treasury-signing:ethereum 这类按网络细分的用途沿用基础用途的授权
		base, _, found := strings.Cut(string(p), ":")
		if !found {
			return false
		}
		if set, ok = v.acl[Purpose(base)]; !ok {
			return false
		}
	}
	_, ok = set[caller]
	return ok
}

func (v *Vault) access(ctx context.Context, p Purpose, passphrase []byte, op string) (*Secret, error) {
	caller := CallerFrom(ctx)
	if !v.allowed(p, caller) {
		v.record(ctx, caller, p, op, OutcomeDenied)
		return nil, fmt.Errorf("%s %s by %q: %w", op, p, caller, domain.ErrAccessDenied)
	}

	v.mu.RLock()
	derive, ok := v.derivers[p]
	v.mu.RUnlock()
	if !ok {
		v.record(ctx, caller, p, op, OutcomeError)
		return nil, fmt.Errorf("keyvault: unknown purpose %q", p)
	}

	verifier := v.verifier(passphrase)
	// 明文只存在于缓存里，调用方各自从缓存拿副本。
	// 刚放进去就被淘汰时重新解密一次
	sfKey := string(p) + ":" + hex.EncodeToString(verifier)
	for attempt := 0; ; attempt++ {
		if secret, hit, mismatch := v.cache.get(p, verifier); hit {
			v.record(ctx, caller, p, op, OutcomeOK)
			return newSecret(secret), nil
		} else if mismatch {
			v.record(ctx, caller, p, op, OutcomeBadPassphrase)
			return nil, domain.ErrBadPassphrase
		}
		if attempt == 2 {
			v.record(ctx, caller, p, op, OutcomeError)
			return nil, fmt.Errorf("keyvault: %s evicted before it could be read", p)
		}

		// 同一用途同一口令的并发 miss 只解密一次
		_, err, _ := v.sf.Do(sfKey, func() (interface{}, error) {
			sealed, err := v.source.Sealed(ctx)
			if err != nil {
				return nil, err
			}
			seed, err := Open(sealed, passphrase)
			if err != nil {
				return nil, err
			}
			defer zero(seed)
			secret, err := derive(ctx, seed)
			if err != nil {
				return nil, err
			}
			v.cache.put(p, secret, verifier)
			return nil, nil
		})
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, domain.ErrBadPassphrase) {
				outcome = OutcomeBadPassphrase
			}
			v.record(ctx, caller, p, op, outcome)
			return nil, err
		}
	}
}

func (v *Vault) record(ctx context.Context, caller string, p Purpose, op, outcome string) {
	metrics.VaultAccessTotal.WithLabelValues(string(p), outcome).Inc()
	v.audit.Record(ctx, caller, p, op, outcome)
}

func (v *Vault) verifier(passphrase []byte) []byte {
	m := hmac.New(sha256.New, v.pepper)
	m.Write(passphrase)
	return m.Sum(nil)
}

// Secret 解密后的材料，用完调用 Destroy 清零
type Secret struct {
	mu sync.Mutex
	b  []byte
}

type SeedHandle = Secret

func newSecret(b []byte) *Secret { return &Secret{b: b} }

// Bytes 返回内部切片，Destroy 之后为空
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b
}

func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.b)
	s.b = nil
}
