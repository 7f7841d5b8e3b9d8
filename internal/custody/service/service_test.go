package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"gorm.io/gorm"
	"refwallet.com/internal/custody/keyvault"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/internal/custody/ledger/ledgertest"
	"refwallet.com/internal/custody/repo"
	"refwallet.com/pkg/orm"
	"refwallet.com/pkg/retry"
	"refwallet.com/pkg/xredis"
)

const testMnemonic = "test test test test test test test test test test test junk"

var testPassphrase = []byte("correct horse battery staple")

type testEnv struct {
	db        *gorm.DB
	repo      *repo.Repo
	chain     *ledgertest.Fake
	providers *ledger.Registry
	vault     *keyvault.Vault
	secrets   *keyvault.Session
	locker    *xredis.LocalLocker
	alloc     *Allocator
	treasury  ledger.DerivedAddress
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := orm.Open(&orm.Config{Driver: "sqlite", DSN: "file::memory:", LogLevel: "silent"})
	require.NoError(t, err)
	r := repo.New(db)
	require.NoError(t, r.Migrate(ctx))

	seed := bip39.NewSeed(testMnemonic, "")
	sealed, err := keyvault.Seal(seed, testPassphrase, keyvault.KDFParams{Memory: 1024, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)
	v, err := keyvault.New(keyvault.StaticSource(sealed), keyvault.Config{}, r)
	require.NoError(t, err)

	chain := ledgertest.New("ethereum")
	providers := ledger.NewRegistry()
	providers.Register(chain, "ETH")

	treasury, err := chain.DeriveAddress(ctx, seed, ledger.Path{Account: 1})
	require.NoError(t, err)
	v.RegisterPurpose(keyvault.TreasuryPurpose("ethereum"), func(ctx context.Context, seed []byte) ([]byte, error) {
		k, err := chain.DeriveAddress(ctx, seed, ledger.Path{Account: 1})
		if err != nil {
			return nil, err
		}
		return []byte(k.PrivateKey), nil
	})

	session := keyvault.NewSession(v, testPassphrase)
	t.Cleanup(session.Close)
	locker := xredis.NewLocalLocker()
	alloc := NewAllocator(r, providers, session, locker, AllocatorConfig{
		Accounts: map[string]uint32{"usdt": 0},
		LockWait: 5 * time.Second,
	})
	return &testEnv{
		db:        db,
		repo:      r,
		chain:     chain,
		providers: providers,
		vault:     v,
		secrets:   session,
		locker:    locker,
		alloc:     alloc,
		treasury:  treasury,
	}
}

func (e *testEnv) balance(t *testing.T, ownerID int64) decimal.Decimal {
	t.Helper()
	acc, err := e.repo.GetAccount(context.Background(), ownerID, "USDT")
	require.NoError(t, err)
	return acc.Available()
}

func fastRetry() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 2}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
