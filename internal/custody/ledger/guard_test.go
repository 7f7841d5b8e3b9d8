package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/internal/custody/ledger/ledgertest"
	"refwallet.com/pkg/ratelimit"
)

func TestGuard_PassThrough(t *testing.T) {
	fake := ledgertest.New("ethereum")
	g := ledger.NewGuard(fake, time.Second, nil)

	seed := bip39.NewSeed("test test test test test test test test test test test junk", "")
	addr, err := g.DeriveAddress(context.Background(), seed, ledger.Path{Account: 0, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr.Address)

	fake.SetTokenBalance(addr.Address, decimal.NewFromInt(12))
	bal, err := g.GetBalance(context.Background(), addr.Address)
	require.NoError(t, err)
	assert.True(t, bal.Of(ledger.AssetToken).Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "ethereum", g.Network())
}

func TestGuard_TimeoutDoesNotBlockCaller(t *testing.T) {
	fake := ledgertest.New("ethereum")
	fake.SetDelay(time.Second)
	g := ledger.NewGuard(fake, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := g.GetBalance(context.Background(), "0xabc")
	assert.True(t, errors.Is(err, domain.ErrProviderTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGuard_BreakerOpens(t *testing.T) {
	fake := ledgertest.New("tron")
	fake.ListErr = domain.ErrProviderUnavailable
	breakers := ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)
	g := ledger.NewGuard(fake, time.Second, breakers)

	for i := 0; i < 2; i++ {
		_, err := g.ListTransfers(context.Background(), "T1", ledger.TransferFilter{})
		require.Error(t, err)
	}
	// 第三次熔断直接拒绝
	_, err := g.ListTransfers(context.Background(), "T1", ledger.TransferFilter{})
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))

	// 其他操作的熔断器互不影响
	_, err = g.GetBalance(context.Background(), "T1")
	assert.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	r := ledger.NewRegistry()
	r.Register(ledgertest.New("ethereum"), "eth")

	p, err := r.Get("Ethereum")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", p.Network())

	_, err = r.Get("solana")
	assert.True(t, errors.Is(err, domain.ErrInvalidParams))

	assert.Equal(t, ledger.AssetNative, r.AssetOf("ethereum", "ETH"))
	assert.Equal(t, ledger.AssetToken, r.AssetOf("ethereum", "USDT"))
}
