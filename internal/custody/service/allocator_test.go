package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
)

func TestAllocator_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.alloc.Allocate(ctx, 1, "usdt", "Ethereum")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", first.Address)
	assert.Equal(t, uint32(0), first.DerivationIndex)
	assert.Equal(t, "USDT", first.Currency)
	assert.Equal(t, "ethereum", first.Network)
	assert.NotContains(t, first.EncryptedPrivateKey, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	again, err := env.alloc.Allocate(ctx, 1, "USDT", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Address, again.Address)

	second, err := env.alloc.Allocate(ctx, 2, "USDT", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), second.DerivationIndex)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", second.Address)

	// 重复调用没有多占下标
	next, err := env.repo.NextIndex(ctx, "USDT", "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next)
}

func TestAllocator_ConcurrentUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const owners = 8

	type got struct {
		owner int64
		key   *domain.DerivedKey
		err   error
	}
	results := make(chan got, owners*2)
	var wg sync.WaitGroup
	for i := 0; i < owners*2; i++ {
		wg.Add(1)
		owner := int64(i%owners) + 1
		go func() {
			defer wg.Done()
			k, err := env.alloc.Allocate(ctx, owner, "USDT", "ethereum")
			results <- got{owner: owner, key: k, err: err}
		}()
	}
	wg.Wait()
	close(results)

	byOwner := map[int64]string{}
	addresses := map[string]bool{}
	indexes := map[uint32]bool{}
	for r := range results {
		require.NoError(t, r.err)
		if prev, ok := byOwner[r.owner]; ok {
			assert.Equal(t, prev, r.key.Address)
			continue
		}
		byOwner[r.owner] = r.key.Address
		assert.False(t, addresses[r.key.Address], "address reused")
		assert.False(t, indexes[r.key.DerivationIndex], "index reused")
		addresses[r.key.Address] = true
		indexes[r.key.DerivationIndex] = true
	}
	assert.Len(t, byOwner, owners)
	for i := uint32(0); i < owners; i++ {
		assert.True(t, indexes[i], "index %d missing", i)
	}
}

func TestAllocator_DecryptKeyOnlyForSigners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key, err := env.alloc.Allocate(ctx, 1, "USDT", "ethereum")
	require.NoError(t, err)

	plain, err := env.alloc.DecryptKey(keyvault.WithCaller(ctx, keyvault.CallerWithdrawal), key)
	require.NoError(t, err)
	assert.Equal(t, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", plain)

	_, err = env.alloc.DecryptKey(keyvault.WithCaller(ctx, keyvault.CallerConsolidation), key)
	require.NoError(t, err)

	for _, caller := range []string{"", keyvault.CallerAllocator, keyvault.CallerOperator} {
		_, err = env.alloc.DecryptKey(keyvault.WithCaller(ctx, caller), key)
		assert.ErrorIs(t, err, domain.ErrAccessDenied, caller)
	}
}

func TestAllocator_InvalidParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.alloc.Allocate(ctx, 0, "USDT", "ethereum")
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = env.alloc.Allocate(ctx, 1, "USDT", "solana")
	assert.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestAllocator_AccountFallback(t *testing.T) {
	a := NewAllocator(nil, nil, nil, nil, AllocatorConfig{Accounts: map[string]uint32{"usdt": 3}})
	assert.Equal(t, uint32(3), a.accountFor("USDT"))
	assert.Equal(t, a.accountFor("DAI"), a.accountFor("DAI"))
	assert.Less(t, a.accountFor("DAI"), uint32(1<<31))
}
