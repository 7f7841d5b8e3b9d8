package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/pkg/orm"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := orm.Open(&orm.Config{Driver: "sqlite", DSN: "file::memory:", LogLevel: "silent"})
	require.NoError(t, err)
	r := New(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRepo_NextIndexSequential(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for want := uint32(0); want < 3; want++ {
		var got uint32
		err := r.Transaction(ctx, func(txCtx context.Context) error {
			var err error
			got, err = r.NextIndex(txCtx, "USDT", "ethereum")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// 不同网络各自计数
	idx, err := r.NextIndex(ctx, "USDT", "tron")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)
}

func TestRepo_KeyLookup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	k, err := r.FindKey(ctx, 1, "USDT", "ethereum")
	require.NoError(t, err)
	assert.Nil(t, k)

	require.NoError(t, r.CreateKey(ctx, &domain.DerivedKey{
		OwnerID: 1, Currency: "USDT", Network: "ethereum", DerivationIndex: 0, Address: "0xabc", EncryptedPrivateKey: "x",
	}))
	require.NoError(t, r.CreateKey(ctx, &domain.DerivedKey{
		OwnerID: 2, Currency: "USDT", Network: "ethereum", DerivationIndex: 1, Address: "0xdef", EncryptedPrivateKey: "y",
	}))

	k, err = r.FindKey(ctx, 1, "USDT", "ethereum")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, "0xabc", k.Address)

	k, err = r.FindKeyByAddress(ctx, "ethereum", "0xdef")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, int64(2), k.OwnerID)

	// 同一下标不能被占用两次
	err = r.CreateKey(ctx, &domain.DerivedKey{
		OwnerID: 3, Currency: "USDT", Network: "ethereum", DerivationIndex: 1, Address: "0x123",
	})
	assert.Error(t, err)

	page, err := r.ListKeys(ctx, "ethereum", "", 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	page, err = r.ListKeys(ctx, "ethereum", "USDT", page[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "0xdef", page[0].Address)
}

func TestRepo_CreditDebit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	acc, err := r.GetAccount(ctx, 7, "USDT")
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())

	require.NoError(t, r.Credit(ctx, 7, "USDT", d("50")))
	require.NoError(t, r.Credit(ctx, 7, "USDT", d("12.5")))

	acc, err = r.GetAccount(ctx, 7, "USDT")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d("62.5")), acc.Balance.String())

	err = r.Debit(ctx, 7, "USDT", d("70"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, r.Debit(ctx, 7, "USDT", d("62.5")))
	acc, err = r.GetAccount(ctx, 7, "USDT")
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero(), acc.Balance.String())

	assert.ErrorIs(t, r.Credit(ctx, 7, "USDT", d("0")), domain.ErrInvalidParams)
}

func TestRepo_TransactionRollback(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.Credit(txCtx, 9, "USDT", d("100")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acc, err := r.GetAccount(ctx, 9, "USDT")
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero())
}

func newOrder(id string, owner int64, now time.Time, ttl time.Duration) *domain.PendingOrder {
	key := domain.ActiveKeyFor(owner, domain.OrderKindActivation)
	return &domain.PendingOrder{
		OrderID:        id,
		OwnerID:        owner,
		Kind:           domain.OrderKindActivation,
		Currency:       "USDT",
		Network:        "ethereum",
		Address:        "0xabc",
		ExpectedAmount: d("100"),
		Status:         domain.OrderPending,
		ActiveKey:      &key,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func TestRepo_OrderLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.CreateOrder(ctx, newOrder("o-1", 1, now, time.Hour)))
	// 同一 owner 只允许一个活跃订单
	assert.ErrorIs(t, r.CreateOrder(ctx, newOrder("o-2", 1, now, time.Hour)), domain.ErrDuplicateRecord)

	active, err := r.FindActiveOrder(ctx, 1, domain.OrderKindActivation)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "o-1", active.OrderID)

	ok, err := r.TransitionOrder(ctx, "o-1", domain.OrderPending, domain.OrderConfirming,
		map[string]interface{}{"confirmations": 3, "matched_tx_hash": "0x01"})
	require.NoError(t, err)
	assert.True(t, ok)

	// 状态已经不是 pending，条件更新不命中
	ok, err = r.TransitionOrder(ctx, "o-1", domain.OrderPending, domain.OrderConfirming, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.TransitionOrder(ctx, "o-1", domain.OrderConfirmed, domain.OrderPending, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	ok, err = r.DeleteActiveOrder(ctx, "o-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	o, err := r.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	// 删除后名额释放
	require.NoError(t, r.CreateOrder(ctx, newOrder("o-3", 1, now, time.Hour)))
}

func TestRepo_ExpiredOrderCannotBeDeleted(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	created := time.Now().Add(-2 * time.Hour)

	require.NoError(t, r.CreateOrder(ctx, newOrder("o-old", 1, created, time.Hour)))

	ok, err := r.DeleteActiveOrder(ctx, "o-old", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := r.FailExpiredOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	o, err := r.GetOrder(ctx, "o-old")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, domain.OrderFailed, o.Status)
	assert.Nil(t, o.ActiveKey)

	active, err := r.ListActiveOrders(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err = r.PurgeFailedOrders(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepo_InsertDepositOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	rec := func() *domain.DepositRecord {
		return &domain.DepositRecord{TxHash: "0xfeed", OrderID: "o-1", OwnerID: 1, Currency: "USDT", Network: "ethereum", Amount: d("100"), CreditedAt: time.Now()}
	}
	ok, err := r.InsertDeposit(ctx, rec())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.InsertDeposit(ctx, rec())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.GetDepositByTxHash(ctx, "0xfeed")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(d("100")))

	got, err = r.GetDepositByOrderID(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = r.GetDepositByOrderID(ctx, "o-x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepo_WithdrawalResult(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	reqID := "req-1"

	w := &domain.WithdrawalRecord{
		RequestID: &reqID, OwnerID: 1, Currency: "USDT", Network: "ethereum", ToAddress: "0xabc",
		GrossAmount: d("100"), Fee: d("3"), NetAmount: d("97"), Status: domain.WithdrawalPending,
	}
	require.NoError(t, r.CreateWithdrawal(ctx, w))
	assert.NotZero(t, w.ID)

	dup := *w
	dup.ID = 0
	assert.ErrorIs(t, r.CreateWithdrawal(ctx, &dup), domain.ErrDuplicateRecord)

	require.NoError(t, r.UpdateWithdrawalResult(ctx, w.ID, domain.WithdrawalBroadcast, "0xhash", ""))
	// 终态不能再改
	assert.Error(t, r.UpdateWithdrawalResult(ctx, w.ID, domain.WithdrawalFailed, "", "late"))

	got, err := r.GetWithdrawalByRequestID(ctx, reqID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.WithdrawalBroadcast, got.Status)
	assert.Equal(t, "0xhash", got.TxHash)
}

func TestRepo_AccessLogs(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-400 * 24 * time.Hour)

	require.NoError(t, r.AppendAccessLogs(ctx, []domain.KeyAccessLog{
		{Caller: "allocator", Purpose: "master-seed", Op: "unlock", Outcome: "ok", At: old},
		{Caller: "withdrawal", Purpose: "treasury-signing", Op: "derive", Outcome: "ok", At: time.Now()},
	}))
	n, err := r.PurgeAccessLogs(ctx, time.Now().Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
