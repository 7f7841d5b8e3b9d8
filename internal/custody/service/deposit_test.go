package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/internal/custody/ledger/ledgertest"
)

func newTestTracker(env *testEnv) *Tracker {
	cfg := DefaultTrackerConfig()
	cfg.Retry = fastRetry()
	return NewTracker(env.repo, env.alloc, env.providers, cfg)
}

func activation(owner int64, amount string) OrderRequest {
	return OrderRequest{
		OwnerID:        owner,
		Kind:           domain.OrderKindActivation,
		Currency:       "USDT",
		Network:        "ethereum",
		ExpectedAmount: dec(amount),
		TTL:            time.Hour,
	}
}

func TestTracker_ActivationConfirmed(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)

	env.chain.AddTransfer(ledger.Transfer{
		TxHash:        "0xaaa",
		From:          "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		To:            order.Address,
		Amount:        dec("100"),
		Confirmations: 12,
		Timestamp:     time.Now(),
	})

	stats, err := tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	status, err := tracker.CheckOrderStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, status)

	// 订单行已删除
	o, err := env.repo.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.True(t, env.balance(t, 1).Equal(dec("100")))

	// 重复轮询不会再入账
	stats, err = tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
	assert.True(t, env.balance(t, 1).Equal(dec("100")))
}

func TestTracker_ConfirmingUntilThreshold(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)

	tr := ledger.Transfer{TxHash: "0xbbb", To: order.Address, Amount: dec("100.0000005"), Confirmations: 3, Timestamp: time.Now()}
	env.chain.AddTransfer(tr)

	stats, err := tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirming)

	status, err := tracker.CheckOrderStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirming, status)
	assert.True(t, env.balance(t, 1).IsZero())

	tr.Confirmations = 12
	env.chain.AddTransfer(tr)
	stats, err = tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)
	// 入账的是实际到账金额
	assert.True(t, env.balance(t, 1).Equal(dec("100.0000005")), env.balance(t, 1).String())
}

func TestTracker_AmountOutsideToleranceIgnored(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	env.chain.AddTransfer(ledger.Transfer{TxHash: "0xccc", To: order.Address, Amount: dec("99.5"), Confirmations: 20, Timestamp: time.Now()})

	stats, err := tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Confirming+stats.Confirmed)
}

func TestTracker_ReplayedTxCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	tr := ledger.Transfer{TxHash: "0xddd", To: order.Address, Amount: dec("100"), Confirmations: 12, Timestamp: time.Now()}

	status, err := tracker.HandleNotification(ctx, "ethereum", tr)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, status)

	// 同一个 owner 再下一单，地址相同，旧交易再推一次
	next, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	assert.NotEqual(t, order.OrderID, next.OrderID)
	assert.Equal(t, order.Address, next.Address)

	tr.Timestamp = time.Now()
	status, err = tracker.HandleNotification(ctx, "ethereum", tr)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status)

	// 绕过预检直接走确认事务，唯一索引兜底
	status, err = tracker.confirm(ctx, next, tr)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status)

	o, err := env.repo.GetOrder(ctx, next.OrderID)
	require.NoError(t, err)
	require.NotNil(t, o, "rolled back, order kept")
	assert.True(t, env.balance(t, 1).Equal(dec("100")))
}

func TestTracker_ExpiredNeverConfirmable(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()
	base := time.Now()
	tracker.now = func() time.Time { return base }

	req := activation(1, "100")
	req.TTL = time.Minute
	order, err := tracker.CreatePendingOrder(ctx, req)
	require.NoError(t, err)

	// 时间走过 expiresAt 后，匹配的交易才出现
	tracker.now = func() time.Time { return base.Add(2 * time.Minute) }
	env.chain.AddTransfer(ledger.Transfer{TxHash: "0xeee", To: order.Address, Amount: dec("100"), Confirmations: 50, Timestamp: base.Add(90 * time.Second)})

	stats, err := tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	status, err := tracker.CheckOrderStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, status)

	_, err = tracker.HandleNotification(ctx, "ethereum", ledger.Transfer{TxHash: "0xeee", To: order.Address, Amount: dec("100"), Confirmations: 50})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	// 即便直接走确认事务也删不掉过期订单
	_, err = tracker.confirm(ctx, order, ledger.Transfer{TxHash: "0xeee", To: order.Address, Amount: dec("100"), Confirmations: 50})
	assert.ErrorIs(t, err, domain.ErrOrderExpired)
	assert.True(t, env.balance(t, 1).IsZero())
}

func TestTracker_ReusesActiveOrder(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()
	base := time.Now()
	tracker.now = func() time.Time { return base }

	first, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	again, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)

	// 过期后重新下单，旧订单失败
	tracker.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, fresh.OrderID)

	old, err := env.repo.GetOrder(ctx, first.OrderID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, domain.OrderFailed, old.Status)
}

func TestTracker_SweepExpired(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()
	base := time.Now()
	tracker.now = func() time.Time { return base }

	req := activation(1, "100")
	req.TTL = time.Minute
	order, err := tracker.CreatePendingOrder(ctx, req)
	require.NoError(t, err)

	tracker.now = func() time.Time { return base.Add(2 * time.Minute) }
	failed, purged, err := tracker.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(0), purged)

	tracker.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	failed, purged, err = tracker.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(1), purged)

	_, err = tracker.CheckOrderStatus(ctx, order.OrderID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestTracker_ProviderErrorIsolated(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	_, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	env.chain.ListErr = domain.ErrProviderTimeout

	stats, err := tracker.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.Confirmed)
}

func TestTracker_NotificationAddressCase(t *testing.T) {
	env := newTestEnv(t)
	tracker := newTestTracker(env)
	ctx := context.Background()

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	lower := strings.ToLower(order.Address)
	require.NotEqual(t, order.Address, lower)

	status, err := tracker.HandleNotification(ctx, "ethereum",
		ledger.Transfer{TxHash: "0xfff", To: lower, Amount: dec("100"), Confirmations: 12, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, status)
	assert.True(t, env.balance(t, 1).Equal(dec("100")))
}

// tokenOnly 只能列出代币入账的链
type tokenOnly struct {
	*ledgertest.Fake
}

func (tokenOnly) CanListTransfers(a ledger.Asset) bool { return a == ledger.AssetToken }

func TestTracker_RejectsUntrackableAsset(t *testing.T) {
	env := newTestEnv(t)
	env.providers.Register(tokenOnly{env.chain}, "ETH")
	tracker := newTestTracker(env)
	ctx := context.Background()

	req := activation(1, "1")
	req.Currency = "ETH"
	_, err := tracker.CreatePendingOrder(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidParams)

	// 没有派生地址
	key, err := env.repo.FindKey(ctx, 1, "ETH", "ethereum")
	require.NoError(t, err)
	assert.Nil(t, key)

	order, err := tracker.CreatePendingOrder(ctx, activation(1, "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
}
