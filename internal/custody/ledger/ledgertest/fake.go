// Package ledgertest 内存实现的链服务，只用于测试和本地演示。
// 确认数完全由测试设置，没有任何随机模拟
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/hdwallet"
)

var ErrNoSuchKey = errors.New("ledgertest: unknown private key")

type Broadcast struct {
	From   string
	To     string
	Amount decimal.Decimal
	Asset  ledger.Asset
	TxHash string
}

type Fake struct {
	mu        sync.Mutex
	network   string
	coinType  uint32
	balances  map[string]ledger.Balance
	transfers map[string][]ledger.Transfer
	keys      map[string]string // privkey -> address
	sent      []Broadcast
	nonce     int

	BalanceErr   map[string]error // address -> 错误
	BroadcastErr map[string]error // from address -> 错误
	ListErr      error
	Delay        time.Duration // 模拟卡住的节点
}

var _ ledger.Provider = (*Fake)(nil)

func New(network string) *Fake {
	coin, err := hdwallet.CoinTypeFor(network)
	if err != nil {
		coin = hdwallet.CoinTypeETH
	}
	return &Fake{
		network:      network,
		coinType:     coin,
		balances:     map[string]ledger.Balance{},
		transfers:    map[string][]ledger.Transfer{},
		keys:         map[string]string{},
		BalanceErr:   map[string]error{},
		BroadcastErr: map[string]error{},
	}
}

func (f *Fake) Network() string { return f.network }

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.Delay
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) DeriveAddress(ctx context.Context, seed []byte, p ledger.Path) (ledger.DerivedAddress, error) {
	if err := f.wait(ctx); err != nil {
		return ledger.DerivedAddress{}, err
	}
	w, err := hdwallet.NewFromSeed(seed, nil)
	if err != nil {
		return ledger.DerivedAddress{}, err
	}
	defer w.Zero()
	k, err := w.Derive(f.coinType, hdwallet.Path{Account: p.Account, Index: p.Index})
	if err != nil {
		return ledger.DerivedAddress{}, err
	}
	f.mu.Lock()
	f.keys[k.PrivateKeyHex] = k.Address
	f.mu.Unlock()
	return ledger.DerivedAddress{Address: k.Address, PrivateKey: k.PrivateKeyHex}, nil
}

func (f *Fake) GetBalance(ctx context.Context, address string) (ledger.Balance, error) {
	if err := f.wait(ctx); err != nil {
		return ledger.Balance{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.BalanceErr[address]; err != nil {
		return ledger.Balance{}, err
	}
	return f.balances[address], nil
}

func (f *Fake) ListTransfers(ctx context.Context, address string, flt ledger.TransferFilter) (ledger.TransferPage, error) {
	if err := f.wait(ctx); err != nil {
		return ledger.TransferPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return ledger.TransferPage{}, f.ListErr
	}
	var items []ledger.Transfer
	for _, t := range f.transfers[address] {
		if !flt.Since.IsZero() && t.Timestamp.Before(flt.Since) {
			continue
		}
		if flt.Asset != "" && t.Asset != "" && t.Asset != flt.Asset {
			continue
		}
		items = append(items, t)
	}
	return ledger.TransferPage{Items: items}, nil
}

func (f *Fake) BroadcastTransfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	from, ok := f.keys[req.PrivateKey]
	if !ok {
		return "", ErrNoSuchKey
	}
	if err := f.BroadcastErr[from]; err != nil {
		return "", err
	}
	f.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", from, req.To, req.Amount, f.nonce)))
	hash := "0x" + hex.EncodeToString(sum[:])

	bal := f.balances[from]
	if req.Asset == ledger.AssetNative {
		bal.Native = bal.Native.Sub(req.Amount)
	} else {
		bal.Token = bal.Token.Sub(req.Amount)
	}
	f.balances[from] = bal
	f.sent = append(f.sent, Broadcast{From: from, To: req.To, Amount: req.Amount, Asset: req.Asset, TxHash: hash})
	return hash, nil
}

// ---- 测试辅助 ----

func (f *Fake) SetBalance(address string, b ledger.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = b
}

func (f *Fake) SetTokenBalance(address string, amount decimal.Decimal) {
	f.SetBalance(address, ledger.Balance{Token: amount})
}

// AddTransfer 追加或覆盖（同 hash）一笔入账
func (f *Fake) AddTransfer(t ledger.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.transfers[t.To]
	for i := range list {
		if list[i].TxHash == t.TxHash {
			list[i] = t
			return
		}
	}
	f.transfers[t.To] = append(list, t)
}

func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Delay = d
}

func (f *Fake) FailBroadcastFrom(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BroadcastErr[address] = err
}

func (f *Fake) Sent() []Broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Broadcast(nil), f.sent...)
}

// RegisterKey 外部私钥（例如国库）也能广播
func (f *Fake) RegisterKey(privateKey, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[privateKey] = address
}
