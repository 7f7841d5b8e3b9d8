package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	AssetNative Asset = "native"
	AssetToken  Asset = "token"
)

// Path 派生路径，Account 区分币种，Index 来自派生计数器
type Path struct {
	Account uint32
	Index   uint32
}

type DerivedAddress struct {
	Address    string
	PrivateKey string // hex，只在内存中短暂存在
}

type Balance struct {
	Native decimal.Decimal
	Token  decimal.Decimal
}

func (b Balance) Of(a Asset) decimal.Decimal {
	if a == AssetNative {
		return b.Native
	}
	return b.Token
}

type Transfer struct {
	TxHash        string
	From          string
	To            string
	Amount        decimal.Decimal
	Asset         Asset
	Confirmations int64
	Timestamp     time.Time
}

type TransferFilter struct {
	Asset  Asset
	Since  time.Time // 早于该时间的转账不返回
	Cursor string
	Limit  int
}

type TransferPage struct {
	Items  []Transfer
	Cursor string
}

type TransferRequest struct {
	PrivateKey string
	To         string
	Amount     decimal.Decimal
	Asset      Asset
}

// Provider 链服务，托管核心只通过它访问链
type Provider interface {
	Network() string
	DeriveAddress(ctx context.Context, seed []byte, p Path) (DerivedAddress, error)
	GetBalance(ctx context.Context, address string) (Balance, error)
	ListTransfers(ctx context.Context, address string, f TransferFilter) (TransferPage, error)
	BroadcastTransfer(ctx context.Context, req TransferRequest) (txHash string, err error)
}

var ErrListingUnsupported = errors.New("transfer listing not supported for this asset")

// ListingSupport 可选接口，不是所有链都能按地址列出每种资产的入账
type ListingSupport interface {
	CanListTransfers(a Asset) bool
}

// CanListTransfers 没实现 ListingSupport 的视为全部支持
func CanListTransfers(p Provider, a Asset) bool {
	if ls, ok := p.(ListingSupport); ok {
		return ls.CanListTransfers(a)
	}
	return true
}
