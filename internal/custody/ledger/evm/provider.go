package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"refwallet.com/internal/custody/ledger"
	"refwallet.com/pkg/hdwallet"
	"refwallet.com/pkg/logger"
)

// Keccak256("Transfer(address,address,uint256)")
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// Client ethclient.Client 用到的子集，测试里可以替换
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Config struct {
	Network        string `mapstructure:"network"`
	RPCURL         string `mapstructure:"rpc_url"`
	TokenContract  string `mapstructure:"token_contract"`
	TokenDecimals  int32  `mapstructure:"token_decimals"`
	LookbackBlocks uint64 `mapstructure:"lookback_blocks"` // 没有游标时往回扫多少块
	MaxBlockRange  uint64 `mapstructure:"max_block_range"` // 单次 eth_getLogs 的块数上限
	TokenGasLimit  uint64 `mapstructure:"token_gas_limit"`
}

type Provider struct {
	cfg     Config
	client  Client
	chainID *big.Int
	token   common.Address
	abi     abi.ABI
}

var (
	_ ledger.Provider       = (*Provider)(nil)
	_ ledger.ListingSupport = (*Provider)(nil)
)

// Dial 连接节点
func Dial(ctx context.Context, cfg Config) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Network, err)
	}
	return New(ctx, cfg, client)
}

func New(ctx context.Context, cfg Config, client Client) (*Provider, error) {
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 5000
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.TokenGasLimit == 0 {
		cfg.TokenGasLimit = 100000
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	// 防重放，签名需要 chainID
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &Provider{
		cfg:     cfg,
		client:  client,
		chainID: chainID,
		token:   common.HexToAddress(cfg.TokenContract),
		abi:     parsed,
	}, nil
}

func (p *Provider) Network() string { return p.cfg.Network }

// CanListTransfers 原生币入账没有日志，按块扫交易代价太高，只支持代币
func (p *Provider) CanListTransfers(a ledger.Asset) bool { return a == ledger.AssetToken }

func (p *Provider) DeriveAddress(_ context.Context, seed []byte, path ledger.Path) (ledger.DerivedAddress, error) {
	w, err := hdwallet.NewFromSeed(seed, nil)
	if err != nil {
		return ledger.DerivedAddress{}, err
	}
	defer w.Zero()
	k, err := w.Derive(hdwallet.CoinTypeETH, hdwallet.Path{Account: path.Account, Index: path.Index})
	if err != nil {
		return ledger.DerivedAddress{}, err
	}
	return ledger.DerivedAddress{Address: k.Address, PrivateKey: k.PrivateKeyHex}, nil
}

func (p *Provider) GetBalance(ctx context.Context, address string) (ledger.Balance, error) {
	owner := common.HexToAddress(address)
	wei, err := p.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("native balance: %w", err)
	}
	data, err := p.abi.Pack("balanceOf", owner)
	if err != nil {
		return ledger.Balance{}, err
	}
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &p.token, Data: data}, nil)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("token balance: %w", err)
	}
	vals, err := p.abi.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return ledger.Balance{}, fmt.Errorf("unpack balanceOf: %v", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return ledger.Balance{}, fmt.Errorf("unexpected balanceOf type %T", vals[0])
	}
	return ledger.Balance{
		Native: fromUnits(wei, 18),
		Token:  fromUnits(raw, p.cfg.TokenDecimals),
	}, nil
}

// ListTransfers 只看代币 Transfer 日志；游标是下一次的起始块高。
// 没有游标时按 MaxBlockRange 分段扫完 [head-LookbackBlocks, head]
func (p *Provider) ListTransfers(ctx context.Context, address string, f ledger.TransferFilter) (ledger.TransferPage, error) {
	if f.Asset == ledger.AssetNative {
		return ledger.TransferPage{}, fmt.Errorf("%s: %w", p.cfg.Network, ledger.ErrListingUnsupported)
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return ledger.TransferPage{}, err
	}

	if f.Cursor == "" {
		from := uint64(0)
		if head > p.cfg.LookbackBlocks {
			from = head - p.cfg.LookbackBlocks
		}
		var items []ledger.Transfer
		for start := from; start <= head; start += p.cfg.MaxBlockRange {
			end := min(start+p.cfg.MaxBlockRange-1, head)
			got, err := p.scan(ctx, address, start, end, head, f.Since)
			if err != nil {
				return ledger.TransferPage{}, err
			}
			items = append(items, got...)
		}
		return ledger.TransferPage{Items: items, Cursor: strconv.FormatUint(from, 10)}, nil
	}

	from, err := strconv.ParseUint(f.Cursor, 10, 64)
	if err != nil {
		return ledger.TransferPage{}, fmt.Errorf("bad cursor %q: %w", f.Cursor, err)
	}
	if from > head {
		return ledger.TransferPage{Cursor: f.Cursor}, nil
	}
	to := min(from+p.cfg.MaxBlockRange-1, head)
	items, err := p.scan(ctx, address, from, to, head, f.Since)
	if err != nil {
		return ledger.TransferPage{}, err
	}
	// 未到达头部时游标往前推；到头部后保留 from，下一轮还能看到确认数增长
	cursor := strconv.FormatUint(from, 10)
	if to < head {
		cursor = strconv.FormatUint(to+1, 10)
	}
	return ledger.TransferPage{Items: items, Cursor: cursor}, nil
}

// scan 一次 eth_getLogs，区间 [from, to]
func (p *Provider) scan(ctx context.Context, address string, from, to, head uint64, since time.Time) ([]ledger.Transfer, error) {
	recipient := common.BytesToHash(common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32))
	logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.token},
		Topics:    [][]common.Hash{{transferTopic}, nil, {recipient}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	blockTimes := map[uint64]time.Time{}
	items := make([]ledger.Transfer, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) != 3 {
			continue
		}
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			h, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("header %d: %w", lg.BlockNumber, err)
			}
			ts = time.Unix(int64(h.Time), 0)
			blockTimes[lg.BlockNumber] = ts
		}
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		items = append(items, ledger.Transfer{
			TxHash:        lg.TxHash.Hex(),
			From:          common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:            common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount:        fromUnits(new(big.Int).SetBytes(lg.Data), p.cfg.TokenDecimals),
			Asset:         ledger.AssetToken,
			Confirmations: int64(head - lg.BlockNumber + 1),
			Timestamp:     ts,
		})
	}
	return items, nil
}

// BroadcastTransfer EIP-1559 交易，代币走 transfer(to, value)
func (p *Provider) BroadcastTransfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(req.PrivateKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	recipient := common.HexToAddress(req.To)

	var (
		toAddress common.Address
		value     *big.Int
		data      []byte
		gasLimit  uint64
	)
	if req.Asset == ledger.AssetNative {
		toAddress, value, gasLimit = recipient, toUnits(req.Amount, 18), 21000
	} else {
		data, err = p.abi.Pack("transfer", recipient, toUnits(req.Amount, p.cfg.TokenDecimals))
		if err != nil {
			return "", fmt.Errorf("pack transfer: %w", err)
		}
		// 代币转账 value 为 0，只付 gas
		toAddress, value, gasLimit = p.token, big.NewInt(0), p.cfg.TokenGasLimit
	}

	nonce, err := p.client.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	tip, err := p.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("gas tip: %w", err)
	}
	head, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// MaxFee = 2 * BaseFee + Tip，防止下一块 BaseFee 上涨被丢弃
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &toAddress,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.chainID), privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	logger.Info(ctx, "transfer broadcast",
		zap.String("network", p.cfg.Network),
		zap.String("from", fromAddress.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("hash", signed.Hash().Hex()))
	return signed.Hash().Hex(), nil
}

func fromUnits(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}

func toUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}
