package hdwallet

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("hdwallet: invalid address")

// CoinTypeFor 网络名到 BIP44 coin type，EVM 系的链共用 60
func CoinTypeFor(network string) (uint32, error) {
	switch strings.ToLower(network) {
	case "bitcoin", "btc":
		return CoinTypeBTC, nil
	case "ethereum", "eth", "bsc", "polygon", "arbitrum":
		return CoinTypeETH, nil
	case "tron", "trx":
		return CoinTypeTRON, nil
	}
	return 0, ErrInvalidCoinType
}

// NormalizeAddress EVM 地址统一成 EIP-55 形式，和派生出来的一致；其他链大小写敏感，原样返回
func NormalizeAddress(network, addr string) string {
	coin, err := CoinTypeFor(network)
	if err != nil || coin != CoinTypeETH || !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// ValidateAddress 校验地址格式
func ValidateAddress(network, addr string, btcParams *chaincfg.Params) error {
	coin, err := CoinTypeFor(network)
	if err != nil {
		return err
	}
	switch coin {
	case CoinTypeETH:
		if !common.IsHexAddress(addr) {
			return ErrInvalidAddress
		}
		// 混合大小写时必须是正确的 EIP-55 校验和
		if addr[2:] != strings.ToLower(addr[2:]) && addr[2:] != strings.ToUpper(addr[2:]) &&
			common.HexToAddress(addr).Hex() != addr {
			return ErrInvalidAddress
		}
		if common.HexToAddress(addr) == (common.Address{}) {
			return ErrInvalidAddress
		}
	case CoinTypeTRON:
		payload, version, err := base58.CheckDecode(addr)
		if err != nil || version != tronVersion || len(payload) != common.AddressLength {
			return ErrInvalidAddress
		}
	case CoinTypeBTC:
		if btcParams == nil {
			btcParams = &chaincfg.MainNetParams
		}
		decoded, err := btcutil.DecodeAddress(addr, btcParams)
		if err != nil || !decoded.IsForNet(btcParams) {
			return ErrInvalidAddress
		}
	}
	return nil
}
