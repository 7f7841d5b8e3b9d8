// 钱包功能
package hdwallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const (
	CoinTypeBTC  uint32 = 0
	CoinTypeETH  uint32 = 60
	CoinTypeTRON uint32 = 195

	tronVersion byte = 0x41
)

var ErrInvalidCoinType = errors.New("hdwallet: invalid coin type")

// Path BIP44: m / 44' / coin_type' / account' / 0 / index
type Path struct {
	Account uint32
	Index   uint32
}

func (p Path) String(coinType uint32) string {
	return fmt.Sprintf("m/44'/%d'/%d'/0/%d", coinType, p.Account, p.Index)
}

// Key 派生结果，PrivateKeyHex 只给签名方短暂使用，不要落盘明文
type Key struct {
	Address       string
	PrivateKeyHex string
}

type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
	btcParams *chaincfg.Params
}

// New 助记词 + bip39 口令生成种子
func New(mnemonic, passphrase string, netParams *chaincfg.Params) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("hdwallet: mnemonic cannot be empty")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	return NewFromSeed(seed, netParams)
}

// NewFromSeed 直接从已解密的种子构建根私钥
func NewFromSeed(seed []byte, netParams *chaincfg.Params) (*HDWallet, error) {
	if netParams == nil {
		netParams = &chaincfg.MainNetParams
	}
	master, err := hdkeychain.NewMaster(seed, netParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: master, btcParams: netParams}, nil
}

// Derive 按 BIP44 逐级派生
func (w *HDWallet) Derive(coinType uint32, p Path) (Key, error) {
	if coinType != CoinTypeBTC && coinType != CoinTypeETH && coinType != CoinTypeTRON {
		return Key{}, ErrInvalidCoinType
	}
	steps := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinType + hdkeychain.HardenedKeyStart,
		p.Account + hdkeychain.HardenedKeyStart,
		0,
		p.Index,
	}
	key := w.masterKey
	var err error
	for _, idx := range steps {
		key, err = key.Derive(idx)
		if err != nil {
			return Key{}, err
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return Key{}, err
	}
	address, err := w.address(coinType, privKey)
	if err != nil {
		return Key{}, err
	}
	return Key{Address: address, PrivateKeyHex: hex.EncodeToString(privKey.Serialize())}, nil
}

// Zero 清掉根私钥
func (w *HDWallet) Zero() {
	if w.masterKey != nil {
		w.masterKey.Zero()
	}
}

func (w *HDWallet) address(coinType uint32, privKey *btcec.PrivateKey) (string, error) {
	switch coinType {
	case CoinTypeBTC: // SegWit p2wpkh
		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
			w.btcParams,
		)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case CoinTypeETH:
		return crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), nil
	case CoinTypeTRON:
		evm := crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey)
		return base58.CheckEncode(evm.Bytes(), tronVersion), nil
	}
	return "", ErrInvalidCoinType
}
