package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
)

const testMnemonic = "test test test test test test test test test test test junk"

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sealArgs(out string) []string {
	return []string{"seal", "--out", out, "--kdf-memory", "1024", "--kdf-iterations", "1", "--kdf-parallelism", "1"}
}

func TestSeal(t *testing.T) {
	t.Setenv(envPassphrase, "operator-pw")
	out := filepath.Join(t.TempDir(), "seed.sealed")

	_, err := execute(t, "  test test test test test test\ttest test test test test junk \n", sealArgs(out)...)
	require.NoError(t, err)

	sealed, err := os.ReadFile(out)
	require.NoError(t, err)
	seed, err := keyvault.Open(sealed, []byte("operator-pw"))
	require.NoError(t, err)
	assert.Equal(t, bip39.NewSeed(testMnemonic, ""), seed)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// 已存在时不覆盖
	_, err = execute(t, testMnemonic+"\n", sealArgs(out)...)
	assert.ErrorContains(t, err, "already exists")
}

func TestSeal_InvalidMnemonic(t *testing.T) {
	t.Setenv(envPassphrase, "operator-pw")
	out := filepath.Join(t.TempDir(), "seed.sealed")

	_, err := execute(t, "test test test\n", sealArgs(out)...)
	assert.ErrorContains(t, err, "invalid BIP39 mnemonic")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSeal_EmptyPassphraseEnv(t *testing.T) {
	t.Setenv(envPassphrase, " ")
	_, err := execute(t, testMnemonic+"\n", sealArgs(filepath.Join(t.TempDir(), "s"))...)
	assert.ErrorContains(t, err, envPassphrase)
}

// setupWorkspace 封存种子并写一份使用内存链和 sqlite 文件库的配置
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(envPassphrase, "operator-pw")
	sealed := filepath.Join(dir, "seed.sealed")
	_, err := execute(t, testMnemonic+"\n", sealArgs(sealed)...)
	require.NoError(t, err)

	cfg := `
orm:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "custody.db") + `
  log_level: silent
vault:
  sealed_file: ` + sealed + `
  passphrase: ""
  treasury_account: 1000
networks:
  - network: ethereum
    driver: memory
    native: ETH
allocator:
  accounts:
    usdt: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wallet-service.yaml"), []byte(cfg), 0o600))
	return dir
}

func TestAllocateOrderConsolidate(t *testing.T) {
	dir := setupWorkspace(t)

	out, err := execute(t, "", "-c", dir, "allocate", "--owner", "1", "--currency", "usdt", "--network", "ethereum")
	require.NoError(t, err)
	var key domain.DerivedKey
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", key.Address)
	assert.Equal(t, uint32(0), key.DerivationIndex)
	assert.Empty(t, key.EncryptedPrivateKey, "密文不输出")

	// 第二次调用还是同一个地址
	out, err = execute(t, "", "-c", dir, "allocate", "--owner", "1", "--currency", "USDT", "--network", "ethereum")
	require.NoError(t, err)
	assert.Contains(t, out, key.Address)

	out, err = execute(t, "", "-c", dir, "order", "create", "--owner", "2", "--currency", "usdt", "--network", "ethereum", "--amount", "10")
	require.NoError(t, err)
	var order domain.PendingOrder
	require.NoError(t, json.Unmarshal([]byte(out), &order))
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.NotEqual(t, key.Address, order.Address)

	out, err = execute(t, "", "-c", dir, "order", "status", order.OrderID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "pending"`)

	_, err = execute(t, "", "-c", dir, "order", "status", "no-such-order")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	out, err = execute(t, "", "-c", dir, "consolidate", "--network", "ethereum", "--currency", "usdt", "--mode", "stats")
	require.NoError(t, err)
	var sum reportSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, domain.ModeStats, sum.Mode)
	assert.Equal(t, 2, sum.Scanned)
	assert.Equal(t, 0, sum.Candidates)

	_, err = execute(t, "", "-c", dir, "consolidate", "--network", "ethereum", "--currency", "usdt", "--mode", "turbo")
	assert.ErrorContains(t, err, "unknown mode")
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	dir := setupWorkspace(t)
	_, err := execute(t, "", "-c", dir, "withdraw", "--owner", "1", "--currency", "usdt", "--network", "ethereum",
		"--to", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "--amount", "5")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = execute(t, "", "-c", dir, "withdraw", "--owner", "1", "--currency", "usdt", "--network", "ethereum",
		"--to", "not-an-address", "--amount", "5")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestTreasury(t *testing.T) {
	dir := setupWorkspace(t)
	out, err := execute(t, "", "-c", dir, "treasury", "--network", "ethereum")
	require.NoError(t, err)
	assert.Contains(t, out, `"address": "0x`)
}

func TestParseAmount(t *testing.T) {
	d, err := parseAmount("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12.5", d.String())

	_, err = parseAmount("-1")
	assert.Error(t, err)
	_, err = parseAmount("abc")
	assert.Error(t, err)
}
