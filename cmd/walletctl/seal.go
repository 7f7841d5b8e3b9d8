package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"
	"refwallet.com/internal/custody/keyvault"
)

type sealOptions struct {
	out          string
	mnemonicFile string
	force        bool
	kdf          keyvault.KDFParams
}

func newSealCmd() *cobra.Command {
	o := &sealOptions{kdf: keyvault.DefaultKDFParams()}
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a BIP39 mnemonic into the sealed master seed file",
		Long: "Reads a BIP39 mnemonic (from --mnemonic-file or stdin), converts it to a seed\n" +
			"and writes the passphrase-encrypted seed to --out. The plaintext is never written.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeal(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.out, "out", "o", "seed.sealed", "sealed seed output file")
	f.StringVar(&o.mnemonicFile, "mnemonic-file", "", "file holding the mnemonic, stdin when empty")
	f.BoolVar(&o.force, "force", false, "overwrite an existing sealed file")
	f.Uint32Var(&o.kdf.Memory, "kdf-memory", o.kdf.Memory, "argon2id memory in KiB")
	f.Uint32Var(&o.kdf.Iterations, "kdf-iterations", o.kdf.Iterations, "argon2id iterations")
	f.Uint8Var(&o.kdf.Parallelism, "kdf-parallelism", o.kdf.Parallelism, "argon2id parallelism")
	return cmd
}

func runSeal(cmd *cobra.Command, o *sealOptions) error {
	if !o.force {
		if _, err := os.Stat(o.out); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", o.out)
		}
	}

	// 1. 助记词
	mnemonic, err := readMnemonic(cmd, o.mnemonicFile)
	if err != nil {
		return err
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return errors.New("invalid BIP39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer wipe(seed)

	// 2. 口令
	passphrase, err := readPassphrase(cmd, "New vault passphrase: ", true)
	if err != nil {
		return err
	}
	defer wipe(passphrase)

	// 3. 加密落盘
	sealed, err := keyvault.Seal(seed, passphrase, o.kdf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", o.out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sealed seed written to %s\n", o.out)
	return nil
}

func readMnemonic(cmd *cobra.Command, file string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	} else {
		fmt.Fprint(cmd.ErrOrStderr(), "Mnemonic: ")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read mnemonic: %w", err)
	}
	// 多余空白统一成单个空格
	return strings.Join(strings.Fields(line), " "), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
