package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassphrase 环境变量优先；否则要求在终端输入，confirm 时输入两次
func readPassphrase(cmd *cobra.Command, prompt string, confirm bool) ([]byte, error) {
	if v, ok := os.LookupEnv(envPassphrase); ok {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%s is set but empty", envPassphrase)
		}
		return []byte(v), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("passphrase required; set %s or run interactively", envPassphrase)
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprint(errOut, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(bytes.TrimSpace(first)) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if !confirm {
		return first, nil
	}

	fmt.Fprint(errOut, "Repeat passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(errOut)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if !bytes.Equal(first, second) {
		return nil, errors.New("passphrases do not match")
	}
	return first, nil
}
