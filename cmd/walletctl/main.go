// walletctl 运维命令行：封存主种子，手工分配地址、建单、提现和归集
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"refwallet.com/internal/custody/app"
	"refwallet.com/pkg/logger"
)

const (
	serviceName = "wallet-service"
	// 运维口令的环境变量，没设置时从终端读取
	envPassphrase = "WALLETCTL_PASSPHRASE"
)

type rootOptions struct {
	configDir string
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "walletctl",
		Short:        "Custody core operator tool",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.verbose {
				logger.Init("walletctl", "debug")
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configDir, "config", "c", "", "directory containing wallet-service.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stdout and logs/walletctl.log")

	root.AddCommand(
		newSealCmd(),
		newAllocateCmd(opts),
		newOrderCmd(opts),
		newWithdrawCmd(opts),
		newConsolidateCmd(opts),
		newTreasuryCmd(opts),
	)
	return root
}

// openApp 和 wallet-service 读同一份配置；配置里没有口令时交互输入
func openApp(cmd *cobra.Command, opts *rootOptions) (*app.App, error) {
	var paths []string
	if opts.configDir != "" {
		paths = append(paths, opts.configDir)
	}
	cfg, err := app.Load(serviceName, nil, paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" && cfg.Vault.PassphraseFile == "" {
		p, err := readPassphrase(cmd, "Vault passphrase: ", false)
		if err != nil {
			return nil, err
		}
		cfg.Vault.Passphrase = string(p)
	}
	return app.New(cmd.Context(), cfg, app.Options{})
}

// withApp 命令结束时一定关闭，审计日志在 Close 里落库
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
