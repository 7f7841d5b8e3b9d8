package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"refwallet.com/internal/custody/app"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/service"
)

type assetFlags struct {
	owner    int64
	currency string
	network  string
}

func (f *assetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.owner, "owner", 0, "owner (user) id")
	cmd.Flags().StringVar(&f.currency, "currency", "", "currency symbol, e.g. USDT")
	cmd.Flags().StringVar(&f.network, "network", "", "network name, e.g. ethereum")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("currency")
	_ = cmd.MarkFlagRequired("network")
}

func newAllocateCmd(opts *rootOptions) *cobra.Command {
	var f assetFlags
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Return the owner's deposit address, deriving one if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				key, err := a.Allocator.Allocate(ctx, f.owner, f.currency, f.network)
				if err != nil {
					return err
				}
				return printJSON(cmd, key)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newOrderCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Pending payment orders",
	}

	var (
		f      assetFlags
		kind   string
		amount string
		ttl    time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create (or reuse) the active order for an owner and kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expected, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				o, err := a.Tracker.CreatePendingOrder(ctx, service.OrderRequest{
					OwnerID:        f.owner,
					Kind:           kind,
					Currency:       f.currency,
					Network:        f.network,
					ExpectedAmount: expected,
					TTL:            ttl,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, o)
			})
		},
	}
	f.bind(create)
	create.Flags().StringVar(&kind, "kind", domain.OrderKindActivation, "order kind")
	create.Flags().StringVar(&amount, "amount", "", "expected amount")
	create.Flags().DurationVar(&ttl, "ttl", 0, "order lifetime, service default when 0")
	_ = create.MarkFlagRequired("amount")

	status := &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the current status of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Tracker.CheckOrderStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"order_id": args[0], "status": st})
			})
		},
	}

	cmd.AddCommand(create, status)
	return cmd
}

func newWithdrawCmd(opts *rootOptions) *cobra.Command {
	var (
		f         assetFlags
		to        string
		amount    string
		requestID string
	)
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Debit the owner and broadcast a withdrawal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gross, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				w, err := a.Withdrawals.Withdraw(ctx, service.WithdrawRequest{
					OwnerID:   f.owner,
					Currency:  f.currency,
					Network:   f.network,
					To:        to,
					Amount:    gross,
					RequestID: requestID,
				})
				// 广播失败时记录已经退款，照样打印出来
				if w != nil {
					if perr := printJSON(cmd, w); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&to, "to", "", "destination address")
	cmd.Flags().StringVar(&amount, "amount", "", "gross amount, fee included")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	var (
		network  string
		currency string
		minimum  string
		batch    int
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Sweep deposit addresses above a threshold into the treasury",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, ok := domain.ParseMode(mode)
			if !ok {
				return fmt.Errorf("unknown mode %q, want live, dry-run or stats", mode)
			}
			minBal, err := parseAmount(minimum)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				report, err := a.Consolidator.Consolidate(ctx, service.ConsolidationOptions{
					Network:    network,
					Currency:   currency,
					MinBalance: minBal,
					BatchSize:  batch,
					Mode:       m,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, summarize(report))
			})
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "network name")
	cmd.Flags().StringVar(&currency, "currency", "", "currency symbol")
	cmd.Flags().StringVar(&minimum, "min", "0", "minimum balance to sweep")
	cmd.Flags().IntVar(&batch, "batch", 10, "addresses per batch")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeLive), "live | dry-run | stats")
	_ = cmd.MarkFlagRequired("network")
	_ = cmd.MarkFlagRequired("currency")
	return cmd
}

func newTreasuryCmd(opts *rootOptions) *cobra.Command {
	var network string
	cmd := &cobra.Command{
		Use:   "treasury",
		Short: "Print the treasury address derived for a network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				addr, err := a.TreasuryAddress(ctx, network)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"network": network, "address": addr})
			})
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "network name")
	_ = cmd.MarkFlagRequired("network")
	return cmd
}

type reportSummary struct {
	RunID         string                   `json:"run_id"`
	Mode          domain.ConsolidationMode `json:"mode"`
	Network       string                   `json:"network"`
	Currency      string                   `json:"currency"`
	Scanned       int                      `json:"scanned"`
	Candidates    int                      `json:"candidates"`
	TotalEligible decimal.Decimal          `json:"total_eligible"`
	Batches       int                      `json:"batches"`
	Counts        map[string]int           `json:"counts"`
	Items         []service.ItemResult     `json:"items,omitempty"`
	Unreachable   []service.ItemResult     `json:"unreachable,omitempty"`
}

func summarize(r *service.Report) reportSummary {
	s := reportSummary{
		RunID:         r.RunID,
		Mode:          r.Mode,
		Network:       r.Network,
		Currency:      r.Currency,
		Scanned:       r.Scanned,
		Candidates:    r.Candidates,
		TotalEligible: r.TotalEligible,
		Batches:       len(r.Batches),
		Counts:        map[string]int{},
		Items:         r.Results(),
		Unreachable:   r.Unreachable,
	}
	for _, it := range s.Items {
		s.Counts[string(it.Status)]++
	}
	return s
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must not be negative", s)
	}
	return d, nil
}
