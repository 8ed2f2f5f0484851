package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/spf13/cobra"
)

func newAccountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts by balance with their voucher counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				accounts, err := app.Reports.Accounts(ctx)
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), accounts)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tBALANCE\tVOUCHERS\tUSED\tLAST SCAN")
				for _, a := range accounts {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", a.ID, a.Kind, a.Balance, a.VouchersMinted, a.VouchersUsed, formatTime(a.LastScanAt))
				}
				return w.Flush()
			})
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ledger totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, cfg *config.Config) error {
				stats, err := app.Reports.Stats(ctx, time.Now())
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), stats)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "CoffeePoint ledger (%s)\n", cfg.StoreBackend)
				fmt.Fprintf(out, " - accounts: %d\n", stats.Accounts)
				fmt.Fprintf(out, " - outstanding points: %d\n", stats.OutstandingPoints)
				fmt.Fprintf(out, " - scan tokens: %d issued, %d used\n", stats.ScanTokensIssued, stats.ScanTokensUsed)
				fmt.Fprintf(out, " - vouchers: %d minted, %d redeemed\n", stats.VouchersMinted, stats.VouchersRedeemed)
				if stats.ConsistencyViolations > 0 {
					fmt.Fprintf(out, " - WARNING: %d token(s) with more than one redeemer\n", stats.ConsistencyViolations)
				}
				return nil
			})
		},
	}
}
