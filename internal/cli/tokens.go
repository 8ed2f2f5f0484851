package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/model"
	"github.com/Rofiq02bae/coffeepoint/internal/report"
	"github.com/Rofiq02bae/coffeepoint/internal/token"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

const maxBatch = 500

func newTokensCmd(opts *options) *cobra.Command {
	tok := &cobra.Command{Use: "tokens", Short: "Issue and inspect scan tokens"}
	tok.AddCommand(newTokensCreateCmd(opts))
	tok.AddCommand(newTokensListCmd(opts))
	tok.AddCommand(newTokensShowCmd(opts))
	return tok
}

func newTokensCreateCmd(opts *options) *cobra.Command {
	var count int
	var qrDir string
	var qrSize int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create scan tokens, optionally writing a QR code PNG for each",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 || count > maxBatch {
				return fmt.Errorf("--count must be between 1 and %d", maxBatch)
			}
			if qrSize < 64 || qrSize > 2048 {
				return fmt.Errorf("--qr-size must be between 64 and 2048")
			}
			if qrDir != "" {
				if err := os.MkdirAll(qrDir, 0o755); err != nil {
					return fmt.Errorf("create qr directory: %w", err)
				}
			}

			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				issued := make([]token.IssuedToken, 0, count)
				now := time.Now()
				for i := 0; i < count; i++ {
					tok, err := app.Engine.CreateToken(ctx, model.KindScan, nil, now)
					if err != nil {
						return fmt.Errorf("create token %d of %d: %w", i+1, count, err)
					}
					it := token.IssuedToken{Token: tok, URL: app.Engine.RedemptionURL(tok.ID)}
					if qrDir != "" {
						path := filepath.Join(qrDir, tok.ID+".png")
						if err := qrcode.WriteFile(it.URL, qrcode.Medium, qrSize, path); err != nil {
							return fmt.Errorf("write qr code for %s: %w", tok.ID, err)
						}
					}
					issued = append(issued, it)
				}

				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), issued)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d scan token(s)\n", len(issued))
				for _, it := range issued {
					fmt.Fprintf(cmd.OutOrStdout(), " - %s  %s\n", it.Token.ID, it.URL)
				}
				if qrDir != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "QR codes written to %s\n", qrDir)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of tokens to create")
	cmd.Flags().StringVar(&qrDir, "qr-dir", "", "directory to write <token-id>.png QR codes into")
	cmd.Flags().IntVar(&qrSize, "qr-size", 256, "QR code size in pixels")
	return cmd
}

func newTokensListCmd(opts *options) *cobra.Command {
	var kind, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := report.TokenFilter{Kind: model.TokenKind(kind), Status: report.TokenStatus(status)}
			if kind != "" && !filter.Kind.Valid() {
				return fmt.Errorf("--kind must be scan or voucher")
			}
			if status != "" && filter.Status != report.StatusUsed && filter.Status != report.StatusUnused {
				return fmt.Errorf("--status must be used or unused")
			}

			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				tokens, err := app.Reports.Tokens(ctx, filter)
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), tokens)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tUSED BY\tUSED AT")
				for _, t := range tokens {
					usedBy := t.UsedBy
					if usedBy == "" {
						usedBy = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.Status, formatTime(&t.CreatedAt), usedBy, formatTime(t.UsedAt))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind: scan|voucher")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: used|unused")
	return cmd
}

func newTokensShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <token-id>",
		Short: "Show one token and its redemption URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				tok, err := app.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				it := token.IssuedToken{Token: tok, URL: app.Engine.RedemptionURL(tok.ID)}
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), it)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Token %s\n", tok.ID)
				fmt.Fprintf(out, " - kind: %s\n", tok.Kind)
				fmt.Fprintf(out, " - created: %s\n", formatTime(&tok.CreatedAt))
				if tok.Used() {
					fmt.Fprintf(out, " - used by: %s at %s\n", tok.UsedBy[0], formatTime(tok.UsedAt))
				} else {
					fmt.Fprintln(out, " - unused")
				}
				if issuer := tok.Issuer(); issuer != "" {
					fmt.Fprintf(out, " - issuer: %s\n", issuer)
				}
				fmt.Fprintf(out, " - url: %s\n", it.URL)
				return nil
			})
		},
	}
}
