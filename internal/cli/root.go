// Package cli implements coffeectl, the operator command line for issuing
// scan tokens, reading reports and managing the store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

type options struct {
	output string
	// open builds the application from the environment. Tests swap it.
	open func(ctx context.Context, cfg *config.Config) (*bootstrap.App, error)
	// loadConfig reads the environment. Tests swap it.
	loadConfig func() (*config.Config, error)
}

// NewRootCmd returns the coffeectl root command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{open: bootstrap.Open, loadConfig: config.Load})
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "coffeectl",
		Short:         "CoffeePoint operator tool",
		Long:          "coffeectl issues scan tokens, prints ledger reports and manages the CoffeePoint store. It reads the same environment as the API server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: json|text")

	root.AddCommand(newTokensCmd(opts))
	root.AddCommand(newAccountsCmd(opts))
	root.AddCommand(newStatsCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newCompensationsCmd(opts))
	return root
}

// withApp opens the store for the duration of fn.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App, cfg *config.Config) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	app, err := o.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app, cfg)
}

func (o *options) json() bool {
	return o.output == "json"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
