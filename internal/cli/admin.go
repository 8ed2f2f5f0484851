package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var (
	errNotPostgres = errors.New("migrations apply to the postgres backend only; set STORE_BACKEND=postgres")
	errNoQueue     = errors.New("the compensation queue needs redis; use the postgres or redis backend with REDIS_ADDR reachable")
)

func newMigrateCmd(opts *options) *cobra.Command {
	mig := &cobra.Command{Use: "migrate", Short: "Manage the postgres schema"}
	mig.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(opts, func(cfg *config.Config, database *sqlx.DB) error {
				if err := db.RunMigrations(database, cfg.MigrationsPath); err != nil {
					return err
				}
				return printVersion(cmd, opts, cfg, database)
			})
		},
	})
	mig.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(opts, func(cfg *config.Config, database *sqlx.DB) error {
				return printVersion(cmd, opts, cfg, database)
			})
		},
	})
	return mig
}

func withDatabase(opts *options, fn func(cfg *config.Config, database *sqlx.DB) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return errNotPostgres
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(cfg, database)
}

func printVersion(cmd *cobra.Command, opts *options, cfg *config.Config, database *sqlx.DB) error {
	version, dirty, err := db.MigrationVersion(database, cfg.MigrationsPath)
	if err != nil {
		return err
	}
	if opts.json() {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func newCompensationsCmd(opts *options) *cobra.Command {
	comp := &cobra.Command{Use: "compensations", Short: "Inspect the compensating credit queue"}
	comp.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Print how many compensations wait to be applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				if app.Queue == nil {
					return errNoQueue
				}
				length := app.Queue.Length(ctx)
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), map[string]int64{"pending": length})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d compensation(s) pending\n", length)
				return nil
			})
		},
	})
	comp.AddCommand(&cobra.Command{
		Use:   "failed",
		Short: "List compensations that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *bootstrap.App, _ *config.Config) error {
				if app.Queue == nil {
					return errNoQueue
				}
				failed, err := app.Queue.Failed(ctx)
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(cmd.OutOrStdout(), failed)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tPOINTS\tREASON\tREF\tTRIES\tFAILED AT\tERROR")
				for _, f := range failed {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n", f.Job.AccountID, f.Job.Points, f.Job.Reason, f.Job.Ref, f.Job.Tries, formatTime(&f.Time), f.Error)
				}
				return w.Flush()
			})
		},
	})
	return comp
}
