// Package cli defines the fern command line.
package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/logging"
)

// cliActor is recorded as the actor of changes made from the command line
const cliActor = "cli"

// RootOptions holds global flags and what PersistentPreRunE loads from them
type RootOptions struct {
	EnvFile string

	Config *config.Config
	Logger ectologger.Logger
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fern",
		Short:         "Candidate code consolidation and governance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if opts.EnvFile != "" {
				files = append(files, opts.EnvFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
			if err != nil {
				return err
			}
			opts.Config, opts.Logger = cfg, logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file read before the environment (default .env)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewGraphSyncCommand(opts))
	cmd.AddCommand(NewBacklogCommand(opts))

	return cmd
}

// openApp connects the relational store, and the graph when withGraph is set,
// for one-shot commands
func openApp(ctx context.Context, opts *RootOptions, migrate, withGraph bool) (*app.App, error) {
	cfg := *opts.Config
	cfg.RedisHost = ""
	cfg.KafkaBrokers = ""
	if !withGraph {
		cfg.GraphHost = ""
	}
	return app.New(ctx, &cfg, opts.Logger, app.Options{Migrate: migrate})
}

func cliContext(ctx context.Context) context.Context {
	return appctx.SetUserID(ctx, cliActor)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
