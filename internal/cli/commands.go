package cli

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/backlog"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, true, false)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if a.Migration == nil {
				opts.Logger.Infof("Nothing to migrate for database driver %q", opts.Config.DatabaseDriver)
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), a.Migration)
		},
	}
}

type auditOptions struct {
	project   string
	threshold float64
}

// NewAuditCommand creates the audit command, which runs a Post-Hoc audit
// synchronously and prints the report
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	o := &auditOptions{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Scan a project's catalog for near-duplicate pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cliContext(cmd.Context())
			a, err := openApp(ctx, opts, false, false)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var threshold *float64
			if cmd.Flags().Changed("threshold") {
				threshold = &o.threshold
			}
			task, err := a.Tasks.StartAudit(ctx, o.project, cliActor, threshold)
			if err != nil {
				return err
			}
			if err := a.Tasks.RunTask(ctx, task.ID); err != nil {
				return err
			}
			task, err = a.Tasks.GetTask(ctx, task.ID)
			if err != nil {
				return err
			}
			if task.Error != nil {
				return errors.New(*task.Error)
			}
			return writeJSON(cmd.OutOrStdout(), json.RawMessage(task.Result))
		},
	}

	cmd.Flags().StringVar(&o.project, "project", "", "project id (required)")
	cmd.Flags().Float64Var(&o.threshold, "threshold", 0, "similarity threshold in (0,1] (default from POST_HOC_THRESHOLD)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// NewGraphSyncCommand creates the graph-sync command
func NewGraphSyncCommand(opts *RootOptions) *cobra.Command {
	var project string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "graph-sync",
		Short: "Project unsynced canonical codes into the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cliContext(cmd.Context())
			a, err := openApp(ctx, opts, false, true)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			result, err := a.GraphSync.SyncPending(ctx, project, batchSize)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "maximum codes to sync (default GRAPH_SYNC_BATCH_SIZE)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// NewBacklogCommand creates the backlog command
func NewBacklogCommand(opts *RootOptions) *cobra.Command {
	var project string
	var days, count int

	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Report review backlog health for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cliContext(cmd.Context())
			a, err := openApp(ctx, opts, false, false)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var overrides backlog.Thresholds
			if cmd.Flags().Changed("threshold-days") {
				overrides.Days = &days
			}
			if cmd.Flags().Changed("threshold-count") {
				overrides.Count = &count
			}
			snapshot, err := a.Backlog.Health(ctx, project, overrides)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snapshot)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().IntVar(&days, "threshold-days", 0, "override BACKLOG_THRESHOLD_DAYS")
	cmd.Flags().IntVar(&count, "threshold-count", 0, "override BACKLOG_THRESHOLD_COUNT")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
