package cli

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/store"
)

// RunsListOptions holds flags for runs list.
type RunsListOptions struct {
	*RootOptions
	Plan  string
	Limit int
}

// ReleaseResult reports a released lease.
type ReleaseResult struct {
	Plan      string `json:"plan"`
	Connector string `json:"connector"`
	RunID     string `json:"run_id,omitempty"`
	Released  bool   `json:"released"`
	Abandoned bool   `json:"abandoned"` // the holding run was marked Failed
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsShowCommand(rootOpts))
	cmd.AddCommand(newRunsReleaseCommand(rootOpts))
	return cmd
}

func newRunsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List runs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Plan, "plan", "", "only runs of this plan")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 = all)")

	return cmd
}

func runRunsList(opts *RunsListOptions, cmd *cobra.Command) error {
	ws, err := openWorkspace(cmd.Context(), opts.RootOptions, cmd, defsNone)
	if err != nil {
		return err
	}
	defer ws.Close()

	runs, err := ws.store.ListRuns(cmd.Context(), opts.Plan, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	formatter := opts.formatter(cmd)
	if formatter.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found.")
		return nil
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		c := r.Counters
		rows[i] = []string{
			r.ID, r.Plan, r.Connector, string(r.Status),
			r.CreatedAt.Format(time.RFC3339),
			fmt.Sprintf("+%d ~%d / +%d ~%d", c.PushInsert, c.PushUpdate, c.PullInsert, c.PullUpdate),
			itoa(c.Skipped), itoa(c.Failed),
		}
	}
	return renderTable(formatter.Writer,
		[]string{"ID", "Plan", "Connector", "Status", "Created", "Push / Pull", "Skipped", "Failed"}, rows)
}

func newRunsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show one run with its failures",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), rootOpts, cmd, defsNone)
			if err != nil {
				return err
			}
			defer ws.Close()

			run, err := ws.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return notFound(err, "run "+args[0])
			}
			return outputRunReport(rootOpts.formatter(cmd), &run)
		},
	}
}

func newRunsReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <plan> <connector>",
		Short: "Release a stale run lease",
		Long: `Release the lease a crashed process left on (plan, connector).

A run still marked Running under that lease is marked Failed. Only use
this when no process is executing the plan: a live run loses its
single-flight protection.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelease(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runRelease(opts *RootOptions, plan, connectorName string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, opts, cmd, defsNone)
	if err != nil {
		return err
	}
	defer ws.Close()

	result := ReleaseResult{Plan: plan, Connector: connectorName}
	lease, found, err := ws.store.Lease(ctx, plan, connectorName)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read lease", err)
	}

	if found {
		result.RunID = lease.RunID
		run, err := ws.store.GetRun(ctx, lease.RunID)
		switch {
		case err == nil && run.Status == ir.RunRunning:
			run.Status = ir.RunFailed
			run.Error = "lease released: run abandoned"
			run.FinishedAt = time.Now().UTC()
			if err := ws.store.UpdateRun(ctx, run); err != nil {
				return WrapExitError(ExitCommandError, "failed to mark run abandoned", err)
			}
			result.Abandoned = true
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}

		if err := ws.store.ReleaseLease(ctx, plan, connectorName, lease.RunID); err != nil {
			return WrapExitError(ExitCommandError, "failed to release lease", err)
		}
		result.Released = true
		ws.log.Infow("lease released", "plan", plan, "connector", connectorName, "run_id", lease.RunID, "abandoned", result.Abandoned)
	}

	formatter := opts.formatter(cmd)
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if !result.Released {
		fmt.Fprintf(formatter.Writer, "No lease held for plan %s on connector %s\n", plan, connectorName)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%s Released lease held by run %s\n", check(), result.RunID)
	if result.Abandoned {
		fmt.Fprintf(formatter.Writer, "  Run %s marked Failed\n", result.RunID)
	}
	return nil
}
