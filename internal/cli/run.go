package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/engine"
	"github.com/roach88/recsync/internal/ir"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan> <connector>",
		Short: "Run a plan against a connector",
		Long: `Run a plan against a connector and print the run report.

Definitions are loaded from definitions.dir (or --defs) and their doctypes
are declared in the database before the run starts. Ctrl-C cancels the
run; a cancelled run is recorded as Failed with its partial counts.

Exit codes:
  0 - Run succeeded
  1 - Run failed, or the plan could not start (configuration error)
  2 - Command error (run in progress, database or definitions unusable)

Example:
  recsync run todo_sync remote
  recsync --db ./site.db --defs ./definitions run contacts crm --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runPlan(opts *RootOptions, plan, connectorName string, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	ws, err := openWorkspace(ctx, opts, cmd, defsRequired)
	if err != nil {
		return err
	}
	defer ws.Close()

	formatter := opts.formatter(cmd)
	run, err := ws.engine(opts).Run(ctx, plan, connectorName)
	if err != nil {
		var cfgErr *engine.ConfigurationError
		switch {
		case errors.Is(err, engine.ErrRunInProgress):
			_ = formatter.Error("E_RUN_IN_PROGRESS", err.Error(), nil)
			return WrapExitError(ExitCommandError, "run in progress", err)
		case errors.As(err, &cfgErr) && run != nil:
			if outErr := outputRunReport(formatter, run); outErr != nil {
				return outErr
			}
			return WrapExitError(ExitFailure, "run did not start", err)
		default:
			_ = formatter.Error("E_RUN", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to run plan", err)
		}
	}

	if err := outputRunReport(formatter, run); err != nil {
		return err
	}
	if run.Status != ir.RunSuccess {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s", run.ID, run.Status))
	}
	return nil
}

// signalContext returns the command context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// outputRunReport prints one run with its counters and failures.
func outputRunReport(formatter *OutputFormatter, run *ir.Run) error {
	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: run, RunID: run.ID}
		if run.Status != ir.RunSuccess {
			resp.Status = "error"
			resp.Error = &CLIError{Code: runErrorCode(run), Message: runErrorMessage(run)}
		}
		return writeJSON(formatter.Writer, resp)
	}
	return writeRunText(formatter.Writer, run)
}

func writeRunText(w io.Writer, run *ir.Run) error {
	mark := check()
	if run.Status != ir.RunSuccess {
		mark = cross()
	}
	fmt.Fprintf(w, "%s Run %s: %s on %s %s\n", mark, run.ID, run.Plan, run.Connector, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
	if !run.StartedAt.IsZero() && !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	c := run.Counters
	if err := renderTable(w,
		[]string{"push_insert", "push_update", "pull_insert", "pull_update", "skipped", "fail_count"},
		[][]string{{itoa(c.PushInsert), itoa(c.PushUpdate), itoa(c.PullInsert), itoa(c.PullUpdate), itoa(c.Skipped), itoa(c.Failed)}},
	); err != nil {
		return err
	}

	if len(run.Failures) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, len(run.Failures))
		for i, f := range run.Failures {
			rows[i] = []string{f.Mapping, f.RecordRef, f.Message}
		}
		if err := renderTable(w, []string{"Mapping", "Record", "Message"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func runErrorCode(run *ir.Run) string {
	if run.Status == ir.RunPending {
		return "E_RUN_NOT_STARTED"
	}
	return "E_RUN_FAILED"
}

func runErrorMessage(run *ir.Run) string {
	if run.Error != "" {
		return run.Error
	}
	return fmt.Sprintf("%d record(s) failed", run.Counters.Failed)
}

func itoa(n int) string {
	return fmt.Sprint(n)
}
