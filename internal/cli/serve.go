package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides server.addr
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Long: `Serve runs over HTTP until interrupted.

Routes:
  GET  /runs?plan=<plan>&limit=<n>   list runs, newest first
  GET  /runs/{id}                    one run with its failures
  POST /runs                         {"plan": ..., "connector": ...} starts a run

POST /runs answers 201 with the finished run, 409 when the plan is already
running on the connector and 422 when the plan cannot start.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	ws, err := openWorkspace(ctx, opts.RootOptions, cmd, defsRequired)
	if err != nil {
		return err
	}
	defer ws.Close()

	addr := ws.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	handler := api.NewRunHandler(ws.engine(opts.RootOptions), ws.store, ws.log)
	srv := api.NewServer(addr, handler, ws.log)

	fmt.Fprintf(cmd.OutOrStdout(), "Serving runs on %s. Press Ctrl-C to stop.\n", addr)
	if err := srv.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	return nil
}
