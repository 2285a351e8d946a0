package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the effective recsync configuration.

Configuration sources (in order of precedence):
1. Command line flags (--db, --defs)
2. Environment variables (RECSYNC_* prefix, e.g. RECSYNC_SYNC_PAGE_SIZE)
3. --config file, or ./recsync.toml, or ~/.recsync/recsync.toml
4. Default values`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Show the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.Config()
			if err != nil {
				return err
			}
			formatter := rootOpts.formatter(cmd)
			if formatter.Format == "json" {
				return formatter.Success(cfg)
			}
			if cfg.File != "" {
				fmt.Fprintf(formatter.Writer, "# recsync configuration (from %s)\n", cfg.File)
			} else {
				fmt.Fprintln(formatter.Writer, "# recsync configuration (defaults)")
			}
			return cfg.WriteTOML(formatter.Writer)
		},
	})

	return cmd
}
