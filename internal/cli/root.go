package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/recsync/internal/config"
	"github.com/roach88/recsync/internal/engine"
	"github.com/roach88/recsync/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	Database    string // overrides database.path
	Definitions string // overrides definitions.dir
	Verbose     bool
	Format      string // "json" | "text"

	// RunIDs overrides the engine's run id generator (for testing).
	// If nil, the engine uses UUIDv7.
	RunIDs engine.RunIDGenerator

	cfg *config.Config
	log *zap.SugaredLogger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the recsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "recsync",
		Short: "recsync - bidirectional record synchronization",
		Long: `Synchronize records between a local store and remote systems.

Definitions (doctypes, mappings, plans and connectors) are written in CUE.
A run executes one plan against one connector and is recorded with its
counters and per-record failures.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./recsync.toml or ~/.recsync/recsync.toml)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides database.path)")
	cmd.PersistentFlags().StringVar(&opts.Definitions, "defs", "", "definitions directory (overrides definitions.dir)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// Config loads the configuration once and applies flag overrides.
func (o *RootOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database.Path = o.Database
	}
	if o.Definitions != "" {
		cfg.Definitions.Dir = o.Definitions
	}
	o.cfg = cfg
	return cfg, nil
}

// Logger returns the command logger, writing to the command's stderr.
func (o *RootOptions) Logger(cmd *cobra.Command) (*zap.SugaredLogger, error) {
	if o.log != nil {
		return o.log, nil
	}
	cfg, err := o.Config()
	if err != nil {
		return nil, err
	}
	log, err := logger.NewWithWriter(logger.Verbose(cfg.Log, o.Verbose), cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize logger", err)
	}
	o.log = log
	return log, nil
}

// formatter returns an output formatter bound to the command's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
