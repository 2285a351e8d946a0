package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/compiler"
	"github.com/roach88/recsync/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	DocTypeCount   int
	MappingCount   int
	PlanCount      int
	ConnectorCount int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [definitions-dir]",
		Short: "Compile CUE definitions to canonical IR",
		Long: `Compile CUE definitions to their JSON IR.

The compiler parses CUE files, validates the result and outputs the
doctypes, mappings, plans and connectors the engine will run with.
Compilation errors exit with code 2, validation errors with code 1.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dir, err := definitionsDir(opts.RootOptions, args)
	if err != nil {
		return err
	}

	loadResult, loadErrors := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if loadResult == nil {
		return outputLoadError(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)
	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	defs := loadResult.Definitions
	if errs := validateDefinitions(defs, formatter); len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	if opts.Output != "" {
		if err := writeIRToFile(defs, opts.Output); err != nil {
			_ = formatter.Error(compiler.ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	return outputCompileSuccess(formatter, defs, opts.Output)
}

func calculateStats(defs *ir.Definitions) CompilationStats {
	return CompilationStats{
		DocTypeCount:   len(defs.DocTypes),
		MappingCount:   len(defs.Mappings),
		PlanCount:      len(defs.Plans),
		ConnectorCount: len(defs.Connectors),
	}
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, defs *ir.Definitions, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(defs)
	}

	stats := calculateStats(defs)
	w := formatter.Writer
	fmt.Fprintf(w, "%s Compiled %d doctype(s), %d mapping(s), %d plan(s), %d connector(s)\n\n",
		check(), stats.DocTypeCount, stats.MappingCount, stats.PlanCount, stats.ConnectorCount)

	if len(defs.Mappings) > 0 {
		rows := make([][]string, 0, len(defs.Mappings))
		for _, name := range sortedKeys(defs.Mappings) {
			m := defs.Mappings[name]
			rows = append(rows, []string{m.Name, string(m.Direction), m.LocalType, m.RemoteObject, m.MigrationKeyField, fmt.Sprint(len(m.Fields))})
		}
		if err := renderTable(w, []string{"Mapping", "Direction", "Local", "Remote", "Key", "Fields"}, rows); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	if len(defs.Plans) > 0 {
		fmt.Fprintln(w, "Plans:")
		for _, name := range sortedKeys(defs.Plans) {
			fmt.Fprintf(w, "  %s: %s\n", name, strings.Join(defs.Plans[name].Mappings, " → "))
		}
		fmt.Fprintln(w)
	}

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote IR to %s\n", outputFile)
	}
	return nil
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	exitErr := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			ve := toValidationError(err)
			cliErrors[i] = CLIError{Code: ve.Code, Message: ve.Message}
		}
		response := CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors,
		}
		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintf(formatter.Writer, "%s Compilation failed\n\n", cross())
	for _, err := range errs {
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		ve := toValidationError(err)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", ve.Code, ve.Message)
	}
	return exitErr
}

// writeIRToFile writes the definitions as indented JSON.
func writeIRToFile(defs *ir.Definitions, filename string) error {
	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling IR")
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "writing file")
	}
	return nil
}
