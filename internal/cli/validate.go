package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/compiler"
	"github.com/roach88/recsync/internal/ir"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definitions-dir]",
		Short: "Validate definitions",
		Long: `Validate CUE definitions without running anything.

Every doctype, mapping, plan and connector is compiled and checked: field
rules against their doctype, expressions against the sandbox, plans
against their mappings and connectors against the known types. All
problems are reported, not just the first.

The directory defaults to definitions.dir from the configuration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dir, err := definitionsDir(opts, args)
	if err != nil {
		return err
	}

	loadResult, loadErrors := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if loadResult == nil {
		return outputLoadError(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		validationErrors = append(validationErrors, toValidationError(err))
	}
	validationErrors = append(validationErrors, validateDefinitions(loadResult.Definitions, formatter)...)

	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, validationErrors)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintf(formatter.Writer, "%s All definitions valid\n", check())
	return nil
}

// definitionsDir returns the directory argument or the configured default.
func definitionsDir(opts *RootOptions, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := opts.Config()
	if err != nil {
		return "", err
	}
	return cfg.Definitions.Dir, nil
}

// validateDefinitions runs the validator with the CLI's connector types.
func validateDefinitions(defs *ir.Definitions, formatter *OutputFormatter) []compiler.ValidationError {
	reg := newRegistry(nil)
	v := compiler.NewValidator()
	v.KnownTypes = reg.Has

	formatter.VerboseLog("Validating %d doctype(s), %d mapping(s), %d plan(s), %d connector(s)",
		len(defs.DocTypes), len(defs.Mappings), len(defs.Plans), len(defs.Connectors))
	return v.Validate(defs)
}

// toValidationError converts a load or compile error.
func toValidationError(err error) compiler.ValidationError {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return compiler.ValidationError{Field: "load", Message: loadErr.Message, Code: loadErr.Code}
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compiler.ValidationError{Field: compileErr.Field, Message: compileErr.Message, Code: compiler.ErrCodeGeneric}
	}
	return compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeGeneric}
}

// outputLoadError reports a directory that could not be loaded at all.
func outputLoadError(formatter *OutputFormatter, errs []error) error {
	code, message := compiler.ErrCodeGeneric, "no definitions loaded"
	if len(errs) > 0 {
		ve := toValidationError(errs[0])
		code, message = ve.Code, ve.Message
	}
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintf(formatter.Writer, "%s Validation failed\n\n", cross())
	rows := make([][]string, len(errs))
	for i, e := range errs {
		rows[i] = []string{e.Code, e.Field, e.Message}
	}
	if err := renderTable(formatter.Writer, []string{"Code", "Field", "Message"}, rows); err != nil {
		return err
	}
	return exitErr
}
