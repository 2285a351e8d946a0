package cli

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
)

// RecordPutOptions holds flags for record put.
type RecordPutOptions struct {
	*RootOptions
	Name   string
	Fields string // JSON object
}

// RecordListOptions holds flags for record list.
type RecordListOptions struct {
	*RootOptions
	Where []string // field=value, all must match
	Limit int
}

// NewRecordCommand creates the record command group.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and write local records",
	}
	cmd.AddCommand(newRecordPutCommand(rootOpts))
	cmd.AddCommand(newRecordGetCommand(rootOpts))
	cmd.AddCommand(newRecordListCommand(rootOpts))
	return cmd
}

func newRecordPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordPutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <doctype>",
		Short: "Insert or update a local record",
		Long: `Insert a local record, or update it when --name is given.

Doctypes are declared from the definitions directory when it exists.

Examples:
  recsync record put ToDo --fields '{"description":"Write report","status":"Open"}'
  recsync record put ToDo --name todo-000001 --fields '{"status":"Closed"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordPut(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "record to update (omit to insert)")
	cmd.Flags().StringVar(&opts.Fields, "fields", "{}", "fields as a JSON object")

	return cmd
}

func runRecordPut(opts *RecordPutOptions, doctype string, cmd *cobra.Command) error {
	fields, err := ir.ParseObject([]byte(opts.Fields))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fields", err)
	}

	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, opts.RootOptions, cmd, defsOptional)
	if err != nil {
		return err
	}
	defer ws.Close()

	name := opts.Name
	if name == "" {
		name, err = ws.store.InsertRecord(ctx, doctype, fields)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to insert record", err)
		}
	} else if err := ws.store.UpdateRecord(ctx, doctype, name, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(err, "record "+doctype+"/"+name)
		}
		return WrapExitError(ExitCommandError, "failed to update record", err)
	}

	rec, err := ws.store.GetRecord(ctx, doctype, name)
	if err != nil {
		return notFound(err, "record "+doctype+"/"+name)
	}
	return outputRecord(opts.formatter(cmd), rec)
}

func newRecordGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <doctype> <name>",
		Short:         "Show one local record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), rootOpts, cmd, defsNone)
			if err != nil {
				return err
			}
			defer ws.Close()

			rec, err := ws.store.GetRecord(cmd.Context(), args[0], args[1])
			if err != nil {
				return notFound(err, "record "+args[0]+"/"+args[1])
			}
			return outputRecord(rootOpts.formatter(cmd), rec)
		},
	}
}

func outputRecord(formatter *OutputFormatter, rec ir.Record) error {
	if formatter.Format == "json" {
		return formatter.Success(rec)
	}
	rows := make([][]string, 0, len(rec.Fields))
	for _, k := range rec.Fields.SortedKeys() {
		rows = append(rows, []string{k, ir.AsString(rec.Fields[k])})
	}
	fmt.Fprintf(formatter.Writer, "%s %s\n", rec.DocType, rec.Name)
	return renderTable(formatter.Writer, []string{"Field", "Value"}, rows)
}

func newRecordListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list <doctype>",
		Short:         "List local records",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordList(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter as field=value (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runRecordList(opts *RecordListOptions, doctype string, cmd *cobra.Command) error {
	filter, err := parseWhere(opts.Where)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	ws, err := openWorkspace(ctx, opts.RootOptions, cmd, defsNone)
	if err != nil {
		return err
	}
	defer ws.Close()

	dt, err := ws.store.DocType(ctx, doctype)
	if err != nil {
		return notFound(err, "doctype "+doctype)
	}
	recs, err := ws.store.Query(ctx, queryir.Select{DocType: doctype, Filter: filter, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query records", err)
	}

	formatter := opts.formatter(cmd)
	if formatter.Format == "json" {
		return formatter.Success(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintf(formatter.Writer, "No %s records found.\n", doctype)
		return nil
	}

	header := append([]string{ir.NameField}, dt.Fields...)
	rows := make([][]string, len(recs))
	for i, rec := range recs {
		row := make([]string, len(header))
		row[0] = rec.Name
		for j, f := range dt.Fields {
			row[j+1] = ir.AsString(rec.Fields.Get(f))
		}
		rows[i] = row
	}
	return renderTable(formatter.Writer, header, rows)
}

// parseWhere turns field=value pairs into an equality filter. Values are
// compared as strings.
func parseWhere(pairs []string) (queryir.Predicate, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	preds := make([]queryir.Predicate, 0, len(pairs))
	for _, p := range pairs {
		field, value, ok := strings.Cut(p, "=")
		if !ok || field == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --where %q: expected field=value", p))
		}
		if !queryir.ValidField(field) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --where field %q", field))
		}
		preds = append(preds, queryir.Eq(field, ir.IRString(value)))
	}
	return queryir.AllOf(preds...), nil
}
