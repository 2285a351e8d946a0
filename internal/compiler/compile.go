package compiler

import (
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"

	"github.com/roach88/recsync/internal/ir"
)

// Definitions are written as four top-level structs keyed by name:
//
//	doctype: ToDo: fields: ["description", "status", "todo_sync_id"]
//
//	mapping: todo_to_event: {
//		direction:     "Push"
//		local_type:    "ToDo"
//		remote_object: "Event"
//		fields: [{remote: "subject", local: "description"}]
//	}
//
//	plan: todo_sync: mappings: ["todo_to_event"]
//
//	connector: site_b: {type: "local", endpoint: "site_b.db"}

// CompileDocType parses a CUE value into a DocType.
func CompileDocType(v cue.Value) (*ir.DocType, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	dt := &ir.DocType{Name: labelOf(v)}

	fields, err := stringList(v, "fields", true)
	if err != nil {
		return nil, err
	}
	dt.Fields = fields
	return dt, nil
}

// CompileMapping parses a CUE value into a Mapping.
//
// migration_key_field defaults to the scrubbed local type plus "_sync_id",
// e.g. "Sales Order" -> "sales_order_sync_id".
func CompileMapping(v cue.Value) (*ir.Mapping, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	m := &ir.Mapping{Name: labelOf(v)}

	direction, err := stringField(v, "direction", true)
	if err != nil {
		return nil, err
	}
	m.Direction = ir.Direction(direction)

	if m.LocalType, err = stringField(v, "local_type", true); err != nil {
		return nil, err
	}
	if m.RemoteObject, err = stringField(v, "remote_object", true); err != nil {
		return nil, err
	}
	if m.LocalPrimaryKey, err = stringField(v, "local_primary_key", false); err != nil {
		return nil, err
	}
	if m.RemotePrimaryKey, err = stringField(v, "remote_primary_key", false); err != nil {
		return nil, err
	}
	if m.MigrationKeyField, err = stringField(v, "migration_key_field", false); err != nil {
		return nil, err
	}
	if m.MigrationKeyField == "" {
		m.MigrationKeyField = DefaultMigrationKey(m.LocalType)
	}
	if m.Condition, err = stringField(v, "condition", false); err != nil {
		return nil, err
	}
	if m.PreProcess, err = stringField(v, "pre_process", false); err != nil {
		return nil, err
	}

	if m.Fields, err = parseFieldRules(v); err != nil {
		return nil, err
	}

	if sv := v.LookupPath(cue.ParsePath("skip_unchanged")); sv.Exists() {
		b, err := sv.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m.SkipUnchanged = b
	}
	if pv := v.LookupPath(cue.ParsePath("page_size")); pv.Exists() {
		n, err := pv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m.PageSize = int(n)
	}
	return m, nil
}

// DefaultMigrationKey derives the migration key field for a local type.
func DefaultMigrationKey(localType string) string {
	return strings.ToLower(strings.Join(strings.Fields(localType), "_")) + "_sync_id"
}

func parseFieldRules(v cue.Value) ([]ir.FieldRule, error) {
	fv := v.LookupPath(cue.ParsePath("fields"))
	if !fv.Exists() {
		return nil, &CompileError{Field: "fields", Message: "fields is required", Pos: v.Pos()}
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	rules := []ir.FieldRule{}
	for i := 0; iter.Next(); i++ {
		rv := iter.Value()
		remote, err := stringField(rv, "remote", true)
		if err != nil {
			return nil, withField(err, fmt.Sprintf("fields[%d].remote", i))
		}
		local, err := stringField(rv, "local", true)
		if err != nil {
			return nil, withField(err, fmt.Sprintf("fields[%d].local", i))
		}
		rules = append(rules, ir.FieldRule{Remote: remote, Local: local})
	}
	return rules, nil
}

// CompilePlan parses a CUE value into a Plan.
func CompilePlan(v cue.Value) (*ir.Plan, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	p := &ir.Plan{Name: labelOf(v)}
	mappings, err := stringList(v, "mappings", true)
	if err != nil {
		return nil, err
	}
	p.Mappings = mappings
	return p, nil
}

// CompileConnector parses a CUE value into a ConnectorConfig. timeout is a
// duration string such as "5s".
func CompileConnector(v cue.Value) (*ir.ConnectorConfig, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	c := &ir.ConnectorConfig{Name: labelOf(v)}

	var err error
	if c.Type, err = stringField(v, "type", true); err != nil {
		return nil, err
	}
	if c.Endpoint, err = stringField(v, "endpoint", false); err != nil {
		return nil, err
	}
	if c.Credentials, err = stringMap(v, "credentials"); err != nil {
		return nil, err
	}
	if c.Options, err = stringMap(v, "options"); err != nil {
		return nil, err
	}

	if rv := v.LookupPath(cue.ParsePath("rate_limit")); rv.Exists() {
		f, err := rv.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		c.RateLimit = f
	}
	if bv := v.LookupPath(cue.ParsePath("burst")); bv.Exists() {
		n, err := bv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		c.Burst = int(n)
	}
	timeout, err := stringField(v, "timeout", false)
	if err != nil {
		return nil, err
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, &CompileError{Field: "timeout", Message: err.Error(), Pos: v.LookupPath(cue.ParsePath("timeout")).Pos()}
		}
		c.Timeout = d
	}
	return c, nil
}

// labelOf returns the last path selector, unquoted.
func labelOf(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return strings.Trim(sels[len(sels)-1].String(), `"`)
}

func stringField(v cue.Value, name string, required bool) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		if required {
			return "", &CompileError{Field: name, Message: name + " is required", Pos: v.Pos()}
		}
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{Field: name, Message: "must be a string", Pos: fv.Pos()}
	}
	return s, nil
}

func stringList(v cue.Value, name string, required bool) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(name))
	if !lv.Exists() {
		if required {
			return nil, &CompileError{Field: name, Message: name + " is required", Pos: v.Pos()}
		}
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, &CompileError{Field: name, Message: "must be a list of strings", Pos: lv.Pos()}
	}
	out := []string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{Field: name, Message: "must be a list of strings", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

func stringMap(v cue.Value, name string) (map[string]string, error) {
	mv := v.LookupPath(cue.ParsePath(name))
	if !mv.Exists() {
		return nil, nil
	}
	iter, err := mv.Fields()
	if err != nil {
		return nil, &CompileError{Field: name, Message: "must be a struct of strings", Pos: mv.Pos()}
	}
	out := map[string]string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{Field: name + "." + iter.Selector().String(), Message: "must be a string", Pos: iter.Value().Pos()}
		}
		out[strings.Trim(iter.Selector().String(), `"`)] = s
	}
	return out, nil
}

func withField(err error, field string) error {
	if ce, ok := err.(*CompileError); ok {
		return &CompileError{Field: field, Message: ce.Message, Pos: ce.Pos}
	}
	return err
}
