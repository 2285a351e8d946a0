package querysql

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// SQLCompiler compiles queryir selects to parameterized SQLite over the
// records table, where each record's fields live in the JSON column "data".
//
// Every query carries ORDER BY seq, name so paging is stable, and every
// literal is a ? parameter. Field names are validated against
// queryir.ValidField before being spliced into JSON paths.
type SQLCompiler struct {
	// Table is the records table name. Defaults to "records".
	Table string
}

// NewSQLCompiler creates a compiler for the default records table.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{Table: "records"}
}

// Compile converts q into (sql, params). Selected columns are always
// name, data, modified in that order; field projection happens in the caller.
func (c *SQLCompiler) Compile(q queryir.Select) (string, []any, error) {
	if errs := queryir.ValidateSelect(q); len(errs) > 0 {
		return "", nil, errors.Wrap(errs[0], "invalid select")
	}

	var b strings.Builder
	params := []any{q.DocType}
	fmt.Fprintf(&b, "SELECT name, data, modified FROM %s WHERE doctype = ?", c.table())

	if q.Filter != nil {
		where, filterParams, err := c.CompilePredicate(q.Filter)
		if err != nil {
			return "", nil, errors.Wrap(err, "compile filter")
		}
		b.WriteString(" AND ")
		b.WriteString(where)
		params = append(params, filterParams...)
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(stableOrderKey())

	switch {
	case q.Limit > 0:
		b.WriteString(" LIMIT ? OFFSET ?")
		params = append(params, q.Limit, q.Offset)
	case q.Offset > 0:
		b.WriteString(" LIMIT -1 OFFSET ?")
		params = append(params, q.Offset)
	}

	return b.String(), params, nil
}

// CompilePredicate compiles a filter to a WHERE fragment. Exposed for
// callers that build their own statements around the records table.
func (c *SQLCompiler) CompilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case queryir.Compare:
		return c.compileCompare(pred)
	case queryir.IsSet:
		if !queryir.ValidField(pred.Field) {
			return "", nil, errors.Newf("invalid field name %q", pred.Field)
		}
		if pred.Set {
			return fmt.Sprintf("COALESCE(%s, '') <> ''", fieldExpr(pred.Field)), nil, nil
		}
		return fmt.Sprintf("COALESCE(%s, '') = ''", fieldExpr(pred.Field)), nil, nil
	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, sub := range pred.Predicates {
			s, ps, err := c.CompilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+s+")")
			params = append(params, ps...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, errors.Newf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileCompare(cmp queryir.Compare) (string, []any, error) {
	if errs := queryir.Validate(cmp); len(errs) > 0 {
		return "", nil, errs[0]
	}
	field := fieldExpr(cmp.Field)

	if cmp.Op == queryir.OpIn {
		list := cmp.Value.(ir.IRArray)
		if len(list) == 0 {
			return "0 = 1", nil, nil
		}
		marks := make([]string, len(list))
		params := make([]any, len(list))
		for i, v := range list {
			p, err := irValueToParam(v)
			if err != nil {
				return "", nil, err
			}
			marks[i] = "?"
			params[i] = p
		}
		return fmt.Sprintf("%s IN (%s)", field, strings.Join(marks, ", ")), params, nil
	}

	param, err := irValueToParam(cmp.Value)
	if err != nil {
		return "", nil, errors.Wrap(err, "convert value")
	}
	op := string(cmp.Op)
	if cmp.Op == queryir.OpLike {
		op = "LIKE"
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{param}, nil
}

// fieldExpr maps a field to its SQL expression. "name" is a real column;
// everything else is read from the JSON document.
func fieldExpr(field string) string {
	if field == ir.NameField {
		return "name"
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// stableOrderKey is the ORDER BY for every records query: insertion order,
// then name with binary collation.
func stableOrderKey() string {
	return "seq ASC, name COLLATE BINARY ASC"
}

func (c *SQLCompiler) table() string {
	if c.Table == "" {
		return "records"
	}
	return c.Table
}

// irValueToParam converts a scalar to a database/sql parameter.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRFloat:
		return float64(val), nil
	case ir.IRBool:
		return bool(val), nil
	default:
		return nil, errors.Newf("unsupported value type for SQL parameter: %T", v)
	}
}
