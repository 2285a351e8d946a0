package transform

import (
	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/expr"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// Filter evaluates the mapping's condition into a predicate. A mapping
// without a condition yields nil, which matches everything.
//
// The condition must evaluate to a struct. Each entry constrains one field:
//
//	{status: "Open"}                  status = "Open"
//	{priority: [">=", 2]}             priority >= 2
//	{subject: ["like", "%sync%"]}     case-insensitive pattern
//	{status: ["in", ["Open", "Hold"]]}
//	{todo_sync_id: ["is", "set"]}     also "not set"
//	{closed_on: null}                 same as "not set"
//
// Entries are combined with AND in field name order.
func (e *Evaluator) Filter(m ir.Mapping, env Env) (queryir.Predicate, error) {
	if m.Condition == "" {
		return nil, nil
	}
	wrap := func(err error) error {
		return &TransformError{Mapping: m.Name, Field: FieldCondition, Rule: m.Condition, Err: err}
	}

	obj, err := e.sandbox.EvalObject(stripPrefix(m.Condition), expr.Scope{
		expr.ScopeCtx:   orEmpty(env.Ctx),
		expr.ScopeUtils: orEmpty(env.Utils),
	})
	if err != nil {
		return nil, wrap(err)
	}

	preds := make([]queryir.Predicate, 0, len(obj))
	for _, field := range obj.SortedKeys() {
		p, err := fieldPredicate(field, obj[field])
		if err != nil {
			return nil, wrap(err)
		}
		preds = append(preds, p)
	}
	if len(preds) == 0 {
		return nil, nil
	}
	pred := queryir.AllOf(preds...)
	if errs := queryir.Validate(pred); len(errs) > 0 {
		return nil, wrap(errs[0])
	}
	return pred, nil
}

func fieldPredicate(field string, v ir.IRValue) (queryir.Predicate, error) {
	switch val := v.(type) {
	case ir.IRNull:
		return queryir.IsSet{Field: field, Set: false}, nil
	case ir.IRObject:
		return nil, errors.Newf("condition on %s: nested objects are not supported", field)
	case ir.IRArray:
		if len(val) != 2 {
			return nil, errors.Newf("condition on %s: expected [operator, value], got %d elements", field, len(val))
		}
		opText, ok := val[0].(ir.IRString)
		if !ok {
			return nil, errors.Newf("condition on %s: operator must be a string", field)
		}
		if opText == "is" {
			switch ir.AsString(val[1]) {
			case "set":
				return queryir.IsSet{Field: field, Set: true}, nil
			case "not set":
				return queryir.IsSet{Field: field, Set: false}, nil
			}
			return nil, errors.Newf(`condition on %s: "is" takes "set" or "not set"`, field)
		}
		op := queryir.Op(opText)
		if !queryir.ValidOps[op] {
			return nil, errors.Newf("condition on %s: unknown operator %q", field, string(opText))
		}
		return queryir.Compare{Field: field, Op: op, Value: val[1]}, nil
	}
	return queryir.Eq(field, v), nil
}
