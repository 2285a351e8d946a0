package transform

import (
	"time"

	"github.com/roach88/recsync/internal/expr"
	"github.com/roach88/recsync/internal/ir"
)

// Env is the read-only context shared by every record of one mapping
// execution.
type Env struct {
	// Ctx is the pre_process result; empty when the mapping has none.
	Ctx ir.IRObject
	// Utils holds run-scoped values, see Utils.
	Utils ir.IRObject
}

// Evaluator applies mapping rules. It is safe for concurrent use.
type Evaluator struct {
	sandbox *expr.Sandbox
}

// New returns an evaluator backed by sb, or by a fresh sandbox when sb is nil.
func New(sb *expr.Sandbox) *Evaluator {
	if sb == nil {
		sb = expr.NewSandbox()
	}
	return &Evaluator{sandbox: sb}
}

// Sandbox returns the underlying expression sandbox.
func (e *Evaluator) Sandbox() *expr.Sandbox {
	return e.sandbox
}

// Map computes the target fields for one source record.
//
// For Push the source is the local record and targets are remote fields;
// for Pull the source is the remote record and targets are local fields.
func (e *Evaluator) Map(m ir.Mapping, source ir.IRObject, env Env) (ir.IRObject, error) {
	out := make(ir.IRObject, len(m.Fields))
	var scope expr.Scope
	for _, r := range m.Fields {
		target, rule := m.Target(r), m.Rule(r)
		kind, payload := ir.ClassifyRule(rule)
		switch kind {
		case ir.RuleExpression:
			if scope == nil {
				scope = e.recordScope(source, env)
			}
			v, err := e.sandbox.Eval(payload, scope)
			if err != nil {
				return nil, &TransformError{Mapping: m.Name, Field: target, Rule: rule, Err: err}
			}
			out[target] = v
		case ir.RuleLiteral:
			out[target] = ir.IRString(payload)
		default:
			v, ok := source[payload]
			if !ok || v == nil {
				v = ir.IRNull{}
			}
			out[target] = v
		}
	}
	return out, nil
}

// PreProcess evaluates the mapping's pre_process expression. The result
// becomes Env.Ctx for the mapping's records. Only utils is in scope.
func (e *Evaluator) PreProcess(m ir.Mapping, utils ir.IRObject) (ir.IRObject, error) {
	if m.PreProcess == "" {
		return ir.IRObject{}, nil
	}
	src := stripPrefix(m.PreProcess)
	obj, err := e.sandbox.EvalObject(src, expr.Scope{expr.ScopeUtils: orEmpty(utils)})
	if err != nil {
		return nil, &TransformError{Mapping: m.Name, Field: FieldPreProcess, Rule: m.PreProcess, Err: err}
	}
	return obj, nil
}

// Check verifies every expression on the mapping against the sandbox
// whitelist without evaluating anything.
func (e *Evaluator) Check(m ir.Mapping) error {
	if m.Condition != "" {
		if err := e.sandbox.Check(stripPrefix(m.Condition), expr.ScopeCtx, expr.ScopeUtils); err != nil {
			return &TransformError{Mapping: m.Name, Field: FieldCondition, Rule: m.Condition, Err: err}
		}
	}
	if m.PreProcess != "" {
		if err := e.sandbox.Check(stripPrefix(m.PreProcess), expr.ScopeUtils); err != nil {
			return &TransformError{Mapping: m.Name, Field: FieldPreProcess, Rule: m.PreProcess, Err: err}
		}
	}
	for _, r := range m.Fields {
		kind, payload := ir.ClassifyRule(m.Rule(r))
		if kind != ir.RuleExpression {
			continue
		}
		if err := e.sandbox.Check(payload, expr.ScopeDoc, expr.ScopeCtx, expr.ScopeUtils); err != nil {
			return &TransformError{Mapping: m.Name, Field: m.Target(r), Rule: m.Rule(r), Err: err}
		}
	}
	return nil
}

func (e *Evaluator) recordScope(source ir.IRObject, env Env) expr.Scope {
	return expr.Scope{
		expr.ScopeDoc:   orEmpty(source),
		expr.ScopeCtx:   orEmpty(env.Ctx),
		expr.ScopeUtils: orEmpty(env.Utils),
	}
}

// UtilsInput names the run-scoped values exposed as utils.
type UtilsInput struct {
	Now       time.Time
	RunID     string
	Plan      string
	Mapping   string
	Connector string
}

// Utils builds the utils object. Times are rendered in UTC.
func Utils(in UtilsInput) ir.IRObject {
	now := in.Now.UTC()
	return ir.IRObject{
		"now":       ir.IRString(now.Format("2006-01-02 15:04:05")),
		"now_iso":   ir.IRString(now.Format(time.RFC3339)),
		"today":     ir.IRString(now.Format("2006-01-02")),
		"run_id":    ir.IRString(in.RunID),
		"plan":      ir.IRString(in.Plan),
		"mapping":   ir.IRString(in.Mapping),
		"connector": ir.IRString(in.Connector),
	}
}

// LocalFields lists the local fields a push mapping reads: every plain
// field rule, the migration key field and name. Literal and expression
// rules contribute nothing, so records are loaded whole when any
// expression rule is present.
func LocalFields(m ir.Mapping) []string {
	seen := map[string]bool{ir.NameField: true}
	fields := []string{ir.NameField}
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, r := range m.Fields {
		kind, payload := ir.ClassifyRule(r.Local)
		switch kind {
		case ir.RuleExpression:
			return nil
		case ir.RuleField:
			add(payload)
		}
	}
	add(m.MigrationKeyField)
	if m.LocalPrimaryKey != "" {
		add(m.LocalPrimaryKey)
	}
	return fields
}

func stripPrefix(src string) string {
	kind, payload := ir.ClassifyRule(src)
	if kind == ir.RuleExpression {
		return payload
	}
	return src
}

func orEmpty(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return obj
}
