package expr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/format"
	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

// Scope binds top-level names for one evaluation, typically doc, ctx and utils.
type Scope map[string]ir.IRValue

// Standard scope names.
const (
	ScopeDoc   = "doc"
	ScopeCtx   = "ctx"
	ScopeUtils = "utils"
)

// resultLabel holds the expression's value in the generated instance.
const resultLabel = "recsync_result_"

var scopeNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Sandbox evaluates expressions. It caches checked programs by source text.
// Safe for concurrent use; evaluations are serialized.
type Sandbox struct {
	mu    sync.Mutex
	cue   *cue.Context
	cache map[string]*program
}

// NewSandbox creates a sandbox with its own CUE runtime.
func NewSandbox() *Sandbox {
	return &Sandbox{
		cue:   cuecontext.New(),
		cache: map[string]*program{},
	}
}

// Check verifies that src parses and references only allowed identifiers,
// given the scope names that will be bound. It does not evaluate.
func (s *Sandbox) Check(src string, scopeNames ...string) error {
	names := map[string]bool{}
	for _, n := range scopeNames {
		names[n] = true
	}
	_, err := compile(src, names)
	return err
}

// Eval evaluates src against scope and returns a concrete value.
func (s *Sandbox) Eval(src string, scope Scope) (ir.IRValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prog, err := s.program(src, scope)
	if err != nil {
		return nil, err
	}

	file, err := render(prog, scope)
	if err != nil {
		return nil, &EvalError{Expression: src, Err: err}
	}

	v := s.cue.CompileString(file, cue.Filename("expression"))
	if err := v.Err(); err != nil {
		return nil, &EvalError{Expression: src, Err: err}
	}
	res := v.LookupPath(cue.ParsePath(resultLabel))
	if err := res.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, &EvalError{Expression: src, Err: err}
	}
	data, err := res.MarshalJSON()
	if err != nil {
		return nil, &EvalError{Expression: src, Err: err}
	}
	out, err := ir.ParseJSON(data)
	if err != nil {
		return nil, &EvalError{Expression: src, Err: err}
	}
	return out, nil
}

// EvalObject is Eval for expressions that must produce a struct.
func (s *Sandbox) EvalObject(src string, scope Scope) (ir.IRObject, error) {
	v, err := s.Eval(src, scope)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, &EvalError{Expression: src, Err: errors.Newf("expected a struct, got %s", kindOf(v))}
	}
	return obj, nil
}

// program returns the checked program for src. The cache key includes the
// scope names, since a name may be allowed under one scope and not another.
func (s *Sandbox) program(src string, scope Scope) (*program, error) {
	names := make(map[string]bool, len(scope))
	keys := make([]string, 0, len(scope))
	for name := range scope {
		if !scopeNamePattern.MatchString(name) || name == resultLabel {
			return nil, errors.Newf("invalid scope name %q", name)
		}
		names[name] = true
		keys = append(keys, name)
	}
	sort.Strings(keys)
	key := strings.Join(keys, ",") + "\x00" + src

	if p, ok := s.cache[key]; ok {
		return p, nil
	}
	p, err := compile(src, names)
	if err != nil {
		return nil, err
	}
	s.cache[key] = p
	return p, nil
}

// render produces a self-contained CUE file: imports, the scope as JSON
// literals, and the formatted expression under resultLabel.
func render(p *program, scope Scope) (string, error) {
	var b strings.Builder
	if len(p.imports) > 0 {
		b.WriteString("import (\n")
		for _, name := range p.imports {
			fmt.Fprintf(&b, "\t%s %q\n", name, builtinPackages[name])
		}
		b.WriteString(")\n\n")
	}

	names := make([]string, 0, len(scope))
	for name := range scope {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := ir.MarshalIRValue(scope[name])
		if err != nil {
			return "", errors.Wrapf(err, "scope %s", name)
		}
		fmt.Fprintf(&b, "%s: %s\n", name, data)
	}

	body, err := format.Node(p.expr)
	if err != nil {
		return "", errors.Wrap(err, "format expression")
	}
	fmt.Fprintf(&b, "%s: (%s)\n", resultLabel, body)
	return b.String(), nil
}

func kindOf(v ir.IRValue) string {
	switch v.(type) {
	case ir.IRNull:
		return "null"
	case ir.IRString:
		return "string"
	case ir.IRInt, ir.IRFloat:
		return "number"
	case ir.IRBool:
		return "bool"
	case ir.IRArray:
		return "list"
	}
	return "struct"
}
