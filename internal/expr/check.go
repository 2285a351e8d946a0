package expr

import (
	"sort"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/parser"
)

// builtinPackages maps the identifier an expression uses to the import path.
var builtinPackages = map[string]string{
	"strings": "strings",
	"strconv": "strconv",
	"list":    "list",
	"math":    "math",
	"regexp":  "regexp",
	"time":    "time",
}

var predeclared = map[string]bool{
	"_": true,
	"len": true, "close": true, "and": true, "or": true,
	"div": true, "mod": true, "quo": true, "rem": true,
	"int": true, "float": true, "number": true, "string": true, "bytes": true, "bool": true,
	"null": true, "true": true, "false": true,
}

// program is a parsed expression that passed the check.
type program struct {
	source  string
	expr    ast.Expr
	imports []string // identifiers from builtinPackages, sorted
}

// compile parses src and verifies every identifier it references.
// scopeNames are the names the caller will bind at evaluation time.
func compile(src string, scopeNames map[string]bool) (*program, error) {
	e, err := parser.ParseExpr("expression", src)
	if err != nil {
		return nil, &UnsafeExpressionError{Expression: src, Reason: "does not parse: " + err.Error()}
	}

	c := &checker{src: src, used: map[string]bool{}}
	c.walk(e, &env{names: scopeNames})
	if c.violation != nil {
		return nil, c.violation
	}

	imports := make([]string, 0, len(c.used))
	for name := range c.used {
		imports = append(imports, name)
	}
	sort.Strings(imports)
	return &program{source: src, expr: e, imports: imports}, nil
}

// env is one lexical scope. Struct labels are visible in their own struct
// and nested ones; comprehension and let names in what follows them.
type env struct {
	names  map[string]bool
	parent *env
}

func (e *env) with(names map[string]bool) *env {
	if len(names) == 0 {
		return e
	}
	return &env{names: names, parent: e}
}

func (e *env) has(name string) bool {
	for ; e != nil; e = e.parent {
		if e.names[name] {
			return true
		}
	}
	return false
}

type checker struct {
	src       string
	used      map[string]bool
	violation *UnsafeExpressionError
}

func (c *checker) walk(n ast.Node, e *env) {
	if n == nil || c.violation != nil {
		return
	}
	ast.Walk(n, func(n ast.Node) bool { return c.visit(n, e) }, nil)
}

func (c *checker) visit(n ast.Node, e *env) bool {
	if c.violation != nil {
		return false
	}
	switch n := n.(type) {
	case *ast.Ident:
		switch {
		case e.has(n.Name), predeclared[n.Name]:
		case builtinPackages[n.Name] != "":
			c.used[n.Name] = true
		default:
			c.violation = &UnsafeExpressionError{Expression: c.src, Identifier: n.Name, Reason: "unknown identifier"}
		}
		return false
	case *ast.SelectorExpr:
		// Only the root of a selector chain is a reference.
		c.walk(n.X, e)
		return false
	case *ast.StructLit:
		inner := e.with(structNames(n.Elts))
		for _, d := range n.Elts {
			c.walk(d, inner)
		}
		return false
	case *ast.Field:
		switch n.Label.(type) {
		case *ast.Ident, *ast.BasicLit, *ast.Alias:
		default:
			c.walk(n.Label, e)
		}
		c.walk(n.Value, e)
		return false
	case *ast.Alias:
		c.walk(n.Expr, e.with(map[string]bool{n.Ident.Name: true}))
		return false
	case *ast.LetClause:
		c.walk(n.Expr, e)
		return false
	case *ast.Comprehension:
		inner := e
		for _, cl := range n.Clauses {
			switch cl := cl.(type) {
			case *ast.ForClause:
				c.walk(cl.Source, inner)
				names := map[string]bool{}
				if cl.Key != nil {
					names[cl.Key.Name] = true
				}
				if cl.Value != nil {
					names[cl.Value.Name] = true
				}
				inner = inner.with(names)
			case *ast.LetClause:
				c.walk(cl.Expr, inner)
				inner = inner.with(map[string]bool{cl.Ident.Name: true})
			default:
				c.walk(cl, inner)
			}
		}
		c.walk(n.Value, inner)
		return false
	case *ast.ImportDecl, *ast.ImportSpec, *ast.Package:
		c.violation = &UnsafeExpressionError{Expression: c.src, Reason: "imports are not allowed"}
		return false
	case *ast.Attribute:
		c.violation = &UnsafeExpressionError{Expression: c.src, Identifier: n.Text, Reason: "attributes are not allowed"}
		return false
	}
	return true
}

// structNames collects the names a struct binds for its own body: field
// labels, label aliases and let names.
func structNames(decls []ast.Decl) map[string]bool {
	names := map[string]bool{}
	for _, d := range decls {
		switch d := d.(type) {
		case *ast.Field:
			switch l := d.Label.(type) {
			case *ast.Ident:
				names[l.Name] = true
			case *ast.Alias:
				names[l.Ident.Name] = true
				if id, ok := l.Expr.(*ast.Ident); ok {
					names[id.Name] = true
				}
			}
		case *ast.LetClause:
			names[d.Ident.Name] = true
		}
	}
	return names
}
