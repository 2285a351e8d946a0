package queryir

import "github.com/roach88/recsync/internal/ir"

// Predicate is a sealed filter node. Only Compare, IsSet and And implement it.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLike Op = "like"
	OpIn   Op = "in"
)

// ValidOps lists supported operators.
var ValidOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true,
	OpGt: true, OpGe: true, OpLike: true, OpIn: true,
}

// Compare tests a field against a literal.
//
// For OpIn the value must be an ir.IRArray. OpLike uses SQL LIKE patterns
// (% any run, _ one character) and is case-insensitive for ASCII.
type Compare struct {
	Field string
	Op    Op
	Value ir.IRValue
}

func (Compare) predicateNode() {}

// Eq is shorthand for Compare{Field, OpEq, Value}.
func Eq(field string, value ir.IRValue) Compare {
	return Compare{Field: field, Op: OpEq, Value: value}
}

// IsSet tests whether a field holds a non-null, non-empty value (Set=true),
// or the opposite (Set=false).
type IsSet struct {
	Field string
	Set   bool
}

func (IsSet) predicateNode() {}

// And is a conjunction. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// AllOf builds a conjunction, flattening nils and single-element results.
func AllOf(preds ...Predicate) Predicate {
	var out []Predicate
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return And{Predicates: out}
}

// Select reads records of one doctype.
//
// Fields restricts which fields are returned; empty means all. "name" is
// always returned. Limit <= 0 means no limit.
type Select struct {
	DocType string
	Filter  Predicate
	Fields  []string
	Offset  int
	Limit   int
}
