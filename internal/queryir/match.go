package queryir

import (
	"strings"

	"github.com/roach88/recsync/internal/ir"
)

// Match evaluates p against one record. A nil predicate matches everything.
// Callers should Validate first; invalid nodes never match.
func Match(p Predicate, rec ir.IRObject) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case And:
		for _, sub := range pred.Predicates {
			if !Match(sub, rec) {
				return false
			}
		}
		return true
	case IsSet:
		return !ir.IsEmpty(rec.Get(pred.Field)) == pred.Set
	case Compare:
		return matchCompare(pred, rec.Get(pred.Field))
	}
	return false
}

func matchCompare(c Compare, got ir.IRValue) bool {
	if _, isNull := got.(ir.IRNull); isNull {
		return false
	}
	switch c.Op {
	case OpEq:
		return ir.Equal(got, c.Value)
	case OpNe:
		return !ir.Equal(got, c.Value)
	case OpIn:
		list, _ := c.Value.(ir.IRArray)
		for _, v := range list {
			if ir.Equal(got, v) {
				return true
			}
		}
		return false
	case OpLike:
		pattern, ok := c.Value.(ir.IRString)
		if !ok {
			return false
		}
		return likeMatch(strings.ToLower(string(pattern)), strings.ToLower(ir.AsString(got)))
	}
	cmp, ok := ir.Compare(got, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// likeMatch implements SQL LIKE over runes: % matches any run, _ one rune.
func likeMatch(pattern, s string) bool {
	p, r := []rune(pattern), []rune(s)
	pi, ri := 0, 0
	star, mark := -1, 0
	for ri < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == r[ri]):
			pi++
			ri++
		case pi < len(p) && p[pi] == '%':
			star, mark = pi, ri
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ri = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}
