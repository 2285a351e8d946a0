package queryir

import (
	"fmt"
	"regexp"

	"github.com/roach88/recsync/internal/ir"
)

// fieldPattern limits field names to what can be spliced into a JSON path.
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidField reports whether name is a usable field name.
func ValidField(name string) bool {
	return fieldPattern.MatchString(name)
}

// ValidationError describes one problem in a predicate or select.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a predicate tree and returns every problem found.
// A nil predicate is valid.
func Validate(p Predicate) []ValidationError {
	var errs []ValidationError
	validatePredicate(p, &errs)
	return errs
}

// ValidateSelect checks the select and its filter.
func ValidateSelect(q Select) []ValidationError {
	var errs []ValidationError
	if q.DocType == "" {
		errs = append(errs, ValidationError{Message: "doctype is required"})
	}
	for _, f := range q.Fields {
		if !ValidField(f) {
			errs = append(errs, ValidationError{Field: f, Message: "invalid field name"})
		}
	}
	if q.Offset < 0 {
		errs = append(errs, ValidationError{Message: "offset must not be negative"})
	}
	validatePredicate(q.Filter, &errs)
	return errs
}

func validatePredicate(p Predicate, errs *[]ValidationError) {
	switch pred := p.(type) {
	case nil:
	case Compare:
		if !ValidField(pred.Field) {
			*errs = append(*errs, ValidationError{Field: pred.Field, Message: "invalid field name"})
		}
		if !ValidOps[pred.Op] {
			*errs = append(*errs, ValidationError{Field: pred.Field, Message: fmt.Sprintf("unknown operator %q", pred.Op)})
			return
		}
		validateOperand(pred, errs)
	case IsSet:
		if !ValidField(pred.Field) {
			*errs = append(*errs, ValidationError{Field: pred.Field, Message: "invalid field name"})
		}
	case And:
		for _, sub := range pred.Predicates {
			validatePredicate(sub, errs)
		}
	default:
		*errs = append(*errs, ValidationError{Message: fmt.Sprintf("unsupported predicate type %T", p)})
	}
}

func validateOperand(c Compare, errs *[]ValidationError) {
	switch v := c.Value.(type) {
	case ir.IRArray:
		if c.Op != OpIn {
			*errs = append(*errs, ValidationError{Field: c.Field, Message: "list operand requires \"in\""})
			return
		}
		for _, elem := range v {
			if !isScalar(elem) {
				*errs = append(*errs, ValidationError{Field: c.Field, Message: "\"in\" list must contain scalars"})
				return
			}
		}
	case ir.IRObject:
		*errs = append(*errs, ValidationError{Field: c.Field, Message: "object operand not supported"})
	case nil, ir.IRNull:
		*errs = append(*errs, ValidationError{Field: c.Field, Message: "null operand not supported, use IsSet"})
	default:
		if c.Op == OpIn {
			*errs = append(*errs, ValidationError{Field: c.Field, Message: "\"in\" requires a list operand"})
		}
		if c.Op == OpLike {
			if _, ok := v.(ir.IRString); !ok {
				*errs = append(*errs, ValidationError{Field: c.Field, Message: "\"like\" requires a string operand"})
			}
		}
	}
}

func isScalar(v ir.IRValue) bool {
	switch v.(type) {
	case ir.IRString, ir.IRInt, ir.IRFloat, ir.IRBool:
		return true
	}
	return false
}
