package transform

import "fmt"

// TransformError reports a rule, condition or pre_process expression that
// failed for one record. Err is typically an *expr.UnsafeExpressionError or
// an *expr.EvalError.
type TransformError struct {
	Mapping string
	Field   string // target field, "condition" or "pre_process"
	Rule    string
	Err     error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s.%s: %v", e.Mapping, e.Field, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Pseudo-field names used in TransformError for non-field expressions.
const (
	FieldCondition  = "condition"
	FieldPreProcess = "pre_process"
)
