package expr

import "fmt"

// UnsafeExpressionError reports an identifier outside the sandbox's symbol set.
type UnsafeExpressionError struct {
	Expression string
	Identifier string
	Reason     string
}

func (e *UnsafeExpressionError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("unsafe expression %q: %s", e.Expression, e.Reason)
	}
	return fmt.Sprintf("unsafe expression %q: %s %q", e.Expression, e.Reason, e.Identifier)
}

// EvalError reports an expression that passed the sandbox check but failed
// to evaluate to a concrete value.
type EvalError struct {
	Expression string
	Err        error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expression, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}
