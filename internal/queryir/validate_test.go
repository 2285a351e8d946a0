package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/ir"
)

func TestValidateAcceptsWellFormed(t *testing.T) {
	p := And{Predicates: []Predicate{
		Eq("subject", ir.IRString("x")),
		Compare{Field: "priority", Op: OpIn, Value: ir.IRArray{ir.IRInt(1), ir.IRInt(2)}},
		IsSet{Field: "todo_sync_id", Set: true},
	}}
	assert.Empty(t, Validate(p))
	assert.Empty(t, Validate(nil))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
		msg  string
	}{
		{"injection in field", Eq("a') OR 1=1 --", ir.IRInt(1)), "invalid field name"},
		{"unknown op", Compare{Field: "a", Op: "~", Value: ir.IRInt(1)}, "unknown operator"},
		{"null operand", Compare{Field: "a", Op: OpEq, Value: ir.IRNull{}}, "use IsSet"},
		{"in needs list", Compare{Field: "a", Op: OpIn, Value: ir.IRInt(1)}, "requires a list"},
		{"list needs in", Compare{Field: "a", Op: OpEq, Value: ir.IRArray{ir.IRInt(1)}}, "requires \"in\""},
		{"nested list", Compare{Field: "a", Op: OpIn, Value: ir.IRArray{ir.IRArray{}}}, "scalars"},
		{"like needs string", Compare{Field: "a", Op: OpLike, Value: ir.IRInt(1)}, "string operand"},
		{"object operand", Compare{Field: "a", Op: OpEq, Value: ir.IRObject{}}, "object operand"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.pred)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Error(), tt.msg)
		})
	}
}

func TestValidateSelect(t *testing.T) {
	errs := ValidateSelect(Select{Fields: []string{"ok", "bad field"}, Offset: -1})
	require.Len(t, errs, 3)
	assert.Equal(t, "doctype is required", errs[0].Message)
	assert.Equal(t, "bad field", errs[1].Field)
	assert.Contains(t, errs[2].Message, "offset")
}
