package expr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/ir"
)

func testScope() Scope {
	return Scope{
		ScopeDoc: ir.IRObject{
			"subject":   ir.IRString("Data migration event"),
			"priority":  ir.IRInt(3),
			"ratio":     ir.IRFloat(0.25),
			"tags":      ir.IRArray{ir.IRString("a"), ir.IRString("b")},
			"starts_on": ir.IRNull{},
			"odd-key":   ir.IRString("dash"),
		},
		ScopeCtx:   ir.IRObject{"prefix": ir.IRString("SYNC")},
		ScopeUtils: ir.IRObject{"now": ir.IRString("2026-03-01 09:00:00"), "run_id": ir.IRString("run-1")},
	}
}

func TestEval(t *testing.T) {
	sb := NewSandbox()
	tests := []struct {
		name string
		src  string
		want ir.IRValue
	}{
		{"field", "doc.subject", ir.IRString("Data migration event")},
		{"utils", "utils.now", ir.IRString("2026-03-01 09:00:00")},
		{"arithmetic", "doc.priority * 2", ir.IRInt(6)},
		{"float", "doc.ratio * 2", ir.IRFloat(0.5)},
		{"builtin package", "strings.ToUpper(doc.subject)", ir.IRString("DATA MIGRATION EVENT")},
		{"two packages", `strconv.FormatInt(len(strings.Split(doc.subject, " ")), 10)`, ir.IRString("3")},
		{"interpolation", `"\(ctx.prefix)-\(utils.run_id)"`, ir.IRString("SYNC-run-1")},
		{"predeclared", "div(7, 2)", ir.IRInt(3)},
		{"comprehension", "[for t in doc.tags {strings.ToUpper(t)}]", ir.IRArray{ir.IRString("A"), ir.IRString("B")}},
		{"struct labels", "{a: doc.priority, b: a + 1}.b", ir.IRInt(4)},
		{"null passes through", "doc.starts_on", ir.IRNull{}},
		{"index with odd key", `doc["odd-key"]`, ir.IRString("dash")},
		{"conditional struct", `{if doc.priority > 2 {level: "high"}}`, ir.IRObject{"level": ir.IRString("high")}},
		{"literal", `"Open"`, ir.IRString("Open")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sb.Eval(tt.src, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_RejectsUnknownIdentifiers(t *testing.T) {
	sb := NewSandbox()
	tests := []struct {
		name  string
		src   string
		ident string
	}{
		{"undeclared package", `exec.Run({cmd: "rm"})`, "exec"},
		{"os access", `os.Getenv("HOME")`, "os"},
		{"bare name", "secret", "secret"},
		{"reserved builtin", "__foo", "__foo"},
		{"definition", "#Secret", "#Secret"},
		{"inside interpolation", `"\(file.Read)"`, "file"},
		{"inside list", "[doc.subject, env]", "env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Eval(tt.src, testScope())
			require.Error(t, err)

			var unsafe *UnsafeExpressionError
			require.True(t, errors.As(err, &unsafe), "got %T: %v", err, err)
			assert.Equal(t, tt.ident, unsafe.Identifier)
		})
	}
}

func TestEval_RejectsUnparseable(t *testing.T) {
	sb := NewSandbox()
	for _, src := range []string{
		`import "tool/exec"`,
		"1)\nx: (2",
	} {
		_, err := sb.Eval(src, testScope())
		var unsafe *UnsafeExpressionError
		assert.True(t, errors.As(err, &unsafe), "source %q: %v", src, err)
	}
}

func TestEval_IncompleteIsEvalError(t *testing.T) {
	sb := NewSandbox()

	_, err := sb.Eval("doc.missing", testScope())
	require.Error(t, err)
	var evalErr *EvalError
	assert.True(t, errors.As(err, &evalErr))

	_, err = sb.Eval("doc.priority + doc.subject", testScope())
	assert.True(t, errors.As(err, &evalErr))
}

func TestEval_ScopeNamesAreChecked(t *testing.T) {
	sb := NewSandbox()

	// ctx is not bound here, so it is an unknown identifier.
	_, err := sb.Eval("ctx.prefix", Scope{ScopeDoc: ir.IRObject{}})
	var unsafe *UnsafeExpressionError
	require.True(t, errors.As(err, &unsafe))

	_, err = sb.Eval("1", Scope{"bad-name": ir.IRNull{}})
	assert.Error(t, err)
}

func TestEval_NoStateBetweenEvaluations(t *testing.T) {
	sb := NewSandbox()

	first, err := sb.Eval("doc.subject", Scope{ScopeDoc: ir.IRObject{"subject": ir.IRString("one")}})
	require.NoError(t, err)
	second, err := sb.Eval("doc.subject", Scope{ScopeDoc: ir.IRObject{"subject": ir.IRString("two")}})
	require.NoError(t, err)

	assert.Equal(t, ir.IRString("one"), first)
	assert.Equal(t, ir.IRString("two"), second)
}

func TestEvalObject(t *testing.T) {
	sb := NewSandbox()

	obj, err := sb.EvalObject(`{subject: doc.subject, todo_sync_id: ["is", "set"]}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Data migration event"), obj["subject"])

	_, err = sb.EvalObject(`"text"`, testScope())
	var evalErr *EvalError
	assert.True(t, errors.As(err, &evalErr))
	assert.Contains(t, err.Error(), "expected a struct, got string")
}

func TestCheck(t *testing.T) {
	sb := NewSandbox()
	assert.NoError(t, sb.Check("strings.TrimSpace(doc.subject)", ScopeDoc))
	assert.Error(t, sb.Check("utils.now", ScopeDoc))
	assert.NoError(t, sb.Check("utils.now", ScopeDoc, ScopeUtils))
}

func TestEval_MultiLineExpressions(t *testing.T) {
	sb := NewSandbox()

	got, err := sb.Eval("{\n\tsubject: doc.subject\n\tlevel:   doc.priority\n}", testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"subject": ir.IRString("Data migration event"), "level": ir.IRInt(3)}, got)

	got, err = sb.Eval(`{"subject": "X"}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"subject": ir.IRString("X")}, got)

	got, err = sb.Eval("doc.priority +\n\t1", testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(4), got)
}

func TestEval_LabelsAreScopedToTheirStruct(t *testing.T) {
	sb := NewSandbox()

	got, err := sb.Eval("{a: 1, inner: {b: a + 1}}.inner.b", testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), got)

	tests := []struct {
		name  string
		src   string
		ident string
	}{
		{"nested label used outside", "{x: {y: 1}, z: y}", "y"},
		{"comprehension variable after loop", "{l: [for v in doc.tags {v}], w: v}", "v"},
		{"let outside its struct", "{s: {let k = 1, a: k}, b: k}", "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Eval(tt.src, testScope())
			var unsafe *UnsafeExpressionError
			require.True(t, errors.As(err, &unsafe), "got %T: %v", err, err)
			assert.Equal(t, tt.ident, unsafe.Identifier)
		})
	}
}

func TestEval_OnlyListedPackages(t *testing.T) {
	sb := NewSandbox()

	_, err := sb.Eval("json.Marshal(doc)", testScope())
	var unsafe *UnsafeExpressionError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, "json", unsafe.Identifier)

	got, err := sb.Eval(`list.Contains(doc.tags, "b") && regexp.Match("^D", doc.subject)`, testScope())
	require.NoError(t, err)
	assert.Equal(t, ir.IRBool(true), got)
}
