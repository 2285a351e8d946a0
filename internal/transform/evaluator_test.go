package transform

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/expr"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

func pushMapping(rules ...ir.FieldRule) ir.Mapping {
	return ir.Mapping{
		Name:              "todo_to_event",
		Direction:         ir.Push,
		LocalType:         "ToDo",
		RemoteObject:      "Event",
		MigrationKeyField: "todo_sync_id",
		Fields:            rules,
	}
}

func testEnv() Env {
	return Env{
		Ctx: ir.IRObject{"owner": ir.IRString("ops")},
		Utils: Utils(UtilsInput{
			Now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			RunID:     "run-1",
			Plan:      "todo_sync",
			Mapping:   "todo_to_event",
			Connector: "site_b",
		}),
	}
}

func TestMap_RulePrecedence(t *testing.T) {
	ev := New(nil)
	m := pushMapping(
		ir.FieldRule{Remote: "subject", Local: "description"},
		ir.FieldRule{Remote: "event_type", Local: `"Public"`},
		ir.FieldRule{Remote: "category", Local: `'Event'`},
		ir.FieldRule{Remote: "title", Local: `eval: strings.ToUpper(doc.description)`},
		ir.FieldRule{Remote: "owner", Local: "eval: ctx.owner"},
		ir.FieldRule{Remote: "synced_on", Local: "eval:utils.today"},
		ir.FieldRule{Remote: "starts_on", Local: "date"},
	)
	source := ir.IRObject{
		"name":        ir.IRString("todo-000001"),
		"description": ir.IRString("Data migration event"),
		"Public":      ir.IRString("must not be read"),
	}

	got, err := ev.Map(m, source, testEnv())
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"subject":    ir.IRString("Data migration event"),
		"event_type": ir.IRString("Public"),
		"category":   ir.IRString("Event"),
		"title":      ir.IRString("DATA MIGRATION EVENT"),
		"owner":      ir.IRString("ops"),
		"synced_on":  ir.IRString("2026-03-01"),
		"starts_on":  ir.IRNull{},
	}, got)
}

func TestMap_LiteralIgnoresSource(t *testing.T) {
	ev := New(nil)
	m := pushMapping(ir.FieldRule{Remote: "subject", Local: `"fixed"`})

	for _, source := range []ir.IRObject{
		{},
		{"subject": ir.IRString("other")},
		{"fixed": ir.IRString("field named fixed")},
	} {
		got, err := ev.Map(m, source, Env{})
		require.NoError(t, err)
		assert.Equal(t, ir.IRString("fixed"), got["subject"])
	}
}

func TestMap_PullReversesSides(t *testing.T) {
	ev := New(nil)
	m := ir.Mapping{
		Name:              "event_to_todo",
		Direction:         ir.Pull,
		LocalType:         "ToDo",
		RemoteObject:      "Event",
		MigrationKeyField: "todo_sync_id",
		Fields: []ir.FieldRule{
			{Remote: "subject", Local: "description"},
			{Remote: `"Open"`, Local: "status"},
		},
	}

	got, err := ev.Map(m, ir.IRObject{"name": ir.IRString("EV-1"), "subject": ir.IRString("X")}, Env{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"description": ir.IRString("X"),
		"status":      ir.IRString("Open"),
	}, got)
}

func TestMap_UnsafeExpression(t *testing.T) {
	ev := New(nil)
	m := pushMapping(ir.FieldRule{Remote: "subject", Local: `eval: os.Getenv("HOME")`})

	_, err := ev.Map(m, ir.IRObject{}, testEnv())
	require.Error(t, err)

	var te *TransformError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "todo_to_event", te.Mapping)
	assert.Equal(t, "subject", te.Field)

	var unsafe *expr.UnsafeExpressionError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, "os", unsafe.Identifier)
}

func TestMap_EvalFailureIsTransformError(t *testing.T) {
	ev := New(nil)
	m := pushMapping(ir.FieldRule{Remote: "subject", Local: "eval: doc.description + 1"})

	_, err := ev.Map(m, ir.IRObject{"description": ir.IRString("x")}, Env{})
	var te *TransformError
	require.True(t, errors.As(err, &te))
	var evalErr *expr.EvalError
	assert.True(t, errors.As(err, &evalErr))
}

func TestMap_Deterministic(t *testing.T) {
	ev := New(nil)
	m := pushMapping(
		ir.FieldRule{Remote: "subject", Local: "description"},
		ir.FieldRule{Remote: "stamp", Local: `eval: "\(utils.run_id)@\(utils.now)"`},
	)
	source := ir.IRObject{"description": ir.IRString("a")}

	first, err := ev.Map(m, source, testEnv())
	require.NoError(t, err)
	second, err := ev.Map(m, source, testEnv())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, ir.IRString("run-1@2026-03-01 09:00:00"), first["stamp"])
}

func TestPreProcess(t *testing.T) {
	ev := New(nil)

	m := pushMapping(ir.FieldRule{Remote: "subject", Local: "eval: ctx.prefix + doc.description"})
	m.PreProcess = `eval: {prefix: "[\(utils.plan)] "}`

	ctx, err := ev.PreProcess(m, testEnv().Utils)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"prefix": ir.IRString("[todo_sync] ")}, ctx)

	got, err := ev.Map(m, ir.IRObject{"description": ir.IRString("a")}, Env{Ctx: ctx})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("[todo_sync] a"), got["subject"])

	m.PreProcess = `"not a struct"`
	_, err = ev.PreProcess(m, nil)
	var te *TransformError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, FieldPreProcess, te.Field)

	m.PreProcess = ""
	ctx, err = ev.PreProcess(m, nil)
	require.NoError(t, err)
	assert.Empty(t, ctx)
}

func TestFilter(t *testing.T) {
	ev := New(nil)
	tests := []struct {
		name      string
		condition string
		want      queryir.Predicate
	}{
		{"none", "", nil},
		{"equality", `{"subject": "X"}`, queryir.Eq("subject", ir.IRString("X"))},
		{"prefixed", `eval: {status: "Open"}`, queryir.Eq("status", ir.IRString("Open"))},
		{"is set", `{todo_sync_id: ["is", "set"]}`, queryir.IsSet{Field: "todo_sync_id", Set: true}},
		{"not set", `{todo_sync_id: ["is", "not set"]}`, queryir.IsSet{Field: "todo_sync_id", Set: false}},
		{"null", `{closed_on: null}`, queryir.IsSet{Field: "closed_on", Set: false}},
		{"operator", `{priority: [">=", 2]}`, queryir.Compare{Field: "priority", Op: queryir.OpGe, Value: ir.IRInt(2)}},
		{"in", `{status: ["in", ["Open", "Hold"]]}`, queryir.Compare{
			Field: "status", Op: queryir.OpIn, Value: ir.IRArray{ir.IRString("Open"), ir.IRString("Hold")},
		}},
		{"uses utils", `{date: ["<=", utils.today]}`, queryir.Compare{Field: "date", Op: queryir.OpLe, Value: ir.IRString("2026-03-01")}},
		{"sorted conjunction", `{status: "Open", description: ["like", "%sync%"]}`, queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Field: "description", Op: queryir.OpLike, Value: ir.IRString("%sync%")},
			queryir.Eq("status", ir.IRString("Open")),
		}}},
		{"empty struct", `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := pushMapping()
			m.Condition = tt.condition
			got, err := ev.Filter(m, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_Rejects(t *testing.T) {
	ev := New(nil)
	for _, condition := range []string{
		`"Open"`,
		`{status: ["~", "Open"]}`,
		`{status: ["=", "Open", "x"]}`,
		`{status: ["is", "maybe"]}`,
		`{status: {nested: 1}}`,
		`{status: ["in", "Open"]}`,
		`{status: secret}`,
	} {
		m := pushMapping()
		m.Condition = condition
		_, err := ev.Filter(m, testEnv())
		var te *TransformError
		require.True(t, errors.As(err, &te), "condition %s: %v", condition, err)
		assert.Equal(t, FieldCondition, te.Field)
	}
}

func TestCheck(t *testing.T) {
	ev := New(nil)

	m := pushMapping(
		ir.FieldRule{Remote: "subject", Local: "eval: strings.TrimSpace(doc.description)"},
		ir.FieldRule{Remote: "kind", Local: `"Public"`},
	)
	m.Condition = `{status: ctx.status}`
	m.PreProcess = `{status: "Open"}`
	assert.NoError(t, ev.Check(m))

	// pre_process runs before any record, so doc is not in scope.
	m.PreProcess = `{status: doc.status}`
	assert.Error(t, ev.Check(m))

	m.PreProcess = ""
	m.Fields = append(m.Fields, ir.FieldRule{Remote: "x", Local: "eval: exec.Command"})
	var te *TransformError
	require.True(t, errors.As(ev.Check(m), &te))
	assert.Equal(t, "x", te.Field)
}

func TestLocalFields(t *testing.T) {
	m := pushMapping(
		ir.FieldRule{Remote: "subject", Local: "description"},
		ir.FieldRule{Remote: "kind", Local: `"Public"`},
		ir.FieldRule{Remote: "notes", Local: "description"},
	)
	m.LocalPrimaryKey = "code"
	assert.Equal(t, []string{"name", "description", "todo_sync_id", "code"}, LocalFields(m))

	m.Fields = append(m.Fields, ir.FieldRule{Remote: "title", Local: "eval: doc.status"})
	assert.Nil(t, LocalFields(m))
}

func TestUtils(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	u := Utils(UtilsInput{Now: time.Date(2026, 3, 1, 1, 30, 0, 0, loc), RunID: "r"})
	assert.Equal(t, ir.IRString("2026-02-28 23:30:00"), u["now"])
	assert.Equal(t, ir.IRString("2026-02-28T23:30:00Z"), u["now_iso"])
	assert.Equal(t, ir.IRString("2026-02-28"), u["today"])
	assert.Equal(t, ir.IRString("r"), u["run_id"])
}
