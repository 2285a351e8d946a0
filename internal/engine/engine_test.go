package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/connector/local"
	"github.com/roach88/recsync/internal/connector/memory"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const (
	testPlan      = "sync"
	testConnector = "remote"
	keyField      = "todo_sync_id"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.PutDocType(ctx, ir.DocType{Name: "ToDo", Fields: []string{"description", "status", "event_ref", keyField}}))
	require.NoError(t, st.PutDocType(ctx, ir.DocType{Name: "Event", Fields: []string{"subject", "starts_on", "label", "kind"}}))
	return st
}

func pushMapping() ir.Mapping {
	return ir.Mapping{
		Name:              "Todo to Event",
		Direction:         ir.Push,
		LocalType:         "ToDo",
		RemoteObject:      "Event",
		MigrationKeyField: keyField,
		Fields:            []ir.FieldRule{{Remote: "subject", Local: "description"}},
	}
}

func pullMapping() ir.Mapping {
	return ir.Mapping{
		Name:              "Event to ToDo",
		Direction:         ir.Pull,
		LocalType:         "ToDo",
		RemoteObject:      "Event",
		MigrationKeyField: keyField,
		Fields:            []ir.FieldRule{{Remote: "subject", Local: "description"}},
	}
}

// testDefs builds a plan "sync" running mappings in order, a memory
// connector "remote" and a local connector "site".
func testDefs(mappings ...ir.Mapping) *ir.Definitions {
	defs := ir.NewDefinitions()
	plan := ir.Plan{Name: testPlan}
	for _, m := range mappings {
		defs.Mappings[m.Name] = m
		plan.Mappings = append(plan.Mappings, m.Name)
	}
	defs.Plans[testPlan] = plan
	defs.Connectors[testConnector] = ir.ConnectorConfig{Name: testConnector, Type: memory.Type}
	defs.Connectors["site"] = ir.ConnectorConfig{Name: "site", Type: "frappe"}
	return defs
}

func newTestEngine(t *testing.T, st *store.Store, defs *ir.Definitions, mem *memory.Connector, opts ...EngineOption) *Engine {
	t.Helper()
	reg := connector.NewRegistry()
	if mem != nil {
		mem.Register(reg)
	}
	local.Register(reg, st)
	base := []EngineOption{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithNow(func() time.Time { return fixedNow }),
	}
	return New(st, defs, reg, append(base, opts...)...)
}

func insertToDo(t *testing.T, st *store.Store, description string) string {
	t.Helper()
	name, err := st.InsertRecord(context.Background(), "ToDo", ir.IRObject{
		"description": ir.IRString(description),
		"status":      ir.IRString("Open"),
	})
	require.NoError(t, err)
	return name
}

func getToDo(t *testing.T, st *store.Store, name string) ir.Record {
	t.Helper()
	rec, err := st.GetRecord(context.Background(), "ToDo", name)
	require.NoError(t, err)
	return rec
}

func allToDos(t *testing.T, st *store.Store) []ir.Record {
	t.Helper()
	recs, err := st.Query(context.Background(), queryir.Select{DocType: "ToDo"})
	require.NoError(t, err)
	return recs
}

func subjects(objs []ir.IRObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = ir.AsString(o.Get("subject"))
	}
	return out
}

func TestRun_FirstPushLinksEveryRecord(t *testing.T) {
	st := createTestStore(t)
	a := insertToDo(t, st, "write report")
	b := insertToDo(t, st, "book venue")
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(pushMapping()), mem, WithRunIDs(NewFixedGenerator("run-1")))

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, ir.RunSuccess, run.Status)
	assert.Equal(t, ir.Counters{PushInsert: 2}, run.Counters)
	assert.Empty(t, run.Failures)
	assert.Equal(t, fixedNow, run.StartedAt)
	assert.NotEmpty(t, run.PlanHash)

	events := mem.Objects("Event")
	assert.Equal(t, []string{"write report", "book venue"}, subjects(events))

	for i, name := range []string{a, b} {
		key, ok := getToDo(t, st, name).Fields.StringField(keyField)
		require.True(t, ok, "record %s should carry a migration key", name)
		assert.Equal(t, ir.AsString(events[i].Get("name")), key)

		link, found, err := st.LinkFor(context.Background(), "ToDo", name, keyField)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ir.Push, link.Direction)
		assert.Equal(t, "run-1", link.RunID)
	}
	assert.Equal(t, 1, mem.Closed(), "connector closed once")
}

func TestRun_RepushUpdatesInsteadOfInserting(t *testing.T) {
	st := createTestStore(t)
	a := insertToDo(t, st, "write report")
	insertToDo(t, st, "book venue")
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(pushMapping()), mem)

	_, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	keyBefore, _ := getToDo(t, st, a).Fields.StringField(keyField)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunSuccess, run.Status)
	assert.Equal(t, 0, run.Counters.PushInsert)
	assert.Equal(t, 2, run.Counters.PushUpdate)
	assert.Len(t, mem.Objects("Event"), 2)
	assert.Equal(t, 2, mem.CountCalls("insert"))

	keyAfter, _ := getToDo(t, st, a).Fields.StringField(keyField)
	assert.Equal(t, keyBefore, keyAfter, "migration key never changes once set")
}

func TestRun_SkipUnchanged(t *testing.T) {
	st := createTestStore(t)
	a := insertToDo(t, st, "write report")
	insertToDo(t, st, "book venue")
	m := pushMapping()
	m.SkipUnchanged = true
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(m), mem)

	_, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	mem.ResetCalls()

	require.NoError(t, st.UpdateRecord(context.Background(), "ToDo", a, ir.IRObject{"description": ir.IRString("write final report")}))

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.Counters{PushUpdate: 1, Skipped: 1}, run.Counters)
	assert.Equal(t, 1, mem.CountCalls("update"))
	assert.Equal(t, []string{"write final report", "book venue"}, subjects(mem.Objects("Event")))
}

func TestRun_PullCreatesOneRecordPerRemoteID(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	mem.Seed("Event",
		ir.IRObject{"name": ir.IRString("EV-1"), "subject": ir.IRString("X")},
		ir.IRObject{"name": ir.IRString("EV-2"), "subject": ir.IRString("Y")},
	)
	eng := newTestEngine(t, st, testDefs(pullMapping()), mem)

	first, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.Counters{PullInsert: 2}, first.Counters)

	second, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.Counters{PullUpdate: 2}, second.Counters)

	todos := allToDos(t, st)
	require.Len(t, todos, 2)
	keys := []string{}
	for _, rec := range todos {
		k, _ := rec.Fields.StringField(keyField)
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"EV-1", "EV-2"}, keys)
}

func TestRun_PullPagesUntilEmptyPage(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		mem.Seed("Event", ir.IRObject{"subject": ir.IRString(s)})
	}
	eng := newTestEngine(t, st, testDefs(pullMapping()), mem, WithPageSize(2), WithPrefetch(1))

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.Counters{PullInsert: 5}, run.Counters)
	// Pages of 2, 2, 1, then the empty page that ends the pull.
	assert.Equal(t, 4, mem.CountCalls("fetch"))

	var got []string
	for _, rec := range allToDos(t, st) {
		got = append(got, ir.AsString(rec.Fields.Get("description")))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got, "records applied in fetch order")
}

func TestRun_MappingPageSizeOverridesEngine(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	for _, s := range []string{"a", "b", "c"} {
		mem.Seed("Event", ir.IRObject{"subject": ir.IRString(s)})
	}
	m := pullMapping()
	m.PageSize = 3
	eng := newTestEngine(t, st, testDefs(m), mem, WithPageSize(1))

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, 3, run.Counters.PullInsert)
	assert.Equal(t, 2, mem.CountCalls("fetch"))
}

func TestRun_FieldRulePrecedence(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "write docs")
	m := pushMapping()
	m.Fields = []ir.FieldRule{
		{Remote: "subject", Local: "description"},
		{Remote: "kind", Local: `"fixed"`},
		{Remote: "label", Local: "eval: strings.ToUpper(doc.description)"},
		{Remote: "starts_on", Local: "eval: utils.now"},
		{Remote: "missing", Local: "status_note"},
	}
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(m), mem)

	// status_note is not on the doctype, so validation rejects the mapping.
	_, err := eng.Run(context.Background(), testPlan, testConnector)
	require.Error(t, err)

	m.Fields = m.Fields[:4]
	eng = newTestEngine(t, st, testDefs(m), mem)
	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	require.Equal(t, ir.RunSuccess, run.Status)

	events := mem.Objects("Event")
	require.Len(t, events, 1)
	assert.Equal(t, ir.IRString("write docs"), events[0]["subject"])
	assert.Equal(t, ir.IRString("fixed"), events[0]["kind"])
	assert.Equal(t, ir.IRString("WRITE DOCS"), events[0]["label"])
	assert.Equal(t, ir.IRString("2026-01-02 03:04:05"), events[0]["starts_on"])
}

func TestRun_PreProcessFeedsCtx(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "write docs")
	m := pushMapping()
	m.PreProcess = `eval: {prefix: "[" + utils.plan + "] "}`
	m.Fields = []ir.FieldRule{{Remote: "subject", Local: "eval: ctx.prefix + doc.description"}}
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(m), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	require.Equal(t, ir.RunSuccess, run.Status)

	assert.Equal(t, []string{"[sync] write docs"}, subjects(mem.Objects("Event")))
}

func TestRun_ConditionSelectsCandidates(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "open one")
	closed := insertToDo(t, st, "closed one")
	require.NoError(t, st.UpdateRecord(context.Background(), "ToDo", closed, ir.IRObject{"status": ir.IRString("Closed")}))

	m := pushMapping()
	m.Condition = `{"status": "Open"}`
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(m), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, 1, run.Counters.PushInsert)
	assert.Equal(t, []string{"open one"}, subjects(mem.Objects("Event")))
}

func TestRun_FailureIsolation(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "A")
	b := insertToDo(t, st, "B")
	insertToDo(t, st, "C")
	mem := memory.New()
	mem.Hooks.Insert = func(object string, fields ir.IRObject) error {
		if ir.AsString(fields.Get("subject")) == "B" {
			return &connector.RemoteWriteError{Object: object, Err: errors.New("subject rejected")}
		}
		return nil
	}
	eng := newTestEngine(t, st, testDefs(pushMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Equal(t, 2, run.Counters.PushInsert)
	assert.Equal(t, 1, run.Counters.Failed)
	assert.Empty(t, run.Error, "record failures do not abort the run")
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "Todo to Event", run.Failures[0].Mapping)
	assert.Equal(t, b, run.Failures[0].RecordRef)
	assert.Contains(t, run.Failures[0].Message, "subject rejected")
	assert.Equal(t, []string{"A", "C"}, subjects(mem.Objects("Event")))

	_, linked := getToDo(t, st, b).Fields.StringField(keyField)
	assert.False(t, linked, "failed record stays unlinked")

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, stored.Status)
	assert.Equal(t, run.Counters, stored.Counters)
	assert.Equal(t, run.Failures, stored.Failures)
}

func TestRun_TransformErrorIsRecordLevel(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "A")
	m := pushMapping()
	m.Fields = []ir.FieldRule{{Remote: "subject", Local: "eval: doc.no_such_field + 1"}}
	mem := memory.New()
	eng := newTestEngine(t, st, testDefs(m), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Equal(t, 1, run.Counters.Failed)
	assert.Equal(t, 0, mem.CountCalls("insert"))
}

func TestRun_FatalErrorAbortsRemainingMappings(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "A")
	mem := memory.New()
	mem.Hooks.Fetch = func(string, int) error {
		return connector.Fatal("fetch", errors.New("connection reset"))
	}
	eng := newTestEngine(t, st, testDefs(pullMapping(), pushMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Contains(t, run.Error, "connection reset")
	assert.Equal(t, 0, mem.CountCalls("insert"), "push mapping after the fatal error never runs")
	assert.Equal(t, 1, mem.Closed())
}

func TestRun_PlainFetchErrorIsFatal(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	mem.Hooks.Fetch = func(string, int) error { return errors.New("bad gateway") }
	eng := newTestEngine(t, st, testDefs(pullMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Contains(t, run.Error, "bad gateway")
	assert.Equal(t, 0, run.Counters.Failed)
}

func TestRun_NoDataEndsPull(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	mem.Hooks.Fetch = func(string, int) error { return connector.ErrNoData }
	eng := newTestEngine(t, st, testDefs(pullMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunSuccess, run.Status)
	assert.Equal(t, ir.Counters{}, run.Counters)
}

func TestRun_PageLimitAbortsRun(t *testing.T) {
	st := createTestStore(t)
	mem := memory.New()
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		mem.Seed("Event", ir.IRObject{"subject": ir.IRString(s)})
	}
	eng := newTestEngine(t, st, testDefs(pullMapping()), mem, WithPageSize(1), WithMaxPages(2))

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Contains(t, run.Error, "exceeded page limit")
	assert.Equal(t, 2, run.Counters.PullInsert, "pages within the limit are applied")
}

func TestRun_CancellationKeepsPartialCounts(t *testing.T) {
	st := createTestStore(t)
	for _, s := range []string{"A", "B", "C", "D"} {
		insertToDo(t, st, s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inserts := 0
	mem := memory.New()
	mem.Hooks.Insert = func(string, ir.IRObject) error {
		inserts++
		if inserts == 2 {
			cancel()
		}
		return nil
	}
	eng := newTestEngine(t, st, testDefs(pushMapping()), mem)

	run, err := eng.Run(ctx, testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, run.Status)
	assert.Contains(t, run.Error, "cancelled")
	assert.Equal(t, 2, run.Counters.PushInsert, "the record in flight completes")

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, stored.Status)
	assert.Equal(t, 2, stored.Counters.PushInsert)

	_, held, err := st.Lease(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.False(t, held, "lease released after cancellation")
}

func TestRun_RejectsLeaseHeldByAnotherProcess(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AcquireLease(ctx, testPlan, testConnector, "other-run", fixedNow))
	eng := newTestEngine(t, st, testDefs(pushMapping()), memory.New())

	run, err := eng.Run(ctx, testPlan, testConnector)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Nil(t, run)

	runs, err := st.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is created")

	require.NoError(t, st.ReleaseLease(ctx, testPlan, testConnector, "other-run"))
	run, err = eng.Run(ctx, testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.RunSuccess, run.Status)
}

func TestRun_RejectsConcurrentRunInProcess(t *testing.T) {
	st := createTestStore(t)
	insertToDo(t, st, "A")

	started := make(chan struct{})
	release := make(chan struct{})
	mem := memory.New()
	mem.Hooks.Insert = func(string, ir.IRObject) error {
		close(started)
		<-release
		return nil
	}
	defs := testDefs(pushMapping())
	defs.Mappings[pullMapping().Name] = pullMapping()
	defs.Plans["pull"] = ir.Plan{Name: "pull", Mappings: []string{pullMapping().Name}}
	eng := newTestEngine(t, st, defs, mem)

	type result struct {
		run *ir.Run
		err error
	}
	first := make(chan result, 1)
	go func() {
		run, err := eng.Run(context.Background(), testPlan, testConnector)
		first <- result{run, err}
	}()

	<-started
	_, err := eng.Run(context.Background(), testPlan, testConnector)
	assert.True(t, errors.Is(err, ErrRunInProgress))

	// A different (plan, connector) pair is not blocked.
	other, err := eng.Run(context.Background(), "pull", "site")
	require.NoError(t, err)
	assert.Equal(t, ir.RunSuccess, other.Status)

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, ir.RunSuccess, res.run.Status)
}

func TestRun_ConfigurationErrorsLeaveRunPending(t *testing.T) {
	unsafe := pushMapping()
	unsafe.Fields = []ir.FieldRule{{Remote: "subject", Local: `eval: exec("rm -rf /")`}}

	unknownType := pushMapping()
	unknownType.LocalType = "Note"

	tests := []struct {
		name      string
		defs      func() *ir.Definitions
		plan      string
		connector string
		code      ConfigErrorCode
	}{
		{
			name:      "unknown plan",
			defs:      func() *ir.Definitions { return testDefs(pushMapping()) },
			plan:      "nope",
			connector: testConnector,
			code:      ErrCodeUnknownPlan,
		},
		{
			name:      "unknown connector",
			defs:      func() *ir.Definitions { return testDefs(pushMapping()) },
			plan:      testPlan,
			connector: "nope",
			code:      ErrCodeUnknownConnector,
		},
		{
			name: "unregistered connector type",
			defs: func() *ir.Definitions {
				d := testDefs(pushMapping())
				d.Connectors["grpc"] = ir.ConnectorConfig{Name: "grpc", Type: "grpc"}
				return d
			},
			plan:      testPlan,
			connector: "grpc",
			code:      ErrCodeConnectorType,
		},
		{
			name: "negative rate limit",
			defs: func() *ir.Definitions {
				d := testDefs(pushMapping())
				d.Connectors["slow"] = ir.ConnectorConfig{Name: "slow", Type: memory.Type, RateLimit: -1}
				return d
			},
			plan:      testPlan,
			connector: "slow",
			code:      ErrCodeInvalidConnector,
		},
		{
			name: "plan names unknown mapping",
			defs: func() *ir.Definitions {
				d := testDefs(pushMapping())
				d.Plans[testPlan] = ir.Plan{Name: testPlan, Mappings: []string{"Todo to Event", "ghost"}}
				return d
			},
			plan:      testPlan,
			connector: testConnector,
			code:      ErrCodeInvalidPlan,
		},
		{
			name:      "unsafe expression",
			defs:      func() *ir.Definitions { return testDefs(unsafe) },
			plan:      testPlan,
			connector: testConnector,
			code:      ErrCodeInvalidMapping,
		},
		{
			name:      "doctype missing from store",
			defs:      func() *ir.Definitions { return testDefs(unknownType) },
			plan:      testPlan,
			connector: testConnector,
			code:      ErrCodeInvalidMapping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := createTestStore(t)
			insertToDo(t, st, "A")
			mem := memory.New()
			eng := newTestEngine(t, st, tt.defs(), mem)

			run, err := eng.Run(context.Background(), tt.plan, tt.connector)
			require.Error(t, err)

			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.code, ce.Code)

			require.NotNil(t, run)
			assert.Equal(t, ir.RunPending, run.Status)
			assert.Equal(t, err.Error(), run.Error)

			stored, err := st.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, ir.RunPending, stored.Status)
			assert.NotEmpty(t, stored.Error)

			assert.Empty(t, mem.Calls(), "no connector call before validation passes")
			_, held, err := st.Lease(context.Background(), tt.plan, tt.connector)
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestRun_PullCreatedRecordsAreNotPushedBack(t *testing.T) {
	// Plan order is pull then push on the same remote object. The pulled
	// record is visible to the push mapping but classified skipped.
	st := createTestStore(t)
	insertToDo(t, st, "local only")
	mem := memory.New()
	mem.Seed("Event", ir.IRObject{"name": ir.IRString("EV-1"), "subject": ir.IRString("from remote")})
	eng := newTestEngine(t, st, testDefs(pullMapping(), pushMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.RunSuccess, run.Status)
	assert.Equal(t, ir.Counters{PullInsert: 1, PushInsert: 1, Skipped: 1}, run.Counters)
	assert.Equal(t, 1, mem.CountCalls("insert"))
	assert.Equal(t, 0, mem.CountCalls("update"))
	assert.Equal(t, []string{"from remote", "local only"}, subjects(mem.Objects("Event")))
}

func TestRun_PushAdoptsExistingRemoteObject(t *testing.T) {
	st := createTestStore(t)
	a := insertToDo(t, st, "A")
	require.NoError(t, st.UpdateRecord(context.Background(), "ToDo", a, ir.IRObject{"event_ref": ir.IRString("EV-9")}))
	m := pushMapping()
	m.RemotePrimaryKey = "name"
	m.Fields = append(m.Fields, ir.FieldRule{Remote: "name", Local: "event_ref"})
	mem := memory.New()
	mem.Seed("Event", ir.IRObject{"name": ir.IRString("EV-9"), "subject": ir.IRString("old subject")})

	eng := newTestEngine(t, st, testDefs(m), mem)
	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.Counters{PushUpdate: 1}, run.Counters)
	assert.Equal(t, []string{"A"}, subjects(mem.Objects("Event")))
	key, _ := getToDo(t, st, a).Fields.StringField(keyField)
	assert.Equal(t, "EV-9", key)
}

func TestRun_PullAdoptsExistingLocalRecord(t *testing.T) {
	st := createTestStore(t)
	a := insertToDo(t, st, "X")
	m := pullMapping()
	m.LocalPrimaryKey = "description"
	mem := memory.New()
	mem.Seed("Event", ir.IRObject{"name": ir.IRString("EV-1"), "subject": ir.IRString("X")})

	eng := newTestEngine(t, st, testDefs(m), mem)
	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, ir.Counters{PullUpdate: 1}, run.Counters)
	require.Len(t, allToDos(t, st), 1)
	key, _ := getToDo(t, st, a).Fields.StringField(keyField)
	assert.Equal(t, "EV-1", key)
}

func TestRun_PullRecordWithoutIDFails(t *testing.T) {
	st := createTestStore(t)
	m := pullMapping()
	m.RemotePrimaryKey = "code"
	mem := memory.New()
	mem.Seed("Event",
		ir.IRObject{"code": ir.IRString("C-1"), "subject": ir.IRString("ok")},
		ir.IRObject{"subject": ir.IRString("no code")},
	)
	eng := newTestEngine(t, st, testDefs(m), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)

	assert.Equal(t, 1, run.Counters.PullInsert)
	assert.Equal(t, 1, run.Counters.Failed)
	require.Len(t, run.Failures, 1)
	assert.Equal(t, "Event#1", run.Failures[0].RecordRef)
}

func TestRun_EndToEndToDoEvent(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	todo := insertToDo(t, st, "Write quarterly report")
	_, err := st.InsertRecord(ctx, "Event", ir.IRObject{"subject": ir.IRString("Data migration event")})
	require.NoError(t, err)

	pull := pullMapping()
	pull.Condition = `{"subject": "Data migration event"}`
	eng := newTestEngine(t, st, testDefs(pushMapping(), pull), nil,
		WithRunIDs(NewFixedGenerator("run-1", "run-2")))

	first, err := eng.Run(ctx, testPlan, "site")
	require.NoError(t, err)
	require.Equal(t, ir.RunSuccess, first.Status, "failures: %v", first.Failures)
	assert.Equal(t, ir.Counters{PushInsert: 1, PullInsert: 1}, first.Counters)

	key, ok := getToDo(t, st, todo).Fields.StringField(keyField)
	require.True(t, ok)
	event, err := st.GetRecord(ctx, "Event", key)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Write quarterly report"), event.Fields["subject"])

	pulled, err := st.Query(ctx, queryir.Select{
		DocType: "ToDo",
		Filter:  queryir.Eq("description", ir.IRString("Data migration event")),
	})
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	require.NoError(t, st.UpdateRecord(ctx, "ToDo", todo, ir.IRObject{"description": ir.IRString("Write annual report")}))

	second, err := eng.Run(ctx, testPlan, "site")
	require.NoError(t, err)
	require.Equal(t, ir.RunSuccess, second.Status)
	assert.Equal(t, 1, second.Counters.PushUpdate)
	assert.Equal(t, 0, second.Counters.PushInsert)
	assert.Equal(t, 1, second.Counters.Skipped, "pulled ToDo is not pushed back")
	assert.Equal(t, 1, second.Counters.PullUpdate)
	assert.Equal(t, 0, second.Counters.PullInsert)

	event, err = st.GetRecord(ctx, "Event", key)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("Write annual report"), event.Fields["subject"])

	links, err := st.LinksForRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestRun_OpenFailureFailsRun(t *testing.T) {
	st := createTestStore(t)
	defs := testDefs(pushMapping())
	defs.Connectors["site"] = ir.ConnectorConfig{Name: "site", Type: "local", Endpoint: filepath.Join(t.TempDir(), "missing", "nested", "x.db")}
	eng := newTestEngine(t, st, defs, nil)

	run, err := eng.Run(context.Background(), testPlan, "site")
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestRun_ConditionFiltersPull(t *testing.T) {
	st := createTestStore(t)
	m := pullMapping()
	m.Condition = `{"subject": "X"}`
	mem := memory.New()
	mem.Seed("Event",
		ir.IRObject{"name": ir.IRString("EV-1"), "subject": ir.IRString("X")},
		ir.IRObject{"name": ir.IRString("EV-2"), "subject": ir.IRString("Y")},
	)
	eng := newTestEngine(t, st, testDefs(m), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	require.Equal(t, ir.RunSuccess, run.Status, "failures: %v", run.Failures)

	assert.Equal(t, ir.Counters{PullInsert: 1}, run.Counters)
	todos := allToDos(t, st)
	require.Len(t, todos, 1)
	assert.Equal(t, ir.IRString("X"), todos[0].Fields["description"])
}

// flakyLinkStore fails the first failures calls to Link.
type flakyLinkStore struct {
	*store.Store
	failures int
}

func (s *flakyLinkStore) Link(ctx context.Context, link ir.Link) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.Store.Link(ctx, link)
}

func newFlakyEngine(t *testing.T, st *flakyLinkStore, defs *ir.Definitions, mem *memory.Connector) *Engine {
	t.Helper()
	reg := connector.NewRegistry()
	mem.Register(reg)
	return New(st, defs, reg,
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithNow(func() time.Time { return fixedNow }))
}

func TestRun_LinkAfterInsertIsRetried(t *testing.T) {
	st := &flakyLinkStore{Store: createTestStore(t), failures: linkAttempts - 1}
	a := insertToDo(t, st.Store, "A")
	mem := memory.New()
	eng := newFlakyEngine(t, st, testDefs(pushMapping()), mem)

	run, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.RunSuccess, run.Status)
	assert.Equal(t, ir.Counters{PushInsert: 1}, run.Counters)

	_, found, err := st.LinkFor(context.Background(), "ToDo", a, keyField)
	require.NoError(t, err)
	assert.True(t, found)

	run, err = eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.Counters{PushUpdate: 1}, run.Counters)
	assert.Equal(t, 1, mem.CountCalls("insert"))
}

func TestRun_UnlinkedInsertIsAdoptedNextRun(t *testing.T) {
	st := &flakyLinkStore{Store: createTestStore(t), failures: linkAttempts}
	a := insertToDo(t, st.Store, "A")
	require.NoError(t, st.UpdateRecord(context.Background(), "ToDo", a, ir.IRObject{"event_ref": ir.IRString("EV-7")}))
	m := pushMapping()
	m.RemotePrimaryKey = "name"
	m.Fields = append(m.Fields, ir.FieldRule{Remote: "name", Local: "event_ref"})
	mem := memory.New()
	eng := newFlakyEngine(t, st, testDefs(m), mem)

	first, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, first.Status)
	require.Len(t, first.Failures, 1)
	assert.Contains(t, first.Failures[0].Message, "was inserted but not linked")
	require.Len(t, mem.Objects("Event"), 1)

	second, err := eng.Run(context.Background(), testPlan, testConnector)
	require.NoError(t, err)
	assert.Equal(t, ir.RunSuccess, second.Status)
	assert.Equal(t, ir.Counters{PushUpdate: 1}, second.Counters)
	assert.Equal(t, 1, mem.CountCalls("insert"), "the orphaned object is adopted, not inserted again")
	assert.Len(t, mem.Objects("Event"), 1)

	key, _ := getToDo(t, st.Store, a).Fields.StringField(keyField)
	assert.Equal(t, "EV-7", key)
}
