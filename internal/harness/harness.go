package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/roach88/recsync/internal/compiler"
	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/connector/local"
	"github.com/roach88/recsync/internal/connector/memory"
	"github.com/roach88/recsync/internal/engine"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/testutil"
)

// Harness executes one scenario against a fresh store and remote.
type Harness struct {
	store  *store.Store
	remote *memory.Connector
	engine *engine.Engine
	defs   *ir.Definitions
	log    *zap.SugaredLogger
}

// Option configures Run.
type Option func(*options)

type options struct {
	log   *zap.SugaredLogger
	start time.Time
}

// WithLogger sets the logger passed to the engine. The default discards.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithStart sets the instant the scenario clock starts at.
func WithStart(t time.Time) Option {
	return func(o *options) { o.start = t }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. The
// engine's clock ticks one second per read and run ids are sequential, so
// the same scenario always produces the same result.
//
// Execution flow:
// 1. Compile the definitions directory and register its doctypes
// 2. Seed local records and remote objects
// 3. Execute steps, checking run expectations
// 4. Snapshot final state and evaluate assertions
//
// An error is returned when the scenario cannot be executed at all;
// failed expectations and assertions are reported in Result.Errors.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(&o)
	}

	loaded, errs := compiler.LoadDir(scenario.Definitions, compiler.LoadModeCollectAll)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, errors.Newf("failed to load definitions: %s", strings.Join(msgs, "; "))
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create in-memory store")
	}
	defer st.Close()

	ctx := context.Background()
	for _, name := range sortedKeys(loaded.Definitions.DocTypes) {
		if err := st.PutDocType(ctx, loaded.Definitions.DocTypes[name]); err != nil {
			return nil, errors.Wrapf(err, "failed to register doctype %s", name)
		}
	}

	remote := memory.New()
	reg := connector.NewRegistry()
	remote.Register(reg)
	local.Register(reg, st)

	clock := testutil.NewStepClock(o.start, time.Second)
	h := &Harness{
		store:  st,
		remote: remote,
		defs:   loaded.Definitions,
		log:    o.log,
		engine: engine.New(st, loaded.Definitions, reg,
			engine.WithLogger(o.log),
			engine.WithNow(clock.Now),
			engine.WithRunIDs(testutil.NewSequentialRunIDs(scenario.RunPrefix)),
		),
	}

	if err := h.seed(ctx, scenario); err != nil {
		return nil, errors.Wrap(err, "failed to seed scenario")
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, errors.Wrap(err, "failed to execute steps")
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, errors.Wrap(err, "failed to snapshot state")
	}

	actx := &AssertionContext{Store: st, Remote: remote, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// seed writes the scenario's initial records. Types are seeded in name
// order so generated names do not depend on map iteration.
func (h *Harness) seed(ctx context.Context, scenario *Scenario) error {
	for _, doctype := range sortedKeys(scenario.Local) {
		if err := h.putLocal(ctx, doctype, scenario.Local[doctype]); err != nil {
			return err
		}
	}
	for _, object := range sortedKeys(scenario.Remote) {
		if err := h.putRemote(object, scenario.Remote[object]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) putLocal(ctx context.Context, doctype string, records []map[string]interface{}) error {
	for i, rec := range records {
		fields, err := convertToIRObject(rec)
		if err != nil {
			return errors.Wrapf(err, "local %s[%d]", doctype, i)
		}
		if _, err := h.store.InsertRecord(ctx, doctype, fields); err != nil {
			return errors.Wrapf(err, "local %s[%d]", doctype, i)
		}
	}
	return nil
}

func (h *Harness) putRemote(object string, records []map[string]interface{}) error {
	docs := make([]ir.IRObject, len(records))
	for i, rec := range records {
		doc, err := convertToIRObject(rec)
		if err != nil {
			return errors.Wrapf(err, "remote %s[%d]", object, i)
		}
		docs[i] = doc
	}
	h.remote.Seed(object, docs...)
	return nil
}

// executeSteps runs all steps in order. A run whose outcome differs from
// its expect clause is reported in result; the remaining steps still run.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		var err error
		switch {
		case step.Run != nil:
			err = h.executeRun(ctx, i, step.Run, result)
		case step.EditLocal != nil:
			err = h.editLocal(ctx, step.EditLocal)
		case step.EditRemote != nil:
			err = h.editRemote(ctx, step.EditRemote)
		case step.PutLocal != nil:
			err = h.putLocal(ctx, step.PutLocal.Type, step.PutLocal.Records)
		case step.PutRemote != nil:
			err = h.putRemote(step.PutRemote.Type, step.PutRemote.Records)
		}
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
	}
	return nil
}

func (h *Harness) executeRun(ctx context.Context, index int, step *RunStep, result *Result) error {
	run, err := h.engine.Run(ctx, step.Plan, step.Connector)
	if run == nil {
		// Rejected before a run existed, e.g. a lease conflict.
		return err
	}
	result.AddRun(run)

	h.log.Infow("scenario run finished",
		"step", index,
		"run_id", run.ID,
		"status", run.Status,
		"failures", len(run.Failures))

	if step.Expect == nil {
		return nil
	}
	for _, msg := range checkRun(run, step.Expect) {
		result.AddError(fmt.Sprintf("step %d (%s): %s", index, run.ID, msg))
	}
	return nil
}

// checkRun compares a finished run with its expectation.
func checkRun(run *ir.Run, expect *RunExpect) []string {
	var msgs []string
	if string(run.Status) != expect.Status {
		msgs = append(msgs, fmt.Sprintf("status = %s, expected %s (error: %q, failures: %v)",
			run.Status, expect.Status, run.Error, run.Failures))
	}
	actual := counterMap(run.Counters)
	for _, name := range sortedKeys(expect.Counters) {
		got, ok := actual[name]
		if !ok {
			msgs = append(msgs, fmt.Sprintf("unknown counter %q", name))
			continue
		}
		if got != expect.Counters[name] {
			msgs = append(msgs, fmt.Sprintf("counter %s = %d, expected %d", name, got, expect.Counters[name]))
		}
	}
	if expect.Error != "" && !strings.Contains(run.Error, expect.Error) {
		msgs = append(msgs, fmt.Sprintf("error %q does not contain %q", run.Error, expect.Error))
	}
	return msgs
}

// editLocal merges Set into every local record matching Where.
func (h *Harness) editLocal(ctx context.Context, edit *EditStep) error {
	filter, err := whereFilter(edit.Where)
	if err != nil {
		return err
	}
	set, err := convertToIRObject(edit.Set)
	if err != nil {
		return errors.Wrap(err, "set")
	}
	recs, err := h.store.Query(ctx, queryir.Select{DocType: edit.Type, Filter: filter})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return errors.Newf("edit_local: no %s matches %s", edit.Type, formatWhereClause(edit.Where))
	}
	for _, rec := range recs {
		if err := h.store.UpdateRecord(ctx, edit.Type, rec.Name, set); err != nil {
			return err
		}
	}
	return nil
}

// editRemote updates every remote object matching Where. The calls are
// dropped from the connector's call log.
func (h *Harness) editRemote(ctx context.Context, edit *EditStep) error {
	filter, err := whereFilter(edit.Where)
	if err != nil {
		return err
	}
	set, err := convertToIRObject(edit.Set)
	if err != nil {
		return errors.Wrap(err, "set")
	}
	matched := 0
	for _, doc := range h.remote.Objects(edit.Type) {
		if !queryir.Match(filter, doc) {
			continue
		}
		matched++
		if err := h.remote.Update(ctx, edit.Type, ir.AsString(doc.Get(ir.NameField)), set); err != nil {
			return err
		}
	}
	h.remote.ResetCalls()
	if matched == 0 {
		return errors.Newf("edit_remote: no %s matches %s", edit.Type, formatWhereClause(edit.Where))
	}
	return nil
}

// snapshot records the final state of both sides, ordered by name.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	for _, doctype := range sortedKeys(h.defs.DocTypes) {
		recs, err := h.store.Query(ctx, queryir.Select{DocType: doctype})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		docs := make([]ir.IRObject, len(recs))
		for i, rec := range recs {
			docs[i] = rec.Fields
		}
		result.Local[doctype] = sortByName(docs)
	}

	objects := map[string]bool{}
	for _, m := range h.defs.Mappings {
		objects[m.RemoteObject] = true
	}
	for _, object := range sortedKeys(objects) {
		docs := h.remote.Objects(object)
		if len(docs) == 0 {
			continue
		}
		result.Remote[object] = sortByName(docs)
	}
	return nil
}

func sortByName(docs []ir.IRObject) []ir.IRObject {
	sort.SliceStable(docs, func(i, j int) bool {
		return ir.AsString(docs[i].Get(ir.NameField)) < ir.AsString(docs[j].Get(ir.NameField))
	})
	return docs
}

// counterMap names counters the way runs report them.
func counterMap(c ir.Counters) map[string]int {
	return map[string]int{
		"push_insert": c.PushInsert,
		"push_update": c.PushUpdate,
		"pull_insert": c.PullInsert,
		"pull_update": c.PullUpdate,
		"skipped":     c.Skipped,
		"fail_count":  c.Failed,
	}
}

// whereFilter turns an exact-match map into a predicate. An empty map
// matches everything.
func whereFilter(where map[string]interface{}) (queryir.Predicate, error) {
	if len(where) == 0 {
		return nil, nil
	}
	preds := make([]queryir.Predicate, 0, len(where))
	for _, field := range sortedKeys(where) {
		v, err := convertToIRValue(where[field])
		if err != nil {
			return nil, errors.Wrapf(err, "where %q", field)
		}
		preds = append(preds, queryir.Eq(field, v))
	}
	return queryir.AllOf(preds...), nil
}

// convertToIRObject converts a YAML-parsed map to ir.IRObject.
func convertToIRObject(args map[string]interface{}) (ir.IRObject, error) {
	result := make(ir.IRObject, len(args))
	for key, val := range args {
		irVal, err := convertToIRValue(val)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", key)
		}
		result[key] = irVal
	}
	return result, nil
}

// convertToIRValue converts a YAML-parsed value to an IRValue. YAML null
// becomes IRNull; whole floats become integers.
func convertToIRValue(val interface{}) (ir.IRValue, error) {
	switch v := val.(type) {
	case map[interface{}]interface{}:
		obj := make(map[string]interface{}, len(v))
		for k, elem := range v {
			obj[fmt.Sprint(k)] = elem
		}
		return convertToIRObject(obj)
	case map[string]interface{}:
		return convertToIRObject(v)
	case []interface{}:
		arr := make(ir.IRArray, len(v))
		for i, elem := range v {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, errors.Wrapf(err, "array[%d]", i)
			}
			arr[i] = irElem
		}
		return arr, nil
	default:
		return ir.FromAny(val)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
