package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/roach88/recsync/internal/compiler"
	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/transform"
)

// LocalStore is the local record store as the engine uses it.
// Implemented by *store.Store.
type LocalStore interface {
	DocType(ctx context.Context, name string) (ir.DocType, error)
	Query(ctx context.Context, q queryir.Select) ([]ir.Record, error)
	GetRecord(ctx context.Context, doctype, name string) (ir.Record, error)

	FindLink(ctx context.Context, doctype, keyField, remoteID string) (ir.Link, bool, error)
	LinkFor(ctx context.Context, doctype, name, keyField string) (ir.Link, bool, error)
	CreateLinked(ctx context.Context, doctype string, fields ir.IRObject, link ir.Link) (string, error)
	UpdateLinked(ctx context.Context, doctype, name string, fields ir.IRObject, link ir.Link) error
	Link(ctx context.Context, link ir.Link) error
	TouchLink(ctx context.Context, link ir.Link) error

	CreateRun(ctx context.Context, run ir.Run) error
	UpdateRun(ctx context.Context, run ir.Run) error
	AppendFailure(ctx context.Context, runID string, idx int, f ir.Failure) error
	AcquireLease(ctx context.Context, plan, connector, runID string, now time.Time) error
	ReleaseLease(ctx context.Context, plan, connector, runID string) error
}

var _ LocalStore = (*store.Store)(nil)

// Defaults for EngineOption values.
const (
	DefaultPageSize = 20
	DefaultMaxPages = 10000
	DefaultPrefetch = 2
)

// Engine runs plans from one set of definitions against one local store.
//
// Thread-safety: Run may be called from any goroutine. Runs of different
// (plan, connector) pairs proceed concurrently; a second run of the same
// pair is rejected with ErrRunInProgress.
type Engine struct {
	store     LocalStore
	defs      *ir.Definitions
	registry  *connector.Registry
	evaluator *transform.Evaluator
	validator *compiler.Validator
	ids       RunIDGenerator
	now       func() time.Time
	log       *zap.SugaredLogger
	guard     *runGuard

	pageSize int
	maxPages int
	prefetch int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. Default: no-op.
func WithLogger(log *zap.SugaredLogger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithRunIDs sets the run id generator. Default: UUIDv7Generator.
func WithRunIDs(gen RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = gen
	}
}

// WithNow sets the wall clock used for run timestamps and utils.now.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithPageSize sets the pull page size for mappings that do not set their
// own. Default: 20.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithMaxPages bounds the pages one pull mapping may fetch. A pull that
// exceeds it aborts the run. n <= 0 disables the limit. Default: 10000.
func WithMaxPages(n int) EngineOption {
	return func(e *Engine) {
		e.maxPages = n
	}
}

// WithPrefetch sets how many pull pages may be fetched ahead of the record
// being applied. Default: 2.
func WithPrefetch(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.prefetch = n
		}
	}
}

// WithEvaluator replaces the transform evaluator.
func WithEvaluator(ev *transform.Evaluator) EngineOption {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// New creates an Engine executing defs against st, opening connectors
// through reg.
func New(st LocalStore, defs *ir.Definitions, reg *connector.Registry, opts ...EngineOption) *Engine {
	if defs == nil {
		defs = ir.NewDefinitions()
	}
	e := &Engine{
		store:     st,
		defs:      defs,
		registry:  reg,
		evaluator: transform.New(nil),
		ids:       UUIDv7Generator{},
		now:       time.Now,
		log:       zap.NewNop().Sugar(),
		guard:     newRunGuard(),
		pageSize:  DefaultPageSize,
		maxPages:  DefaultMaxPages,
		prefetch:  DefaultPrefetch,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.validator = &compiler.Validator{Evaluator: e.evaluator, KnownTypes: reg.Has}
	return e
}

// Definitions returns the definitions the engine executes.
func (e *Engine) Definitions() *ir.Definitions {
	return e.defs
}

// Run executes a plan against a connector and returns the finished run.
//
// The returned error is non-nil only when the run could not start:
// ErrRunInProgress (no run is created), a *ConfigurationError (the run is
// returned Pending with Error set), or a store failure. A run that started
// always comes back terminal with a nil error; inspect Status, Counters,
// Failures and Error.
func (e *Engine) Run(ctx context.Context, planName, connectorName string) (*ir.Run, error) {
	key := runKey{plan: planName, connector: connectorName}
	if !e.guard.acquire(key) {
		return nil, errors.Wrapf(ErrRunInProgress, "plan %q on connector %q", planName, connectorName)
	}
	defer e.guard.release(key)

	id := e.ids.Generate()
	created := e.now().UTC()
	if err := e.store.AcquireLease(ctx, planName, connectorName, id, created); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, errors.Mark(errors.Wrap(err, "start run"), ErrRunInProgress)
		}
		return nil, errors.Wrap(err, "start run")
	}

	// Bookkeeping outlives cancellation: a cancelled run is still recorded.
	persist := context.WithoutCancel(ctx)
	defer func() {
		if err := e.store.ReleaseLease(persist, planName, connectorName, id); err != nil {
			e.log.Errorw("release lease failed", "run_id", id, "error", err)
		}
	}()

	run := &ir.Run{
		ID:        id,
		Plan:      planName,
		Connector: connectorName,
		Status:    ir.RunPending,
		Failures:  []ir.Failure{},
		CreatedAt: created,
	}
	if err := e.store.CreateRun(persist, *run); err != nil {
		return nil, errors.Wrap(err, "create run")
	}

	plan, mappings, cfg, err := e.prepare(ctx, planName, connectorName)
	if err != nil {
		run.Error = err.Error()
		if uerr := e.store.UpdateRun(persist, *run); uerr != nil {
			e.log.Errorw("persist run failed", "run_id", id, "error", uerr)
		}
		e.log.Warnw("run not started", "run_id", id, "plan", planName, "connector", connectorName, "error", err)
		return run, err
	}

	if run.PlanHash, err = ir.PlanHash(plan, mappings); err != nil {
		return run, errors.Wrap(err, "hash plan")
	}
	run.Status = ir.RunRunning
	run.StartedAt = e.now().UTC()
	if err := e.store.UpdateRun(persist, *run); err != nil {
		return run, errors.Wrap(err, "start run")
	}
	e.log.Infow("run started",
		"run_id", id,
		"plan", planName,
		"connector", connectorName,
		"mappings", len(mappings))

	rs := &runState{run: run, persist: persist}
	e.execute(ctx, rs, mappings, cfg)

	if run.Status != ir.RunFailed {
		run.Status = ir.RunSuccess
		if run.Counters.Failed > 0 {
			run.Status = ir.RunFailed
		}
	}
	run.FinishedAt = e.now().UTC()
	if err := e.store.UpdateRun(persist, *run); err != nil {
		e.log.Errorw("persist run failed", "run_id", id, "error", err)
	}

	e.log.Infow("run finished",
		"run_id", id,
		"status", run.Status,
		"push_insert", run.Counters.PushInsert,
		"push_update", run.Counters.PushUpdate,
		"pull_insert", run.Counters.PullInsert,
		"pull_update", run.Counters.PullUpdate,
		"skipped", run.Counters.Skipped,
		"fail_count", run.Counters.Failed,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

// runState is what one executing run shares across its mappings.
type runState struct {
	run     *ir.Run
	conn    connector.Connector
	persist context.Context
}

// execute opens the connector and runs each mapping in plan order. Any
// error returned by a mapping aborts the run.
func (e *Engine) execute(ctx context.Context, rs *runState, mappings []ir.Mapping, cfg ir.ConnectorConfig) {
	conn, err := e.registry.Open(ctx, cfg)
	if err != nil {
		e.abort(ctx, rs, err)
		return
	}
	rs.conn = conn
	defer func() {
		if err := conn.Close(); err != nil {
			e.log.Warnw("close connector failed", "run_id", rs.run.ID, "connector", cfg.Name, "error", err)
		}
	}()

	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			e.abort(ctx, rs, err)
			return
		}

		before := rs.run.Counters
		var err error
		switch m.Direction {
		case ir.Push:
			err = e.push(ctx, rs, m)
		case ir.Pull:
			err = e.pull(ctx, rs, m)
		}
		if uerr := e.store.UpdateRun(rs.persist, *rs.run); uerr != nil {
			e.log.Errorw("persist run failed", "run_id", rs.run.ID, "error", uerr)
		}

		done := rs.run.Counters
		e.log.Debugw("mapping finished",
			"run_id", rs.run.ID,
			"mapping", m.Name,
			"direction", m.Direction,
			"inserted", done.PushInsert+done.PullInsert-before.PushInsert-before.PullInsert,
			"updated", done.PushUpdate+done.PullUpdate-before.PushUpdate-before.PullUpdate,
			"skipped", done.Skipped-before.Skipped,
			"failed", done.Failed-before.Failed)

		if err != nil {
			e.abort(ctx, rs, err)
			return
		}
	}
}

// abort marks the run Failed with err as its error.
func (e *Engine) abort(ctx context.Context, rs *runState, err error) {
	rs.run.Status = ir.RunFailed
	if cerr := ctx.Err(); cerr != nil {
		rs.run.Error = "cancelled: " + cerr.Error()
		e.log.Warnw("run cancelled", "run_id", rs.run.ID, "error", cerr)
		return
	}
	rs.run.Error = err.Error()
	e.log.Errorw("run aborted", "run_id", rs.run.ID, "error", err)
}

// prepare resolves and validates everything the run needs before any
// record is touched. Validation problems come back as *ConfigurationError.
func (e *Engine) prepare(ctx context.Context, planName, connectorName string) (ir.Plan, []ir.Mapping, ir.ConnectorConfig, error) {
	plan, ok := e.defs.Plans[planName]
	if !ok {
		return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
			Code: ErrCodeUnknownPlan, Message: fmt.Sprintf("unknown plan %q", planName), Plan: planName,
		}
	}
	cfg, ok := e.defs.Connectors[connectorName]
	if !ok {
		return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
			Code: ErrCodeUnknownConnector, Message: fmt.Sprintf("unknown connector %q", connectorName), Plan: planName,
		}
	}
	if !e.registry.Has(cfg.Type) {
		return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
			Code:    ErrCodeConnectorType,
			Message: fmt.Sprintf("connector %s has unknown type %q", cfg.Name, cfg.Type),
			Plan:    planName,
			Details: []string{fmt.Sprintf("registered types: %v", e.registry.Types())},
		}
	}
	if errs := e.validator.ValidateConnector(cfg); len(errs) > 0 {
		return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
			Code: ErrCodeInvalidConnector, Message: fmt.Sprintf("connector %s is invalid", cfg.Name), Plan: planName, Details: details(errs),
		}
	}
	if errs := compiler.ValidatePlan(plan, e.defs.Mappings); len(errs) > 0 {
		return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
			Code: ErrCodeInvalidPlan, Message: "plan is invalid", Plan: planName, Details: details(errs),
		}
	}

	mappings := make([]ir.Mapping, 0, len(plan.Mappings))
	for _, name := range plan.Mappings {
		m := e.defs.Mappings[name]

		// The local schema is whatever the store declares, not what the
		// definitions directory says it should be.
		dt, err := e.store.DocType(ctx, m.LocalType)
		known := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return ir.Plan{}, nil, ir.ConnectorConfig{}, errors.Wrapf(err, "load doctype %s", m.LocalType)
		}
		lookup := func(n string) (ir.DocType, bool) {
			return dt, known && n == m.LocalType
		}
		if errs := e.validator.ValidateMapping(m, lookup); len(errs) > 0 {
			return ir.Plan{}, nil, ir.ConnectorConfig{}, &ConfigurationError{
				Code: ErrCodeInvalidMapping, Message: "mapping is invalid", Plan: planName, Mapping: name, Details: details(errs),
			}
		}
		mappings = append(mappings, m)
	}
	return plan, mappings, cfg, nil
}

func details(errs []compiler.ValidationError) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
