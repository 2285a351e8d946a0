package harness

import "github.com/roach88/recsync/internal/ir"

// RunReport is the deterministic part of one finished run: everything
// except the plan hash and timestamps.
type RunReport struct {
	ID        string       `json:"id"`
	Plan      string       `json:"plan"`
	Connector string       `json:"connector"`
	Status    ir.RunStatus `json:"status"`
	Counters  ir.Counters  `json:"counters"`
	Failures  []ir.Failure `json:"failures"`
	Error     string       `json:"error,omitempty"`
}

func reportRun(run *ir.Run) RunReport {
	failures := run.Failures
	if failures == nil {
		failures = []ir.Failure{}
	}
	return RunReport{
		ID:        run.ID,
		Plan:      run.Plan,
		Connector: run.Connector,
		Status:    run.Status,
		Counters:  run.Counters,
		Failures:  failures,
		Error:     run.Error,
	}
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every run expectation and assertion held.
	Pass bool `json:"pass"`

	// Runs holds one report per run step, in order.
	Runs []RunReport `json:"runs"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Local is the final local state: doctype -> records ordered by name.
	Local map[string][]ir.IRObject `json:"local"`

	// Remote is the final remote state: object -> objects ordered by name.
	Remote map[string][]ir.IRObject `json:"remote"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Runs:   []RunReport{},
		Errors: []string{},
		Local:  map[string][]ir.IRObject{},
		Remote: map[string][]ir.IRObject{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddRun appends a run report.
func (r *Result) AddRun(run *ir.Run) {
	r.Runs = append(r.Runs, reportRun(run))
}
