package ir

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending RunStatus = "Pending"
	RunRunning RunStatus = "Running"
	RunSuccess RunStatus = "Success"
	RunFailed  RunStatus = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// CanTransition reports whether s -> next is a legal transition.
// Pending -> Running -> {Success, Failed}. Nothing leaves a terminal state.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning
	case RunRunning:
		return next == RunSuccess || next == RunFailed
	}
	return false
}

// Counters tally record outcomes for a run.
type Counters struct {
	PushInsert int `json:"push_insert"`
	PushUpdate int `json:"push_update"`
	PullInsert int `json:"pull_insert"`
	PullUpdate int `json:"pull_update"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"fail_count"`
}

// Add returns the sum of two counter sets.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		PushInsert: c.PushInsert + o.PushInsert,
		PushUpdate: c.PushUpdate + o.PushUpdate,
		PullInsert: c.PullInsert + o.PullInsert,
		PullUpdate: c.PullUpdate + o.PullUpdate,
		Skipped:    c.Skipped + o.Skipped,
		Failed:     c.Failed + o.Failed,
	}
}

// Failure is one record that could not be synchronized.
type Failure struct {
	Mapping   string `json:"mapping"`
	RecordRef string `json:"record_ref"`
	Message   string `json:"message"`
}

// Run is one execution of a plan against a connector.
// Error is set when the run aborted or never started.
type Run struct {
	ID         string    `json:"id"`
	Plan       string    `json:"plan"`
	Connector  string    `json:"connector"`
	PlanHash   string    `json:"plan_hash,omitempty"`
	Status     RunStatus `json:"status"`
	Counters   Counters  `json:"counters"`
	Failures   []Failure `json:"failures"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
