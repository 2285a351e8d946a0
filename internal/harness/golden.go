package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/recsync/internal/ir"
)

// Snapshot captures the deterministic outcome of a scenario: its runs and
// the final state of both sides. It is serialized as canonical JSON.
type Snapshot struct {
	ScenarioName string
	Runs         []RunReport
	Local        map[string][]ir.IRObject
	Remote       map[string][]ir.IRObject
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName: name,
		Runs:         result.Runs,
		Local:        result.Local,
		Remote:       result.Remote,
	}
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// Failure messages are left out; they carry wrapped driver errors whose
// wording is not part of the contract.
func (s Snapshot) toCanonicalMap() map[string]any {
	runs := make([]any, len(s.Runs))
	for i, run := range s.Runs {
		counters := map[string]any{}
		for name, n := range counterMap(run.Counters) {
			counters[name] = n
		}
		failures := make([]any, len(run.Failures))
		for j, f := range run.Failures {
			failures[j] = map[string]any{
				"mapping":    f.Mapping,
				"record_ref": f.RecordRef,
			}
		}
		entry := map[string]any{
			"id":        run.ID,
			"plan":      run.Plan,
			"connector": run.Connector,
			"status":    string(run.Status),
			"counters":  counters,
			"failures":  failures,
		}
		if run.Error != "" {
			entry["error"] = run.Error
		}
		runs[i] = entry
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"runs":          runs,
		"local":         stateMap(s.Local),
		"remote":        stateMap(s.Remote),
	}
}

func stateMap(state map[string][]ir.IRObject) map[string]any {
	out := make(map[string]any, len(state))
	for typ, docs := range state {
		list := make(ir.IRArray, len(docs))
		for i, doc := range docs {
			list[i] = doc
		}
		out[typ] = list
	}
	return out
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
