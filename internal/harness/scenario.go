package harness

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// A scenario seeds a local store and an in-memory remote, executes runs and
// edits in order, and asserts on run outcomes and the final state of both
// sides.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definitions is the directory of CUE definitions to compile.
	// Relative paths are resolved against the scenario file location.
	Definitions string `yaml:"definitions"`

	// Local seeds local records, keyed by doctype. Records without a
	// "name" get a generated one.
	Local map[string][]map[string]interface{} `yaml:"local,omitempty"`

	// Remote seeds the in-memory remote, keyed by object type.
	Remote map[string][]map[string]interface{} `yaml:"remote,omitempty"`

	// Steps run in order. Each step sets exactly one of its fields.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	// Supported types: record_count, record, remote_count, remote_object,
	// links_for_run
	Assertions []Assertion `yaml:"assertions"`

	// RunPrefix prefixes generated run ids ("run" when empty).
	RunPrefix string `yaml:"run_prefix,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Run executes a plan against a connector.
	Run *RunStep `yaml:"run,omitempty"`

	// EditLocal changes local records matching Where.
	EditLocal *EditStep `yaml:"edit_local,omitempty"`

	// EditRemote changes remote objects matching Where.
	EditRemote *EditStep `yaml:"edit_remote,omitempty"`

	// PutLocal inserts local records.
	PutLocal *PutStep `yaml:"put_local,omitempty"`

	// PutRemote adds remote objects.
	PutRemote *PutStep `yaml:"put_remote,omitempty"`
}

// RunStep executes one run.
type RunStep struct {
	Plan      string `yaml:"plan"`
	Connector string `yaml:"connector"`

	// Expect validates the finished run. If nil the run is only recorded.
	Expect *RunExpect `yaml:"expect,omitempty"`
}

// RunExpect specifies the expected outcome of a run.
type RunExpect struct {
	// Status is the expected run status (e.g., "Success", "Failed", "Pending").
	Status string `yaml:"status"`

	// Counters is a subset match on counter names: push_insert,
	// push_update, pull_insert, pull_update, skipped, fail_count.
	Counters map[string]int `yaml:"counters,omitempty"`

	// Error, when set, must be contained in the run error.
	Error string `yaml:"error,omitempty"`
}

// EditStep sets fields on every record or object matching Where.
type EditStep struct {
	// Type is the doctype for edit_local or the object type for edit_remote.
	Type  string                 `yaml:"type"`
	Where map[string]interface{} `yaml:"where"`
	Set   map[string]interface{} `yaml:"set"`
}

// PutStep adds records or objects of one type.
type PutStep struct {
	Type    string                   `yaml:"type"`
	Records []map[string]interface{} `yaml:"records"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "record_count": Count local records of DocType matching Where
	// - "record": Find one local record matching Where and check Expect
	// - "remote_count": Count remote objects of Object matching Where
	// - "remote_object": Find one remote object matching Where and check Expect
	// - "links_for_run": Count links last written by Run
	Type string `yaml:"type"`

	// DocType is the local doctype (record_count, record).
	DocType string `yaml:"doctype,omitempty"`

	// Object is the remote object type (remote_count, remote_object).
	Object string `yaml:"object,omitempty"`

	// Run is a run id (links_for_run).
	Run string `yaml:"run,omitempty"`

	// Where selects records by exact field values.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values.
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Set lists fields that must hold a non-empty value (record,
	// remote_object).
	Set []string `yaml:"set,omitempty"`

	// Count is the expected number of matches.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecordCount  = "record_count"
	AssertRecord       = "record"
	AssertRemoteCount  = "remote_count"
	AssertRemoteObject = "remote_object"
	AssertLinksForRun  = "links_for_run"
)

// LoadScenario reads and parses a scenario YAML file. The definitions
// directory is resolved relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the definitions path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario file")
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}

	if scenario.Definitions != "" && !filepath.IsAbs(scenario.Definitions) && basePath != "" {
		scenario.Definitions = filepath.Join(basePath, scenario.Definitions)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.Definitions == "" {
		return errors.New("definitions is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	info, err := os.Stat(s.Definitions)
	if os.IsNotExist(err) {
		return errors.Newf("definitions directory not found: %s", s.Definitions)
	}
	if err == nil && !info.IsDir() {
		return errors.Newf("definitions is not a directory: %s", s.Definitions)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	for _, present := range []bool{step.Run != nil, step.EditLocal != nil, step.EditRemote != nil, step.PutLocal != nil, step.PutRemote != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.Newf("steps[%d]: exactly one of run, edit_local, edit_remote, put_local, put_remote is required", index)
	}

	switch {
	case step.Run != nil:
		if step.Run.Plan == "" || step.Run.Connector == "" {
			return errors.Newf("steps[%d].run: plan and connector are required", index)
		}
		if step.Run.Expect != nil && step.Run.Expect.Status == "" {
			return errors.Newf("steps[%d].run.expect: status is required", index)
		}
	case step.EditLocal != nil, step.EditRemote != nil:
		edit := step.EditLocal
		if edit == nil {
			edit = step.EditRemote
		}
		if edit.Type == "" {
			return errors.Newf("steps[%d]: edit type is required", index)
		}
		if len(edit.Set) == 0 {
			return errors.Newf("steps[%d]: edit set is required", index)
		}
	default:
		put := step.PutLocal
		if put == nil {
			put = step.PutRemote
		}
		if put.Type == "" || len(put.Records) == 0 {
			return errors.Newf("steps[%d]: put type and records are required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return errors.Newf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return errors.Newf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertRecordCount:
		if a.DocType == "" {
			return errors.Newf("assertions[%d]: doctype is required for record_count", index)
		}
	case AssertRecord:
		if a.DocType == "" {
			return errors.Newf("assertions[%d]: doctype is required for record", index)
		}
		if len(a.Expect) == 0 && len(a.Set) == 0 {
			return errors.Newf("assertions[%d]: expect or set is required for record", index)
		}
	case AssertRemoteCount:
		if a.Object == "" {
			return errors.Newf("assertions[%d]: object is required for remote_count", index)
		}
	case AssertRemoteObject:
		if a.Object == "" {
			return errors.Newf("assertions[%d]: object is required for remote_object", index)
		}
		if len(a.Expect) == 0 && len(a.Set) == 0 {
			return errors.Newf("assertions[%d]: expect or set is required for remote_object", index)
		}
	case AssertLinksForRun:
		if a.Run == "" {
			return errors.Newf("assertions[%d]: run is required for links_for_run", index)
		}
	default:
		return errors.Newf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
