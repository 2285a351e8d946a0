// Package harness provides conformance testing for sync definitions.
//
// The harness compiles a definitions directory, seeds a local store and an
// in-memory remote, executes runs through the real engine, and checks run
// outcomes and final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	definitions: todo_event            # directory of .cue files
//	local:
//	  ToDo:
//	    - { description: "Write report", status: Open }
//	remote:
//	  Event:
//	    - { name: EV-100, subject: "Team offsite", kind: import }
//	steps:
//	  - run:
//	      plan: todo_sync
//	      connector: remote
//	      expect:
//	        status: Success
//	        counters: { push_insert: 1, pull_insert: 1 }
//	  - edit_local:
//	      type: ToDo
//	      where: { description: "Write report" }
//	      set: { description: "Write annual report" }
//	assertions:
//	  - type: record
//	    doctype: ToDo
//	    where: { description: "Write annual report" }
//	    set: [todo_sync_id]
//	  - type: remote_count
//	    object: Event
//	    count: 2
//
// Connectors of type "memory" all share the scenario's remote; connectors
// of type "local" or "frappe" read and write the scenario's store.
//
// # Assertion Types
//
//   - record_count: Counts local records matching where
//   - record: Checks the single local record matching where
//   - remote_count: Counts remote objects matching where
//   - remote_object: Checks the single remote object matching where
//   - links_for_run: Counts links last written by a run
//
// # Deterministic Testing
//
// Run ids are sequential ("run-1", "run-2", ...) and the engine clock is a
// testutil.StepClock, so the same scenario always yields the same
// snapshot. Golden files hold the canonical JSON of that snapshot.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/todo_event_roundtrip.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
