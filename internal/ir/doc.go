// Package ir holds the shared data model for recsync: field values, record
// and link shapes, mapping/plan/connector definitions and the run report.
//
// ir imports nothing internal; every other package builds on it.
//
// Conventions:
//   - record fields are IRObject values, never raw map[string]any
//   - fingerprints hash MarshalCanonical output, never encoding/json output
//   - JSON tags use snake_case
package ir
