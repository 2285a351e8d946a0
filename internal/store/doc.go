// Package store is the SQLite-backed local record store.
//
// It holds four kinds of state:
//   - doctypes: declared local record types and their fields
//   - records: local records as JSON documents keyed by (doctype, name)
//   - links: migration keys tying a local record to a remote id
//   - runs: run reports, their failures, and single-flight leases
//
// Every record-level write that the sync engine performs (create+link,
// update+link) is a single transaction, so a crash never leaves a record
// linked in one table and unlinked in the other.
//
// Reads are deterministic: records come back ORDER BY seq, name COLLATE
// BINARY and slices are empty rather than nil.
package store
