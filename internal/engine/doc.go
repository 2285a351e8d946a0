// Package engine executes sync plans.
//
// A run executes one plan against one connector. Its mappings run in plan
// order; push mappings write local records to the remote side and pull
// mappings write remote objects into the local store. Each record is
// transformed, classified and written on its own, so one bad record never
// stops the others.
//
// Run lifecycle:
//
//	Pending -> Running -> Success
//	                   -> Failed
//
// A configuration error leaves the run Pending with the error recorded.
// A connector-fatal error, an exceeded page limit or cancellation ends the
// run as Failed with the counts reached so far. Any record failure makes an
// otherwise complete run Failed.
//
// Idempotency rests on the migration key: once a record is linked to a
// remote id, later runs update that remote object instead of inserting a
// new one, and a remote object is imported into at most one local record.
//
// Concurrency:
// At most one run per (plan, connector) is active, enforced in process and
// through a lease row in the store. Within a run records are applied
// sequentially; pull pages are fetched ahead by one producer goroutine.
package engine
