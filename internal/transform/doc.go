// Package transform converts records across a mapping.
//
// A mapping's field rules are resolved per target field, first match wins:
//
//  1. "eval:" prefix: the rest is evaluated in the expression sandbox with
//     doc bound to the source record, ctx to the pre_process result and
//     utils to run-scoped values.
//  2. A quoted literal ("..." or '...'): the text between the quotes.
//  3. Anything else names a source field to copy; a missing field is null.
//
// The Evaluator performs no I/O and is deterministic for identical inputs.
package transform
