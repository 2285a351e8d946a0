// Package expr evaluates field-rule and condition expressions in a sandbox.
//
// Expressions are CUE expressions. Before evaluation every identifier is
// checked against a fixed symbol set:
//
//   - the scope names supplied by the caller (doc, ctx, utils)
//   - names the expression binds itself (labels, for and let clauses), where
//     they are in scope
//   - CUE predeclared functions and types (len, div, int, string, ...)
//   - a whitelist of pure builtin packages (strings, strconv, list, math,
//     regexp, time)
//
// Anything else is an UnsafeExpressionError. Expressions cannot declare
// imports, and the evaluator has no file, network or process access. Each
// evaluation starts from a fresh instance, so no state carries over.
package expr
