// Package queryir is the filter representation shared by the local store and
// connectors.
//
// Mapping conditions are evaluated into a Predicate once per mapping
// execution. The local store compiles predicates to SQL (package querysql);
// connectors either translate them to their own query language or evaluate
// them record by record with Match.
//
//	[condition expression] -> [Predicate] -> querysql (SQLite)
//	                                      -> Match    (in-memory)
//
// The fragment is deliberately small: comparisons against literals, a set /
// not-set test, and conjunction. There is no OR and no field-to-field
// comparison.
//
// Null semantics: a field that is absent or null compares unequal to every
// literal, including for "!=". IsSet treats null and "" as not set.
package queryir
