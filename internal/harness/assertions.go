package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/connector/memory"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Runs     []RunReport   // Runs of the scenario for debugging context
	Matches  []ir.IRObject // Records considered, when relevant
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Matches) > 0 {
		fmt.Fprintf(&buf, "\nMatched records:\n")
		for i, doc := range e.Matches {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, formatObject(doc))
		}
	}
	if len(e.Runs) > 0 {
		fmt.Fprintf(&buf, "\nRuns:\n")
		for _, run := range e.Runs {
			fmt.Fprintf(&buf, "  %s %s on %s: %s %+v\n", run.ID, run.Plan, run.Connector, run.Status, run.Counters)
		}
	}
	return buf.String()
}

// AssertionContext provides access to both sides for state assertions.
type AssertionContext struct {
	Store  *store.Store
	Remote *memory.Connector
	Ctx    context.Context
}

// EvaluateAssertions runs every assertion and returns failure messages in
// assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Runs = result.Runs
			}
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertRecordCount:
		docs, err := localMatches(actx, a)
		if err != nil {
			return err
		}
		return assertCount(a, "record_count", a.DocType, docs)
	case AssertRecord:
		docs, err := localMatches(actx, a)
		if err != nil {
			return err
		}
		return assertSingle(a, "record", a.DocType, docs)
	case AssertRemoteCount:
		docs, err := remoteMatches(actx, a)
		if err != nil {
			return err
		}
		return assertCount(a, "remote_count", a.Object, docs)
	case AssertRemoteObject:
		docs, err := remoteMatches(actx, a)
		if err != nil {
			return err
		}
		return assertSingle(a, "remote_object", a.Object, docs)
	case AssertLinksForRun:
		return assertLinksForRun(actx, a)
	}
	return errors.Newf("unknown assertion type %q", a.Type)
}

func localMatches(actx *AssertionContext, a Assertion) ([]ir.IRObject, error) {
	filter, err := whereFilter(a.Where)
	if err != nil {
		return nil, err
	}
	recs, err := actx.Store.Query(actx.Ctx, queryir.Select{DocType: a.DocType, Filter: filter})
	if err != nil {
		return nil, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("query doctype %s", a.DocType),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	docs := make([]ir.IRObject, len(recs))
	for i, rec := range recs {
		docs[i] = rec.Fields
	}
	return docs, nil
}

func remoteMatches(actx *AssertionContext, a Assertion) ([]ir.IRObject, error) {
	filter, err := whereFilter(a.Where)
	if err != nil {
		return nil, err
	}
	var docs []ir.IRObject
	for _, doc := range actx.Remote.Objects(a.Object) {
		if queryir.Match(filter, doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// assertCount checks the exact number of matches.
func assertCount(a Assertion, kind, typ string, docs []ir.IRObject) error {
	if len(docs) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("%d %s where %s", a.Count, typ, formatWhereClause(a.Where)),
		Actual:   fmt.Sprintf("%d matches", len(docs)),
		Matches:  docs,
	}
}

// assertSingle finds exactly one match and validates Expect (subset
// semantics) and Set.
func assertSingle(a Assertion, kind, typ string, docs []ir.IRObject) error {
	whereDesc := formatWhereClause(a.Where)
	switch len(docs) {
	case 0:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("one %s where %s", typ, whereDesc),
			Actual:   "not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("exactly one %s where %s", typ, whereDesc),
			Actual:   fmt.Sprintf("%d matched (assertion is ambiguous)", len(docs)),
			Matches:  docs,
		}
	}

	doc := docs[0]
	expect, err := convertToIRObject(a.Expect)
	if err != nil {
		return errors.Wrap(err, "expect")
	}
	for _, key := range expect.SortedKeys() {
		want := expect[key]
		got, exists := doc[key]
		if !exists {
			got = ir.IRNull{}
		}
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q = %s", key, formatValue(want)),
				Actual:   fmt.Sprintf("field %q = %s", key, formatValue(got)),
				Matches:  docs,
			}
		}
	}
	for _, key := range a.Set {
		if ir.IsEmpty(doc.Get(key)) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to be set", key),
				Actual:   "empty",
				Matches:  docs,
			}
		}
	}
	return nil
}

func assertLinksForRun(actx *AssertionContext, a Assertion) error {
	links, err := actx.Store.LinksForRun(actx.Ctx, a.Run)
	if err != nil {
		return err
	}
	if len(links) == a.Count {
		return nil
	}
	refs := make([]string, len(links))
	for i, l := range links {
		refs[i] = fmt.Sprintf("%s/%s -> %s", l.DocType, l.Name, l.RemoteID)
	}
	return &AssertionError{
		Type:     AssertLinksForRun,
		Expected: fmt.Sprintf("%d links written by %s", a.Count, a.Run),
		Actual:   fmt.Sprintf("%d links %v", len(links), refs),
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]interface{}) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func formatValue(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatObject(doc ir.IRObject) string {
	return formatValue(doc)
}
