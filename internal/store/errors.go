package store

import (
	"github.com/cockroachdb/errors"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record, doctype or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownDocType is returned when writing a record of an undeclared doctype.
	ErrUnknownDocType = errors.New("unknown doctype")

	// ErrUnknownField is returned when a record carries a field its doctype does not declare.
	ErrUnknownField = errors.New("unknown field")

	// ErrLinkConflict is returned when a link would re-point an existing
	// migration key, or a remote id is already linked to another record.
	ErrLinkConflict = errors.New("migration key conflict")

	// ErrLeaseHeld is returned when another run holds the (plan, connector) lease.
	ErrLeaseHeld = errors.New("run lease held")

	// ErrRunFinalized is returned when updating a run already in a terminal state.
	ErrRunFinalized = errors.New("run already finalized")
)

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
