package connector

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrNoData may be returned by Fetch in place of an empty page.
var ErrNoData = errors.New("no data")

// ErrDuplicate marks an insert whose explicit id already exists.
var ErrDuplicate = errors.New("object already exists")

// RemoteWriteError reports a rejected insert or update: validation,
// conflict, transport or timeout. It fails one record.
type RemoteWriteError struct {
	Object   string
	RemoteID string // empty for inserts
	Err      error
}

func (e *RemoteWriteError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("write %s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("write %s %s: %v", e.Object, e.RemoteID, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// RemoteNotFoundError reports an update of an object that no longer exists.
// It fails one record.
type RemoteNotFoundError struct {
	Object   string
	RemoteID string
}

func (e *RemoteNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Object, e.RemoteID)
}

// FatalError reports a connector that cannot be used for the rest of the
// run: unreachable, unauthenticated, or unable to list candidates.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("connector %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError for op. A nil err yields nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err aborts a run.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRecordError reports whether err fails only the current record.
func IsRecordError(err error) bool {
	var we *RemoteWriteError
	var nf *RemoteNotFoundError
	return errors.As(err, &we) || errors.As(err, &nf)
}
