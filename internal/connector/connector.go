package connector

import (
	"context"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// Connector reads and writes objects of a remote system. Object names and
// field names are opaque strings interpreted by the implementation.
type Connector interface {
	// Fetch returns up to pageSize objects of the named type matching
	// filter, starting at offset, in a stable order. fields restricts the
	// returned fields; nil means all. Each object includes its remote id.
	Fetch(ctx context.Context, object string, filter queryir.Predicate, fields []string, offset, pageSize int) ([]ir.IRObject, error)

	// Insert creates an object and returns its remote id.
	Insert(ctx context.Context, object string, fields ir.IRObject) (string, error)

	// Update overwrites the given fields of an existing object.
	Update(ctx context.Context, object, remoteID string, fields ir.IRObject) error

	// Close releases the connector's resources.
	Close() error
}
