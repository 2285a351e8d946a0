// Package local implements a connector over a recsync store. Remote objects
// are doctypes and remote ids are record names.
//
// The endpoint "" or "local" addresses the engine's own store; any other
// endpoint is the path of another store file, opened for the run.
package local

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
)

// Types are the connector type names served by this package.
var Types = []string{"local", "frappe"}

// Connector reads and writes records of a store.
type Connector struct {
	st    *store.Store
	owned bool
}

// New wraps st. Close does not close a store passed to New.
func New(st *store.Store) *Connector {
	return &Connector{st: st}
}

// Factory returns a connector factory. self serves the "" and "local"
// endpoints.
func Factory(self *store.Store) connector.Factory {
	return func(ctx context.Context, cfg ir.ConnectorConfig) (connector.Connector, error) {
		if cfg.Endpoint == "" || cfg.Endpoint == "local" {
			if self == nil {
				return nil, errors.New("no local store configured")
			}
			return New(self), nil
		}
		st, err := store.Open(cfg.Endpoint)
		if err != nil {
			return nil, errors.Wrapf(err, "open remote store %s", cfg.Endpoint)
		}
		return &Connector{st: st, owned: true}, nil
	}
}

// Register adds the local factory to reg under Types.
func Register(reg *connector.Registry, self *store.Store) {
	reg.Register(Factory(self), Types...)
}

func (c *Connector) Fetch(ctx context.Context, object string, filter queryir.Predicate, fields []string, offset, pageSize int) ([]ir.IRObject, error) {
	if _, err := c.st.DocType(ctx, object); err != nil {
		return nil, connector.Fatal("fetch", err)
	}
	for _, f := range fields {
		if f == "*" {
			fields = nil
			break
		}
	}
	recs, err := c.st.Query(ctx, queryir.Select{
		DocType: object,
		Filter:  filter,
		Fields:  fields,
		Offset:  offset,
		Limit:   pageSize,
	})
	if err != nil {
		return nil, connector.Fatal("fetch", err)
	}
	out := make([]ir.IRObject, len(recs))
	for i, r := range recs {
		out[i] = r.Fields
	}
	return out, nil
}

func (c *Connector) Insert(ctx context.Context, object string, fields ir.IRObject) (string, error) {
	name, err := c.st.InsertRecord(ctx, object, fields)
	if err != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: err}
	}
	return name, nil
}

func (c *Connector) Update(ctx context.Context, object, remoteID string, fields ir.IRObject) error {
	err := c.st.UpdateRecord(ctx, object, remoteID, fields)
	if errors.Is(err, store.ErrNotFound) {
		return &connector.RemoteNotFoundError{Object: object, RemoteID: remoteID}
	}
	if err != nil {
		return &connector.RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	return nil
}

func (c *Connector) Close() error {
	if c.owned {
		return c.st.Close()
	}
	return nil
}
