// Package memory implements an in-process connector. It backs the
// conformance harness and engine tests, and can inject failures per call.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// Type is the connector type name.
const Type = "memory"

// Hooks inject failures. A hook returning a non-nil error fails that call;
// the error is returned unchanged, so hooks choose its classification.
type Hooks struct {
	Fetch  func(object string, offset int) error
	Insert func(object string, fields ir.IRObject) error
	Update func(object, remoteID string, fields ir.IRObject) error
}

// Call records one connector operation.
type Call struct {
	Op       string // fetch, insert, update
	Object   string
	RemoteID string
	Fields   ir.IRObject
}

// Connector holds objects per type in insertion order.
type Connector struct {
	mu      sync.Mutex
	objects map[string][]ir.IRObject
	seq     int
	calls   []Call
	closed  int
	Hooks   Hooks
}

// New returns an empty connector.
func New() *Connector {
	return &Connector{objects: map[string][]ir.IRObject{}}
}

// Register serves this instance for the memory type. Every Open returns
// the same objects.
func (c *Connector) Register(reg *connector.Registry) {
	reg.Register(func(context.Context, ir.ConnectorConfig) (connector.Connector, error) {
		return c, nil
	}, Type)
}

// Seed adds objects directly, without recording calls. Objects without a
// name get a generated one.
func (c *Connector) Seed(object string, docs ...ir.IRObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		c.add(object, d)
	}
}

// Objects returns copies of the stored objects of one type.
func (c *Connector) Objects(object string) []ir.IRObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ir.IRObject, len(c.objects[object]))
	for i, d := range c.objects[object] {
		out[i] = d.Clone()
	}
	return out
}

// Calls returns the recorded operations.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CountCalls counts recorded operations of kind op.
func (c *Connector) CountCalls(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (c *Connector) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Closed reports how many times Close was called.
func (c *Connector) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connector) add(object string, d ir.IRObject) string {
	doc := d.Clone()
	id, ok := doc.StringField(ir.NameField)
	if !ok {
		c.seq++
		id = object + "-" + strconv.Itoa(c.seq)
		doc[ir.NameField] = ir.IRString(id)
	}
	c.objects[object] = append(c.objects[object], doc)
	return id
}

func (c *Connector) find(object, id string) ir.IRObject {
	for _, d := range c.objects[object] {
		if ir.AsString(d.Get(ir.NameField)) == id {
			return d
		}
	}
	return nil
}

func (c *Connector) Fetch(ctx context.Context, object string, filter queryir.Predicate, fields []string, offset, pageSize int) ([]ir.IRObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "fetch", Object: object})
	if err := ctx.Err(); err != nil {
		return nil, connector.Fatal("fetch", err)
	}
	if c.Hooks.Fetch != nil {
		if err := c.Hooks.Fetch(object, offset); err != nil {
			return nil, err
		}
	}

	out := []ir.IRObject{}
	matched := 0
	for _, d := range c.objects[object] {
		if !queryir.Match(filter, d) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		out = append(out, project(d, fields))
		if pageSize > 0 && len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func (c *Connector) Insert(ctx context.Context, object string, fields ir.IRObject) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "insert", Object: object, Fields: fields.Clone()})
	if c.Hooks.Insert != nil {
		if err := c.Hooks.Insert(object, fields); err != nil {
			return "", err
		}
	}
	if id, ok := fields.StringField(ir.NameField); ok && c.find(object, id) != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: connector.ErrDuplicate}
	}
	return c.add(object, fields), nil
}

func (c *Connector) Update(ctx context.Context, object, remoteID string, fields ir.IRObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: "update", Object: object, RemoteID: remoteID, Fields: fields.Clone()})
	if c.Hooks.Update != nil {
		if err := c.Hooks.Update(object, remoteID, fields); err != nil {
			return err
		}
	}
	doc := c.find(object, remoteID)
	if doc == nil {
		return &connector.RemoteNotFoundError{Object: object, RemoteID: remoteID}
	}
	for k, v := range fields {
		if k != ir.NameField {
			doc[k] = v
		}
	}
	return nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func project(doc ir.IRObject, fields []string) ir.IRObject {
	if len(fields) == 0 {
		return doc.Clone()
	}
	out := ir.IRObject{ir.NameField: doc.Get(ir.NameField)}
	for _, f := range fields {
		if f == "*" {
			return doc.Clone()
		}
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
