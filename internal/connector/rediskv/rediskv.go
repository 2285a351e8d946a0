// Package rediskv implements a connector over Redis. Each object is a JSON
// document; a sorted set per object type keeps insertion order.
//
// Keys, for prefix "recsync:" and object "Event":
//
//	recsync:Event:<id>      document
//	recsync:index:Event     sorted set of ids scored by sequence
//	recsync:seq:Event       sequence counter
//
// Generated ids are the sequence number. A "name" field on insert is used
// as the id instead.
package rediskv

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"

	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// Type is the connector type name.
const Type = "redis"

// DefaultPrefix is used when the connector config sets no "prefix" option.
const DefaultPrefix = "recsync:"

// Connector stores objects in Redis.
type Connector struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a Redis client from connector configuration:
// Endpoint is host:port, credentials "password", options "db".
func NewClient(cfg ir.ConnectorConfig) (*redis.Client, error) {
	db := 0
	if v := cfg.Options["db"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "option db %q", v)
		}
		db = n
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Credentials["password"],
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	}), nil
}

// New wraps an existing client. The connector owns it from then on.
func New(rdb *redis.Client, prefix string) *Connector {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Connector{rdb: rdb, prefix: prefix}
}

// Open connects and pings the server. An unreachable or unauthenticated
// server is a fatal error.
func Open(ctx context.Context, cfg ir.ConnectorConfig) (connector.Connector, error) {
	rdb, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, connector.Fatal("open", errors.Wrapf(err, "ping %s", cfg.Endpoint))
	}
	return New(rdb, cfg.Options["prefix"]), nil
}

// Register adds the redis factory to reg.
func Register(reg *connector.Registry) {
	reg.Register(Open, Type)
}

func (c *Connector) docKey(object, id string) string { return c.prefix + object + ":" + id }
func (c *Connector) indexKey(object string) string   { return c.prefix + "index:" + object }
func (c *Connector) seqKey(object string) string     { return c.prefix + "seq:" + object }

// Fetch loads the object's index and filters documents in memory, so each
// page costs a scan of the whole index.
func (c *Connector) Fetch(ctx context.Context, object string, filter queryir.Predicate, fields []string, offset, pageSize int) ([]ir.IRObject, error) {
	ids, err := c.rdb.ZRange(ctx, c.indexKey(object), 0, -1).Result()
	if err != nil {
		return nil, connector.Fatal("fetch", errors.Wrapf(err, "index %s", object))
	}
	if len(ids) == 0 {
		return nil, connector.ErrNoData
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.docKey(object, id)
	}
	docs, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, connector.Fatal("fetch", errors.Wrapf(err, "load %s", object))
	}

	out := []ir.IRObject{}
	skipped := 0
	for i, raw := range docs {
		s, ok := raw.(string)
		if !ok {
			// Indexed but deleted.
			continue
		}
		doc, err := ir.ParseObject([]byte(s))
		if err != nil {
			return nil, connector.Fatal("fetch", errors.Wrapf(err, "decode %s", keys[i]))
		}
		if !queryir.Match(filter, doc) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, project(doc, fields))
		if pageSize > 0 && len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func (c *Connector) Insert(ctx context.Context, object string, fields ir.IRObject) (string, error) {
	seq, err := c.rdb.Incr(ctx, c.seqKey(object)).Result()
	if err != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: err}
	}
	id, _ := fields.StringField(ir.NameField)
	if id == "" {
		id = strconv.FormatInt(seq, 10)
	}
	doc := fields.Clone()
	doc[ir.NameField] = ir.IRString(id)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: err}
	}

	created, err := c.rdb.SetNX(ctx, c.docKey(object, id), data, 0).Result()
	if err != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: err}
	}
	if !created {
		return "", &connector.RemoteWriteError{Object: object, Err: errors.Wrapf(connector.ErrDuplicate, "%s", id)}
	}
	if err := c.rdb.ZAdd(ctx, c.indexKey(object), &redis.Z{Score: float64(seq), Member: id}).Err(); err != nil {
		return "", &connector.RemoteWriteError{Object: object, Err: err}
	}
	return id, nil
}

func (c *Connector) Update(ctx context.Context, object, remoteID string, fields ir.IRObject) error {
	key := c.docKey(object, remoteID)
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return &connector.RemoteNotFoundError{Object: object, RemoteID: remoteID}
	}
	if err != nil {
		return &connector.RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	doc, err := ir.ParseObject([]byte(s))
	if err != nil {
		return &connector.RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	for k, v := range fields {
		if k != ir.NameField {
			doc[k] = v
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return &connector.RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return &connector.RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	return nil
}

func (c *Connector) Close() error {
	return c.rdb.Close()
}

func project(doc ir.IRObject, fields []string) ir.IRObject {
	if len(fields) == 0 {
		return doc
	}
	out := ir.IRObject{ir.NameField: doc.Get(ir.NameField)}
	for _, f := range fields {
		if f == "*" {
			return doc
		}
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
