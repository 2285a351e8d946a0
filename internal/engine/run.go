package engine

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/connector"
	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/transform"
)

// allFields asks a connector for every field of each object.
var allFields = []string{"*"}

// mappingEnv evaluates pre_process and builds the read-only environment
// shared by every record of m.
func (e *Engine) mappingEnv(rs *runState, m ir.Mapping) (transform.Env, error) {
	utils := transform.Utils(transform.UtilsInput{
		Now:       rs.run.StartedAt,
		RunID:     rs.run.ID,
		Plan:      rs.run.Plan,
		Mapping:   m.Name,
		Connector: rs.run.Connector,
	})
	ctxObj, err := e.evaluator.PreProcess(m, utils)
	if err != nil {
		return transform.Env{}, err
	}
	return transform.Env{Ctx: ctxObj, Utils: utils}, nil
}

// prepareMapping returns the environment and filter for m. A failure is
// recorded against the mapping and reported as ok == false; the run moves
// on to the next mapping.
func (e *Engine) prepareMapping(rs *runState, m ir.Mapping) (transform.Env, queryir.Predicate, bool) {
	env, err := e.mappingEnv(rs, m)
	if err != nil {
		e.fail(rs, m, "", err)
		return transform.Env{}, nil, false
	}
	filter, err := e.evaluator.Filter(m, env)
	if err != nil {
		e.fail(rs, m, "", err)
		return transform.Env{}, nil, false
	}
	return env, filter, true
}

// push sends local records to the remote side.
//
// Candidates are read in one query before any write, so records touched
// by this mapping cannot move in or out of the candidate set mid-run.
func (e *Engine) push(ctx context.Context, rs *runState, m ir.Mapping) error {
	env, filter, ok := e.prepareMapping(rs, m)
	if !ok {
		return nil
	}
	candidates, err := e.store.Query(ctx, queryir.Select{
		DocType: m.LocalType,
		Filter:  filter,
		Fields:  transform.LocalFields(m),
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return errors.Wrapf(err, "load %s candidates for %s", m.LocalType, m.Name)
	}
	e.log.Debugw("push mapping",
		"run_id", rs.run.ID,
		"mapping", m.Name,
		"candidates", len(candidates))

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.pushRecord(rs, m, env, rec); err != nil {
			return err
		}
	}
	return nil
}

// pushRecord writes one local record. Only run-level errors are returned.
// Once started a record runs to completion, so writes use the
// non-cancellable context.
func (e *Engine) pushRecord(rs *runState, m ir.Mapping, env transform.Env, rec ir.Record) error {
	ctx := rs.persist
	payload, err := e.evaluator.Map(m, rec.Fields, env)
	if err != nil {
		return e.recordFailed(rs, m, rec.Name, err)
	}
	fp, err := ir.Fingerprint(payload)
	if err != nil {
		return e.recordFailed(rs, m, rec.Name, err)
	}
	link := ir.Link{
		DocType:      m.LocalType,
		Name:         rec.Name,
		KeyField:     m.MigrationKeyField,
		RemoteObject: m.RemoteObject,
		Mapping:      m.Name,
		Direction:    ir.Push,
		Fingerprint:  fp,
		RunID:        rs.run.ID,
	}

	if remoteID, ok := rec.Fields.StringField(m.MigrationKeyField); ok {
		link.RemoteID = remoteID
		prev, found, err := e.store.LinkFor(ctx, m.LocalType, rec.Name, m.MigrationKeyField)
		if err != nil {
			return e.recordFailed(rs, m, rec.Name, err)
		}
		if found && skipPush(m, prev, fp) {
			rs.run.Counters.Skipped++
			return nil
		}
		if err := rs.conn.Update(ctx, m.RemoteObject, remoteID, payload); err != nil {
			return e.recordFailed(rs, m, rec.Name, err)
		}
		if found {
			err = e.store.TouchLink(ctx, link)
		} else {
			err = e.store.Link(ctx, link)
		}
		if err != nil {
			return e.recordFailed(rs, m, rec.Name, err)
		}
		rs.run.Counters.PushUpdate++
		return nil
	}

	remoteID, adopted, err := e.adoptRemote(ctx, rs, m, payload)
	if err != nil {
		return e.recordFailed(rs, m, rec.Name, err)
	}
	if adopted {
		if err := rs.conn.Update(ctx, m.RemoteObject, remoteID, payload); err != nil {
			return e.recordFailed(rs, m, rec.Name, err)
		}
		link.RemoteID = remoteID
		if err := e.store.Link(ctx, link); err != nil {
			return e.recordFailed(rs, m, rec.Name, err)
		}
		rs.run.Counters.PushUpdate++
		return nil
	}

	remoteID, err = rs.conn.Insert(ctx, m.RemoteObject, payload)
	if err != nil {
		return e.recordFailed(rs, m, rec.Name, err)
	}
	link.RemoteID = remoteID
	if err := e.linkInserted(ctx, rs, link); err != nil {
		return e.recordFailed(rs, m, rec.Name,
			errors.Wrapf(err, "%s %q was inserted but not linked", m.RemoteObject, remoteID))
	}
	rs.run.Counters.PushInsert++
	return nil
}

// linkAttempts bounds the link writes after a remote insert. An object
// left unlinked is inserted again by the next run unless the mapping can
// adopt it through remote_primary_key.
const linkAttempts = 3

// linkInserted links a record to the object just inserted for it. A link
// conflict is not retried.
func (e *Engine) linkInserted(ctx context.Context, rs *runState, link ir.Link) error {
	var err error
	for attempt := 1; attempt <= linkAttempts; attempt++ {
		err = e.store.Link(ctx, link)
		if err == nil || errors.Is(err, store.ErrLinkConflict) {
			return err
		}
		e.log.Warnw("link after insert failed",
			"run_id", rs.run.ID,
			"record", link.Name,
			"remote_object", link.RemoteObject,
			"remote_id", link.RemoteID,
			"attempt", attempt,
			"error", err)
	}
	return err
}

// skipPush reports whether a linked record needs no remote write: it was
// imported from the same remote object by a pull mapping, or its payload
// is unchanged and the mapping asks to skip unchanged records.
func skipPush(m ir.Mapping, prev ir.Link, fp string) bool {
	if prev.Direction == ir.Pull && prev.RemoteObject == m.RemoteObject {
		return true
	}
	return m.SkipUnchanged && prev.Fingerprint == fp
}

// adoptRemote looks for an existing remote object carrying the payload's
// remote primary key. Returns its id when one exists and no other local
// record is linked to it.
func (e *Engine) adoptRemote(ctx context.Context, rs *runState, m ir.Mapping, payload ir.IRObject) (string, bool, error) {
	if m.RemotePrimaryKey == "" {
		return "", false, nil
	}
	key := payload.Get(m.RemotePrimaryKey)
	if ir.IsEmpty(key) {
		return "", false, nil
	}
	hits, err := rs.conn.Fetch(ctx, m.RemoteObject, queryir.Eq(m.RemotePrimaryKey, key), nil, 0, 1)
	if errors.Is(err, connector.ErrNoData) || (err == nil && len(hits) == 0) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	remoteID := ir.AsString(hits[0].Get(m.RemoteKey()))
	if remoteID == "" {
		return "", false, nil
	}
	owner, found, err := e.store.FindLink(ctx, m.LocalType, m.MigrationKeyField, remoteID)
	if err != nil {
		return "", false, err
	}
	if found {
		return "", false, errors.Newf("%s %q with %s = %s is already linked to %s",
			m.RemoteObject, remoteID, m.RemotePrimaryKey, ir.AsString(key), owner.Name)
	}
	return remoteID, true, nil
}

// pull imports remote objects into the local store.
//
// A producer goroutine fetches pages ahead into a bounded queue while
// records are applied here one at a time, in fetch order.
func (e *Engine) pull(ctx context.Context, rs *runState, m ir.Mapping) error {
	env, filter, ok := e.prepareMapping(rs, m)
	if !ok {
		return nil
	}
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = e.pageSize
	}

	pctx, cancel := context.WithCancel(ctx)
	q := newPageQueue(e.prefetch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.fetchPages(pctx, rs, m, filter, pageSize, q)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		p, ok := q.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if p.err != nil {
			return p.err
		}
		e.log.Debugw("pull page",
			"run_id", rs.run.ID,
			"mapping", m.Name,
			"offset", p.offset,
			"records", len(p.records))
		for i, remote := range p.records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.pullRecord(rs, m, env, remote, p.offset+i); err != nil {
				return err
			}
		}
	}
}

// fetchPages pages through the remote object until an empty page and
// closes q. A fetch error is delivered as a final page.
func (e *Engine) fetchPages(ctx context.Context, rs *runState, m ir.Mapping, filter queryir.Predicate, pageSize int, q *pageQueue) {
	defer q.Close()

	quota := newPageQuota(m.Name, e.maxPages)
	offset := 0
	for {
		recs, err := rs.conn.Fetch(ctx, m.RemoteObject, filter, allFields, offset, pageSize)
		if errors.Is(err, connector.ErrNoData) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = errors.Wrapf(err, "fetch %s at offset %d", m.RemoteObject, offset)
			q.Enqueue(ctx, page{offset: offset, err: connector.Fatal("fetch", err)})
			return
		}
		if len(recs) == 0 {
			return
		}
		if err := quota.Check(); err != nil {
			q.Enqueue(ctx, page{offset: offset, err: connector.Fatal("fetch", err)})
			return
		}
		if !q.Enqueue(ctx, page{offset: offset, records: recs}) {
			return
		}
		offset += len(recs)
	}
}

// pullRecord applies one remote object. pos is its position in the fetch,
// used to name objects that carry no id.
func (e *Engine) pullRecord(rs *runState, m ir.Mapping, env transform.Env, remote ir.IRObject, pos int) error {
	ctx := rs.persist
	remoteID := ir.AsString(remote.Get(m.RemoteKey()))
	if remoteID == "" {
		ref := fmt.Sprintf("%s#%d", m.RemoteObject, pos)
		return e.recordFailed(rs, m, ref, errors.Newf("remote object has no %q", m.RemoteKey()))
	}

	payload, err := e.evaluator.Map(m, remote, env)
	if err != nil {
		return e.recordFailed(rs, m, remoteID, err)
	}
	fp, err := ir.Fingerprint(payload)
	if err != nil {
		return e.recordFailed(rs, m, remoteID, err)
	}
	link := ir.Link{
		KeyField:     m.MigrationKeyField,
		RemoteID:     remoteID,
		RemoteObject: m.RemoteObject,
		Mapping:      m.Name,
		Direction:    ir.Pull,
		Fingerprint:  fp,
		RunID:        rs.run.ID,
	}

	prev, found, err := e.store.FindLink(ctx, m.LocalType, m.MigrationKeyField, remoteID)
	if err != nil {
		return e.recordFailed(rs, m, remoteID, err)
	}
	if found {
		if m.SkipUnchanged && prev.Fingerprint == fp {
			rs.run.Counters.Skipped++
			return nil
		}
		if err := e.store.UpdateLinked(ctx, m.LocalType, prev.Name, payload, link); err != nil {
			return e.recordFailed(rs, m, remoteID, err)
		}
		rs.run.Counters.PullUpdate++
		return nil
	}

	name, adopted, err := e.adoptLocal(ctx, m, payload)
	if err != nil {
		return e.recordFailed(rs, m, remoteID, err)
	}
	if adopted {
		if err := e.store.UpdateLinked(ctx, m.LocalType, name, payload, link); err != nil {
			return e.recordFailed(rs, m, remoteID, err)
		}
		rs.run.Counters.PullUpdate++
		return nil
	}

	if _, err := e.store.CreateLinked(ctx, m.LocalType, payload, link); err != nil {
		return e.recordFailed(rs, m, remoteID, err)
	}
	rs.run.Counters.PullInsert++
	return nil
}

// adoptLocal looks for an unlinked local record carrying the payload's
// local primary key.
func (e *Engine) adoptLocal(ctx context.Context, m ir.Mapping, payload ir.IRObject) (string, bool, error) {
	if m.LocalPrimaryKey == "" {
		return "", false, nil
	}
	key := payload.Get(m.LocalPrimaryKey)
	if ir.IsEmpty(key) {
		return "", false, nil
	}
	hits, err := e.store.Query(ctx, queryir.Select{
		DocType: m.LocalType,
		Filter:  queryir.Eq(m.LocalPrimaryKey, key),
		Fields:  []string{m.MigrationKeyField},
		Limit:   1,
	})
	if err != nil || len(hits) == 0 {
		return "", false, err
	}
	if _, linked := hits[0].Fields.StringField(m.MigrationKeyField); linked {
		return "", false, nil
	}
	return hits[0].Name, true, nil
}

// recordFailed records a record-level failure and returns nil, or returns
// err unchanged when it is connector-fatal.
func (e *Engine) recordFailed(rs *runState, m ir.Mapping, ref string, err error) error {
	if connector.IsFatal(err) {
		return err
	}
	e.fail(rs, m, ref, err)
	return nil
}

// fail appends a failure to the run and persists it.
func (e *Engine) fail(rs *runState, m ir.Mapping, ref string, err error) {
	f := ir.Failure{Mapping: m.Name, RecordRef: ref, Message: err.Error()}
	idx := len(rs.run.Failures)
	rs.run.Failures = append(rs.run.Failures, f)
	rs.run.Counters.Failed++
	if perr := e.store.AppendFailure(rs.persist, rs.run.ID, idx, f); perr != nil {
		e.log.Errorw("persist failure failed", "run_id", rs.run.ID, "error", perr)
	}
	e.log.Warnw("record failed",
		"run_id", rs.run.ID,
		"mapping", m.Name,
		"record", ref,
		"error", err)
}
