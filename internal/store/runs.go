package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

const runColumns = `id, plan, connector, plan_hash, status,
	push_insert, push_update, pull_insert, pull_update, skipped, fail_count,
	error, created_at, started_at, finished_at`

// CreateRun persists a new run. Failures on the value are not written;
// use AppendFailure.
func (s *Store) CreateRun(ctx context.Context, run ir.Run) error {
	c := run.Counters
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Plan, run.Connector, run.PlanHash, string(run.Status),
		c.PushInsert, c.PushUpdate, c.PullInsert, c.PullUpdate, c.Skipped, c.Failed,
		run.Error, formatTime(run.CreatedAt), formatTime(run.StartedAt), formatTime(run.FinishedAt))
	if err != nil {
		return errors.Wrapf(err, "create run %s", run.ID)
	}
	return nil
}

// UpdateRun overwrites a run's status, counters, error and timestamps.
// Runs already in a terminal state are never rewritten (ErrRunFinalized).
func (s *Store) UpdateRun(ctx context.Context, run ir.Run) error {
	c := run.Counters
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET
		plan_hash = ?, status = ?,
		push_insert = ?, push_update = ?, pull_insert = ?, pull_update = ?, skipped = ?, fail_count = ?,
		error = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('Success', 'Failed')`,
		run.PlanHash, string(run.Status),
		c.PushInsert, c.PushUpdate, c.PullInsert, c.PullUpdate, c.Skipped, c.Failed,
		run.Error, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.ID)
	if err != nil {
		return errors.Wrapf(err, "update run %s", run.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return errors.Wrapf(ErrRunFinalized, "run %s", run.ID)
	}
	return nil
}

// AppendFailure records one failed record for a run. idx orders failures.
func (s *Store) AppendFailure(ctx context.Context, runID string, idx int, f ir.Failure) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_failures (run_id, idx, mapping, record_ref, message)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO NOTHING`,
		runID, idx, f.Mapping, f.RecordRef, f.Message)
	if err != nil {
		return errors.Wrapf(err, "append failure to run %s", runID)
	}
	return nil
}

// GetRun returns a run with its failures, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (ir.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return ir.Run{}, errors.Wrapf(err, "get run %s", id)
	}
	run.Failures, err = s.runFailures(ctx, id)
	if err != nil {
		return ir.Run{}, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by plan.
// limit <= 0 means no limit. Failures are not loaded.
func (s *Store) ListRuns(ctx context.Context, plan string, limit int) ([]ir.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if plan != "" {
		query += ` WHERE plan = ?`
		args = append(args, plan)
	}
	query += ` ORDER BY created_at DESC, id COLLATE BINARY DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	out := []ir.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		run.Failures = []ir.Failure{}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	return out, nil
}

func (s *Store) runFailures(ctx context.Context, runID string) ([]ir.Failure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mapping, record_ref, message FROM run_failures
		WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query run failures")
	}
	defer rows.Close()

	out := []ir.Failure{}
	for rows.Next() {
		var f ir.Failure
		if err := rows.Scan(&f.Mapping, &f.RecordRef, &f.Message); err != nil {
			return nil, errors.Wrap(err, "scan run failure")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate run failures")
	}
	return out, nil
}

func scanRun(row rowScanner) (ir.Run, error) {
	var (
		run                        ir.Run
		status                     string
		created, started, finished string
	)
	c := &run.Counters
	err := row.Scan(&run.ID, &run.Plan, &run.Connector, &run.PlanHash, &status,
		&c.PushInsert, &c.PushUpdate, &c.PullInsert, &c.PullUpdate, &c.Skipped, &c.Failed,
		&run.Error, &created, &started, &finished)
	if err != nil {
		return ir.Run{}, err
	}
	run.Status = ir.RunStatus(status)
	if run.CreatedAt, err = parseTime(created); err != nil {
		return ir.Run{}, err
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return ir.Run{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return ir.Run{}, err
	}
	return run, nil
}

// Lease is the persisted single-flight marker for (plan, connector).
type Lease struct {
	Plan       string    `json:"plan"`
	Connector  string    `json:"connector"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLease claims (plan, connector) for runID. If another run holds it,
// returns ErrLeaseHeld naming the holder.
func (s *Store) AcquireLease(ctx context.Context, plan, connector, runID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO run_leases (plan, connector, run_id, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plan, connector) DO NOTHING`,
		plan, connector, runID, formatTime(now))
	if err != nil {
		return errors.Wrap(err, "acquire lease")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	lease, found, err := s.Lease(ctx, plan, connector)
	if err != nil {
		return err
	}
	if found && lease.RunID == runID {
		return nil
	}
	return errors.Wrapf(ErrLeaseHeld, "plan %q on connector %q held by run %s", plan, connector, lease.RunID)
}

// ReleaseLease drops the lease if runID holds it. Releasing a lease held by
// another run is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, plan, connector, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE plan = ? AND connector = ? AND run_id = ?`,
		plan, connector, runID)
	if err != nil {
		return errors.Wrap(err, "release lease")
	}
	return nil
}

// Lease returns the current lease for (plan, connector), if any.
func (s *Store) Lease(ctx context.Context, plan, connector string) (Lease, bool, error) {
	var (
		l        Lease
		acquired string
	)
	err := s.db.QueryRowContext(ctx, `SELECT plan, connector, run_id, acquired_at FROM run_leases
		WHERE plan = ? AND connector = ?`, plan, connector).Scan(&l.Plan, &l.Connector, &l.RunID, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, errors.Wrap(err, "read lease")
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return Lease{}, false, err
	}
	return l, true, nil
}
