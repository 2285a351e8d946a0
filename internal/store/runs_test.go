package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/ir"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRun(id string, created time.Time) ir.Run {
	return ir.Run{
		ID:        id,
		Plan:      "ToDo Sync",
		Connector: "Local Connector",
		Status:    ir.RunPending,
		CreatedAt: created,
	}
}

func TestRunLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := newRun("run-1", t0)
	require.NoError(t, s.CreateRun(ctx, run))

	run.Status = ir.RunRunning
	run.StartedAt = t0.Add(time.Second)
	require.NoError(t, s.UpdateRun(ctx, run))

	require.NoError(t, s.AppendFailure(ctx, run.ID, 0, ir.Failure{Mapping: "Todo to Event", RecordRef: "todo-000002", Message: "boom"}))
	require.NoError(t, s.AppendFailure(ctx, run.ID, 1, ir.Failure{Mapping: "Todo to Event", RecordRef: "todo-000003", Message: "bang"}))

	run.Status = ir.RunFailed
	run.Counters = ir.Counters{PushInsert: 1, Failed: 2}
	run.FinishedAt = t0.Add(2 * time.Second)
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, got.Status)
	assert.Equal(t, ir.Counters{PushInsert: 1, Failed: 2}, got.Counters)
	assert.True(t, got.StartedAt.Equal(t0.Add(time.Second)))
	require.Len(t, got.Failures, 2)
	assert.Equal(t, "todo-000002", got.Failures[0].RecordRef)

	// Terminal runs are never rewritten.
	run.Status = ir.RunSuccess
	err = s.UpdateRun(ctx, run)
	assert.True(t, errors.Is(err, ErrRunFinalized))
}

func TestUpdateRun_Missing(t *testing.T) {
	s := createTestStore(t)
	err := s.UpdateRun(context.Background(), newRun("nope", t0))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun("run-1", t0)))
	require.NoError(t, s.CreateRun(ctx, newRun("run-2", t0.Add(time.Minute))))
	other := newRun("run-3", t0.Add(2*time.Minute))
	other.Plan = "Other"
	require.NoError(t, s.CreateRun(ctx, other))

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].ID)

	plan, err := s.ListRuns(ctx, "ToDo Sync", 1)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "run-2", plan[0].ID)
}

func TestLeases(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, "ToDo Sync", "Local Connector", "run-1", t0))
	// Re-acquiring by the holder is fine.
	require.NoError(t, s.AcquireLease(ctx, "ToDo Sync", "Local Connector", "run-1", t0))

	err := s.AcquireLease(ctx, "ToDo Sync", "Local Connector", "run-2", t0)
	assert.True(t, errors.Is(err, ErrLeaseHeld))
	assert.Contains(t, err.Error(), "run-1")

	// Other connector is independent.
	require.NoError(t, s.AcquireLease(ctx, "ToDo Sync", "Redis", "run-3", t0))

	// Only the holder releases.
	require.NoError(t, s.ReleaseLease(ctx, "ToDo Sync", "Local Connector", "run-2"))
	_, found, err := s.Lease(ctx, "ToDo Sync", "Local Connector")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.ReleaseLease(ctx, "ToDo Sync", "Local Connector", "run-1"))
	_, found, err = s.Lease(ctx, "ToDo Sync", "Local Connector")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.AcquireLease(ctx, "ToDo Sync", "Local Connector", "run-2", t0))
}
