package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createSyncStore returns a store with the ToDo and Event doctypes declared.
func createSyncStore(t *testing.T) *Store {
	t.Helper()
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutDocType(ctx, ir.DocType{Name: "ToDo", Fields: []string{"description", "status", "todo_sync_id"}}))
	require.NoError(t, s.PutDocType(ctx, ir.DocType{Name: "Event", Fields: []string{"subject", "starts_on", "todo_sync_id"}}))
	return s
}

func pushLink(doctype, name, remoteID string) ir.Link {
	return ir.Link{
		DocType:      doctype,
		Name:         name,
		KeyField:     "todo_sync_id",
		RemoteID:     remoteID,
		RemoteObject: "Event",
		Mapping:      "Todo to Event",
		Direction:    ir.Push,
		Fingerprint:  "fp-1",
		RunID:        "run-1",
	}
}

func selectAll(doctype string) queryir.Select {
	return queryir.Select{DocType: doctype}
}
