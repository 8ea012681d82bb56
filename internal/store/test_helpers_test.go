package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/wstm/internal/engine"
)

// createTestStore creates a new store in a temp directory.
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

// createTestSession begins a session named name.
func createTestSession(t *testing.T, s *Store, name string) Session {
	t.Helper()
	sess, err := s.BeginSession(context.Background(), name)
	if err != nil {
		t.Fatalf("BeginSession() failed: %v", err)
	}
	return sess
}

// createTestRecord creates a committed record with minimal fields set.
func createTestRecord(seq int64, id, label string) engine.TxRecord {
	return engine.TxRecord{
		Seq:      seq,
		ID:       id,
		Label:    label,
		Outcome:  engine.OutcomeCommitted,
		Attempts: 1,
		Reads:    1,
		Writes:   1,
		Started:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Duration: time.Millisecond,
	}
}

// conflictsOn adds per-variable conflict counts to rec.
func conflictsOn(rec engine.TxRecord, vars ...engine.VarConflicts) engine.TxRecord {
	rec.ConflictVars = vars
	for _, v := range vars {
		rec.Conflicts += v.Count
	}
	rec.Attempts += rec.Conflicts
	return rec
}

func varConflicts(id uint64, name string, n int) engine.VarConflicts {
	return engine.VarConflicts{VarInfo: engine.VarInfo{ID: id, Name: name}, Count: n}
}
