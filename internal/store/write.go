package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/wstm/internal/engine"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session identifies one recorded engine run.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// BeginSession inserts a new session row and returns it.
// Session IDs are UUIDv7 so they sort by creation time.
func (s *Store) BeginSession(ctx context.Context, name string) (Session, error) {
	sess := Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, started_at)
		VALUES (?, ?, ?)
	`, sess.ID, sess.Name, sess.StartedAt.Format(timeLayout))
	if err != nil {
		return Session{}, fmt.Errorf("begin session: %w", err)
	}
	return sess, nil
}

// WriteTransaction inserts one transaction record and its conflict counts.
// Uses ON CONFLICT DO NOTHING for idempotency - a record written twice for
// the same session is stored once.
//
// The session referenced by sessionID must exist (foreign key constraint).
func (s *Store) WriteTransaction(ctx context.Context, sessionID string, rec engine.TxRecord) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx, `
		INSERT INTO transactions
		(session_id, seq, id, label, outcome, attempts, conflicts, retries,
		 run_locked, reads, writes, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO NOTHING
	`,
		sessionID,
		rec.Seq,
		rec.ID,
		rec.Label,
		string(rec.Outcome),
		rec.Attempts,
		rec.Conflicts,
		rec.Retries,
		boolToInt(rec.RunLocked),
		rec.Reads,
		rec.Writes,
		rec.Started.UTC().Format(timeLayout),
		rec.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, cv := range rec.ConflictVars {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO conflict_vars (session_id, tx_id, var_id, var_name, count)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, rec.ID, int64(cv.ID), cv.Name, cv.Count)
		if err != nil {
			return fmt.Errorf("write conflict var %d: %w", cv.ID, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
