package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VarStat aggregates conflicts on one variable across a session.
type VarStat struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name,omitempty"`
	Conflicts    int64  `json:"conflicts"`
	Transactions int64  `json:"transactions"`
}

// LabelStat aggregates the transactions sharing a label.
type LabelStat struct {
	Label        string        `json:"label"`
	Transactions int64         `json:"transactions"`
	Committed    int64         `json:"committed"`
	Attempts     int64         `json:"attempts"`
	Conflicts    int64         `json:"conflicts"`
	Retries      int64         `json:"retries"`
	RunLocked    int64         `json:"run_locked"`
	AvgDuration  time.Duration `json:"avg_duration_ns"`
}

// OutcomeCount is the number of transactions that finished one way.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// Report is the full conflict profile of one session.
type Report struct {
	Session  Session        `json:"session"`
	Outcomes []OutcomeCount `json:"outcomes"`
	Labels   []LabelStat    `json:"labels"`
	HotVars  []VarStat      `json:"hot_vars"`
}

// ReadSessions returns all sessions, oldest first.
//
// Returns an empty slice (not nil) if no sessions exist.
func (s *Store) ReadSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, started_at
		FROM sessions
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// LatestSession returns the most recently started session.
// Returns (Session{}, false, nil) if the store is empty.
func (s *Store) LatestSession(ctx context.Context) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, started_at
		FROM sessions
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT 1
	`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// ReadSession returns the session with the given ID.
// Returns (Session{}, false, nil) if it does not exist.
func (s *Store) ReadSession(ctx context.Context, id string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, started_at FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// TopConflictVars returns the variables with the most conflicts in a session.
// A limit <= 0 returns all of them.
func (s *Store) TopConflictVars(ctx context.Context, sessionID string, limit int) ([]VarStat, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT var_id, var_name, SUM(count), COUNT(DISTINCT tx_id)
		FROM conflict_vars
		WHERE session_id = ?
		GROUP BY var_id, var_name
		ORDER BY SUM(count) DESC, var_name COLLATE BINARY ASC, var_id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflict vars: %w", err)
	}
	defer rows.Close()

	stats := []VarStat{}
	for rows.Next() {
		var v VarStat
		var id int64
		if err := rows.Scan(&id, &v.Name, &v.Conflicts, &v.Transactions); err != nil {
			return nil, fmt.Errorf("scan conflict var: %w", err)
		}
		v.ID = uint64(id)
		stats = append(stats, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict vars: %w", err)
	}
	return stats, nil
}

// LabelStats aggregates a session's transactions by label.
func (s *Store) LabelStats(ctx context.Context, sessionID string) ([]LabelStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label,
		       COUNT(*),
		       SUM(CASE WHEN outcome = 'committed' THEN 1 ELSE 0 END),
		       SUM(attempts),
		       SUM(conflicts),
		       SUM(retries),
		       SUM(run_locked),
		       CAST(AVG(duration_ns) AS INTEGER)
		FROM transactions
		WHERE session_id = ?
		GROUP BY label
		ORDER BY SUM(conflicts) DESC, label COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query label stats: %w", err)
	}
	defer rows.Close()

	stats := []LabelStat{}
	for rows.Next() {
		var l LabelStat
		var avg int64
		if err := rows.Scan(&l.Label, &l.Transactions, &l.Committed, &l.Attempts,
			&l.Conflicts, &l.Retries, &l.RunLocked, &avg); err != nil {
			return nil, fmt.Errorf("scan label stat: %w", err)
		}
		l.AvgDuration = time.Duration(avg)
		stats = append(stats, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate label stats: %w", err)
	}
	return stats, nil
}

// OutcomeCounts counts a session's transactions per outcome.
func (s *Store) OutcomeCounts(ctx context.Context, sessionID string) ([]OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM transactions
		WHERE session_id = ?
		GROUP BY outcome
		ORDER BY COUNT(*) DESC, outcome COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	counts := []OutcomeCount{}
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return counts, nil
}

// ReadReport assembles the conflict profile of one session. hotVars limits
// the variable list (<= 0 for all).
func (s *Store) ReadReport(ctx context.Context, sess Session, hotVars int) (Report, error) {
	outcomes, err := s.OutcomeCounts(ctx, sess.ID)
	if err != nil {
		return Report{}, err
	}
	labels, err := s.LabelStats(ctx, sess.ID)
	if err != nil {
		return Report{}, err
	}
	vars, err := s.TopConflictVars(ctx, sess.ID, hotVars)
	if err != nil {
		return Report{}, err
	}
	return Report{Session: sess, Outcomes: outcomes, Labels: labels, HotVars: vars}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var started string
	if err := row.Scan(&sess.ID, &sess.Name, &started); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return Session{}, fmt.Errorf("parse session start %q: %w", started, err)
	}
	sess.StartedAt = t
	return sess, nil
}
