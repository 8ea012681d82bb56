package engine

import (
	"cmp"
	"errors"
	"slices"
	"time"
)

// Outcome is how a top-level transaction finished.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeFailed     Outcome = "failed" // the body returned an error
	OutcomeConflict   Outcome = "conflict"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeMaxRetries Outcome = "max_retries"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeClosed     Outcome = "closed"
	OutcomePanic      Outcome = "panic"
)

// VarConflicts counts conflicts on one variable within a transaction.
type VarConflicts struct {
	VarInfo
	Count int `json:"count"`
}

// TxRecord describes one finished top-level transaction.
type TxRecord struct {
	Seq          int64          `json:"seq"`
	ID           string         `json:"id"`
	Label        string         `json:"label,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	Attempts     int            `json:"attempts"`
	Conflicts    int            `json:"conflicts"`
	Retries      int            `json:"retries"`
	RunLocked    bool           `json:"run_locked"`
	Reads        int            `json:"reads"`
	Writes       int            `json:"writes"`
	Started      time.Time      `json:"started"`
	Duration     time.Duration  `json:"duration_ns"`
	ConflictVars []VarConflicts `json:"conflict_vars,omitempty"`
}

// Recorder receives a record for every finished top-level transaction.
// RecordTransaction is called on the goroutine that ran the transaction and
// must not block.
type Recorder interface {
	RecordTransaction(rec TxRecord)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(TxRecord)

func (f RecorderFunc) RecordTransaction(rec TxRecord) { f(rec) }

func outcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeCommitted
	}
	var te *TxError
	if !errors.As(err, &te) {
		return OutcomeFailed
	}
	switch te.Code {
	case ErrCodeConflict:
		return OutcomeConflict
	case ErrCodeRetryTimeout:
		return OutcomeTimeout
	case ErrCodeMaxRetries:
		return OutcomeMaxRetries
	case ErrCodeCanceled:
		return OutcomeCanceled
	case ErrCodeClosed:
		return OutcomeClosed
	}
	return OutcomeFailed
}

func (e *Engine) record(run *txRun, outcome Outcome) {
	if outcome != OutcomeCommitted {
		e.stats.failures.Add(1)
	}
	if len(e.recorders) == 0 {
		return
	}
	rec := TxRecord{
		Seq:       e.recordSeq.Add(1),
		ID:        run.id,
		Label:     run.cfg.label,
		Outcome:   outcome,
		Attempts:  run.attempt,
		Conflicts: run.conflicts,
		Retries:   run.retries,
		RunLocked: run.lockedRuns > 0,
		Reads:     run.lastReads,
		Writes:    run.lastWrites,
		Started:   run.start,
		Duration:  time.Since(run.start),
	}
	for c, n := range run.conflictVars {
		rec.ConflictVars = append(rec.ConflictVars, VarConflicts{VarInfo: c.info(), Count: n})
	}
	slices.SortFunc(rec.ConflictVars, func(a, b VarConflicts) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, r := range e.recorders {
		r.RecordTransaction(rec)
	}
}
