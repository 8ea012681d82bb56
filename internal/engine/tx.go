package engine

import (
	"cmp"
	"context"
	"slices"
	"sync/atomic"
	"time"
)

// TxStatus is the state of one transaction attempt.
type TxStatus int32

const (
	StatusRunning TxStatus = iota
	StatusValidating
	StatusCommitted
	StatusAborted
	StatusRetrying
)

func (s TxStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusValidating:
		return "validating"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusRetrying:
		return "retrying"
	}
	return "unknown"
}

// runMode selects how an attempt is isolated.
type runMode int

const (
	modeOptimistic runMode = iota
	modeLockedVars
	modeLockedEngine
)

// txRun is the state of one top-level Atomically call, shared by all of its
// attempts.
type txRun struct {
	eng   *Engine
	id    string
	ctx   context.Context
	cfg   txConfig
	start time.Time

	attempt    int
	conflicts  int
	retries    int
	lockedRuns int

	mode     runMode
	lockVars []*varCore

	conflictVars map[*varCore]int
	lastReads    int
	lastWrites   int
}

func (r *txRun) newError(code ErrorCode, msg string, cause error) *TxError {
	return &TxError{
		Code:      code,
		Message:   msg,
		TxID:      r.id,
		Label:     r.cfg.label,
		Attempts:  r.attempt,
		Conflicts: r.conflicts,
		Retries:   r.retries,
		Err:       cause,
	}
}

// scope is one level of nesting: its writes shadow the levels below and are
// merged into the parent when the nested body succeeds.
type scope struct {
	writes map[*varCore]any
	locals map[uint64]any // TxLocal values, allocated on first Set
	before []func(*Tx) error
	after  []func()
	onFail []func()
}

func newScope() *scope {
	return &scope{writes: make(map[*varCore]any)}
}

// Tx is the context of one attempt of a transaction body.
//
// A Tx is confined to the goroutine running the body and is invalid once the
// attempt ends; using it afterwards panics with a *UsageError.
type Tx struct {
	run    *txRun
	rv     int64 // read stamp
	reads  map[*varCore]*varState
	scopes []*scope
	status atomic.Int32

	// locked-run state
	exclusive bool
	shared    bool
	held      map[*varCore]bool
}

// ID returns the transaction id, stable across attempts.
func (tx *Tx) ID() string {
	return tx.run.id
}

// Label returns the label given with WithLabel.
func (tx *Tx) Label() string {
	return tx.run.cfg.label
}

// Attempt returns the 1-based attempt number.
func (tx *Tx) Attempt() int {
	return tx.run.attempt
}

// Status returns the attempt status.
func (tx *Tx) Status() TxStatus {
	return TxStatus(tx.status.Load())
}

// Context returns the context passed to Atomically.
func (tx *Tx) Context() context.Context {
	return tx.run.ctx
}

// Engine returns the engine running the transaction.
func (tx *Tx) Engine() *Engine {
	return tx.run.eng
}

func (tx *Tx) checkActive() {
	if tx == nil {
		PanicUsage(UsageNilTx, "transactional operation without a transaction")
	}
	if s := tx.Status(); s != StatusRunning {
		PanicUsage(UsageTxFinished, "transaction %s used after its attempt ended (status %s)", tx.run.id, s)
	}
}

func (tx *Tx) checkVar(c *varCore) {
	tx.checkActive()
	if c.eng != tx.run.eng {
		PanicUsage(UsageForeignVar, "%s belongs to another engine", c.label())
	}
}

func (tx *Tx) top() *scope {
	return tx.scopes[len(tx.scopes)-1]
}

func (tx *Tx) read(c *varCore) any {
	for i := len(tx.scopes) - 1; i >= 0; i-- {
		if v, ok := tx.scopes[i].writes[c]; ok {
			return v
		}
	}
	if s, ok := tx.reads[c]; ok {
		return s.value
	}
	s := tx.load(c)
	tx.reads[c] = s
	return s.value
}

// load returns a committed state of c consistent with everything tx has
// read so far.
func (tx *Tx) load(c *varCore) *varState {
	for {
		s := c.state.Load()
		if o := c.owner.Load(); o != nil && o != tx {
			tx.conflict(c, true)
		}
		if c.state.Load() != s {
			continue
		}
		if s.stamp > tx.rv {
			tx.extend()
			continue
		}
		return s
	}
}

// extend moves the read stamp forward after checking that nothing read so
// far has changed.
func (tx *Tx) extend() {
	now := tx.run.eng.clock.Current()
	tx.mustValidate()
	tx.rv = now
}

func (tx *Tx) write(c *varCore, v any) {
	tx.top().writes[c] = v
}

// validate returns the first read entry that is stale or owned by another
// committer.
func (tx *Tx) validate() (*varCore, bool) {
	for c, s := range tx.reads {
		if o := c.owner.Load(); o != nil && o != tx {
			return c, true
		}
		if c.state.Load() != s {
			return c, false
		}
	}
	return nil, false
}

func (tx *Tx) mustValidate() {
	if c, owned := tx.validate(); c != nil {
		tx.conflict(c, owned)
	}
}

// conflict unwinds the attempt. The signal is recovered by the engine.
func (tx *Tx) conflict(c *varCore, owned bool) {
	panic(conflictSignal{core: c, locked: owned})
}

// Validate checks the read set now and restarts the attempt if any variable
// read so far has been changed by another commit.
func (tx *Tx) Validate() {
	tx.checkActive()
	tx.mustValidate()
}

// Retry returns the retry signal. The body must return it:
//
//	if q.Len(tx) == 0 {
//		return tx.Retry()
//	}
//
// The attempt is then abandoned and the transaction waits until a variable
// it read is changed by another commit.
func (tx *Tx) Retry() error {
	tx.checkActive()
	return &retrySignal{}
}

// RetryFor is Retry with a wait limit of d. When it passes the transaction
// fails with ErrRetryTimeout.
func (tx *Tx) RetryFor(d time.Duration) error {
	tx.checkActive()
	return &retrySignal{deadline: time.Now().Add(d)}
}

// RetryUntil is Retry with an absolute deadline.
func (tx *Tx) RetryUntil(deadline time.Time) error {
	tx.checkActive()
	return &retrySignal{deadline: deadline}
}

// Check returns nil if cond holds, the retry signal otherwise.
func (tx *Tx) Check(cond bool) error {
	if cond {
		tx.checkActive()
		return nil
	}
	return tx.Retry()
}

// Atomically runs body as a nested transaction. Its reads join the read set
// of the enclosing transaction and its writes are visible to the enclosing
// body as soon as it returns; they are published only by the top-level
// commit. If body returns an error its writes and hooks are discarded and
// the error is returned.
func (tx *Tx) Atomically(body func(*Tx) error) error {
	tx.checkActive()
	tx.scopes = append(tx.scopes, newScope())
	err := body(tx)
	n := len(tx.scopes) - 1
	inner := tx.scopes[n]
	tx.scopes = tx.scopes[:n]
	if err != nil {
		runHooks(inner.onFail)
		return err
	}
	parent := tx.top()
	for c, v := range inner.writes {
		parent.writes[c] = v
	}
	for k, v := range inner.locals {
		parent.setLocal(k, v)
	}
	parent.before = append(parent.before, inner.before...)
	parent.after = append(parent.after, inner.after...)
	parent.onFail = append(parent.onFail, inner.onFail...)
	return nil
}

// BeforeCommit registers fn to run after the top-level body returns and
// before validation. fn runs inside the transaction and may read and write.
// An error from fn abandons the attempt like an error from the body.
func (tx *Tx) BeforeCommit(fn func(*Tx) error) {
	tx.checkActive()
	s := tx.top()
	s.before = append(s.before, fn)
}

// AfterCommit registers fn to run once the top-level transaction has
// committed, outside any transaction.
func (tx *Tx) AfterCommit(fn func()) {
	tx.checkActive()
	s := tx.top()
	s.after = append(s.after, fn)
}

// OnFail registers fn to run if the current scope is abandoned: an error,
// a conflict restart, a retry, or a panic.
func (tx *Tx) OnFail(fn func()) {
	tx.checkActive()
	s := tx.top()
	s.onFail = append(s.onFail, fn)
}

// OrElse composes alternatives. Each runs as a nested transaction in order;
// the first one that does not retry decides the result. If every alternative
// retries, the composite retries, waiting on everything any of them read
// and until the earliest deadline any of them asked for.
func OrElse(alts ...func(*Tx) error) func(*Tx) error {
	return func(tx *Tx) error {
		var merged *retrySignal
		for _, alt := range alts {
			err := tx.Atomically(alt)
			rs, ok := asRetry(err)
			if !ok {
				return err
			}
			merged = merged.merge(rs)
		}
		if merged == nil {
			return tx.Retry()
		}
		return merged
	}
}

// runBeforeCommit runs the pending BeforeCommit hooks. Hooks may register
// further hooks.
func (tx *Tx) runBeforeCommit() error {
	root := tx.scopes[0]
	for i := 0; i < len(root.before); i++ {
		if err := root.before[i](tx); err != nil {
			return err
		}
	}
	return nil
}

// touched returns every variable read or written by the attempt in lock
// order.
func (tx *Tx) touched() []*varCore {
	seen := make(map[*varCore]bool, len(tx.reads))
	for c := range tx.reads {
		seen[c] = true
	}
	for _, s := range tx.scopes {
		for c := range s.writes {
			seen[c] = true
		}
	}
	return sortedCores(seen)
}

func (tx *Tx) writeCount() int {
	if len(tx.scopes) == 0 {
		return 0
	}
	return len(tx.scopes[0].writes)
}

// finish ends the attempt: OnFail hooks of every open scope run (innermost
// first) unless it committed, and locks taken for a locked run are released.
func (tx *Tx) finish(status TxStatus) {
	tx.status.Store(int32(status))
	tx.releaseRunLocks()
	if status != StatusCommitted {
		for i := len(tx.scopes) - 1; i >= 0; i-- {
			runHooks(tx.scopes[i].onFail)
		}
	}
}

func (tx *Tx) releaseRunLocks() {
	for c := range tx.held {
		c.owner.Store(nil)
		c.mu.Unlock()
	}
	tx.held = nil
	if tx.exclusive {
		tx.exclusive = false
		tx.run.eng.gate.Unlock()
	}
	if tx.shared {
		tx.shared = false
		tx.run.eng.gate.RUnlock()
	}
}

func runHooks(hooks []func()) {
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func sortedCores[V any](set map[*varCore]V) []*varCore {
	out := make([]*varCore, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *varCore) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}
