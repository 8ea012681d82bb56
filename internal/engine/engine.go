package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine runs transactions over the variables created with it.
//
// Thread-safety model:
//   - Atomically: safe from any goroutine; each call runs on the caller's
//     goroutine
//   - NewVar, Load: safe from any goroutine
//   - Tx: confined to the goroutine running the body
//
// INVARIANTS:
//   - A variable's version increases by exactly one per commit that writes it
//   - Commit locks are taken in ascending variable id order, after the gate
//   - Subscribers are notified only after the new states are published
type Engine struct {
	clock  *Clock // commit clock
	varIDs *Clock // variable id sequence

	// gate is held shared by writing commits and variables-scoped locked runs,
	// and exclusively by engine-scoped locked runs.
	gate sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once

	logger       *slog.Logger
	recorders    []Recorder
	idGen        TxIDGenerator
	policy       Policy
	maxRetries   int
	retryTimeout time.Duration

	stats     counters
	prof      profiler
	recordSeq atomic.Int64
	created   time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRecorder adds recorders that receive a TxRecord for every finished
// top-level transaction.
func WithRecorder(r ...Recorder) Option {
	return func(e *Engine) {
		e.recorders = append(e.recorders, r...)
	}
}

// WithTxIDGenerator sets the transaction id generator.
// Default: UUIDv7Generator.
func WithTxIDGenerator(g TxIDGenerator) Option {
	return func(e *Engine) {
		e.idGen = g
	}
}

// WithDefaultPolicy sets the conflict policy used when a transaction does
// not pass WithPolicy. Default: AlwaysRestart().
func WithDefaultPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithDefaultMaxRetries sets the retry limit used when a transaction does
// not pass WithMaxRetries. Default: unlimited.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithDefaultRetryTimeout sets the retry wait limit used when a transaction
// does not pass WithRetryTimeout. Default: none.
func WithDefaultRetryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.retryTimeout = d
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:      NewClock(),
		varIDs:     NewClock(),
		done:       make(chan struct{}),
		logger:     slog.Default(),
		idGen:      UUIDv7Generator{},
		policy:     AlwaysRestart(),
		maxRetries: -1,
		created:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.prof.since = e.created
	return e
}

// Close wakes every transaction blocked in retry with ErrEngineClosed and
// makes later calls to Atomically fail the same way. Variables stay
// readable with Load.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		s := e.Stats()
		e.logger.Info("engine closed",
			"commits", s.Commits(),
			"conflicts", s.Conflicts,
			"retries", s.Retries,
			"locked_runs", s.LockedRuns)
	})
}

// Done returns a channel closed by Close.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

type txConfig struct {
	policy       Policy
	maxRetries   int
	retryTimeout time.Duration
	label        string
}

// TxOption configures one call to Atomically.
type TxOption func(*txConfig)

// WithPolicy sets the conflict policy of the transaction.
func WithPolicy(p Policy) TxOption {
	return func(c *txConfig) {
		c.policy = p
	}
}

// WithMaxRetries fails the transaction with ErrMaxRetries when its body asks
// to retry after it has already waited n times. Negative means unlimited.
func WithMaxRetries(n int) TxOption {
	return func(c *txConfig) {
		c.maxRetries = n
	}
}

// WithRetryTimeout limits every retry wait to d. A body deadline given with
// RetryFor or RetryUntil still applies if it is earlier.
func WithRetryTimeout(d time.Duration) TxOption {
	return func(c *txConfig) {
		c.retryTimeout = d
	}
}

// WithLabel names the transaction in logs, errors and records.
func WithLabel(label string) TxOption {
	return func(c *txConfig) {
		c.label = label
	}
}

// Atomically runs body as a transaction and returns once it has committed
// or failed.
//
// body may run several times and must not have side effects other than
// through variables and hooks. Its error is returned unchanged, exactly
// once, and none of its writes are published. Engine-side failures are
// *TxError values: ErrConflict (policy gave up), ErrRetryTimeout,
// ErrMaxRetries, ErrCanceled (ctx done) and ErrEngineClosed.
//
// body must not call Atomically on an engine; use Tx.Atomically to nest.
func (e *Engine) Atomically(ctx context.Context, body func(*Tx) error, opts ...TxOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := txConfig{
		policy:       e.policy,
		maxRetries:   e.maxRetries,
		retryTimeout: e.retryTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil {
		cfg.policy = AlwaysRestart()
	}
	run := &txRun{
		eng:   e,
		id:    e.idGen.Generate(),
		ctx:   ctx,
		cfg:   cfg,
		start: time.Now(),
	}

	finished := false
	defer func() {
		if !finished {
			e.record(run, OutcomePanic)
		}
	}()
	err := e.runLoop(run, body)
	finished = true
	e.record(run, outcomeOf(err))
	return err
}

// AtomicallyValue runs body as a transaction and returns its value.
func AtomicallyValue[T any](ctx context.Context, e *Engine, body func(*Tx) (T, error), opts ...TxOption) (T, error) {
	var out T
	err := e.Atomically(ctx, func(tx *Tx) error {
		v, err := body(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

type attemptResult struct {
	tx       *Tx
	err      error
	retry    *retrySignal
	conflict *conflictSignal
	touched  []*varCore
}

func (e *Engine) runLoop(run *txRun, body func(*Tx) error) error {
	budget := newRetryBudget(run.cfg.maxRetries)
	for {
		if e.Closed() {
			return run.newError(ErrCodeClosed, "engine closed", nil)
		}
		if err := run.ctx.Err(); err != nil {
			return run.newError(ErrCodeCanceled, "context done", err)
		}

		run.attempt++
		res := e.runAttempt(run, body)

		switch {
		case res.conflict != nil:
			if err := e.resolveConflict(run, res); err != nil {
				return err
			}

		case res.retry != nil:
			if !budget.take() {
				return run.newError(ErrCodeMaxRetries,
					fmt.Sprintf("retry requested after %d retries", budget.Used()), nil)
			}
			run.retries = budget.Used()
			e.stats.retries.Add(1)
			run.mode = modeOptimistic
			if err := e.waitForChange(run, res.tx, res.retry); err != nil {
				return err
			}

		case res.err != nil:
			return res.err

		default:
			for _, fn := range res.tx.scopes[0].after {
				fn()
			}
			return nil
		}
	}
}

// runAttempt runs one attempt of body and classifies how it ended. Panics
// other than the internal conflict signal abort the attempt and propagate.
func (e *Engine) runAttempt(run *txRun, body func(*Tx) error) (res attemptResult) {
	tx := e.begin(run)
	res.tx = tx

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		run.lastReads, run.lastWrites = len(tx.reads), tx.writeCount()
		cs, ok := r.(conflictSignal)
		if !ok {
			tx.finish(StatusAborted)
			panic(r)
		}
		res.conflict = &cs
		res.touched = tx.touched()
		tx.finish(StatusAborted)
	}()

	err := body(tx)
	if err == nil {
		err = tx.runBeforeCommit()
	}
	run.lastReads, run.lastWrites = len(tx.reads), tx.writeCount()
	if err != nil {
		if rs, ok := asRetry(err); ok {
			res.retry = rs
			tx.finish(StatusRetrying)
			return res
		}
		res.err = err
		tx.finish(StatusAborted)
		return res
	}

	tx.commit()
	tx.finish(StatusCommitted)
	return res
}

// begin starts an attempt, taking the locks of a locked run first.
func (e *Engine) begin(run *txRun) *Tx {
	tx := &Tx{
		run:    run,
		reads:  make(map[*varCore]*varState),
		scopes: []*scope{newScope()},
	}
	switch run.mode {
	case modeLockedEngine:
		e.gate.Lock()
		tx.exclusive = true
	case modeLockedVars:
		e.gate.RLock()
		tx.shared = true
		tx.held = make(map[*varCore]bool, len(run.lockVars))
		for _, c := range run.lockVars {
			c.mu.Lock()
			c.owner.Store(tx)
			tx.held[c] = true
		}
	}
	tx.rv = e.clock.Current()
	return tx
}

func (e *Engine) resolveConflict(run *txRun, res attemptResult) error {
	cs := res.conflict
	run.conflicts++
	e.stats.conflicts.Add(1)
	if run.conflictVars == nil {
		run.conflictVars = make(map[*varCore]int)
	}
	run.conflictVars[cs.core]++

	e.logger.Debug("transaction conflict",
		"tx", run.id,
		"label", run.cfg.label,
		"attempt", run.attempt,
		"var", cs.core.label(),
		"locked", cs.locked)

	if run.mode != modeOptimistic {
		// A variables-scoped run needed a variable it did not hold.
		run.mode = modeLockedEngine
		run.lockVars = nil
		e.stats.lockedRuns.Add(1)
		e.logger.Warn("escalating locked run to engine scope",
			"tx", run.id,
			"label", run.cfg.label,
			"var", cs.core.label())
		return nil
	}

	policy := run.cfg.policy
	info := ConflictInfo{
		TxID:      run.id,
		Label:     run.cfg.label,
		Attempt:   run.attempt,
		Conflicts: run.conflicts,
		Retries:   run.retries,
		Vars:      []VarInfo{cs.core.info()},
		Locked:    cs.locked,
	}
	switch policy.Decide(info) {
	case RunLocked:
		scope := policy.LockScope()
		run.lockedRuns++
		e.stats.lockedRuns.Add(1)
		if scope == ScopeVariables {
			run.mode = modeLockedVars
			run.lockVars = res.touched
		} else {
			run.mode = modeLockedEngine
		}
		e.logger.Warn("running transaction locked",
			"tx", run.id,
			"label", run.cfg.label,
			"scope", scope.String(),
			"conflicts", run.conflicts)
		return nil

	case Propagate:
		return run.newError(ErrCodeConflict,
			fmt.Sprintf("conflict on %s after %d attempts", cs.core.label(), run.attempt), nil)
	}

	if cs.locked {
		cs.core.waitUnlocked()
	}
	return nil
}
