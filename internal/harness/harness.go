package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/wstm/internal/channel"
	"github.com/roach88/wstm/internal/deferred"
	"github.com/roach88/wstm/internal/engine"
	"github.com/roach88/wstm/internal/testutil"
)

type runConfig struct {
	logger     *slog.Logger
	engineOpts []engine.Option
}

// Option configures Run.
type Option func(*runConfig)

// WithLogger sets the engine logger. Default: logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = l
	}
}

// WithEngineOptions passes extra options to the scenario's engine, for
// example recorders. They are applied after the scenario's own settings.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *runConfig) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// world holds the shared objects of one scenario run.
type world struct {
	eng      *engine.Engine
	vars     map[string]*engine.Var[int64]
	channels map[string]*channel.Channel[int64]
	results  map[string]*deferred.Deferred[int64]

	// pending holds the last value each variable was set to in the
	// running transaction; observing marks that its hook is registered.
	pending   *engine.TxLocal[map[string]int64]
	observing *engine.TxFlag

	minMu sync.Mutex
	mins  map[string]int64
}

// Run executes a scenario on a fresh engine and returns the result.
//
// Each scenario gets its own engine with sequential transaction ids
// ("<name>-000001", ...). Worker failures and failed assertions are reported
// in the Result; the error return is reserved for scenarios that cannot run.
//
// Execution flow:
// 1. Create the engine, variables, channels and deferred results
// 2. Start every worker on its own goroutine
// 3. Wait for all workers (the first failure cancels the rest)
// 4. Read the final state in one transaction
// 5. Evaluate assertions
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	policy, err := s.Policy.Build()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	eng := engine.New(append([]engine.Option{
		engine.WithLogger(cfg.logger.With("scenario", s.Name)),
		engine.WithTxIDGenerator(testutil.NewSequentialGenerator(s.Name)),
		engine.WithDefaultPolicy(policy),
		engine.WithDefaultRetryTimeout(s.retryTimeout()),
	}, cfg.engineOpts...)...)
	defer eng.Close()

	w := newWorld(eng, s)
	result := NewResult(s.Name)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	workers := make([]WorkerResult, len(s.Workers))
	g, gctx := errgroup.WithContext(runCtx)
	for i, wk := range s.Workers {
		workers[i].Name = wk.Name
		g.Go(func() error {
			n, err := w.runWorker(gctx, wk)
			workers[i].Committed = n
			if err != nil {
				workers[i].Error = err.Error()
				return fmt.Errorf("worker %s: %w", wk.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	result.Workers = workers
	for _, wr := range workers {
		if wr.Error != "" {
			result.AddError(fmt.Sprintf("worker %s: %s", wr.Name, wr.Error))
		}
	}

	if err := w.readFinal(ctx, result); err != nil {
		return nil, fmt.Errorf("scenario %s: read final state: %w", s.Name, err)
	}

	for _, a := range EvaluateAssertions(result, s.Assertions) {
		result.Assertions = append(result.Assertions, a)
		if !a.Pass {
			result.AddError(fmt.Sprintf("assertion %s %s: expected %d, got %d", a.Type, a.Target, a.Expected, a.Actual))
		}
	}

	result.Stats = eng.Stats()
	result.Elapsed = time.Since(start)
	return result, nil
}

func newWorld(eng *engine.Engine, s *Scenario) *world {
	w := &world{
		eng:      eng,
		vars:     make(map[string]*engine.Var[int64], len(s.Vars)),
		channels: make(map[string]*channel.Channel[int64], len(s.Channels)),
		results:  make(map[string]*deferred.Deferred[int64], len(s.Results)),
		mins:     make(map[string]int64, len(s.Vars)),

		pending:   engine.NewTxLocal[map[string]int64](),
		observing: engine.NewTxFlag(),
	}
	// Sorted so that variable ids follow names, which keeps lock order and
	// profile output stable across runs.
	for _, name := range slices.Sorted(maps.Keys(s.Vars)) {
		w.vars[name] = engine.NewVar(eng, s.Vars[name], engine.VarName(name))
		w.mins[name] = s.Vars[name]
	}
	for _, name := range slices.Sorted(maps.Keys(s.Channels)) {
		w.channels[name] = channel.New[int64](eng,
			channel.WithName(name),
			channel.WithCapacity(s.Channels[name].Capacity))
	}
	for _, name := range s.Results {
		w.results[name] = deferred.New[int64](eng)
	}
	return w
}

// get reads a variable.
func (w *world) get(tx *engine.Tx, name string) int64 {
	return w.vars[name].Get(tx)
}

// set writes a variable. The value it holds when the transaction commits
// is fed into the observed minimum.
func (w *world) set(tx *engine.Tx, name string, v int64) {
	w.vars[name].Set(tx, v)

	prev, _ := w.pending.Get(tx)
	next := maps.Clone(prev)
	if next == nil {
		next = make(map[string]int64, 1)
	}
	next[name] = v
	w.pending.Set(tx, next)

	if !w.observing.TestAndSet(tx) {
		tx.BeforeCommit(func(tx *engine.Tx) error {
			final, _ := w.pending.Get(tx)
			tx.AfterCommit(func() { w.observe(final) })
			return nil
		})
	}
}

func (w *world) observe(committed map[string]int64) {
	w.minMu.Lock()
	defer w.minMu.Unlock()
	for name, v := range committed {
		if v < w.mins[name] {
			w.mins[name] = v
		}
	}
}

// runWorker runs one transaction per iteration and returns how many
// committed.
func (w *world) runWorker(ctx context.Context, wk Worker) (int, error) {
	iterations := max(wk.Iterations, 1)
	amount := wk.Amount
	if amount == 0 {
		amount = 1
	}
	label := wk.Label
	if label == "" {
		label = wk.Name
	}

	for i := 0; i < iterations; i++ {
		body, err := w.step(wk, i, amount)
		if err != nil {
			return i, err
		}
		if err := w.eng.Atomically(ctx, body, engine.WithLabel(label)); err != nil {
			return i, err
		}
	}
	return iterations, nil
}

// step returns the transaction body for iteration i of wk.
func (w *world) step(wk Worker, i int, amount int64) (func(*engine.Tx) error, error) {
	switch wk.Op {
	case OpIncrement:
		return func(tx *engine.Tx) error {
			w.set(tx, wk.Var, w.get(tx, wk.Var)+amount)
			return nil
		}, nil

	case OpTransfer:
		return func(tx *engine.Tx) error {
			bal := w.get(tx, wk.From)
			if bal < amount {
				return tx.Retry()
			}
			w.set(tx, wk.From, bal-amount)
			w.set(tx, wk.To, w.get(tx, wk.To)+amount)
			return nil
		}, nil

	case OpPush:
		ch := w.channels[wk.Channel]
		v := int64(i + 1)
		return func(tx *engine.Tx) error {
			return ch.Push(tx, v)
		}, nil

	case OpPop:
		ch := w.channels[wk.Channel]
		return func(tx *engine.Tx) error {
			v, err := ch.Pop(tx)
			if err != nil {
				return err
			}
			w.set(tx, wk.Var, w.get(tx, wk.Var)+v)
			return nil
		}, nil

	case OpDrain:
		ch := w.channels[wk.Channel]
		return func(tx *engine.Tx) error {
			vals := ch.ReadAll(tx)
			if len(vals) == 0 {
				if ch.IsClosed(tx) {
					return channel.ErrClosed
				}
				return tx.Retry()
			}
			sum := w.get(tx, wk.Var)
			for _, v := range vals {
				sum += v
			}
			w.set(tx, wk.Var, sum)
			return nil
		}, nil

	case OpTake:
		alts := make([]func(*engine.Tx) error, len(wk.Vars))
		for j, name := range wk.Vars {
			alts[j] = func(tx *engine.Tx) error {
				v := w.get(tx, name)
				if v < amount {
					return tx.Retry()
				}
				w.set(tx, name, v-amount)
				return nil
			}
		}
		take := engine.OrElse(alts...)
		return func(tx *engine.Tx) error {
			if err := take(tx); err != nil {
				return err
			}
			if wk.Var != "" {
				w.set(tx, wk.Var, w.get(tx, wk.Var)+amount)
			}
			return nil
		}, nil

	case OpClose:
		ch := w.channels[wk.Channel]
		return func(tx *engine.Tx) error {
			ch.Close(tx)
			return nil
		}, nil

	case OpWait:
		return func(tx *engine.Tx) error {
			return tx.Check(w.get(tx, wk.Var) >= wk.Value)
		}, nil

	case OpResolve:
		d := w.results[wk.Result]
		return func(tx *engine.Tx) error {
			v := w.get(tx, wk.Var)
			if err := tx.Check(v >= wk.Value); err != nil {
				return err
			}
			d.Resolve(tx, v)
			return nil
		}, nil

	case OpAwait:
		d := w.results[wk.Result]
		return func(tx *engine.Tx) error {
			v, err := d.RetryIfNotDone(tx)
			if err != nil {
				return err
			}
			w.set(tx, wk.Var, v)
			return nil
		}, nil
	}
	return nil, fmt.Errorf("unknown op %q", wk.Op)
}

// readFinal snapshots every variable and channel length in one transaction.
// Observed minimums are copied afterwards; the AfterCommit observers of
// every worker transaction have run by then.
func (w *world) readFinal(ctx context.Context, result *Result) error {
	type state struct {
		vars     map[string]int64
		channels map[string]int64
	}
	st, err := engine.AtomicallyValue(ctx, w.eng, func(tx *engine.Tx) (state, error) {
		st := state{vars: make(map[string]int64, len(w.vars))}
		for name, v := range w.vars {
			st.vars[name] = v.Get(tx)
		}
		if len(w.channels) > 0 {
			st.channels = make(map[string]int64, len(w.channels))
			for name, ch := range w.channels {
				st.channels[name] = int64(ch.Len(tx))
			}
		}
		return st, nil
	}, engine.WithLabel("final-state"))
	if err != nil {
		return err
	}
	result.Vars = st.vars
	result.Channels = st.channels
	result.MinObserved = w.minObserved()
	return nil
}

// minObserved returns a copy of the observed minimums.
func (w *world) minObserved() map[string]int64 {
	w.minMu.Lock()
	defer w.minMu.Unlock()
	return maps.Clone(w.mins)
}
