package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	e := New(append(base, opts...)...)
	t.Cleanup(e.Close)
	return e
}

// interfere commits a blind write of val to v from another goroutine and
// waits for it. Used to force a conflict on the calling transaction.
func interfere[T any](t *testing.T, e *Engine, v *Var[T], val T) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- e.Atomically(context.Background(), func(tx *Tx) error {
			v.Set(tx, val)
			return nil
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("interfering transaction did not finish")
	}
}

func TestEngine_New(t *testing.T) {
	e := newTestEngine(t)

	assert.NotNil(t, e.clock)
	assert.NotNil(t, e.varIDs)
	assert.IsType(t, UUIDv7Generator{}, e.idGen)
	assert.Equal(t, -1, e.maxRetries)
	assert.False(t, e.Closed())
}

func TestAtomically_CommitPublishesWrites(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 1, VarName("x"))

	err := e.Atomically(context.Background(), func(tx *Tx) error {
		x.Set(tx, x.Get(tx)+41)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, x.Load())
	assert.Equal(t, uint64(1), x.Version())
	assert.Equal(t, "x", x.Name())
}

func TestAtomically_RepeatableRead(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, "a")

	err := e.Atomically(context.Background(), func(tx *Tx) error {
		first := x.Get(tx)
		if tx.Attempt() == 1 {
			// A commit after the first read does not change what tx sees;
			// it makes the attempt conflict instead.
			interfere(t, e, x, "b")
		}
		assert.Equal(t, first, x.Get(tx))
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "b", x.Load())
}

func TestAtomically_ReadOnlyDoesNotBumpVersion(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 7)

	got, err := AtomicallyValue(context.Background(), e, func(tx *Tx) (int, error) {
		return x.Get(tx), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, uint64(0), x.Version())
	assert.Equal(t, int64(1), e.Stats().ReadCommits)
	assert.Equal(t, int64(0), e.Stats().WriteCommits)
}

func TestAtomically_VersionIncrementsOncePerCommit(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
			// Several writes in one transaction are one commit.
			x.Set(tx, x.Get(tx)+1)
			x.Set(tx, x.Get(tx)+1)
			return nil
		}))
	}

	assert.Equal(t, 10, x.Load())
	assert.Equal(t, uint64(5), x.Version())
}

func TestAtomically_ConcurrentCounter(t *testing.T) {
	e := newTestEngine(t)
	counter := NewVar(e, 0, VarName("counter"))

	const goroutines = 2
	const increments = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := e.Atomically(context.Background(), func(tx *Tx) error {
					counter.Modify(tx, func(n int) int { return n + 1 })
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*increments, counter.Load(), "no lost updates")
	assert.Equal(t, uint64(goroutines*increments), counter.Version())
}

func TestAtomically_ManyWritersNoLostUpdate(t *testing.T) {
	e := newTestEngine(t)
	a := NewVar(e, 0)
	b := NewVar(e, 0)

	const goroutines = 8
	const increments = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := e.Atomically(context.Background(), func(tx *Tx) error {
					a.Set(tx, a.Get(tx)+1)
					b.Set(tx, b.Get(tx)+2)
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*increments, a.Load())
	assert.Equal(t, 2*goroutines*increments, b.Load())
}

func TestAtomically_DisjointWritesCommute(t *testing.T) {
	e := newTestEngine(t)

	const goroutines = 8
	const increments = 1000

	vars := make([]*Var[int], goroutines)
	for i := range vars {
		vars[i] = NewVar(e, 0)
	}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(v *Var[int]) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := e.Atomically(context.Background(), func(tx *Tx) error {
					v.Set(tx, v.Get(tx)+1)
					return nil
				})
				assert.NoError(t, err)
			}
		}(vars[g])
	}
	wg.Wait()

	for i, v := range vars {
		assert.Equal(t, increments, v.Load(), "var %d", i)
	}
	assert.Equal(t, int64(0), e.Stats().Conflicts, "disjoint transactions never conflict")
	assert.Equal(t, int64(goroutines*increments), e.Stats().WriteCommits)
}

func TestAtomically_OpposingTransfers(t *testing.T) {
	e := newTestEngine(t)
	a := NewVar(e, 1000, VarName("a"))
	b := NewVar(e, 0, VarName("b"))

	const iterations = 5000
	const amount = 10

	var negative, inconsistent atomic.Bool
	transfer := func(from, to *Var[int]) {
		for i := 0; i < iterations; i++ {
			err := e.Atomically(context.Background(), func(tx *Tx) error {
				av, bv := a.Get(tx), b.Get(tx)
				if av < 0 || bv < 0 {
					negative.Store(true)
				}
				if av+bv != 1000 {
					inconsistent.Store(true)
				}
				if from.Get(tx) < amount {
					return tx.Retry()
				}
				from.Set(tx, from.Get(tx)-amount)
				to.Set(tx, to.Get(tx)+amount)
				return nil
			}, WithLabel("transfer"))
			assert.NoError(t, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); transfer(a, b) }()
	go func() { defer wg.Done(); transfer(b, a) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("transfers did not finish")
	}

	assert.Equal(t, 1000, a.Load())
	assert.Equal(t, 0, b.Load())
	assert.Equal(t, 1000, a.Load()+b.Load())
	assert.False(t, negative.Load(), "a balance was observed negative")
	assert.False(t, inconsistent.Load(), "a body observed a torn state")
}

func TestAtomically_ApplicationErrorReturnedOnce(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 1)
	errBoom := errors.New("boom")

	calls := 0
	failed := 0
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		calls++
		tx.OnFail(func() { failed++ })
		x.Set(tx, 99)
		return errBoom
	})

	assert.Same(t, errBoom, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, x.Load(), "writes of a failed body are discarded")
	assert.Equal(t, uint64(0), x.Version())
}

func TestAtomically_PanicReleasesLocksAndPropagates(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	failed := false
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = e.Atomically(context.Background(), func(tx *Tx) error {
			tx.OnFail(func() { failed = true })
			x.Set(tx, 1)
			panic("kaboom")
		}, WithPolicy(RunLockedAfter(1, ScopeEngine)))
	})
	assert.True(t, failed)
	assert.Equal(t, 0, x.Load())

	// The engine is still usable.
	require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
		x.Set(tx, 2)
		return nil
	}))
	assert.Equal(t, 2, x.Load())
}

func TestAtomically_ConflictRestartsBody(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0, VarName("x"))

	var failures int
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		tx.OnFail(func() { failures++ })
		v := x.Get(tx)
		if tx.Attempt() == 1 {
			interfere(t, e, x, 10)
		}
		x.Set(tx, v+1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 11, x.Load(), "restarted body saw the interfering commit")
	assert.Equal(t, 1, failures)
	assert.Equal(t, int64(1), e.Stats().Conflicts)
}

func TestAtomically_ValidateDetectsChange(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	attempts := 0
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		attempts++
		_ = x.Get(tx)
		if tx.Attempt() == 1 {
			interfere(t, e, x, 5)
			tx.Validate()
			t.Error("Validate should have unwound the attempt")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestAtomically_ClosedEngine(t *testing.T) {
	e := newTestEngine(t)
	e.Close()
	e.Close() // idempotent

	err := e.Atomically(context.Background(), func(tx *Tx) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.True(t, e.Closed())
}

func TestAtomically_CanceledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Atomically(ctx, func(tx *Tx) error { return nil })

	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAtomicallyValue_Error(t *testing.T) {
	e := newTestEngine(t)
	errNope := errors.New("nope")

	v, err := AtomicallyValue(context.Background(), e, func(tx *Tx) (string, error) {
		return "partial", errNope
	})

	assert.ErrorIs(t, err, errNope)
	assert.Empty(t, v)
}

func TestTx_UsedAfterAttemptPanics(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	var leaked *Tx
	require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
		leaked = tx
		return nil
	}))

	assert.Equal(t, StatusCommitted, leaked.Status())
	assertUsagePanic(t, UsageTxFinished, func() { x.Get(leaked) })
	assertUsagePanic(t, UsageTxFinished, func() { _ = leaked.Retry() })
	assertUsagePanic(t, UsageNilTx, func() { x.Set(nil, 1) })
}

func TestTx_ForeignVarPanics(t *testing.T) {
	e1 := newTestEngine(t)
	e2 := newTestEngine(t)
	x := NewVar(e2, 0)

	assertUsagePanic(t, UsageForeignVar, func() {
		_ = e1.Atomically(context.Background(), func(tx *Tx) error {
			x.Set(tx, 1)
			return nil
		})
	})
}

func assertUsagePanic(t *testing.T, code UsageCode, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a usage panic")
		ue, ok := r.(*UsageError)
		require.True(t, ok, "panic value %v is not a *UsageError", r)
		assert.Equal(t, code, ue.Code)
	}()
	fn()
}

func TestTxError_Format(t *testing.T) {
	err := &TxError{
		Code:      ErrCodeRetryTimeout,
		Message:   "retry wait exceeded deadline",
		TxID:      "tx-1",
		Label:     "pop",
		Attempts:  2,
		Conflicts: 0,
		Retries:   1,
	}

	assert.Equal(t,
		"RETRY_TIMEOUT: retry wait exceeded deadline (tx=tx-1, label=pop, attempts=2, conflicts=0, retries=1)",
		err.Error())
	assert.True(t, IsTimeoutError(err))
	assert.False(t, IsConflictError(err))
	assert.ErrorIs(t, err, ErrRetryTimeout)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("tx-1", "tx-2")
	e := newTestEngine(t, WithTxIDGenerator(gen))

	var ids []string
	for i := 0; i < 2; i++ {
		require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
			ids = append(ids, tx.ID())
			return nil
		}))
	}

	assert.Equal(t, []string{"tx-1", "tx-2"}, ids)
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()

	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "UUIDv7 ids sort by creation time")
}
