// Package deferred provides a set-once result that transactions can wait on.
//
// A Deferred starts pending and is resolved with a value or failed with an
// error exactly once. Consumers call RetryIfNotDone inside a transaction:
// while the result is pending the transaction retries, so it blocks until
// the resolving transaction commits.
package deferred

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/wstm/internal/engine"
	"github.com/roach88/wstm/internal/plist"
)

// ErrNilFailure is stored when Fail is called with a nil error.
var ErrNilFailure = errors.New("deferred: failed without an error")

type outcome[T any] struct {
	done  bool
	value T
	err   error
}

// Callback receives the result once it is known.
type Callback[T any] func(value T, err error)

// Deferred is the eventual result of one unit of work.
type Deferred[T any] struct {
	eng       *engine.Engine
	state     *engine.Var[outcome[T]]
	readers   *engine.Var[int]
	callbacks *engine.Var[plist.List[Callback[T]]]
}

// New creates a pending Deferred.
func New[T any](e *engine.Engine) *Deferred[T] {
	return newWith(e, outcome[T]{})
}

// Resolved creates a Deferred already resolved with v.
func Resolved[T any](e *engine.Engine, v T) *Deferred[T] {
	return newWith(e, outcome[T]{done: true, value: v})
}

// FailedWith creates a Deferred already failed with err.
func FailedWith[T any](e *engine.Engine, err error) *Deferred[T] {
	if err == nil {
		err = ErrNilFailure
	}
	return newWith(e, outcome[T]{done: true, err: err})
}

func newWith[T any](e *engine.Engine, o outcome[T]) *Deferred[T] {
	return &Deferred[T]{
		eng:       e,
		state:     engine.NewVar(e, o),
		readers:   engine.NewVar(e, 0),
		callbacks: engine.NewVar(e, plist.List[Callback[T]]{}),
	}
}

func (d *Deferred[T]) settle(tx *engine.Tx, o outcome[T]) {
	if d.state.Get(tx).done {
		engine.PanicUsage(engine.UsageAlreadyResolved, "deferred result resolved twice")
	}
	d.state.Set(tx, o)

	cbs := d.callbacks.Get(tx)
	if cbs.IsEmpty() {
		return
	}
	d.callbacks.Set(tx, plist.List[Callback[T]]{})
	tx.AfterCommit(func() {
		for cb := range cbs.All() {
			cb(o.value, o.err)
		}
	})
}

// Resolve completes the result with v. A second Resolve or Fail panics with
// a *engine.UsageError.
func (d *Deferred[T]) Resolve(tx *engine.Tx, v T) {
	d.settle(tx, outcome[T]{done: true, value: v})
}

// Fail completes the result with err. A second Resolve or Fail panics with
// a *engine.UsageError.
func (d *Deferred[T]) Fail(tx *engine.Tx, err error) {
	if err == nil {
		err = ErrNilFailure
	}
	d.settle(tx, outcome[T]{done: true, err: err})
}

// RetryIfNotDone returns the value once resolved, or the failure. While the
// result is pending it returns the retry signal, which the body must return.
func (d *Deferred[T]) RetryIfNotDone(tx *engine.Tx) (T, error) {
	o := d.state.Get(tx)
	if !o.done {
		var zero T
		return zero, tx.Retry()
	}
	return o.value, o.err
}

// IsDone reports whether the result has been resolved or failed.
func (d *Deferred[T]) IsDone(tx *engine.Tx) bool {
	return d.state.Get(tx).done
}

// Failed returns the failure, or nil if pending or resolved with a value.
func (d *Deferred[T]) Failed(tx *engine.Tx) error {
	return d.state.Get(tx).err
}

// OnDone registers cb to run after the result is known. If it already is,
// cb runs after tx commits. Callbacks run outside any transaction.
func (d *Deferred[T]) OnDone(tx *engine.Tx, cb Callback[T]) {
	o := d.state.Get(tx)
	if o.done {
		tx.AfterCommit(func() { cb(o.value, o.err) })
		return
	}
	d.callbacks.Set(tx, d.callbacks.Get(tx).PushBack(cb))
}

// Acquire registers interest in the result.
func (d *Deferred[T]) Acquire(tx *engine.Tx) {
	d.readers.Set(tx, d.readers.Get(tx)+1)
}

// Release withdraws interest registered with Acquire. Producers can poll
// HasReaders to stop work nobody waits for. Releasing more often than
// acquiring panics with a *engine.UsageError.
func (d *Deferred[T]) Release(tx *engine.Tx) {
	n := d.readers.Get(tx)
	if n == 0 {
		engine.PanicUsage(engine.UsageReleased, "deferred result released without a reader")
	}
	d.readers.Set(tx, n-1)
}

// HasReaders reports whether any reader holds interest.
func (d *Deferred[T]) HasReaders(tx *engine.Tx) bool {
	return d.readers.Get(tx) > 0
}

// Wait blocks until the result is known, ctx is done or timeout passes
// (timeout <= 0 waits without limit).
func (d *Deferred[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var opts []engine.TxOption
	if timeout > 0 {
		opts = append(opts, engine.WithRetryTimeout(timeout))
	}
	return engine.AtomicallyValue(ctx, d.eng, d.RetryIfNotDone, opts...)
}

// Complete resolves d with v in its own transaction.
func (d *Deferred[T]) Complete(ctx context.Context, v T) error {
	return d.eng.Atomically(ctx, func(tx *engine.Tx) error {
		d.Resolve(tx, v)
		return nil
	})
}
