package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// varState is one committed state of a variable. States are immutable once
// published; a commit replaces the pointer.
type varState struct {
	version uint64 // writing commits so far
	stamp   int64  // commit clock value of the commit that published it
	value   any
}

// varCore is the untyped part of a variable shared by the engine.
type varCore struct {
	id   uint64
	name string
	eng  *Engine

	state atomic.Pointer[varState]

	// mu is the commit lock. owner is set while mu is held by a committer or
	// by a locked run, so readers can detect the in-flight commit.
	mu    sync.Mutex
	owner atomic.Pointer[Tx]

	watchMu  sync.Mutex
	watchers map[*waiter]struct{}
}

func (c *varCore) info() VarInfo {
	return VarInfo{ID: c.id, Name: c.name}
}

func (c *varCore) label() string {
	if c.name != "" {
		return c.name
	}
	return fmt.Sprintf("var#%d", c.id)
}

func (c *varCore) subscribe(w *waiter) {
	c.watchMu.Lock()
	if c.watchers == nil {
		c.watchers = make(map[*waiter]struct{})
	}
	c.watchers[w] = struct{}{}
	c.watchMu.Unlock()
}

func (c *varCore) unsubscribe(w *waiter) {
	c.watchMu.Lock()
	delete(c.watchers, w)
	c.watchMu.Unlock()
}

// notify wakes every transaction waiting on this variable.
func (c *varCore) notify() {
	c.watchMu.Lock()
	for w := range c.watchers {
		w.notify()
	}
	c.watchMu.Unlock()
}

// waitUnlocked blocks until the current holder of the commit lock lets go.
func (c *varCore) waitUnlocked() {
	c.mu.Lock()
	c.mu.Unlock()
}

// VarInfo identifies a variable in diagnostics.
type VarInfo struct {
	ID   uint64 `json:"id"`
	Name string `json:"name,omitempty"`
}

// VarOption configures a variable at construction.
type VarOption func(*varCore)

// VarName attaches a name used in logs, conflict info and profiles.
func VarName(name string) VarOption {
	return func(c *varCore) {
		c.name = name
	}
}

// Var is a transactional variable holding a value of type T.
//
// Values stored in a Var must be treated as immutable: a transaction that
// wants to change a slice or map stores a new one. Persistent structures
// (see the plist package) avoid the copying.
type Var[T any] struct {
	core *varCore
}

// NewVar creates a variable owned by e with the given initial value.
// The variable id, taken from a per-engine sequence, is its lock order.
func NewVar[T any](e *Engine, initial T, opts ...VarOption) *Var[T] {
	c := &varCore{
		id:  uint64(e.varIDs.Next()),
		eng: e,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(&varState{value: initial})
	return &Var[T]{core: c}
}

// Get returns the value of v as seen by tx. The first read records the
// variable in the read set; later reads return the same value unless tx
// itself wrote v.
func (v *Var[T]) Get(tx *Tx) T {
	tx.checkVar(v.core)
	return cast[T](tx.read(v.core))
}

// Set records a pending write of val. Nothing is visible to other
// transactions until the top-level transaction commits.
func (v *Var[T]) Set(tx *Tx, val T) {
	tx.checkVar(v.core)
	tx.write(v.core, val)
}

// Modify replaces the value with fn applied to the current one.
func (v *Var[T]) Modify(tx *Tx, fn func(T) T) {
	v.Set(tx, fn(v.Get(tx)))
}

// Load returns the latest committed value without a transaction.
// The read is not recorded anywhere and may be stale by the time it returns.
func (v *Var[T]) Load() T {
	return cast[T](v.core.state.Load().value)
}

// Version returns the number of commits that have written v.
func (v *Var[T]) Version() uint64 {
	return v.core.state.Load().version
}

// ID returns the allocation-time id.
func (v *Var[T]) ID() uint64 {
	return v.core.id
}

// Name returns the name given with VarName, or "".
func (v *Var[T]) Name() string {
	return v.core.name
}

// Info returns the id and name.
func (v *Var[T]) Info() VarInfo {
	return v.core.info()
}

func cast[T any](v any) T {
	t, _ := v.(T)
	return t
}
