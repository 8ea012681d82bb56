package engine

import "sync/atomic"

var localKeys atomic.Uint64

// TxLocal holds a value that lives only as long as one transaction attempt.
// A nested transaction starts with its parent's value; what it sets becomes
// the parent's value if it succeeds and is thrown away otherwise. Values are
// gone once the attempt ends, so AfterCommit hooks cannot read them, but
// BeforeCommit hooks can.
//
// Each TxLocal has its own integer key, so a new TxLocal never sees a value
// left by an earlier one.
type TxLocal[T any] struct {
	key uint64
}

// NewTxLocal creates a transaction-local value.
func NewTxLocal[T any]() *TxLocal[T] {
	return &TxLocal[T]{key: localKeys.Add(1)}
}

// Get returns the value set in tx or one of its enclosing scopes, and
// whether one was set.
func (l *TxLocal[T]) Get(tx *Tx) (T, bool) {
	tx.checkActive()
	for i := len(tx.scopes) - 1; i >= 0; i-- {
		if v, ok := tx.scopes[i].locals[l.key]; ok {
			return cast[T](v), true
		}
	}
	var zero T
	return zero, false
}

// Set stores v for the rest of the current scope.
func (l *TxLocal[T]) Set(tx *Tx, v T) {
	tx.checkActive()
	tx.top().setLocal(l.key, v)
}

func (s *scope) setLocal(key uint64, v any) {
	if s.locals == nil {
		s.locals = make(map[uint64]any)
	}
	s.locals[key] = v
}

// TxFlag is a transaction-local boolean for work that must happen at most
// once per transaction.
type TxFlag struct {
	set *TxLocal[bool]
}

// NewTxFlag creates a cleared flag.
func NewTxFlag() *TxFlag {
	return &TxFlag{set: NewTxLocal[bool]()}
}

// TestAndSet sets the flag and reports whether it was already set.
func (f *TxFlag) TestAndSet(tx *Tx) bool {
	was, _ := f.set.Get(tx)
	if !was {
		f.set.Set(tx, true)
	}
	return was
}
