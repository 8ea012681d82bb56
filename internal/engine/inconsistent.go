package engine

// Inconsistent reads variables without a transaction. Reads are not
// validated against each other, so a commit may land between two of them,
// unless the reader holds the read lock.
//
// An Inconsistent is valid only inside the function passed to Inconsistently.
type Inconsistent struct {
	eng   *Engine
	locks int
	done  bool
}

// Inconsistently runs fn with a reader for untracked reads. It must not be
// called from inside a transaction body: a read lock taken there would wait
// on the body's own commit.
func (e *Engine) Inconsistently(fn func(*Inconsistent)) {
	in := &Inconsistent{eng: e}
	defer in.end()
	fn(in)
}

// InconsistentlyValue is Inconsistently for functions that return a value.
func InconsistentlyValue[T any](e *Engine, fn func(*Inconsistent) T) T {
	var out T
	e.Inconsistently(func(in *Inconsistent) {
		out = fn(in)
	})
	return out
}

// ReadLock holds off writing commits and locked runs until the matching
// ReadUnlock, so that every read in between sees the same committed state.
// Calls nest.
func (in *Inconsistent) ReadLock() {
	in.check()
	if in.locks == 0 {
		in.eng.gate.Lock()
	}
	in.locks++
}

// ReadUnlock releases one ReadLock.
func (in *Inconsistent) ReadUnlock() {
	in.check()
	if in.locks == 0 {
		return
	}
	in.locks--
	if in.locks == 0 {
		in.eng.gate.Unlock()
	}
}

// IsReadLocked reports whether the reader holds the read lock.
func (in *Inconsistent) IsReadLocked() bool {
	return in.locks > 0
}

func (in *Inconsistent) check() {
	if in.done {
		PanicUsage(UsageTxFinished, "inconsistent reader used after Inconsistently returned")
	}
}

// end drops any read lock still held.
func (in *Inconsistent) end() {
	if in.locks > 0 {
		in.locks = 0
		in.eng.gate.Unlock()
	}
	in.done = true
}

// GetInconsistent returns the latest committed value of v.
func (v *Var[T]) GetInconsistent(in *Inconsistent) T {
	in.check()
	if v.core.eng != in.eng {
		PanicUsage(UsageForeignVar, "%s belongs to another engine", v.core.label())
	}
	return v.Load()
}
