package engine

import "fmt"

// Decision is a conflict policy's answer.
type Decision int

const (
	// Restart re-runs the body optimistically with a fresh read/write set.
	Restart Decision = iota

	// RunLocked re-runs the body under a lock that rules out further
	// conflicts, so the transaction is guaranteed to finish.
	RunLocked

	// Propagate gives up and returns a conflict error to the caller.
	Propagate
)

func (d Decision) String() string {
	switch d {
	case Restart:
		return "restart"
	case RunLocked:
		return "run-locked"
	case Propagate:
		return "propagate"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// LockScope selects what a locked run holds.
type LockScope int

const (
	// ScopeEngine holds the engine commit gate exclusively for the whole
	// attempt. No other transaction can commit writes meanwhile.
	ScopeEngine LockScope = iota

	// ScopeVariables holds the commit locks of the variables the failed
	// attempt touched. Transactions on other variables keep running. If the
	// locked attempt touches a variable it does not hold and conflicts on it,
	// the next attempt falls back to ScopeEngine.
	ScopeVariables
)

func (s LockScope) String() string {
	switch s {
	case ScopeEngine:
		return "engine"
	case ScopeVariables:
		return "variables"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseLockScope parses "engine" or "variables".
func ParseLockScope(s string) (LockScope, error) {
	switch s {
	case "", "engine":
		return ScopeEngine, nil
	case "variables", "vars":
		return ScopeVariables, nil
	}
	return ScopeEngine, fmt.Errorf("unknown lock scope %q (want engine or variables)", s)
}

// ConflictInfo is what a policy sees about a conflict.
type ConflictInfo struct {
	TxID      string
	Label     string
	Attempt   int // attempt that conflicted
	Conflicts int // conflicts so far, including this one
	Retries   int
	Vars      []VarInfo // variables the attempt conflicted on
	Locked    bool      // a variable was held by another committer
}

// Policy decides what happens after a conflict. Decide must not touch
// transactional variables.
type Policy interface {
	Decide(info ConflictInfo) Decision

	// LockScope is the scope used when Decide returns RunLocked.
	LockScope() LockScope
}

type alwaysRestart struct{}

func (alwaysRestart) Decide(ConflictInfo) Decision { return Restart }
func (alwaysRestart) LockScope() LockScope         { return ScopeEngine }

// AlwaysRestart restarts after every conflict. It is the default.
func AlwaysRestart() Policy {
	return alwaysRestart{}
}

type runLockedAfter struct {
	n     int
	scope LockScope
}

func (p runLockedAfter) Decide(info ConflictInfo) Decision {
	if info.Conflicts >= p.n {
		return RunLocked
	}
	return Restart
}

func (p runLockedAfter) LockScope() LockScope { return p.scope }

// RunLockedAfter restarts until the transaction has conflicted n times,
// then runs it locked. n <= 1 escalates on the first conflict.
func RunLockedAfter(n int, scope LockScope) Policy {
	return runLockedAfter{n: n, scope: scope}
}

type maxConflicts struct {
	limit      int
	resolution Decision
}

func (p maxConflicts) Decide(info ConflictInfo) Decision {
	if info.Conflicts >= p.limit {
		return p.resolution
	}
	return Restart
}

func (p maxConflicts) LockScope() LockScope { return ScopeEngine }

// MaxConflicts restarts until limit conflicts, then applies resolution
// (Propagate or RunLocked).
func MaxConflicts(limit int, resolution Decision) Policy {
	return maxConflicts{limit: limit, resolution: resolution}
}

// PolicyFunc adapts a function to Policy. Locked runs use ScopeEngine.
type PolicyFunc func(ConflictInfo) Decision

func (f PolicyFunc) Decide(info ConflictInfo) Decision { return f(info) }
func (f PolicyFunc) LockScope() LockScope              { return ScopeEngine }

type scoped struct {
	Policy
	scope LockScope
}

func (p scoped) LockScope() LockScope { return p.scope }

// WithLockScope returns p with its locked runs using scope.
func WithLockScope(p Policy, scope LockScope) Policy {
	return scoped{Policy: p, scope: scope}
}
