package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// counters are the engine-wide profiling counters.
type counters struct {
	conflicts    atomic.Int64
	readCommits  atomic.Int64
	writeCommits atomic.Int64
	retries      atomic.Int64
	lockedRuns   atomic.Int64
	failures     atomic.Int64
}

func (c *counters) snapshot() ProfileData {
	return ProfileData{
		Conflicts:    c.conflicts.Load(),
		ReadCommits:  c.readCommits.Load(),
		WriteCommits: c.writeCommits.Load(),
		Retries:      c.retries.Load(),
		LockedRuns:   c.lockedRuns.Load(),
		Failures:     c.failures.Load(),
	}
}

// ProfileData is a set of engine counters over an interval.
type ProfileData struct {
	Conflicts    int64         `json:"conflicts"`
	ReadCommits  int64         `json:"read_commits"`
	WriteCommits int64         `json:"write_commits"`
	Retries      int64         `json:"retries"`
	LockedRuns   int64         `json:"locked_runs"`
	Failures     int64         `json:"failures"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Commits returns read-only plus writing commits.
func (p ProfileData) Commits() int64 {
	return p.ReadCommits + p.WriteCommits
}

// ConflictRate returns conflicts per commit, or 0 without commits.
func (p ProfileData) ConflictRate() float64 {
	if p.Commits() == 0 {
		return 0
	}
	return float64(p.Conflicts) / float64(p.Commits())
}

func (p ProfileData) sub(base ProfileData) ProfileData {
	return ProfileData{
		Conflicts:    p.Conflicts - base.Conflicts,
		ReadCommits:  p.ReadCommits - base.ReadCommits,
		WriteCommits: p.WriteCommits - base.WriteCommits,
		Retries:      p.Retries - base.Retries,
		LockedRuns:   p.LockedRuns - base.LockedRuns,
		Failures:     p.Failures - base.Failures,
	}
}

// Format renders the counters as aligned text.
func (p ProfileData) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "elapsed:        %s\n", p.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(&b, "commits:        %d (read-only %d, writing %d)\n", p.Commits(), p.ReadCommits, p.WriteCommits)
	fmt.Fprintf(&b, "conflicts:      %d (%.3f per commit)\n", p.Conflicts, p.ConflictRate())
	fmt.Fprintf(&b, "retries:        %d\n", p.Retries)
	fmt.Fprintf(&b, "locked runs:    %d\n", p.LockedRuns)
	fmt.Fprintf(&b, "failures:       %d\n", p.Failures)
	return b.String()
}

// profiler keeps the baseline for Checkpoint.
type profiler struct {
	mu    sync.Mutex
	base  ProfileData
	since time.Time
}

// StartProfiling starts a new profiling interval.
func (e *Engine) StartProfiling() {
	e.prof.mu.Lock()
	defer e.prof.mu.Unlock()
	e.prof.base = e.stats.snapshot()
	e.prof.since = time.Now()
}

// Checkpoint returns the counters since the last StartProfiling or
// Checkpoint and starts a new interval.
func (e *Engine) Checkpoint() ProfileData {
	e.prof.mu.Lock()
	defer e.prof.mu.Unlock()
	now := e.stats.snapshot()
	at := time.Now()
	out := now.sub(e.prof.base)
	out.Elapsed = at.Sub(e.prof.since)
	e.prof.base = now
	e.prof.since = at
	return out
}

// Stats returns the counters since the engine was created.
func (e *Engine) Stats() ProfileData {
	out := e.stats.snapshot()
	out.Elapsed = time.Since(e.created)
	return out
}
