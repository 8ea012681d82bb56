package harness

import (
	"time"

	"github.com/roach88/wstm/internal/engine"
)

// AssertionResult is the outcome of one assertion.
type AssertionResult struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Pass     bool   `json:"pass"`
}

// WorkerResult summarizes one worker.
type WorkerResult struct {
	Name      string `json:"name"`
	Committed int    `json:"committed"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass is true if every worker finished and every assertion held.
	Pass bool `json:"pass"`

	// Vars are the final variable values, read in one transaction.
	Vars map[string]int64 `json:"vars"`

	// Channels are the final channel lengths.
	Channels map[string]int64 `json:"channels,omitempty"`

	// MinObserved is the smallest committed value of each variable.
	MinObserved map[string]int64 `json:"min_observed"`

	Workers    []WorkerResult    `json:"workers"`
	Assertions []AssertionResult `json:"assertions"`

	// Errors contains worker failures and assertion messages.
	// Empty if Pass is true.
	Errors []string `json:"errors"`

	// Stats are the engine counters for the run.
	Stats engine.ProfileData `json:"stats"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:        name,
		Pass:        true,
		Vars:        map[string]int64{},
		MinObserved: map[string]int64{},
		Workers:     []WorkerResult{},
		Assertions:  []AssertionResult{},
		Errors:      []string{},
	}
}

// AddError adds an error message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot is the deterministic part of a Result, compared against golden
// files. Actual values of min_observed assertions depend on interleaving and
// are left out.
type Snapshot struct {
	Name       string              `json:"name"`
	Pass       bool                `json:"pass"`
	Vars       map[string]int64    `json:"vars"`
	Channels   map[string]int64    `json:"channels,omitempty"`
	Workers    []WorkerResult      `json:"workers"`
	Assertions []SnapshotAssertion `json:"assertions"`
	Errors     []string            `json:"errors,omitempty"`
}

// SnapshotAssertion is an AssertionResult without the observed value.
type SnapshotAssertion struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Expected int64  `json:"expected"`
	Pass     bool   `json:"pass"`
}

// Snapshot returns the deterministic part of r.
func (r *Result) Snapshot() Snapshot {
	s := Snapshot{
		Name:       r.Name,
		Pass:       r.Pass,
		Vars:       r.Vars,
		Channels:   r.Channels,
		Workers:    r.Workers,
		Assertions: make([]SnapshotAssertion, len(r.Assertions)),
		Errors:     r.Errors,
	}
	for i, a := range r.Assertions {
		s.Assertions[i] = SnapshotAssertion{Type: a.Type, Target: a.Target, Expected: a.Expected, Pass: a.Pass}
	}
	return s
}
