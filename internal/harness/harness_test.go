package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wstm/internal/engine"
)

func counterScenario(workers, iterations int) *Scenario {
	s := &Scenario{
		Name:        "counter_inline",
		Description: "inline counter",
		Vars:        map[string]int64{"n": 0},
		Assertions: []Assertion{
			{Type: AssertEquals, Var: "n", Value: int64(workers * iterations)},
			{Type: AssertMinObserved, Var: "n", Value: 0},
		},
	}
	for i := range workers {
		s.Workers = append(s.Workers, Worker{
			Name:       string(rune('a' + i)),
			Op:         OpIncrement,
			Var:        "n",
			Iterations: iterations,
		})
	}
	return s
}

func TestRun_Counter(t *testing.T) {
	s := counterScenario(4, 100)
	require.NoError(t, validateScenario(s))

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int64(400), result.Vars["n"])
	assert.Equal(t, int64(0), result.MinObserved["n"])
	require.Len(t, result.Workers, 4)
	for _, w := range result.Workers {
		assert.Equal(t, 100, w.Committed)
		assert.Empty(t, w.Error)
	}
	// 400 increments plus the final read.
	assert.Equal(t, int64(400), result.Stats.WriteCommits)
	assert.GreaterOrEqual(t, result.Stats.ReadCommits, int64(1))
}

func TestRun_FailedAssertion(t *testing.T) {
	s := counterScenario(1, 3)
	s.Assertions = []Assertion{{Type: AssertEquals, Var: "n", Value: 4}}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Assertions, 1)
	assert.Equal(t, int64(3), result.Assertions[0].Actual)
	assert.False(t, result.Assertions[0].Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected 4, got 3")

	var aerr *AssertionError
	require.ErrorAs(t, CheckAssertions(result), &aerr)
	assert.Equal(t, "counter_inline", aerr.Scenario)
}

func TestRun_WorkerTimeout(t *testing.T) {
	s := &Scenario{
		Name:         "stuck",
		Description:  "waits for a value that never arrives",
		RetryTimeout: "50ms",
		Vars:         map[string]int64{"a": 0},
		Workers:      []Worker{{Name: "waiter", Op: OpWait, Var: "a", Value: 1}},
		Assertions:   []Assertion{{Type: AssertEquals, Var: "a", Value: 0}},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Workers, 1)
	assert.Equal(t, 0, result.Workers[0].Committed)
	assert.NotEmpty(t, result.Workers[0].Error)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "worker waiter")
	// The assertion itself holds.
	require.Len(t, result.Assertions, 1)
	assert.True(t, result.Assertions[0].Pass)
}

func TestRun_ClosedChannel(t *testing.T) {
	s := &Scenario{
		Name:        "closed",
		Description: "pop from a channel that is closed without values",
		Vars:        map[string]int64{"got": 0},
		Channels:    map[string]ChannelSpec{"c": {}},
		Workers: []Worker{
			{Name: "popper", Op: OpPop, Channel: "c", Var: "got"},
			{Name: "closer", Op: OpClose, Channel: "c"},
		},
		Assertions: []Assertion{{Type: AssertChannelLen, Channel: "c", Value: 0}},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)

	// The popper blocks until the close commits, then fails.
	assert.False(t, result.Pass)
	require.Len(t, result.Workers, 2)
	assert.Equal(t, 0, result.Workers[0].Committed)
	assert.Contains(t, result.Workers[0].Error, "closed")
	assert.Equal(t, 1, result.Workers[1].Committed)
	assert.Equal(t, int64(0), result.Vars["got"])
	assert.True(t, result.Assertions[0].Pass)
}

func TestRun_PropagatePolicy(t *testing.T) {
	s := counterScenario(2, 50)
	s.Policy = PolicySpec{Kind: PolicyPropagate, After: 1000}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidPolicy(t *testing.T) {
	s := counterScenario(1, 1)
	s.Policy = PolicySpec{Kind: "sometimes"}

	_, err := Run(context.Background(), s)
	assert.Error(t, err)
}

type countingRecorder struct {
	labels map[string]int
}

func (r *countingRecorder) RecordTransaction(rec engine.TxRecord) {
	r.labels[rec.Label]++
}

func TestRun_EngineOptions(t *testing.T) {
	rec := &countingRecorder{labels: map[string]int{}}
	s := counterScenario(1, 5)
	s.Workers[0].Label = "bump"

	result, err := Run(context.Background(), s, WithEngineOptions(engine.WithRecorder(rec)))
	require.NoError(t, err)
	require.True(t, result.Pass)

	assert.Equal(t, 5, rec.labels["bump"])
	assert.Equal(t, 1, rec.labels["final-state"])
}

func TestRun_ContextCancelled(t *testing.T) {
	s := &Scenario{
		Name:        "cancelled",
		Description: "blocks until the run context ends",
		Timeout:     "100ms",
		Vars:        map[string]int64{"a": 0},
		Workers:     []Worker{{Name: "waiter", Op: OpWait, Var: "a", Value: 1}},
		Assertions:  []Assertion{{Type: AssertEquals, Var: "a", Value: 0}},
	}

	start := time.Now()
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, result.Pass)
}

func TestRun_TestdataScenarios(t *testing.T) {
	files, err := FindScenarios([]string{"testdata/scenarios"})
	require.NoError(t, err)
	require.Len(t, files, 5)

	for _, path := range files {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NoError(t, CheckAssertions(result))
		})
	}
}
