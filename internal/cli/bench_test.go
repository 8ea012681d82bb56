package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wstm/internal/store"
)

func executeBench(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewBenchCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return buf.String(), err
}

func TestBenchCommandCounter(t *testing.T) {
	out, err := executeBench(t, "json", "--workers", "4", "--vars", "2", "--iterations", "200")
	require.NoError(t, err)

	var result BenchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, BenchCounter, result.Mode)
	assert.True(t, result.Invariant)
	assert.Equal(t, int64(800), result.Stats.WriteCommits)
	assert.Equal(t, int64(1), result.Stats.ReadCommits)
	assert.Empty(t, result.Session)
}

func TestBenchCommandTransferPolicies(t *testing.T) {
	for _, policy := range []string{"restart", "locked", "locked-vars"} {
		t.Run(policy, func(t *testing.T) {
			out, err := executeBench(t, "json",
				"--mode", "transfer", "--workers", "4", "--vars", "3",
				"--iterations", "100", "--policy", policy, "--lock-after", "2")
			require.NoError(t, err)

			var result BenchResult
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			assert.True(t, result.Invariant)
			assert.Equal(t, policy, result.Policy)
			assert.Equal(t, int64(400), result.Stats.WriteCommits)
		})
	}
}

func TestBenchCommandText(t *testing.T) {
	out, err := executeBench(t, "text", "--workers", "2", "--iterations", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "counter benchmark, policy restart: 2 workers x 1,000 iterations over 1 vars")
	assert.Contains(t, out, "commits:        2001 (read-only 1, writing 2000)")
	assert.Contains(t, out, "invariant:      ✓ holds")
}

func TestBenchCommandInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown mode", []string{"--mode", "juggle"}, "unknown mode"},
		{"transfer needs two vars", []string{"--mode", "transfer", "--vars", "1"}, "at least 2"},
		{"no vars", []string{"--vars", "0"}, "at least 1"},
		{"unknown policy", []string{"--policy", "propagate"}, "unknown policy"},
		{"no workers", []string{"--workers", "0"}, "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeBench(t, "text", tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBenchCommandProfileDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")
	out, err := executeBench(t, "json", "--workers", "2", "--iterations", "50", "--profile-db", dbPath)
	require.NoError(t, err)

	var result BenchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotEmpty(t, result.Session)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	sess, found, err := st.ReadSession(context.Background(), result.Session)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bench counter restart", sess.Name)

	counts, err := st.OutcomeCounts(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	// 100 increments plus the verification read.
	assert.Equal(t, store.OutcomeCount{Outcome: "committed", Count: 101}, counts[0])
}

func TestBenchCommandMetricsServer(t *testing.T) {
	out, err := executeBench(t, "json", "--iterations", "10", "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)

	var result BenchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Invariant)
}

func TestBenchCommandProgress(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewBenchCommand(&RootOptions{Format: "json", Verbose: true})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"--workers", "2", "--iterations", "100", "--progress", "1ms"})
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.Execute())

	var result BenchResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, int64(200), result.Stats.WriteCommits, "progress reads are not transactions")
	assert.Equal(t, int64(1), result.Stats.ReadCommits)
	assert.Contains(t, errOut.String(), "msg=\"bench progress\" total=200 final=true")
}
