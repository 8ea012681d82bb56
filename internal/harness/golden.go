package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/wstm/internal/canonical"
)

// MarshalSnapshot serializes the deterministic part of a result as
// indented canonical JSON.
func MarshalSnapshot(r *Result) ([]byte, error) {
	return canonical.MarshalIndent(r.Snapshot(), "  ")
}

// Digest returns a content hash of the deterministic part of a result. Two
// runs of a scenario that reach the same final state have the same digest.
func Digest(r *Result) (string, error) {
	return canonical.Hash("wstm/snapshot/v1", r.Snapshot())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can make further checks. Test failure (via
// goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
