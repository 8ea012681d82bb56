package testutil

import "fmt"

// SequentialGenerator generates transaction ids "<prefix>-000001",
// "<prefix>-000002", ... so that repeated runs of a scenario produce the same
// ids in the same order of transaction start.
//
// Implements engine.TxIDGenerator.
//
// Thread-safety: safe for concurrent use; ids are unique across goroutines.
type SequentialGenerator struct {
	prefix string
	clock  *DeterministicClock
}

// NewSequentialGenerator creates a generator for prefix.
// If prefix is empty, ids use "tx".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "tx"
	}
	return &SequentialGenerator{prefix: prefix, clock: NewDeterministicClock()}
}

// Generate returns the next id.
func (g *SequentialGenerator) Generate() string {
	return fmt.Sprintf("%s-%06d", g.prefix, g.clock.Next())
}

// Issued returns how many ids have been generated.
func (g *SequentialGenerator) Issued() int64 {
	return g.clock.Current()
}

// Reset restarts the sequence at 1.
func (g *SequentialGenerator) Reset() {
	g.clock.Reset()
}
