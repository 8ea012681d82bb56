package testutil

import "sync/atomic"

// DeterministicClock is a resettable logical counter for tests.
//
// Unlike engine.Clock, DeterministicClock can be reset, so the same scenario
// can run several times and produce identical sequence numbers.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	seq atomic.Int64
}

// NewDeterministicClock creates a clock starting at 0.
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the next sequence number.
func (c *DeterministicClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	return c.seq.Load()
}

// Reset sets the clock back to 0.
func (c *DeterministicClock) Reset() {
	c.seq.Store(0)
}
