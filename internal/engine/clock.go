package engine

import "sync/atomic"

// Clock is the engine's logical commit clock.
//
// Every commit that publishes writes takes exactly one tick; the tick becomes
// the stamp of every variable state it publishes. Attempts remember the clock
// value they started from (their read stamp) and treat any variable stamped
// later as possibly inconsistent with what they have already read.
//
// The same type hands out variable ids, which define the global lock order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next tick is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new value.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out by Next.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
