package store

import (
	"sync"

	"github.com/roach88/wstm/internal/engine"
)

// recordQueue is a thread-safe FIFO of transaction records waiting to be
// written.
//
// The queue is unbounded so that committing goroutines never block on disk
// I/O. Any goroutine may enqueue; only the Recorder's writer dequeues.
//
// The queue uses a channel for signaling so the writer can wait without
// polling.
type recordQueue struct {
	mu      sync.Mutex
	records []engine.TxRecord
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newRecordQueue() *recordQueue {
	return &recordQueue{
		records: make([]engine.TxRecord, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a record to the back of the queue.
// Returns false if the queue is closed.
func (q *recordQueue) Enqueue(rec engine.TxRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.records = append(q.records, rec)

	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front record without blocking.
// Returns (TxRecord{}, false) if the queue is empty.
func (q *recordQueue) TryDequeue() (engine.TxRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return engine.TxRecord{}, false
	}

	rec := q.records[0]

	// Clear the slot so the backing array does not pin ConflictVars
	q.records[0] = engine.TxRecord{}

	if len(q.records) == 1 {
		q.records = q.records[:0]
	} else {
		q.records = q.records[1:]
	}

	return rec, true
}

// Wait returns a channel that signals when records may be available.
// The channel is closed by Close.
func (q *recordQueue) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed and empty.
func (q *recordQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.records) == 0
}

// Len returns the current queue length.
func (q *recordQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close stops further enqueues and wakes the writer.
func (q *recordQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
