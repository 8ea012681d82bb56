package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/wstm/internal/engine"
)

// Recorder writes transaction records of one session to a Store.
// It implements engine.Recorder.
type Recorder struct {
	store   *Store
	session Session
	logger  *slog.Logger
	queue   *recordQueue
	done    chan struct{}

	written atomic.Int64
	dropped atomic.Int64

	errMu sync.Mutex
	errs  []error
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder starts the writer goroutine for session. Call Close to flush
// and stop it.
func NewRecorder(s *Store, session Session, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   s,
		session: session,
		logger:  logger.With("session", session.ID),
		queue:   newRecordQueue(),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Session returns the session records are written to.
func (r *Recorder) Session() Session {
	return r.session
}

// RecordTransaction queues rec for writing. Records arriving after Close
// are counted as dropped.
func (r *Recorder) RecordTransaction(rec engine.TxRecord) {
	if !r.queue.Enqueue(rec) {
		r.dropped.Add(1)
	}
}

// Written returns the number of records stored so far.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Dropped returns the number of records that arrived after Close.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close waits for queued records to be written and stops the writer.
// It returns the write errors joined, if any.
func (r *Recorder) Close() error {
	if n := r.queue.Len(); n > 0 {
		r.logger.Debug("flushing transaction records", "pending", n)
	}
	r.queue.Close()
	<-r.done

	r.errMu.Lock()
	defer r.errMu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Recorder) run() {
	defer close(r.done)
	// Writes outlive the run's context so that a canceled run still
	// flushes what it recorded.
	ctx := context.Background()
	for {
		for {
			rec, ok := r.queue.TryDequeue()
			if !ok {
				break
			}
			r.write(ctx, rec)
		}
		if r.queue.Drained() {
			return
		}
		<-r.queue.Wait()
	}
}

func (r *Recorder) write(ctx context.Context, rec engine.TxRecord) {
	if err := r.store.WriteTransaction(ctx, r.session.ID, rec); err != nil {
		r.logger.Error("record transaction failed", "tx", rec.ID, "error", err)
		r.errMu.Lock()
		r.errs = append(r.errs, err)
		r.errMu.Unlock()
		return
	}
	r.written.Add(1)
}
