package engine

import (
	"time"
)

// waiter is the wake-up signal of one retrying transaction. The channel has
// capacity 1 so notify never blocks and a wake-up is never lost.
type waiter struct {
	ch chan struct{}
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan struct{}, 1)}
}

func (w *waiter) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// waitForChange blocks a retrying transaction until a variable in its read
// set is changed by another commit, the deadline passes, the context is done
// or the engine is closed.
//
// The waiter subscribes before re-checking the read set, so a commit that
// lands between the body's check and the subscription is always observed.
func (e *Engine) waitForChange(run *txRun, tx *Tx, rs *retrySignal) error {
	deadline := rs.deadline
	if run.cfg.retryTimeout > 0 {
		limit := time.Now().Add(run.cfg.retryTimeout)
		if deadline.IsZero() || limit.Before(deadline) {
			deadline = limit
		}
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return run.newError(ErrCodeRetryTimeout, "retry deadline passed", nil)
	}

	w := newWaiter()
	for c := range tx.reads {
		c.subscribe(w)
	}
	defer func() {
		for c := range tx.reads {
			c.unsubscribe(w)
		}
	}()

	for c, s := range tx.reads {
		if c.state.Load() != s {
			return nil
		}
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	e.logger.Debug("transaction waiting",
		"tx", run.id,
		"label", run.cfg.label,
		"vars", len(tx.reads),
		"retries", run.retries)

	select {
	case <-w.ch:
		return nil
	case <-timeout:
		return run.newError(ErrCodeRetryTimeout, "retry wait exceeded deadline", nil)
	case <-run.ctx.Done():
		return run.newError(ErrCodeCanceled, "context done while waiting", run.ctx.Err())
	case <-e.done:
		return run.newError(ErrCodeClosed, "engine closed while waiting", nil)
	}
}
