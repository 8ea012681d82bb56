package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_BlocksUntilVarChanges(t *testing.T) {
	e := newTestEngine(t)
	ready := NewVar(e, false)
	value := NewVar(e, 0)

	got := make(chan int, 1)
	go func() {
		v, err := AtomicallyValue(context.Background(), e, func(tx *Tx) (int, error) {
			if !ready.Get(tx) {
				return 0, tx.Retry()
			}
			return value.Get(tx), nil
		})
		assert.NoError(t, err)
		got <- v
	}()

	// Give the consumer time to block
	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("consumer returned before the producer committed")
	default:
	}

	require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
		value.Set(tx, 42)
		ready.Set(tx, true)
		return nil
	}))

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not woken")
	}
	assert.GreaterOrEqual(t, e.Stats().Retries, int64(1))
}

func TestRetry_NoLostWakeup(t *testing.T) {
	e := newTestEngine(t)
	flag := NewVar(e, 0)

	// The producer commits as soon as the consumer's body has checked the
	// flag, i.e. before the consumer has subscribed.
	checked := make(chan struct{})
	var once bool

	go func() {
		<-checked
		_ = e.Atomically(context.Background(), func(tx *Tx) error {
			flag.Set(tx, 1)
			return nil
		})
	}()

	done := make(chan error, 1)
	go func() {
		done <- e.Atomically(context.Background(), func(tx *Tx) error {
			v := flag.Get(tx)
			if !once {
				once = true
				close(checked)
				time.Sleep(20 * time.Millisecond)
			}
			if v == 0 {
				return tx.Retry()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wake-up between check and subscribe was lost")
	}
	assert.Equal(t, 1, flag.Load())
}

func TestRetry_ManyWaitersAllWoken(t *testing.T) {
	e := newTestEngine(t)
	gate := NewVar(e, false)

	const waiters = 16
	done := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			done <- e.Atomically(context.Background(), func(tx *Tx) error {
				return tx.Check(gate.Get(tx))
			})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Atomically(context.Background(), func(tx *Tx) error {
		gate.Set(tx, true)
		return nil
	}))

	for i := 0; i < waiters; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}
}

func TestRetry_Timeout(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	start := time.Now()
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		if x.Get(tx) == 0 {
			return tx.RetryFor(30 * time.Millisecond)
		}
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsTimeoutError(err))
	assert.ErrorIs(t, err, ErrRetryTimeout)
	assert.NotErrorIs(t, err, ErrRetry)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetry_WithRetryTimeoutOption(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	err := e.Atomically(context.Background(), func(tx *Tx) error {
		return tx.Check(x.Get(tx) > 0)
	}, WithRetryTimeout(20*time.Millisecond), WithLabel("wait-positive"))

	var te *TxError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ErrCodeRetryTimeout, te.Code)
	assert.Equal(t, "wait-positive", te.Label)
	assert.Equal(t, 1, te.Retries)
}

func TestRetry_PastDeadlineFailsAtOnce(t *testing.T) {
	e := newTestEngine(t)

	err := e.Atomically(context.Background(), func(tx *Tx) error {
		return tx.RetryUntil(time.Now().Add(-time.Second))
	})

	assert.ErrorIs(t, err, ErrRetryTimeout)
}

func TestRetry_EmptyReadSetWaitsForDeadline(t *testing.T) {
	e := newTestEngine(t)

	start := time.Now()
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		return tx.RetryFor(20 * time.Millisecond)
	})

	assert.ErrorIs(t, err, ErrRetryTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRetry_CloseWakesWaiters(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	done := make(chan error, 1)
	go func() {
		done <- e.Atomically(context.Background(), func(tx *Tx) error {
			return tx.Check(x.Get(tx) > 0)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	e.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEngineClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}
}

func TestRetry_ContextCancelWakesWaiter(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Atomically(ctx, func(tx *Tx) error {
			return tx.Check(x.Get(tx) > 0)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
}

func TestRetry_MaxRetries(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	calls := 0
	err := e.Atomically(context.Background(), func(tx *Tx) error {
		calls++
		return tx.Check(x.Get(tx) > 0)
	}, WithMaxRetries(0))

	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 1, calls)
}

func TestRetry_MaxRetriesAfterWakeups(t *testing.T) {
	e := newTestEngine(t)
	x := NewVar(e, 0)

	done := make(chan error, 1)
	go func() {
		done <- e.Atomically(context.Background(), func(tx *Tx) error {
			return tx.Check(x.Get(tx) >= 100)
		}, WithMaxRetries(2))
	}()

	// Each bump wakes the waiter without satisfying it.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		_ = e.Atomically(context.Background(), func(tx *Tx) error {
			x.Set(tx, x.Get(tx)+1)
			return nil
		})
	}

	select {
	case err := <-done:
		var te *TxError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, ErrCodeMaxRetries, te.Code)
		assert.Equal(t, 2, te.Retries)
	case <-time.After(5 * time.Second):
		t.Fatal("retry limit was not enforced")
	}
}

func TestRetry_ReturningSentinel(t *testing.T) {
	e := newTestEngine(t)

	err := e.Atomically(context.Background(), func(tx *Tx) error {
		return ErrRetry
	}, WithRetryTimeout(10*time.Millisecond))

	assert.ErrorIs(t, err, ErrRetryTimeout)
}
