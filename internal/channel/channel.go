// Package channel provides transactional queues built from engine variables.
//
// Every operation takes the caller's transaction, so a push or pop commits
// or aborts together with whatever else the transaction does. A pop from an
// empty channel and a push to a full bounded channel retry: the enclosing
// transaction blocks until another commit changes the channel.
//
// Values are delivered in commit order of the pushes.
package channel

import (
	"context"
	"errors"

	"github.com/roach88/wstm/internal/engine"
)

// ErrClosed is returned by pushes to a closed channel and by pops from a
// closed channel that has been drained.
var ErrClosed = errors.New("channel: closed")

// cell is one queued value. next is the slot after it; an empty slot (nil
// cell) marks the end of the queue.
type cell[T any] struct {
	value T
	next  *engine.Var[*cell[T]]
}

// Channel is a FIFO queue. The head and the tail are separate variables, so
// producers and consumers of a non-empty unbounded channel do not conflict.
type Channel[T any] struct {
	eng      *engine.Engine
	capacity int // 0 means unbounded

	head   *engine.Var[*engine.Var[*cell[T]]]
	tail   *engine.Var[*engine.Var[*cell[T]]]
	pushed *engine.Var[int]
	popped *engine.Var[int]
	closed *engine.Var[bool]
}

// Option configures a Channel.
type Option func(*config)

type config struct {
	capacity int
	name     string
}

// WithCapacity bounds the channel to n values. Pushes to a full channel
// retry. n <= 0 means unbounded.
func WithCapacity(n int) Option {
	return func(c *config) {
		c.capacity = max(n, 0)
	}
}

// WithName names the channel variables in engine diagnostics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// New creates an empty channel.
func New[T any](e *engine.Engine, opts ...Option) *Channel[T] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	name := func(part string) engine.VarOption {
		if cfg.name == "" {
			return engine.VarName("")
		}
		return engine.VarName(cfg.name + "." + part)
	}

	end := engine.NewVar[*cell[T]](e, nil, name("slot"))
	return &Channel[T]{
		eng:      e,
		capacity: cfg.capacity,
		head:     engine.NewVar(e, end, name("head")),
		tail:     engine.NewVar(e, end, name("tail")),
		pushed:   engine.NewVar(e, 0, name("pushed")),
		popped:   engine.NewVar(e, 0, name("popped")),
		closed:   engine.NewVar(e, false, name("closed")),
	}
}

// Cap returns the capacity, 0 for unbounded.
func (c *Channel[T]) Cap() int {
	return c.capacity
}

func (c *Channel[T]) full(tx *engine.Tx) bool {
	return c.capacity > 0 && c.pushed.Get(tx)-c.popped.Get(tx) >= c.capacity
}

func (c *Channel[T]) append(tx *engine.Tx, v T) {
	end := engine.NewVar[*cell[T]](c.eng, nil)
	t := c.tail.Get(tx)
	t.Set(tx, &cell[T]{value: v, next: end})
	c.tail.Set(tx, end)
	c.pushed.Set(tx, c.pushed.Get(tx)+1)
}

// Push appends v. On a full bounded channel it returns the retry signal,
// which the body must return.
func (c *Channel[T]) Push(tx *engine.Tx, v T) error {
	if c.closed.Get(tx) {
		return ErrClosed
	}
	if c.full(tx) {
		return tx.Retry()
	}
	c.append(tx, v)
	return nil
}

// TryPush appends v if there is room and reports whether it did.
func (c *Channel[T]) TryPush(tx *engine.Tx, v T) (bool, error) {
	if c.closed.Get(tx) {
		return false, ErrClosed
	}
	if c.full(tx) {
		return false, nil
	}
	c.append(tx, v)
	return true, nil
}

func (c *Channel[T]) front(tx *engine.Tx) *cell[T] {
	return c.head.Get(tx).Get(tx)
}

func (c *Channel[T]) advance(tx *engine.Tx, first *cell[T]) {
	c.head.Set(tx, first.next)
	c.popped.Set(tx, c.popped.Get(tx)+1)
}

// Pop removes and returns the oldest value. On an empty channel it returns
// the retry signal, or ErrClosed once the channel is closed.
func (c *Channel[T]) Pop(tx *engine.Tx) (T, error) {
	first := c.front(tx)
	if first == nil {
		var zero T
		if c.closed.Get(tx) {
			return zero, ErrClosed
		}
		return zero, tx.Retry()
	}
	c.advance(tx, first)
	return first.value, nil
}

// TryPop removes and returns the oldest value if there is one.
func (c *Channel[T]) TryPop(tx *engine.Tx) (T, bool) {
	first := c.front(tx)
	if first == nil {
		var zero T
		return zero, false
	}
	c.advance(tx, first)
	return first.value, true
}

// Peek returns the oldest value without removing it.
func (c *Channel[T]) Peek(tx *engine.Tx) (T, bool) {
	first := c.front(tx)
	if first == nil {
		var zero T
		return zero, false
	}
	return first.value, true
}

// ReadAll removes and returns every queued value, oldest first. It never
// retries; an empty channel yields an empty slice.
func (c *Channel[T]) ReadAll(tx *engine.Tx) []T {
	var out []T
	s := c.head.Get(tx)
	for {
		next := s.Get(tx)
		if next == nil {
			break
		}
		out = append(out, next.value)
		s = next.next
	}
	if len(out) > 0 {
		c.head.Set(tx, s)
		c.popped.Set(tx, c.popped.Get(tx)+len(out))
	}
	return out
}

// Len returns the number of queued values.
func (c *Channel[T]) Len(tx *engine.Tx) int {
	return c.pushed.Get(tx) - c.popped.Get(tx)
}

// Close marks the channel closed. Queued values can still be popped.
// Closing twice is a no-op.
func (c *Channel[T]) Close(tx *engine.Tx) {
	if !c.closed.Get(tx) {
		c.closed.Set(tx, true)
	}
}

// IsClosed reports whether Close has committed in tx's view.
func (c *Channel[T]) IsClosed(tx *engine.Tx) bool {
	return c.closed.Get(tx)
}

// Send pushes v in its own transaction, blocking while the channel is full.
func (c *Channel[T]) Send(ctx context.Context, v T, opts ...engine.TxOption) error {
	return c.eng.Atomically(ctx, func(tx *engine.Tx) error {
		return c.Push(tx, v)
	}, opts...)
}

// Recv pops a value in its own transaction, blocking while the channel is
// empty.
func (c *Channel[T]) Recv(ctx context.Context, opts ...engine.TxOption) (T, error) {
	return engine.AtomicallyValue(ctx, c.eng, c.Pop, opts...)
}

// TryRecv pops a value in its own transaction without blocking.
func (c *Channel[T]) TryRecv(ctx context.Context) (T, bool, error) {
	var (
		out T
		ok  bool
	)
	err := c.eng.Atomically(ctx, func(tx *engine.Tx) error {
		out, ok = c.TryPop(tx)
		return nil
	})
	return out, ok, err
}

// Drain pops every queued value in its own transaction.
func (c *Channel[T]) Drain(ctx context.Context) ([]T, error) {
	return engine.AtomicallyValue(ctx, c.eng, func(tx *engine.Tx) ([]T, error) {
		return c.ReadAll(tx), nil
	})
}

// Length returns the number of queued values in its own transaction.
func (c *Channel[T]) Length(ctx context.Context) (int, error) {
	return engine.AtomicallyValue(ctx, c.eng, func(tx *engine.Tx) (int, error) {
		return c.Len(tx), nil
	})
}
