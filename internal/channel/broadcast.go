package channel

import (
	"github.com/roach88/wstm/internal/engine"
)

// Broadcast delivers every written value to every subscribed reader.
//
// Writers append to one shared chain of cells; each Reader has its own
// cursor into the chain and sees every value written after it subscribed.
// Values written while nobody is subscribed are dropped. Cells behind the
// slowest cursor are unreachable and garbage collected.
type Broadcast[T any] struct {
	eng     *engine.Engine
	tail    *engine.Var[*engine.Var[*cell[T]]]
	readers *engine.Var[int]
	closed  *engine.Var[bool]
}

// NewBroadcast creates a broadcast channel without readers.
func NewBroadcast[T any](e *engine.Engine) *Broadcast[T] {
	return &Broadcast[T]{
		eng:     e,
		tail:    engine.NewVar(e, engine.NewVar[*cell[T]](e, nil)),
		readers: engine.NewVar(e, 0),
		closed:  engine.NewVar(e, false),
	}
}

// Write appends v for every current reader.
func (b *Broadcast[T]) Write(tx *engine.Tx, v T) error {
	if b.closed.Get(tx) {
		return ErrClosed
	}
	if b.readers.Get(tx) == 0 {
		return nil
	}
	end := engine.NewVar[*cell[T]](b.eng, nil)
	b.tail.Get(tx).Set(tx, &cell[T]{value: v, next: end})
	b.tail.Set(tx, end)
	return nil
}

// Readers returns the number of subscribed readers.
func (b *Broadcast[T]) Readers(tx *engine.Tx) int {
	return b.readers.Get(tx)
}

// Close marks the channel closed. Readers drain what was written before
// and then get ErrClosed.
func (b *Broadcast[T]) Close(tx *engine.Tx) {
	if !b.closed.Get(tx) {
		b.closed.Set(tx, true)
	}
}

// Subscribe registers a reader positioned at the current end of the chain.
func (b *Broadcast[T]) Subscribe(tx *engine.Tx) *Reader[T] {
	b.readers.Set(tx, b.readers.Get(tx)+1)
	return &Reader[T]{
		b:        b,
		cursor:   engine.NewVar(b.eng, b.tail.Get(tx)),
		released: engine.NewVar(b.eng, false),
	}
}

// Reader is one subscriber of a Broadcast.
type Reader[T any] struct {
	b        *Broadcast[T]
	cursor   *engine.Var[*engine.Var[*cell[T]]]
	released *engine.Var[bool]
}

func (r *Reader[T]) next(tx *engine.Tx) *cell[T] {
	if r.released.Get(tx) {
		engine.PanicUsage(engine.UsageReleased, "broadcast reader used after Release")
	}
	return r.cursor.Get(tx).Get(tx)
}

// Read returns the next value. With nothing new it returns the retry
// signal, or ErrClosed once the channel is closed.
func (r *Reader[T]) Read(tx *engine.Tx) (T, error) {
	c := r.next(tx)
	if c == nil {
		var zero T
		if r.b.closed.Get(tx) {
			return zero, ErrClosed
		}
		return zero, tx.Retry()
	}
	r.cursor.Set(tx, c.next)
	return c.value, nil
}

// TryRead returns the next value if there is one.
func (r *Reader[T]) TryRead(tx *engine.Tx) (T, bool) {
	c := r.next(tx)
	if c == nil {
		var zero T
		return zero, false
	}
	r.cursor.Set(tx, c.next)
	return c.value, true
}

// Peek returns the next value without consuming it.
func (r *Reader[T]) Peek(tx *engine.Tx) (T, bool) {
	c := r.next(tx)
	if c == nil {
		var zero T
		return zero, false
	}
	return c.value, true
}

// ReadAll consumes and returns every unread value.
func (r *Reader[T]) ReadAll(tx *engine.Tx) []T {
	var out []T
	s := r.cursor.Get(tx)
	if r.released.Get(tx) {
		engine.PanicUsage(engine.UsageReleased, "broadcast reader used after Release")
	}
	for {
		c := s.Get(tx)
		if c == nil {
			break
		}
		out = append(out, c.value)
		s = c.next
	}
	if len(out) > 0 {
		r.cursor.Set(tx, s)
	}
	return out
}

// Release unsubscribes the reader. Releasing twice is a no-op; any other
// use after Release panics.
func (r *Reader[T]) Release(tx *engine.Tx) {
	if r.released.Get(tx) {
		return
	}
	r.released.Set(tx, true)
	r.b.readers.Set(tx, r.b.readers.Get(tx)-1)
}
