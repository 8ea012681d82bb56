// Package plist provides an immutable, structurally shared ordered list.
//
// A List is a value: every operation that "changes" a list returns a new one
// and leaves the receiver untouched, sharing all subtrees the operation did
// not visit. That makes a List safe to store in a transactional variable and
// to hand to other goroutines without copying.
//
// The representation is an AVL tree ordered by position, with subtree sizes
// for indexing. Insert, Replace, Remove and At are O(log n).
package plist

import (
	"fmt"
	"iter"
)

type node[T any] struct {
	left, right *node[T]
	value       T
	size        int
	height      int
}

func size[T any](n *node[T]) int {
	if n == nil {
		return 0
	}
	return n.size
}

func height[T any](n *node[T]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func mk[T any](l *node[T], v T, r *node[T]) *node[T] {
	return &node[T]{
		left:   l,
		right:  r,
		value:  v,
		size:   size(l) + size(r) + 1,
		height: max(height(l), height(r)) + 1,
	}
}

// balance builds a node from subtrees whose heights differ by at most two,
// rotating to restore the AVL invariant.
func balance[T any](l *node[T], v T, r *node[T]) *node[T] {
	hl, hr := height(l), height(r)
	switch {
	case hl > hr+1:
		if height(l.left) >= height(l.right) {
			return mk(l.left, l.value, mk(l.right, v, r))
		}
		lr := l.right
		return mk(mk(l.left, l.value, lr.left), lr.value, mk(lr.right, v, r))
	case hr > hl+1:
		if height(r.right) >= height(r.left) {
			return mk(mk(l, v, r.left), r.value, r.right)
		}
		rl := r.left
		return mk(mk(l, v, rl.left), rl.value, mk(rl.right, r.value, r.right))
	}
	return mk(l, v, r)
}

// join concatenates l, v and r for trees of any heights.
func join[T any](l *node[T], v T, r *node[T]) *node[T] {
	hl, hr := height(l), height(r)
	switch {
	case hl > hr+1:
		return balance(l.left, l.value, join(l.right, v, r))
	case hr > hl+1:
		return balance(join(l, v, r.left), r.value, r.right)
	}
	return mk(l, v, r)
}

func insert[T any](n *node[T], i int, v T) *node[T] {
	if n == nil {
		return mk(nil, v, nil)
	}
	ls := size(n.left)
	if i <= ls {
		return balance(insert(n.left, i, v), n.value, n.right)
	}
	return balance(n.left, n.value, insert(n.right, i-ls-1, v))
}

func replace[T any](n *node[T], i int, v T) *node[T] {
	ls := size(n.left)
	switch {
	case i < ls:
		return mk(replace(n.left, i, v), n.value, n.right)
	case i > ls:
		return mk(n.left, n.value, replace(n.right, i-ls-1, v))
	}
	return mk(n.left, v, n.right)
}

func remove[T any](n *node[T], i int) *node[T] {
	ls := size(n.left)
	switch {
	case i < ls:
		return balance(remove(n.left, i), n.value, n.right)
	case i > ls:
		return balance(n.left, n.value, remove(n.right, i-ls-1))
	}
	if n.left == nil {
		return n.right
	}
	if n.right == nil {
		return n.left
	}
	first, rest := removeFirst(n.right)
	return balance(n.left, first, rest)
}

func removeFirst[T any](n *node[T]) (T, *node[T]) {
	if n.left == nil {
		return n.value, n.right
	}
	v, l := removeFirst(n.left)
	return v, balance(l, n.value, n.right)
}

func build[T any](vals []T) *node[T] {
	if len(vals) == 0 {
		return nil
	}
	mid := len(vals) / 2
	return mk(build(vals[:mid]), vals[mid], build(vals[mid+1:]))
}

func (n *node[T]) forward(yield func(T) bool) bool {
	if n == nil {
		return true
	}
	return n.left.forward(yield) && yield(n.value) && n.right.forward(yield)
}

func (n *node[T]) backward(yield func(T) bool) bool {
	if n == nil {
		return true
	}
	return n.right.backward(yield) && yield(n.value) && n.left.backward(yield)
}

// List is an immutable sequence. The zero value is an empty list.
type List[T any] struct {
	root *node[T]
}

// Of returns a list of the given values.
func Of[T any](vals ...T) List[T] {
	return FromSlice(vals)
}

// FromSlice returns a list holding a copy of vals.
func FromSlice[T any](vals []T) List[T] {
	return List[T]{root: build(vals)}
}

// Len returns the number of elements.
func (l List[T]) Len() int {
	return size(l.root)
}

// IsEmpty reports whether the list has no elements.
func (l List[T]) IsEmpty() bool {
	return l.root == nil
}

func (l List[T]) check(i, limit int) {
	if i < 0 || i >= limit {
		panic(fmt.Sprintf("plist: index %d out of range [0:%d]", i, limit))
	}
}

// At returns the element at index i. It panics if i is out of range.
func (l List[T]) At(i int) T {
	l.check(i, l.Len())
	n := l.root
	for {
		ls := size(n.left)
		switch {
		case i < ls:
			n = n.left
		case i > ls:
			i -= ls + 1
			n = n.right
		default:
			return n.value
		}
	}
}

// Insert returns a list with v inserted before index i; i == Len appends.
func (l List[T]) Insert(i int, v T) List[T] {
	l.check(i, l.Len()+1)
	return List[T]{root: insert(l.root, i, v)}
}

// Replace returns a list with the element at index i set to v.
func (l List[T]) Replace(i int, v T) List[T] {
	l.check(i, l.Len())
	return List[T]{root: replace(l.root, i, v)}
}

// Remove returns a list without the element at index i.
func (l List[T]) Remove(i int) List[T] {
	l.check(i, l.Len())
	return List[T]{root: remove(l.root, i)}
}

// PushFront returns a list with v prepended.
func (l List[T]) PushFront(v T) List[T] {
	return List[T]{root: insert(l.root, 0, v)}
}

// PushBack returns a list with v appended.
func (l List[T]) PushBack(v T) List[T] {
	return List[T]{root: insert(l.root, l.Len(), v)}
}

// Front returns the first element, if any.
func (l List[T]) Front() (T, bool) {
	if l.root == nil {
		var zero T
		return zero, false
	}
	return l.At(0), true
}

// Back returns the last element, if any.
func (l List[T]) Back() (T, bool) {
	if l.root == nil {
		var zero T
		return zero, false
	}
	return l.At(l.Len() - 1), true
}

// PopFront returns the first element and the rest of the list.
func (l List[T]) PopFront() (T, List[T], bool) {
	v, ok := l.Front()
	if !ok {
		return v, l, false
	}
	return v, l.Remove(0), true
}

// PopBack returns the last element and the rest of the list.
func (l List[T]) PopBack() (T, List[T], bool) {
	v, ok := l.Back()
	if !ok {
		return v, l, false
	}
	return v, l.Remove(l.Len() - 1), true
}

// Concat returns l followed by other.
func (l List[T]) Concat(other List[T]) List[T] {
	if l.root == nil {
		return other
	}
	if other.root == nil {
		return l
	}
	first, rest := removeFirst(other.root)
	return List[T]{root: join(l.root, first, rest)}
}

// All returns the elements front to back. The sequence can be ranged over
// any number of times.
func (l List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		l.root.forward(yield)
	}
}

// Backward returns the elements back to front.
func (l List[T]) Backward() iter.Seq[T] {
	return func(yield func(T) bool) {
		l.root.backward(yield)
	}
}

// Indexed returns index/element pairs front to back.
func (l List[T]) Indexed() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		i := 0
		l.root.forward(func(v T) bool {
			ok := yield(i, v)
			i++
			return ok
		})
	}
}

// Slice returns the elements in a new slice.
func (l List[T]) Slice() []T {
	out := make([]T, 0, l.Len())
	for v := range l.All() {
		out = append(out, v)
	}
	return out
}

// EqualFunc reports whether a and b have the same length and eq holds for
// every pair of elements at the same index.
func EqualFunc[T any](a, b List[T], eq func(T, T) bool) bool {
	if a.Len() != b.Len() {
		return false
	}
	if a.root == b.root {
		return true
	}
	next, stop := iter.Pull(b.All())
	defer stop()
	for v := range a.All() {
		w, _ := next()
		if !eq(v, w) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b hold equal elements in the same order.
func Equal[T comparable](a, b List[T]) bool {
	return EqualFunc(a, b, func(x, y T) bool { return x == y })
}

// String formats the list like a slice.
func (l List[T]) String() string {
	return fmt.Sprint(l.Slice())
}
