// Package slots is a generation-checked handle table. A Ref stays valid
// until its entry is removed; after that every lookup through it fails,
// even if the slot is reused.
package slots

import "sync"

// Ref addresses one entry. The zero Ref never resolves.
type Ref struct {
	Index uint32
	Gen   uint32
}

func (r Ref) IsZero() bool { return r.Gen == 0 }

type entry[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Table is safe for concurrent use.
type Table[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	free    []uint32
	count   int
}

func New[T any]() *Table[T] {
	return &Table[T]{}
}

func (t *Table[T]) Insert(v T) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.entries = append(t.entries, entry[T]{})
		idx = uint32(len(t.entries) - 1)
	}
	e := &t.entries[idx]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.live = true
	e.val = v
	t.count++
	return Ref{Index: idx, Gen: e.gen}
}

func (t *Table[T]) Get(r Ref) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.lookup(r); ok {
		return e.val, true
	}
	var zero T
	return zero, false
}

// Remove invalidates r and returns the value it held.
func (t *Table[T]) Remove(r Ref) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	e, ok := t.lookup(r)
	if !ok {
		return zero, false
	}
	v := e.val
	e.live = false
	e.val = zero
	t.free = append(t.free, r.Index)
	t.count--
	return v, true
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for a snapshot of the live entries.
func (t *Table[T]) Range(fn func(Ref, T) bool) {
	t.mu.RLock()
	refs := make([]Ref, 0, t.count)
	vals := make([]T, 0, t.count)
	for i := range t.entries {
		if e := &t.entries[i]; e.live {
			refs = append(refs, Ref{Index: uint32(i), Gen: e.gen})
			vals = append(vals, e.val)
		}
	}
	t.mu.RUnlock()

	for i := range refs {
		if !fn(refs[i], vals[i]) {
			return
		}
	}
}

func (t *Table[T]) lookup(r Ref) (*entry[T], bool) {
	if r.IsZero() || int(r.Index) >= len(t.entries) {
		return nil, false
	}
	e := &t.entries[r.Index]
	if !e.live || e.gen != r.Gen {
		return nil, false
	}
	return e, true
}
