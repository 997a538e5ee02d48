// Package resource implements the arena-style handle table that script
// objects use to reference native stream resources.
//
// A script object never holds a Go pointer. It holds a Handle, an opaque
// number that encodes a slot index and the slot's generation. Reference
// counting decides when the value is finalized, and the generation makes a
// handle that outlived its slot resolve to nothing instead of to whatever
// reused the slot.
package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed        = errors.New("resource table closed")
	ErrInvalidHandle = errors.New("invalid resource handle")
)

// Handle is an opaque reference into a Table. The zero Handle is never valid.
// Handles stay below 2^53 so they survive a round trip through a JS number.
type Handle uint64

const (
	indexBits = 32
	genMask   = 1<<20 - 1
)

func makeHandle(index uint32, gen uint32) Handle {
	return Handle(uint64(gen)<<indexBits | uint64(index+1))
}

func (h Handle) split() (index uint32, gen uint32, ok bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, 0, false
	}
	return lo - 1, uint32(h>>indexBits) & genMask, true
}

// Finalizer is implemented by values that own native state. Finalize is
// called exactly once, when the last reference is released or the table is
// closed.
type Finalizer interface {
	Finalize()
}

type slot[T any] struct {
	value T
	refs  int32
	gen   uint32
	live  bool
}

// Table maps handles to values of type T.
type Table[T any] struct {
	mu     sync.Mutex
	slots  []slot[T]
	free   []uint32
	live   int
	closed bool
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{slots: make([]slot[T], 0, 16)}
}

// Add stores v with a reference count of one.
func (t *Table[T]) Add(v T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.value = v
	s.refs = 1
	s.live = true
	t.live++
	return makeHandle(idx, s.gen), nil
}

// Get resolves h.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	if s == nil {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Retain adds a reference to h.
func (t *Table[T]) Retain(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookupLocked(h)
	if s == nil {
		return ErrInvalidHandle
	}
	s.refs++
	return nil
}

// Release drops a reference to h. When the count reaches zero the slot is
// freed and the value finalized. Releasing a stale handle reports false and
// has no effect, so explicit close and script finalization may both release.
func (t *Table[T]) Release(h Handle) bool {
	t.mu.Lock()
	s := t.lookupLocked(h)
	if s == nil {
		t.mu.Unlock()
		return false
	}
	s.refs--
	if s.refs > 0 {
		t.mu.Unlock()
		return true
	}
	v := t.freeLocked(h)
	t.mu.Unlock()
	finalize(v)
	return true
}

// Drop frees h regardless of its reference count.
func (t *Table[T]) Drop(h Handle) bool {
	t.mu.Lock()
	if t.lookupLocked(h) == nil {
		t.mu.Unlock()
		return false
	}
	v := t.freeLocked(h)
	t.mu.Unlock()
	finalize(v)
	return true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Range calls fn for every live entry until fn returns false.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.Lock()
	type pair struct {
		h Handle
		v T
	}
	entries := make([]pair, 0, t.live)
	for i := range t.slots {
		if s := &t.slots[i]; s.live {
			entries = append(entries, pair{makeHandle(uint32(i), s.gen), s.value})
		}
	}
	t.mu.Unlock()
	for _, e := range entries {
		if !fn(e.h, e.v) {
			return
		}
	}
}

// Close finalizes every live entry and rejects further adds. It is safe to
// call more than once.
func (t *Table[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var values []T
	for i := range t.slots {
		if t.slots[i].live {
			values = append(values, t.freeLocked(makeHandle(uint32(i), t.slots[i].gen)))
		}
	}
	t.slots = nil
	t.free = nil
	t.mu.Unlock()
	// Reverse so later resources, which may depend on earlier ones, go first.
	for i := len(values) - 1; i >= 0; i-- {
		finalize(values[i])
	}
}

func (t *Table[T]) lookupLocked(h Handle) *slot[T] {
	idx, gen, ok := h.split()
	if !ok || int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if !s.live || s.gen != gen {
		return nil
	}
	return s
}

func (t *Table[T]) freeLocked(h Handle) T {
	idx, _, _ := h.split()
	s := &t.slots[idx]
	v := s.value
	var zero T
	s.value = zero
	s.refs = 0
	s.live = false
	s.gen = (s.gen + 1) & genMask
	t.live--
	if !t.closed {
		t.free = append(t.free, idx)
	}
	return v
}

func finalize(v any) {
	if f, ok := v.(Finalizer); ok {
		f.Finalize()
	}
}
