// Package capability hands out opaque handles for host-owned objects so that
// sandboxed plugin code can reference them without holding the objects.
//
// # Handles
//
// A Handle packs three fields into a value that survives a round trip through
// a float64 (Lua numbers):
//
//	bits 0..19   slot index
//	bits 20..35  slot epoch (bumped every time the slot is reused)
//	bits 36..51  table tag (unique per Table)
//
// The table tag makes a handle issued by one execution context invalid in
// every other one. The epoch makes a released handle invalid even after its
// slot has been handed out again.
//
// # Ownership
//
// Handles come in two flavors:
//
//	Owned    - created by Register; deleted exactly once with Release
//	Borrowed - created by Borrow; the caller never owns the lifetime and
//	           Release rejects it with ErrBorrowedHandleReleased
//
// A Table is not safe for concurrent use. It is owned by a single execution
// context, which serializes every call into it.
package capability

import (
	"fmt"
	"sync/atomic"
)

const (
	indexBits = 20
	epochBits = 16
	tagBits   = 16

	indexMask = 1<<indexBits - 1
	epochMask = 1<<epochBits - 1
	tagMask   = 1<<tagBits - 1

	// MaxSlots is the number of slots a single table can address.
	MaxSlots = 1 << indexBits
)

// Kind tells borrowed handles from owned ones.
type Kind int

const (
	KindOwned Kind = iota
	KindBorrowed
)

func (k Kind) String() string {
	switch k {
	case KindOwned:
		return "owned"
	case KindBorrowed:
		return "borrowed"
	default:
		return "unknown"
	}
}

// Handle is the opaque token that crosses the sandbox boundary.
type Handle uint64

func newHandle(tag uint16, epoch uint16, index uint32) Handle {
	return Handle(uint64(tag)<<(indexBits+epochBits) | uint64(epoch)<<indexBits | uint64(index))
}

func (h Handle) index() uint32 { return uint32(uint64(h) & indexMask) }
func (h Handle) epoch() uint16 { return uint16(uint64(h) >> indexBits & epochMask) }
func (h Handle) tag() uint16   { return uint16(uint64(h) >> (indexBits + epochBits) & tagMask) }

func (h Handle) String() string {
	return fmt.Sprintf("handle(%d:%d@%d)", h.index(), h.epoch(), h.tag())
}

// Owned is a handle whose table slot must be released exactly once.
type Owned struct{ h Handle }

// Handle returns the raw token.
func (o Owned) Handle() Handle { return o.h }

// Borrowed is a handle the holder may use but never release.
type Borrowed struct{ h Handle }

// Handle returns the raw token.
func (b Borrowed) Handle() Handle { return b.h }

type slot struct {
	value any
	kind  Kind
	epoch uint16
	live  bool
}

var nextTag atomic.Uint32

// allocTag returns a non-zero 16-bit tag. Tags wrap after 65535 tables,
// far beyond the number of generations a single process keeps around.
func allocTag() uint16 {
	for {
		t := uint16(nextTag.Add(1) & tagMask)
		if t != 0 {
			return t
		}
	}
}

// Table is an arena of capability slots.
type Table struct {
	tag   uint16
	slots []slot
	free  []uint32
	live  int
}

// NewTable creates an empty table with a fresh tag.
func NewTable() *Table {
	return &Table{tag: allocTag()}
}

// Register inserts obj and returns an owned handle to it.
func (t *Table) Register(obj any) (Owned, error) {
	h, err := t.insert(obj, KindOwned)
	return Owned{h: h}, err
}

// Borrow inserts obj and returns a borrowed handle to it. Borrowed entries
// live until the table is closed.
func (t *Table) Borrow(obj any) (Borrowed, error) {
	h, err := t.insert(obj, KindBorrowed)
	return Borrowed{h: h}, err
}

func (t *Table) insert(obj any, kind Kind) (Handle, error) {
	if t.tag == 0 {
		return 0, ErrTableClosed
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.epoch++
		s.value = obj
		s.kind = kind
		s.live = true
	} else {
		if len(t.slots) >= MaxSlots {
			return 0, ErrTableFull
		}
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{value: obj, kind: kind, epoch: 1, live: true})
	}
	t.live++

	return newHandle(t.tag, t.slots[idx].epoch, idx), nil
}

// Resolve returns the object behind h.
func (t *Table) Resolve(h Handle) (any, error) {
	s, err := t.lookup(h, "resolve")
	if err != nil {
		return nil, err
	}
	return s.value, nil
}

// KindOf reports whether h is owned or borrowed.
func (t *Table) KindOf(h Handle) (Kind, error) {
	s, err := t.lookup(h, "kind")
	if err != nil {
		return 0, err
	}
	return s.kind, nil
}

// Resolve returns the object behind h as a T. A handle pointing at an object
// of another type is reported as ErrInvalidHandle.
func Resolve[T any](t *Table, h Handle) (T, error) {
	var zero T
	v, err := t.Resolve(h)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, &HandleError{
			Op:     "resolve",
			Handle: h,
			Err:    fmt.Errorf("%w: holds %T, want %T", ErrInvalidHandle, v, zero),
		}
	}
	return out, nil
}

// Release deletes the slot behind an owned handle.
func (t *Table) Release(h Handle) error {
	if h.tag() != t.tag || t.tag == 0 {
		return &HandleError{Op: "release", Handle: h, Err: ErrInvalidHandle}
	}
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return &HandleError{Op: "release", Handle: h, Err: ErrInvalidHandle}
	}

	s := &t.slots[idx]
	switch {
	case h.epoch() > s.epoch:
		return &HandleError{Op: "release", Handle: h, Err: ErrInvalidHandle}
	case h.epoch() < s.epoch, !s.live:
		return &HandleError{Op: "release", Handle: h, Err: ErrDoubleRelease}
	case s.kind == KindBorrowed:
		return &HandleError{Op: "release", Handle: h, Err: ErrBorrowedHandleReleased}
	}

	s.value = nil
	s.live = false
	t.live--
	// A slot whose epoch is exhausted is retired instead of recycled so a
	// stale handle can never alias a new object.
	if s.epoch < epochMask {
		t.free = append(t.free, idx)
	}
	return nil
}

// Drop releases an owned handle.
func (t *Table) Drop(o Owned) error {
	return t.Release(o.h)
}

// Len returns the number of live slots.
func (t *Table) Len() int {
	return t.live
}

// Close empties the table. Every handle it issued becomes invalid.
func (t *Table) Close() {
	t.slots = nil
	t.free = nil
	t.live = 0
	t.tag = 0
}

func (t *Table) lookup(h Handle, op string) (*slot, error) {
	if t.tag == 0 || h.tag() != t.tag {
		return nil, &HandleError{Op: op, Handle: h, Err: ErrInvalidHandle}
	}
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return nil, &HandleError{Op: op, Handle: h, Err: ErrInvalidHandle}
	}
	s := &t.slots[idx]
	if !s.live || s.epoch != h.epoch() {
		return nil, &HandleError{Op: op, Handle: h, Err: ErrInvalidHandle}
	}
	return s, nil
}
