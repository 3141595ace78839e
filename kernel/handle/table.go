// Package handle implements the kernel's cross-core handle table: a fixed
// capacity array of entries, a bump cursor for first-time allocation, and
// two free lists recycling deallocated entries — one local to each core to
// avoid contention, and one shared global stack that local lists spill
// into once they grow past a threshold.
package handle

import (
	"sync/atomic"

	"beelzebub/kernel"
	"beelzebub/kernel/cpu"
	"beelzebub/kernel/mem"
	"beelzebub/kernel/percpu"
)

// Handle indexes an entry in a Table.
type Handle uint32

// Invalid is returned in place of a Handle on failure, and is the sentinel
// terminating every free-list chain.
const Invalid = Handle(^uint32(0))

const invalidProcessID = uint16(0xFFFF)

// Entry is the state tracked for one allocated handle. While an entry sits
// on a free list, LocalIndex is repurposed as the link to the next free
// entry rather than holding a meaningful value.
type Entry struct {
	ReferenceCount uint16
	ProcessID      uint16
	LocalIndex     Handle
}

var (
	ErrInvalidProcessID = &kernel.Error{Module: "handle", Message: "process id 0xFFFF is reserved and cannot own a handle"}
	ErrTableFull        = &kernel.Error{Module: "handle", Message: "handle table is full"}
	ErrUnallocated      = &kernel.Error{Module: "handle", Message: "handle does not refer to an allocated entry"}
	ErrAlreadyFree      = &kernel.Error{Module: "handle", Message: "handle is already free"}
)

// Table is a fixed-capacity, cross-core handle table. The zero value is not
// ready for use; call Init first.
type Table struct {
	entries []Entry
	maximum uint32
	cursor  uint32 // atomic bump cursor

	// globalFree packs the global free stack's head index (word 0,
	// uint64(Invalid) when empty) and an ABA-guarding generation counter
	// (word 1), CASed together through cpu.CAS128. A plain 32-bit CAS on
	// the index alone cannot tell "still the same head" apart from
	// "freed, reallocated, and freed again with the same index" between
	// a reader's load and its compare-and-swap; the generation half
	// makes those two states distinguishable.
	globalFree [2]uint64

	// FreeListThreshold and FreeListRemovalCount bound how large a
	// core's local free list is allowed to grow before a batch of its
	// entries is spliced into the global stack, so that a core churning
	// through handles by itself does not end up hoarding the entire
	// table's worth of free slots.
	FreeListThreshold    uint32
	FreeListRemovalCount uint32
}

// Init prepares t to hand out up to limit handles. It does not allocate the
// backing array through the VMM the way the original kernel maps its
// handle table on demand; callers embedding a Table reserve the capacity
// up front with make, matching how every other fixed-size kernel table in
// this tree is constructed.
func (t *Table) Init(limit uint32) *kernel.Error {
	if limit == 0 {
		return kernel.ErrArgumentOutOfRange
	}

	t.entries = make([]Entry, limit)
	t.maximum = limit
	t.cursor = 0
	t.globalFree = [2]uint64{uint64(Invalid), 0}
	t.FreeListThreshold = 100
	t.FreeListRemovalCount = 90

	return nil
}

// loadGlobalFree reads the global free stack's head index and generation.
// The two halves are loaded independently rather than as one atomic pair,
// the same benign-race tradeoff the PTE bit-locks make when casting a
// struct field to *uintptr for a CAS: a torn read only ever causes a
// pushGlobalFree/popGlobalFree CAS to fail and retry, never a correctness
// violation, since the actual state transition is validated by CAS128.
func (t *Table) loadGlobalFree() (index uint32, generation uint64) {
	return uint32(atomic.LoadUint64(&t.globalFree[0])), atomic.LoadUint64(&t.globalFree[1])
}

// Maximum returns the table's capacity.
func (t *Table) Maximum() uint32 {
	return t.maximum
}

// SizeBytes reports the memory footprint of a table sized for limit
// handles, rounded up to a whole number of pages — the same rounding the
// original performs before mapping its handle table.
func SizeBytes(limit uint32) mem.Size {
	return (mem.Size(limit) * mem.Size(entrySize)).RoundUpToPage()
}

const entrySize = 8 // uint16 + uint16 + uint32, matching the original's packed layout

// Allocate hands out a fresh handle for the given core and process. It
// first tries the calling core's local free list, then the shared global
// free stack, and only as a last resort bumps the table's cursor.
func (t *Table) Allocate(core uint32, pcid uint16) (Handle, *kernel.Error) {
	if pcid == invalidProcessID {
		return Invalid, ErrInvalidProcessID
	}

	block := percpu.Of(core)

	if block.HandleFreeCount > 0 {
		res := Handle(block.HandleFreeHead)
		block.HandleFreeHead = uint32(t.entries[res].LocalIndex)
		block.HandleFreeCount--

		t.entries[res] = Entry{ProcessID: pcid, LocalIndex: Invalid}
		return res, nil
	}

	for {
		head, gen := t.loadGlobalFree()
		if Handle(head) == Invalid {
			break
		}

		next := uint32(t.entries[head].LocalIndex)
		if cpu.CAS128(&t.globalFree, uint64(head), gen, uint64(next), gen+1) {
			t.entries[head] = Entry{ProcessID: pcid, LocalIndex: Invalid}
			return Handle(head), nil
		}
		// Lost the race; another core took this entry first, or spliced
		// a new tail in underneath us. Retry.
	}

	if atomic.LoadUint32(&t.cursor) >= t.maximum {
		return Invalid, ErrTableFull
	}

	res := atomic.AddUint32(&t.cursor, 1) - 1
	if res >= t.maximum {
		return Invalid, ErrTableFull
	}

	t.entries[res] = Entry{ProcessID: pcid, LocalIndex: Invalid}
	return Handle(res), nil
}

// Deallocate releases ind back to the calling core's local free list,
// spilling part of that list into the global stack once it grows past
// FreeListThreshold entries.
//
// A handle is only ever valid if it was produced by a prior Allocate, which
// means its index is always below the table's current cursor; an index at
// or beyond the cursor was never handed out and is rejected.
func (t *Table) Deallocate(core uint32, ind Handle) *kernel.Error {
	if uint32(ind) >= atomic.LoadUint32(&t.cursor) {
		return ErrUnallocated
	}

	entry := &t.entries[ind]
	if entry.ProcessID == invalidProcessID {
		return ErrAlreadyFree
	}

	block := percpu.Of(core)

	entry.ReferenceCount--
	entry.ProcessID = invalidProcessID

	// block.HandleFreeHead's zero value collides with a genuine index 0,
	// so an empty local list must chain to Invalid explicitly rather
	// than to whatever HandleFreeHead happens to hold.
	entry.LocalIndex = Invalid
	if block.HandleFreeCount > 0 {
		entry.LocalIndex = Handle(block.HandleFreeHead)
	}

	block.HandleFreeHead = uint32(ind)
	block.HandleFreeCount++

	if block.HandleFreeCount > t.FreeListThreshold {
		t.spillLocalFreeList(block)
	}

	return nil
}

// spillLocalFreeList walks FreeListRemovalCount entries down the calling
// core's local free list from its head and splices that leading run onto
// the shared global stack, so no single core accumulates the whole table's
// free capacity. The entries moved are the most recently freed ones; the
// older entries further down the list stay on the local list.
func (t *Table) spillLocalFreeList(block *percpu.Block) {
	entry := &t.entries[block.HandleFreeHead]

	i := uint32(1)
	for Handle(entry.LocalIndex) != Invalid && i < t.FreeListRemovalCount {
		entry = &t.entries[entry.LocalIndex]
		i++
	}

	spliceHead := block.HandleFreeHead
	block.HandleFreeHead = uint32(entry.LocalIndex)
	block.HandleFreeCount -= i

	for {
		head, gen := t.loadGlobalFree()
		entry.LocalIndex = Handle(head)
		if cpu.CAS128(&t.globalFree, uint64(head), gen, uint64(spliceHead), gen+1) {
			return
		}
	}
}

// Get returns a copy of the entry ind refers to.
func (t *Table) Get(ind Handle) (Entry, *kernel.Error) {
	if uint32(ind) >= t.maximum {
		return Entry{}, ErrUnallocated
	}

	e := t.entries[ind]
	if e.ProcessID == invalidProcessID {
		return Entry{}, ErrUnallocated
	}

	return e, nil
}

// AddRef increments ind's reference count.
func (t *Table) AddRef(ind Handle) *kernel.Error {
	if uint32(ind) >= t.maximum {
		return ErrUnallocated
	}
	entry := &t.entries[ind]
	if entry.ProcessID == invalidProcessID {
		return ErrUnallocated
	}
	entry.ReferenceCount++
	return nil
}
