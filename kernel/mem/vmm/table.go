package vmm

import (
	"sync/atomic"
	"unsafe"

	"beelzebub/kernel"
	"beelzebub/kernel/mem/pmm"
)

// tryLock attempts to set bit (one of flagContentLock/flagPropertiesLock)
// on pte's flag word via CAS, returning false if it was already held.
// These two bits occupy the hardware-defined "Ignored" range of a real
// PTE; a genuine implementation on bare metal would CAS the entire 64-bit
// word in place. This one CASes the same bits on a Go-level flags field,
// since the entry is not a literal hardware word here (see the note on
// table representation below).
func (pte *pageTableEntry) tryLock(bit PageTableEntryFlag) bool {
	addr := (*uintptr)(unsafe.Pointer(&pte.flags))
	for {
		old := atomic.LoadUintptr(addr)
		if old&uintptr(bit) != 0 {
			return false
		}
		if atomic.CompareAndSwapUintptr(addr, old, old|uintptr(bit)) {
			return true
		}
	}
}

func (pte *pageTableEntry) unlock(bit PageTableEntryFlag) {
	addr := (*uintptr)(unsafe.Pointer(&pte.flags))
	for {
		old := atomic.LoadUintptr(addr)
		if atomic.CompareAndSwapUintptr(addr, old, old&^uintptr(bit)) {
			return
		}
	}
}

// LockContent acquires the entry's content lock, guarding mutation of its
// target frame, failing rather than blocking if already held.
func (pte *pageTableEntry) LockContent() bool { return pte.tryLock(flagContentLock) }

// UnlockContent releases the entry's content lock.
func (pte *pageTableEntry) UnlockContent() { pte.unlock(flagContentLock) }

// LockProperties acquires the entry's properties lock, guarding mutation
// of its flag bits (other than the two lock bits themselves).
func (pte *pageTableEntry) LockProperties() bool { return pte.tryLock(flagPropertiesLock) }

// UnlockProperties releases the entry's properties lock.
func (pte *pageTableEntry) UnlockProperties() { pte.unlock(flagPropertiesLock) }

// table is one level of the hierarchical page table. Real hardware reaches
// a table by dereferencing the physical frame named in its parent entry;
// since this kernel is exercised hosted, each table also keeps a direct Go
// pointer to its children so walk can navigate it without pretending to
// read physical memory. frame still records the pmm-backed physical frame
// "owning" this table, so every table a real AllocatePages/MapPage call
// creates does consume and eventually release real PMM frames.
type table struct {
	entries  [entriesPerTable]pageTableEntry
	children [entriesPerTable]*table
	frame    pmm.PAddr
}

// pageIndex returns the index into a table at the given level (0 == PML4)
// that virtAddr's walk passes through.
func pageIndex(virtAddr uintptr, level uint8) uint16 {
	shift := uint(12 + 9*(pageLevels-1-int(level)))
	return uint16((virtAddr >> shift) & 0x1ff)
}

// walkFn is invoked once per level while walking a virtual address,
// starting at the PML4 (level 0) and ending at the leaf PT entry (level
// pageLevels-1). Returning false aborts the walk early.
type walkFn func(level uint8, entry *pageTableEntry) bool

// walk descends root's hierarchy along the path for virtAddr, calling fn
// at each level. If createMissing is true, a fresh child table is
// allocated (from frameAlloc) whenever an intermediate entry is not yet
// present.
func (root *table) walk(virtAddr uintptr, createMissing bool, frameAlloc frameAllocatorFn, fn walkFn) *kernel.Error {
	cur := root

	for level := uint8(0); level < pageLevels; level++ {
		idx := pageIndex(virtAddr, level)
		entry := &cur.entries[idx]

		if level == pageLevels-1 {
			fn(level, entry)
			return nil
		}

		if !entry.HasFlags(FlagPresent) {
			if !createMissing {
				fn(level, entry)
				return ErrInvalidMapping
			}

			child := &table{}
			frame, err := frameAlloc()
			if err != nil {
				return err
			}
			child.frame = frame

			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | FlagRW)
			cur.children[idx] = child
		} else if entry.HasFlags(FlagHugePage) {
			return ErrHugePageUnsupported
		}

		if !fn(level, entry) {
			return nil
		}

		cur = cur.children[idx]
		if cur == nil {
			return ErrInvalidMapping
		}
	}

	return nil
}

// frameAllocatorFn allocates a single 4 KiB physical frame, used both for
// leaf page mappings and for the intermediate page-table levels
// themselves.
type frameAllocatorFn func() (pmm.PAddr, *kernel.Error)
