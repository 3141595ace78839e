package vmm

import (
	"testing"

	"beelzebub/kernel"
	"beelzebub/kernel/mem/pmm"
)

func TestPageIndexSplitsAddressIntoFourLevels(t *testing.T) {
	// Each level consumes 9 bits, starting right above the 12-bit page
	// offset; level 0 is the PML4 (top), level 3 is the PT (leaf).
	const addr = uintptr(0x1AB)<<12 | // PT index
		uintptr(0x15)<<21 | // PD index
		uintptr(0x3)<<30 | // PDPT index
		uintptr(0x7)<<39 // PML4 index

	if got := pageIndex(addr, 0); got != 0x7 {
		t.Fatalf("PML4 index: got %#x, want %#x", got, 0x7)
	}
	if got := pageIndex(addr, 1); got != 0x3 {
		t.Fatalf("PDPT index: got %#x, want %#x", got, 0x3)
	}
	if got := pageIndex(addr, 2); got != 0x15 {
		t.Fatalf("PD index: got %#x, want %#x", got, 0x15)
	}
	if got := pageIndex(addr, 3); got != 0x1AB {
		t.Fatalf("PT index: got %#x, want %#x", got, 0x1AB)
	}
}

func TestWalkCreatesMissingIntermediateLevels(t *testing.T) {
	var a pmm.Allocator
	a.AddSpace(0, 8*pmm.PAddr(0x200000))

	root := &table{}
	visited := 0
	err := root.walk(0x400000, true, func() (pmm.PAddr, *kernel.Error) {
		addr, _, ferr := a.AllocateFrame(pmm.SmallFrame, pmm.Any, 1)
		return addr, ferr
	}, func(level uint8, entry *pageTableEntry) bool {
		visited++
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if visited != pageLevels {
		t.Fatalf("expected walk to visit %d levels, visited %d", pageLevels, visited)
	}
	if root.children[pageIndex(0x400000, 0)] == nil {
		t.Fatalf("expected an intermediate table to have been created")
	}
}

func TestWalkWithoutCreateMissingFailsOnAbsentEntry(t *testing.T) {
	root := &table{}

	err := root.walk(0x800000, false, nil, func(level uint8, entry *pageTableEntry) bool {
		return true
	})
	if err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping, got %v", err)
	}
}

func TestWalkRejectsHugePageEntries(t *testing.T) {
	root := &table{}
	idx := pageIndex(0xc00000, 0)
	root.entries[idx].SetFlags(FlagPresent | FlagHugePage)

	err := root.walk(0xc00000, false, nil, func(level uint8, entry *pageTableEntry) bool {
		return true
	})
	if err != ErrHugePageUnsupported {
		t.Fatalf("expected ErrHugePageUnsupported, got %v", err)
	}
}

func TestLockContentFailsWhenAlreadyHeld(t *testing.T) {
	var pte pageTableEntry

	if !pte.LockContent() {
		t.Fatalf("expected the first LockContent to succeed")
	}
	if pte.LockContent() {
		t.Fatalf("expected a second LockContent to fail while still held")
	}

	pte.UnlockContent()
	if !pte.LockContent() {
		t.Fatalf("expected LockContent to succeed again after UnlockContent")
	}
}

func TestLockPropertiesIsIndependentOfContentLock(t *testing.T) {
	var pte pageTableEntry

	if !pte.LockContent() {
		t.Fatalf("expected LockContent to succeed")
	}
	if !pte.LockProperties() {
		t.Fatalf("expected LockProperties to succeed while only the content lock is held")
	}

	pte.UnlockContent()
	pte.UnlockProperties()
}
