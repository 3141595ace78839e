package vmm

import (
	"beelzebub/kernel"
	"beelzebub/kernel/cpu"
	"beelzebub/kernel/hal/mailbox"
	"beelzebub/kernel/mem"
	"beelzebub/kernel/mem/pmm"
	"beelzebub/kernel/sync"
	"sync/atomic"
)

// the following are mocked by tests, since the real calls fault outside
// ring 0; mirrors the pattern kernel/sync/irqguard.go uses for the same
// reason.
var (
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
)

// guardPageCount is the number of pages reserved on either side of an
// allocation that requests a guard, matching a single unmapped page being
// enough to turn a stack overrun into a fault rather than silent
// corruption of a neighboring allocation.
const guardPageCount = 1

// AddressSpace is one process's (or the kernel's) virtual address space: a
// 4-level page table plus the region tree recording what each reserved
// range of it means.
type AddressSpace struct {
	root      *table
	rootFrame pmm.PAddr
	regions   *regionTree

	allocator *pmm.Allocator
	lock      sync.RWTicketLock

	// heapCursor is the next address AllocatePages(0, ...) will hand out,
	// advanced monotonically with atomic.AddUintptr so concurrent kernel
	// heap growth never needs the address-space writer lock just to pick
	// a range.
	heapCursor uintptr

	// Core and Mailbox, if set, let InvalidatePage broadcast a TLB
	// shootdown to every other core sharing this address space. Both
	// are nil/zero for a single-core address space (e.g. most tests).
	Core    uint32
	Mailbox *mailbox.Mailbox
}

// NewAddressSpace creates an address space whose page-table levels and
// mapped frames are drawn from allocator. heapStart is the first address
// handed out by AllocatePages(0, ...); callers that never use the
// null-start form may pass 0.
func NewAddressSpace(allocator *pmm.Allocator, heapStart uintptr) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{
		root:       &table{},
		regions:    newRegionTree(),
		allocator:  allocator,
		heapCursor: heapStart,
	}

	frame, _, err := allocator.AllocateFrame(pmm.SmallFrame, pmm.Any, 1)
	if err != nil {
		return nil, err
	}
	if !frame.Valid() {
		return nil, pmm.ErrOutOfMemory
	}

	as.rootFrame = frame
	as.root.frame = frame

	return as, nil
}

func (as *AddressSpace) frameAlloc() (pmm.PAddr, *kernel.Error) {
	frame, _, err := as.allocator.AllocateFrame(pmm.SmallFrame, pmm.Any, 1)
	if err != nil {
		return pmm.NullAddr, err
	}
	if !frame.Valid() {
		return pmm.NullAddr, pmm.ErrOutOfMemory
	}
	return frame, nil
}

// MapPage establishes a mapping from virt to phys with the given flags,
// allocating any missing intermediate page-table levels along the way. It
// fails with ErrPageMapped if virt already has a present leaf mapping,
// rather than silently overwriting it. desc, if Valid, is the PMM frame
// handle phys was allocated under; MapPage bumps its reference count on
// success so UnmapPage can later hand it back and decrement it.
func (as *AddressSpace) MapPage(virt uintptr, phys pmm.PAddr, flags PageTableEntryFlag, desc pmm.FrameHandle) *kernel.Error {
	as.lock.AcquireAsWriter()
	defer as.lock.ReleaseAsWriter()

	var mapErr *kernel.Error

	walkErr := as.root.walk(virt, true, as.frameAlloc, func(level uint8, entry *pageTableEntry) bool {
		if level != pageLevels-1 {
			return true
		}
		if entry.HasFlags(FlagPresent) {
			mapErr = ErrPageMapped
			return false
		}
		entry.flags = 0
		entry.SetFrame(phys)
		entry.SetDesc(desc)
		entry.SetFlags(flags | FlagPresent)
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if mapErr != nil {
		return mapErr
	}

	if desc.Valid() {
		as.allocator.AdjustReferenceCountHandle(desc, 1, false)
	}

	return nil
}

// UnmapPage clears virt's leaf mapping, if any, returning the physical
// frame and PMM handle (if any) it was mapped with. The handle's reference
// count is decremented and the mapping is invalidated (locally, and across
// every other core sharing this address space) before UnmapPage returns,
// so callers never need to remember to call InvalidatePage themselves.
func (as *AddressSpace) UnmapPage(virt uintptr) (pmm.PAddr, pmm.FrameHandle, *kernel.Error) {
	as.lock.AcquireAsWriter()

	var (
		oldFrame pmm.PAddr
		oldDesc  pmm.FrameHandle
		unmapErr *kernel.Error
	)

	walkErr := as.root.walk(virt, false, nil, func(level uint8, entry *pageTableEntry) bool {
		if level != pageLevels-1 {
			return entry.HasFlags(FlagPresent)
		}
		if !entry.HasFlags(FlagPresent) {
			unmapErr = ErrInvalidMapping
			return false
		}
		oldFrame = entry.Frame()
		oldDesc = entry.Desc()
		entry.ClearFlags(FlagPresent)
		entry.SetDesc(pmm.FrameHandle{})
		return true
	})

	as.lock.ReleaseAsWriter()

	if walkErr != nil {
		return pmm.NullAddr, pmm.FrameHandle{}, walkErr
	}
	if unmapErr != nil {
		return pmm.NullAddr, pmm.FrameHandle{}, unmapErr
	}

	if oldDesc.Valid() {
		as.allocator.AdjustReferenceCountHandle(oldDesc, -1, false)
	}

	as.InvalidatePage(virt)

	return oldFrame, oldDesc, nil
}

// Translate returns the physical frame backing virt.
func (as *AddressSpace) Translate(virt uintptr) (pmm.PAddr, *kernel.Error) {
	as.lock.AcquireAsReader()
	defer as.lock.ReleaseAsReader()

	var (
		frame pmm.PAddr
		err   *kernel.Error
	)

	walkErr := as.root.walk(virt, false, nil, func(level uint8, entry *pageTableEntry) bool {
		present := entry.HasFlags(FlagPresent)
		if level == pageLevels-1 {
			if !present {
				err = ErrInvalidMapping
				return false
			}
			frame = entry.Frame()
			return true
		}
		return present
	})
	if walkErr != nil {
		return pmm.NullAddr, walkErr
	}
	if err != nil {
		return pmm.NullAddr, err
	}

	return frame, nil
}

// GetPageFlags returns the flags set on virt's leaf entry.
func (as *AddressSpace) GetPageFlags(virt uintptr) (PageTableEntryFlag, *kernel.Error) {
	as.lock.AcquireAsReader()
	defer as.lock.ReleaseAsReader()

	var flags PageTableEntryFlag
	err := as.root.walk(virt, false, nil, func(level uint8, entry *pageTableEntry) bool {
		if level != pageLevels-1 {
			return entry.HasFlags(FlagPresent)
		}
		if !entry.HasFlags(FlagPresent) {
			return false
		}
		flags = entry.flags
		return true
	})
	if err != nil {
		return 0, err
	}
	return flags, nil
}

// SetPageFlags replaces the flags on virt's leaf entry, preserving
// FlagPresent and the mapped frame.
func (as *AddressSpace) SetPageFlags(virt uintptr, flags PageTableEntryFlag) *kernel.Error {
	as.lock.AcquireAsWriter()
	defer as.lock.ReleaseAsWriter()

	return as.root.walk(virt, false, nil, func(level uint8, entry *pageTableEntry) bool {
		if level != pageLevels-1 {
			return entry.HasFlags(FlagPresent)
		}
		if !entry.HasFlags(FlagPresent) {
			return false
		}
		entry.flags = flags | FlagPresent
		return true
	})
}

// InvalidatePage flushes virt's local TLB entry and, if this address space
// is shared across cores, waits for every other core to acknowledge the
// same shootdown before returning, so a caller that proceeds past
// InvalidatePage knows no core can still be holding a stale translation.
func (as *AddressSpace) InvalidatePage(virt uintptr) {
	flushTLBEntryFn(virt)

	if as.Mailbox != nil {
		tk := as.Mailbox.Post(mailbox.Message{Kind: mailbox.KindTLBShootdown, Addr: virt, FromCore: as.Core})
		as.Mailbox.Await(tk)
	}
}

// Switch activates this address space's page table on the current core.
func (as *AddressSpace) Switch() {
	switchPDTFn(uintptr(as.rootFrame))
}

// AllocationOptions configures AllocatePages.
type AllocationOptions struct {
	// OnDemand defers allocating a physical frame for each page until it
	// first faults, rather than mapping every page immediately.
	OnDemand bool
	// GuardLow/GuardHigh additionally reserve one unmapped, RegionReserved
	// page immediately below Start / at End, so an over/underrun into the
	// allocation's neighbor faults instead of corrupting it.
	GuardLow, GuardHigh bool
	// Content tags what the region is used for.
	Content RegionContent
}

// AllocatePages reserves pageCount pages with the given flags and options.
// If start is 0, the range is drawn from the address space's monotonic
// kernel heap cursor instead of a caller-supplied address. It returns the
// start address of the allocation's usable pages: equal to start when start
// is nonzero and GuardLow is unset, and one guard page above start (or the
// heap cursor's value) when GuardLow is set.
func (as *AddressSpace) AllocatePages(start uintptr, pageCount int, flags PageTableEntryFlag, opts AllocationOptions) (uintptr, *kernel.Error) {
	if pageCount <= 0 {
		return 0, kernel.ErrArgumentOutOfRange
	}

	span := uintptr(pageCount) * uintptr(mem.PageSize)
	guardSpan := uintptr(guardPageCount) * uintptr(mem.PageSize)

	total := span
	if opts.GuardLow {
		total += guardSpan
	}
	if opts.GuardHigh {
		total += guardSpan
	}

	if start == 0 {
		start = atomic.AddUintptr(&as.heapCursor, total) - total
	}

	mainStart := start
	if opts.GuardLow {
		mainStart = start + guardSpan
	}
	mainEnd := mainStart + span

	regionType := RegionCommitted
	if opts.OnDemand {
		regionType = RegionAllocateOnDemand
	}

	if opts.GuardLow {
		if err := as.regions.Insert(start, mainStart, 0, RegionReserved, ContentGeneric); err != nil {
			return 0, err
		}
	}
	if err := as.regions.Insert(mainStart, mainEnd, flags, regionType, opts.Content); err != nil {
		if opts.GuardLow {
			as.regions.Remove(start)
		}
		return 0, err
	}
	if opts.GuardHigh {
		if err := as.regions.Insert(mainEnd, mainEnd+guardSpan, 0, RegionReserved, ContentGeneric); err != nil {
			as.regions.Remove(mainStart)
			if opts.GuardLow {
				as.regions.Remove(start)
			}
			return 0, err
		}
	}

	if r, ok := as.regions.Find(mainStart); ok {
		r.GuardLow, r.GuardHigh = opts.GuardLow, opts.GuardHigh
	}

	if opts.OnDemand {
		return mainStart, nil
	}

	for i := 0; i < pageCount; i++ {
		page := mainStart + uintptr(i)*uintptr(mem.PageSize)

		frame, desc, err := as.allocator.AllocateFrame(pmm.SmallFrame, pmm.Any, 1)
		if err != nil {
			as.unmapRange(mainStart, i)
			as.freeRegionWithGuards(mainStart)
			return 0, err
		}
		if !frame.Valid() {
			as.unmapRange(mainStart, i)
			as.freeRegionWithGuards(mainStart)
			return 0, pmm.ErrOutOfMemory
		}
		if err := as.MapPage(page, frame, flags, desc); err != nil {
			as.allocator.FreeFrame(frame, true)
			as.unmapRange(mainStart, i)
			as.freeRegionWithGuards(mainStart)
			return 0, err
		}
	}

	return mainStart, nil
}

// FreePages unmaps and releases every page in [start, start+pageCount*PageSize),
// removes the covering region, and tears down any guard regions AllocatePages
// created alongside it.
func (as *AddressSpace) FreePages(start uintptr, pageCount int) *kernel.Error {
	if _, ok := as.regions.Find(start); !ok {
		return ErrNoSuchRegion
	}

	as.unmapRange(start, pageCount)
	return as.freeRegionWithGuards(start)
}

// freeRegionWithGuards removes the region starting at mainStart along with
// any RegionReserved guard regions immediately bracketing it.
func (as *AddressSpace) freeRegionWithGuards(mainStart uintptr) *kernel.Error {
	r, ok := as.regions.Find(mainStart)
	if !ok {
		return ErrRegionNotFound
	}
	guardLow, guardHigh := r.GuardLow, r.GuardHigh
	mainEnd := r.End

	guardSpan := uintptr(guardPageCount) * uintptr(mem.PageSize)

	if guardHigh {
		as.regions.Remove(mainEnd)
	}
	err := as.regions.Remove(mainStart)
	if guardLow {
		as.regions.Remove(mainStart - guardSpan)
	}

	return err
}

func (as *AddressSpace) unmapRange(start uintptr, pageCount int) {
	for i := 0; i < pageCount; i++ {
		page := start + uintptr(i)*uintptr(mem.PageSize)

		frame, _, err := as.UnmapPage(page)
		if err == nil {
			as.allocator.FreeFrame(frame, true)
		}
	}
}

// HandlePageFault services a fault at addr: if addr falls within a region
// marked AllocateOnDemand and is not yet mapped, a frame is allocated and
// mapped with the region's flags; otherwise the fault is not recoverable
// here.
func (as *AddressSpace) HandlePageFault(addr uintptr) *kernel.Error {
	page := PageFromAddress(addr)

	r, ok := as.regions.Find(page)
	if !ok {
		return ErrNoSuchRegion
	}
	if r.Type == RegionReserved {
		return ErrPageReserved
	}
	if r.Type != RegionAllocateOnDemand {
		return ErrNotOnDemand
	}

	if _, err := as.Translate(page); err == nil {
		return nil // already mapped; nothing to do (e.g. racing fault)
	}

	frame, desc, err := as.allocator.AllocateFrame(pmm.SmallFrame, pmm.Any, 1)
	if err != nil {
		return err
	}
	if !frame.Valid() {
		return pmm.ErrOutOfMemory
	}

	return as.MapPage(page, frame, r.Flags, desc)
}
