package pmm

import (
	"beelzebub/kernel"
	"beelzebub/kernel/mem"
)

// Allocator chains zero or more AllocationSpaces and serves allocation
// requests by walking the chain until one space can satisfy them. Spaces
// are typically one per usable region reported by the boot memory map,
// since usable physical memory is rarely one contiguous range.
type Allocator struct {
	head *AllocationSpace
	tail *AllocationSpace
}

// MemoryRegion describes one physical range to hand to AddSpace, as
// reported by the boot memory map.
type MemoryRegion struct {
	Start, End PAddr
}

// Init (re)builds the allocator from a list of free physical memory
// regions, discarding any spaces it already held. Regions smaller than one
// 2 MiB large frame plus its descriptor overhead are silently skipped, as
// they cannot fit even a single frame.
func (a *Allocator) Init(regions []MemoryRegion) {
	a.head, a.tail = nil, nil
	for _, r := range regions {
		a.AddSpace(r.Start, r.End)
	}
}

// AddSpace appends a new allocation space covering [start, end) to the
// chain. It is a no-op if the region is too small to host any frame.
func (a *Allocator) AddSpace(start, end PAddr) {
	alignedEnd := end &^ (PAddr(mem.LargePageSize) - 1)
	if end <= start || alignedEnd < PAddr(mem.LargePageSize) ||
		start+PAddr(sizeofLargeDescriptor) > alignedEnd-PAddr(mem.LargePageSize) {
		return
	}

	space := NewAllocationSpace(start, end)
	if a.head == nil {
		a.head, a.tail = space, space
		return
	}

	space.Previous = a.tail
	a.tail.Next = space
	a.tail = space
}

// AllocateFrame walks the chain from the tail backwards looking for a
// space that both matches magnitude and has a free frame of the
// requested size. Starting at the tail (the most recently added, and
// so typically highest-address, space) keeps low physical memory —
// where legacy DMA and firmware structures tend to live — free for
// longer.
func (a *Allocator) AllocateFrame(size FrameSize, magnitude Magnitude, refCount uint32) (PAddr, FrameHandle, *kernel.Error) {
	for s := a.tail; s != nil; s = s.Previous {
		if !s.FitsMagnitude(magnitude) {
			continue
		}

		addr, handle, err := s.AllocateFrame(size, refCount)
		if err != nil {
			return NullAddr, FrameHandle{}, err
		}
		if addr.Valid() {
			return addr, handle, nil
		}
	}

	return NullAddr, FrameHandle{}, ErrOutOfMemory
}

// FreeFrame releases one reference on the frame at addr, searching every
// space in the chain for one that contains it. With ignoreRefCount, the
// frame is freed outright regardless of how many references are still
// outstanding; otherwise this is equivalent to AdjustReferenceCount(addr,
// -1, false). Prefer FreeFrameHandle when a FrameHandle from the matching
// AllocateFrame call is still available.
func (a *Allocator) FreeFrame(addr PAddr, ignoreRefCount bool) *kernel.Error {
	if ignoreRefCount {
		for s := a.head; s != nil; s = s.Next {
			if s.Contains(addr) {
				return s.forceFree(addr)
			}
		}
		return ErrPagesOutOfAllocatorRange
	}
	_, err := a.AdjustReferenceCount(addr, -1, false)
	return err
}

// FreeFrameHandle releases the frame referred to by h without searching the
// space chain.
func (a *Allocator) FreeFrameHandle(h FrameHandle, ignoreRefCount bool) *kernel.Error {
	if !h.Valid() {
		return ErrPagesOutOfAllocatorRange
	}
	if ignoreRefCount {
		addr := h.space.addrOfLarge(h.largeIndex)
		if h.hasSmall {
			addr += PAddr(h.smallIndex) * PAddr(mem.PageSize)
		}
		return h.space.forceFree(addr)
	}
	_, err := adjustByHandle(h, -1, false)
	return err
}

// AdjustReferenceCount applies diff to the reference count of the frame at
// addr, freeing it if the count reaches zero. It searches every space in
// the chain for one that contains addr.
func (a *Allocator) AdjustReferenceCount(addr PAddr, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	for s := a.head; s != nil; s = s.Next {
		if s.Contains(addr) {
			return s.mingle(addr, diff, ignoreRefCount)
		}
	}
	return 0, ErrPagesOutOfAllocatorRange
}

// AdjustReferenceCountHandle applies diff to the frame referred to by h
// without searching the space chain.
func (a *Allocator) AdjustReferenceCountHandle(h FrameHandle, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	return adjustByHandle(h, diff, ignoreRefCount)
}

// ReserveRange marks every page in [start, start+size) as reserved. The
// range must lie entirely within a single space in the chain.
func (a *Allocator) ReserveRange(start PAddr, size mem.Size, includeBusy bool) *kernel.Error {
	for s := a.head; s != nil; s = s.Next {
		if s.Contains(start) {
			return s.ReserveRange(start, size, includeBusy)
		}
	}
	return ErrPagesOutOfAllocatorRange
}

// Spaces returns the chain of allocation spaces, head first.
func (a *Allocator) Spaces() []*AllocationSpace {
	var out []*AllocationSpace
	for s := a.head; s != nil; s = s.Next {
		out = append(out, s)
	}
	return out
}

// ErrOutOfMemory is returned when every space in the chain was searched and
// none had a free frame of the requested size and magnitude.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frame of the requested size"}

func adjustByHandle(h FrameHandle, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	if !h.Valid() {
		return 0, ErrPagesOutOfAllocatorRange
	}

	addr := h.space.addrOfLarge(h.largeIndex)
	if h.hasSmall {
		addr += PAddr(h.smallIndex) * PAddr(mem.PageSize)
	}

	return h.space.mingle(addr, diff, ignoreRefCount)
}

// Allocate is the kernel-wide physical frame allocator, built once during
// early boot from the memory map handed to it by hal/multiboot.
var Allocate Allocator
