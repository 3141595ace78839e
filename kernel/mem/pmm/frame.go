// Package pmm implements the kernel's physical frame allocator: a chain of
// allocation spaces, each backed by an array of 2 MiB large-frame
// descriptors that are carved into 4 KiB small frames on demand.
package pmm

import "beelzebub/kernel/mem"

// PAddr is a physical memory address.
type PAddr uintptr

// NullAddr is returned by allocation routines on failure.
const NullAddr = PAddr(0)

// Valid reports whether a is a usable physical address.
func (a PAddr) Valid() bool {
	return a != NullAddr
}

// FrameSize identifies one of the two frame sizes the PMM can serve.
type FrameSize mem.Size

// Supported frame sizes.
const (
	SmallFrame = FrameSize(mem.PageSize)
	LargeFrame = FrameSize(mem.LargePageSize)
)

// Magnitude constrains the physical address range an allocation may be
// satisfied from.
type Magnitude uint8

const (
	// Any allows any allocation space to satisfy the request.
	Any Magnitude = iota
	// Bits48 restricts the search to spaces addressable within a 48-bit
	// canonical physical address (effectively the same as Any on this
	// architecture, kept distinct for interface parity with Bits32).
	Bits48
	// Bits32 restricts the search to spaces whose AllocationEnd is below
	// 2^32, for devices/structures that require a 32-bit physical
	// address (e.g. legacy DMA).
	Bits32
)

const fourGiB = PAddr(1) << 32
