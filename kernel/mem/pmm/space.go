package pmm

import (
	"unsafe"

	"beelzebub/kernel"
	"beelzebub/kernel/mem"
	"beelzebub/kernel/sync"
)

var (
	ErrPagesOutOfAllocatorRange = &kernel.Error{Module: "pmm", Message: "physical address does not belong to this allocation space"}
	ErrPageFree                 = &kernel.Error{Module: "pmm", Message: "double free of an already-free page"}
	ErrPageInUse                = &kernel.Error{Module: "pmm", Message: "reference count would drop below zero"}
	ErrPageReserved             = &kernel.Error{Module: "pmm", Message: "page is reserved and cannot be freed or allocated"}
	ErrIntegrityFailure         = &kernel.Error{Module: "pmm", Message: "frame descriptor chain is in an inconsistent state"}
	ErrUnsupportedFrameSize     = &kernel.Error{Module: "pmm", Message: "only 4 KiB and 2 MiB frames are supported"}
)

// sizeofLargeDescriptor is used purely for the header/allocation-region fit
// computation below; the descriptor array itself is backed by an ordinary
// Go slice rather than being embedded in the physical range it describes
// (see DESIGN.md — this repository cannot place control structures at a
// literal physical address since it runs hosted, not on bare metal).
var sizeofLargeDescriptor = mem.Size(unsafe.Sizeof(LargeFrameDescriptor{}))

// AllocationSpace manages frame allocation for one contiguous physical
// range [MemoryStart, MemoryEnd). It carves 2 MiB "large" frames directly
// out of AllocationStart..AllocationEnd and splits them into 4 KiB "small"
// frames on demand.
type AllocationSpace struct {
	MemoryStart, MemoryEnd         PAddr
	AllocationStart, AllocationEnd PAddr
	LargeFrameCount                uint32

	Map []LargeFrameDescriptor

	largeFree uint32 // head of the large free stack, nullIndex if empty
	splitFree uint32 // head of the non-full split list, nullIndex if empty

	// LargeLocker guards largeFree and the Free/Used transitions of
	// entries in Map. SplitLocker guards splitFree and the contents of
	// each Split/Full descriptor's Extras and SubDescriptors. The
	// allocate path takes at most one of these at a time, always in the
	// order SplitLocker -> LargeLocker (spec §4.3).
	LargeLocker sync.Spinlock
	SplitLocker sync.Spinlock

	Next, Previous *AllocationSpace
}

// NewAllocationSpace constructs an allocation space covering the physical
// range [start, end). The header/allocation-region split is computed by a
// one-shot fit: starting from a zero-size header, the loop advances the
// header end and pulls back the allocation start in halving steps so that
// as many 2 MiB frames as possible are usable (spec §4.2).
func NewAllocationSpace(start, end PAddr) *AllocationSpace {
	alignedEnd := end &^ (PAddr(mem.LargePageSize) - 1)

	ctrlEnd, allocStart := start, alignedEnd
	var frameCount uint32

	for i := uint64(1) << 31; i > 0; i >>= 1 {
		newCtrlEnd := ctrlEnd + PAddr(uint64(sizeofLargeDescriptor)*i)
		newAllocStart := allocStart - PAddr(i<<mem.LargePageShift)

		if newAllocStart > allocStart {
			continue // underflow
		}

		if newCtrlEnd <= newAllocStart {
			frameCount += uint32(i)
			ctrlEnd = newCtrlEnd
			allocStart = newAllocStart

			if newCtrlEnd == newAllocStart {
				break // precise fit
			}
		}
	}

	kernel.Assert(frameCount > 0, &kernel.Error{Module: "pmm", Message: "failed to fit any frames into allocation space"})

	s := &AllocationSpace{
		MemoryStart:     start,
		MemoryEnd:       end,
		AllocationStart: allocStart,
		AllocationEnd:   alignedEnd,
		LargeFrameCount: frameCount,
		largeFree:       nullIndex,
		splitFree:       nullIndex,
	}

	s.Map = make([]LargeFrameDescriptor, frameCount, frameCount+1)
	for i := uint32(0); i < frameCount; i++ {
		if i+1 < frameCount {
			s.Map[i].NextIndex = i + 1
		} else {
			s.Map[i].NextIndex = nullIndex
		}
	}
	if frameCount > 0 {
		s.largeFree = 0
	}

	// A leftover tail shorter than 2 MiB becomes a pre-split frame if it
	// holds at least 3 pages: one reserved for the sub-descriptor array,
	// at least two left over to actually allocate.
	tailPages := uint32((end - alignedEnd) / PAddr(mem.PageSize))
	if allocStart-ctrlEnd >= PAddr(sizeofLargeDescriptor) && tailPages >= 3 {
		s.AllocationEnd = end
		s.Map = append(s.Map, LargeFrameDescriptor{})
		tailIndex := frameCount

		s.splitLargeFrame(tailIndex, tailPages)
		s.Map[tailIndex].NextIndex = s.splitFree
		s.splitFree = tailIndex
		s.LargeFrameCount++
	}

	return s
}

// FrameHandle is an opaque fast-path reference to a frame returned by
// AllocateFrame, letting a caller that already holds one skip the
// space-lookup and status decode that AdjustReferenceCount/FreeFrame would
// otherwise need to perform from a bare PAddr.
type FrameHandle struct {
	space      *AllocationSpace
	largeIndex uint32
	smallIndex uint16
	hasSmall   bool
}

// Valid reports whether h refers to a frame.
func (h FrameHandle) Valid() bool {
	return h.space != nil
}

// Contains reports whether addr falls within this space's allocation
// region.
func (s *AllocationSpace) Contains(addr PAddr) bool {
	return addr >= s.AllocationStart && addr < s.AllocationEnd
}

// FitsMagnitude reports whether this space can serve allocations under the
// given magnitude constraint (spec §4.3: a 32-bit magnitude only matches
// spaces entirely below 2^32).
func (s *AllocationSpace) FitsMagnitude(m Magnitude) bool {
	if m == Bits32 {
		return s.AllocationEnd <= fourGiB
	}
	return true
}

// splitLargeFrame carves descriptor index idx into count small frames,
// reserving index 0 for the sub-descriptor array's own backing page.
func (s *AllocationSpace) splitLargeFrame(idx uint32, count uint32) {
	desc := &s.Map[idx]
	desc.Status = StatusSplit
	desc.SubDescriptors = make([]SmallFrameDescriptor, count)
	desc.SubDescriptors[0].Status = StatusReserved

	for i := uint32(1); i < count; i++ {
		if i+1 < count {
			desc.SubDescriptors[i].NextIndex = uint16(i + 1)
		} else {
			desc.SubDescriptors[i].NextIndex = nullSmallIndex
		}
	}

	nextFree := nullSmallIndex
	if count > 1 {
		nextFree = 1
	}

	desc.Extras = &SplitFrameExtra{
		FreeCount: uint16(count - 1),
		NextFree:  nextFree,
	}
}

// addrOfLarge returns the physical address of large frame index idx.
func (s *AllocationSpace) addrOfLarge(idx uint32) PAddr {
	return s.AllocationStart + PAddr(idx)*PAddr(mem.LargePageSize)
}

// AllocateFrame serves one frame of the requested size from this space. It
// returns NullAddr if the space has no free frame of that size.
func (s *AllocationSpace) AllocateFrame(size FrameSize, refCount uint32) (PAddr, FrameHandle, *kernel.Error) {
	switch size {
	case SmallFrame:
		return s.allocateSmall(refCount)
	case LargeFrame:
		return s.allocateLarge(refCount)
	default:
		return NullAddr, FrameHandle{}, ErrUnsupportedFrameSize
	}
}

func (s *AllocationSpace) allocateSmall(refCount uint32) (PAddr, FrameHandle, *kernel.Error) {
	s.SplitLocker.Acquire()
	lIndex := s.splitFree
	if lIndex != nullIndex {
		lDesc := &s.Map[lIndex]
		sIndex := lDesc.Extras.NextFree
		sDesc := &lDesc.SubDescriptors[sIndex]

		sDesc.Use(refCount)
		lDesc.Extras.NextFree = sDesc.NextIndex
		lDesc.Extras.FreeCount--

		if lDesc.Extras.FreeCount == 0 {
			lDesc.Status = StatusFull
			next := lDesc.NextIndex
			s.splitFree = next
			if next != nullIndex {
				s.Map[next].PrevIndex = nullIndex
			}
		}
		s.SplitLocker.Release()

		addr := s.addrOfLarge(lIndex) + PAddr(sIndex)*PAddr(mem.PageSize)
		return addr, FrameHandle{space: s, largeIndex: lIndex, smallIndex: sIndex, hasSmall: true}, nil
	}
	s.SplitLocker.Release()

	// No non-full split frame: grab and split a fresh large frame.
	s.LargeLocker.Acquire()
	lIndex = s.largeFree
	if lIndex == nullIndex {
		s.LargeLocker.Release()
		return NullAddr, FrameHandle{}, nil
	}
	s.largeFree = s.Map[lIndex].NextIndex
	s.LargeLocker.Release()

	s.splitLargeFrame(lIndex, uint32(mem.SmallFramesPerLargeFrame))

	lDesc := &s.Map[lIndex]
	sIndex := lDesc.Extras.NextFree
	sDesc := &lDesc.SubDescriptors[sIndex]
	sDesc.Use(refCount)
	lDesc.Extras.NextFree = sDesc.NextIndex
	lDesc.Extras.FreeCount--

	s.SplitLocker.Acquire()
	next := s.splitFree
	lDesc.NextIndex = next
	s.splitFree = lIndex
	if next != nullIndex {
		s.Map[next].PrevIndex = lIndex
	}
	s.SplitLocker.Release()

	addr := s.addrOfLarge(lIndex) + PAddr(sIndex)*PAddr(mem.PageSize)
	return addr, FrameHandle{space: s, largeIndex: lIndex, smallIndex: sIndex, hasSmall: true}, nil
}

func (s *AllocationSpace) allocateLarge(refCount uint32) (PAddr, FrameHandle, *kernel.Error) {
	s.LargeLocker.Acquire()
	defer s.LargeLocker.Release()

	lIndex := s.largeFree
	if lIndex == nullIndex {
		return NullAddr, FrameHandle{}, nil
	}

	s.largeFree = s.Map[lIndex].NextIndex
	s.Map[lIndex].Use(refCount)

	return s.addrOfLarge(lIndex), FrameHandle{space: s, largeIndex: lIndex}, nil
}

// mingle applies diff to the reference count of the frame at addr and, if
// the count reaches zero, frees it. ignoreRefCount allows the count to be
// forced to zero (or below, clamped) even if the caller asked for more
// decrements than the held references.
func (s *AllocationSpace) mingle(addr PAddr, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	if !s.Contains(addr) {
		return 0, ErrPagesOutOfAllocatorRange
	}

	offset := uint64(addr - s.AllocationStart)
	lIndex := uint32(offset >> mem.LargePageShift)
	lDesc := &s.Map[lIndex]

	switch lDesc.Status {
	case StatusFree:
		return 0, ErrPageFree
	case StatusReserved:
		return 0, ErrPageReserved
	case StatusUsed:
		return s.mingleLarge(lIndex, diff, ignoreRefCount)
	case StatusSplit, StatusFull:
		sIndex := uint16((offset % uint64(mem.LargePageSize)) >> mem.PageShift)
		return s.mingleSmall(lIndex, sIndex, diff, ignoreRefCount)
	default:
		return 0, ErrIntegrityFailure
	}
}

func (s *AllocationSpace) mingleLarge(lIndex uint32, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	s.LargeLocker.Acquire()
	defer s.LargeLocker.Release()

	lDesc := &s.Map[lIndex]
	newCount, err := applyDiff(lDesc.ReferenceCount, diff, ignoreRefCount)
	if err != nil {
		return lDesc.ReferenceCount, err
	}

	lDesc.ReferenceCount = newCount
	if newCount == 0 {
		lDesc.Status = StatusFree
		lDesc.NextIndex = s.largeFree
		s.largeFree = lIndex
	}

	return newCount, nil
}

func (s *AllocationSpace) mingleSmall(lIndex uint32, sIndex uint16, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	s.SplitLocker.Acquire()
	defer s.SplitLocker.Release()

	lDesc := &s.Map[lIndex]
	sDesc := &lDesc.SubDescriptors[sIndex]

	if sDesc.Status == StatusReserved {
		return 0, ErrPageReserved
	}
	if sDesc.Status == StatusFree {
		return 0, ErrPageFree
	}

	newCount, err := applyDiff(sDesc.ReferenceCount, diff, ignoreRefCount)
	if err != nil {
		return sDesc.ReferenceCount, err
	}

	sDesc.ReferenceCount = newCount
	if newCount != 0 {
		return newCount, nil
	}

	sDesc.Status = StatusFree
	wasFull := lDesc.Status == StatusFull
	sDesc.NextIndex = lDesc.Extras.NextFree
	lDesc.Extras.NextFree = sIndex
	lDesc.Extras.FreeCount++

	if wasFull {
		lDesc.Status = StatusSplit
		next := s.splitFree
		lDesc.NextIndex = next
		lDesc.PrevIndex = nullIndex
		s.splitFree = lIndex
		if next != nullIndex {
			s.Map[next].PrevIndex = lIndex
		}
	}

	if int(lDesc.Extras.FreeCount) == len(lDesc.SubDescriptors)-1 {
		// Every small frame but the reserved descriptor page is free:
		// collapse the split frame back into a whole large frame.
		s.unlinkSplit(lIndex)
		lDesc.Status = StatusFree
		lDesc.SubDescriptors = nil
		lDesc.Extras = nil
		s.LargeLocker.Acquire()
		lDesc.NextIndex = s.largeFree
		s.largeFree = lIndex
		s.LargeLocker.Release()
	}

	return 0, nil
}

// forceFree frees the frame at addr outright, regardless of its current
// reference count. Used when ignoreRefCount is requested at the allocator
// level (error recovery / address-space teardown), as opposed to the
// ordinary decrement-by-one path mingle drives FreeFrame through.
func (s *AllocationSpace) forceFree(addr PAddr) *kernel.Error {
	if !s.Contains(addr) {
		return ErrPagesOutOfAllocatorRange
	}

	offset := uint64(addr - s.AllocationStart)
	lIndex := uint32(offset >> mem.LargePageShift)
	lDesc := &s.Map[lIndex]

	switch lDesc.Status {
	case StatusFree:
		return ErrPageFree
	case StatusReserved:
		return ErrPageReserved
	case StatusUsed:
		_, err := s.mingleLarge(lIndex, -int32(lDesc.ReferenceCount), true)
		return err
	case StatusSplit, StatusFull:
		sIndex := uint16((offset % uint64(mem.LargePageSize)) >> mem.PageShift)
		sDesc := &lDesc.SubDescriptors[sIndex]
		_, err := s.mingleSmall(lIndex, sIndex, -int32(sDesc.ReferenceCount), true)
		return err
	default:
		return ErrIntegrityFailure
	}
}

// unlinkSplit removes descriptor idx from the non-full split list. Caller
// must hold SplitLocker.
func (s *AllocationSpace) unlinkSplit(idx uint32) {
	desc := &s.Map[idx]
	if s.splitFree == idx {
		s.splitFree = desc.NextIndex
	} else if desc.PrevIndex != nullIndex {
		s.Map[desc.PrevIndex].NextIndex = desc.NextIndex
	}
	if desc.NextIndex != nullIndex {
		s.Map[desc.NextIndex].PrevIndex = desc.PrevIndex
	}
}

func applyDiff(current uint32, diff int32, ignoreRefCount bool) (uint32, *kernel.Error) {
	result := int64(current) + int64(diff)
	if result < 0 {
		if !ignoreRefCount {
			return current, ErrPageInUse
		}
		result = 0
	}
	return uint32(result), nil
}

// ReserveRange marks every descriptor covering [start, start+size) as
// Reserved. With includeBusy == false, the call fails (and makes no
// change) if any covered page is currently Used/Split/Full. The range must
// lie entirely within this space; a range crossing a space boundary is
// rejected (see spec §9 open question: the desired cross-space semantics
// are not specified upstream, so this implementation takes the
// conservative reading and never silently spans spaces).
func (s *AllocationSpace) ReserveRange(start PAddr, size mem.Size, includeBusy bool) *kernel.Error {
	end := start + PAddr(size)
	if start < s.AllocationStart || end > s.AllocationEnd {
		return ErrPagesOutOfAllocatorRange
	}

	startFrame := uint32((start - s.AllocationStart) >> mem.LargePageShift)
	endFrame := uint32((end - s.AllocationStart + PAddr(mem.LargePageSize) - 1) >> mem.LargePageShift)

	if !includeBusy {
		for i := startFrame; i < endFrame; i++ {
			if s.Map[i].Status != StatusFree {
				return ErrPageInUse
			}
		}
	}

	s.LargeLocker.Acquire()
	defer s.LargeLocker.Release()

	for i := startFrame; i < endFrame; i++ {
		if s.Map[i].Status == StatusFree {
			s.unlinkLargeFree(i)
		}
		s.Map[i].Status = StatusReserved
	}

	return nil
}

// unlinkLargeFree removes descriptor idx from the large free stack. Caller
// must hold LargeLocker. The stack is singly-linked, so this walks from the
// head; acceptable since ReserveRange is an infrequent administrative call.
func (s *AllocationSpace) unlinkLargeFree(idx uint32) {
	if s.largeFree == idx {
		s.largeFree = s.Map[idx].NextIndex
		return
	}
	for i := s.largeFree; i != nullIndex; i = s.Map[i].NextIndex {
		if s.Map[i].NextIndex == idx {
			s.Map[i].NextIndex = s.Map[idx].NextIndex
			return
		}
	}
}
