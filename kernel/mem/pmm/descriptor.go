package pmm

// FrameStatus describes the lifecycle state of a large frame descriptor.
type FrameStatus uint8

const (
	// StatusFree means the frame is not in use and sits on the space's
	// large free stack.
	StatusFree FrameStatus = iota
	// StatusUsed means the frame is allocated whole (as a 2 MiB frame).
	StatusUsed
	// StatusSplit means the frame has been carved into small frames, at
	// least one of which is still free.
	StatusSplit
	// StatusFull means the frame has been carved into small frames, all
	// of which are in use.
	StatusFull
	// StatusReserved is a terminal state: the frame can never be
	// allocated, whole or split.
	StatusReserved
)

// nullIndex marks the end of an intrusive free-stack or free-list chain.
const nullIndex = ^uint32(0)
const nullSmallIndex = ^uint16(0)

// LargeFrameDescriptor represents the bookkeeping state of one 2 MiB-aligned
// physical frame.
type LargeFrameDescriptor struct {
	Status FrameStatus

	// ReferenceCount is only meaningful while Status == StatusUsed.
	ReferenceCount uint32

	// NextIndex links this descriptor into the space's large free stack
	// (while Free) or into the non-full split list (while Split).
	NextIndex uint32

	// PrevIndex links this descriptor into the space's non-full split
	// list. Unused while Free or Used.
	PrevIndex uint32

	// SubDescriptors points at the page of SmallFrameDescriptor entries
	// carved out of this frame. Only valid while Split or Full.
	SubDescriptors []SmallFrameDescriptor

	// Extras holds the split-frame free-stack bookkeeping. Only valid
	// while Split or Full.
	Extras *SplitFrameExtra
}

// Use transitions a free large descriptor into the Used state with the
// given reference count (minimum 1).
func (d *LargeFrameDescriptor) Use(refCount uint32) {
	if refCount < 1 {
		refCount = 1
	}
	d.Status = StatusUsed
	d.ReferenceCount = refCount
}

// SmallFrameDescriptor represents the bookkeeping state of one 4 KiB slice
// of a split large frame.
type SmallFrameDescriptor struct {
	Status FrameStatus

	ReferenceCount uint32

	// NextIndex links this descriptor into the parent's free stack while
	// Free. Index 0 of every split frame's sub-descriptor array is
	// permanently Reserved, since its backing page stores the
	// sub-descriptor array itself.
	NextIndex uint16
}

// Use transitions a free small descriptor into the Used state with the
// given reference count (minimum 1).
func (d *SmallFrameDescriptor) Use(refCount uint32) {
	if refCount < 1 {
		refCount = 1
	}
	d.Status = StatusUsed
	d.ReferenceCount = refCount
}

// SplitFrameExtra carries the free-stack bookkeeping for a large frame that
// has been split into 4 KiB small frames.
type SplitFrameExtra struct {
	// FreeCount is the number of small frames still free in this split
	// frame. FreeCount == 0 iff the owning descriptor's Status == Full.
	FreeCount uint16

	// NextFree is the top of the free stack of small-frame indices.
	NextFree uint16
}
