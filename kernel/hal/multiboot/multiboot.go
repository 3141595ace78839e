// Package multiboot decodes the Multiboot2 information structure the
// bootloader hands off at kernel entry: the memory map, loaded module
// list, and framebuffer descriptor.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at an 8-byte
	// aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// moduleHeader describes the fixed-size prefix of a module tag; the
// tag's remaining bytes (up to its recorded size) hold the module's
// null-terminated command line string.
type moduleHeader struct {
	modStart uint32
	modEnd   uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// ModuleEntry describes one boot module the loader placed in memory
// alongside the kernel image (an initrd, a second-stage binary, ...).
type ModuleEntry struct {
	// The physical address range the module occupies.
	Start, End uint32

	// The module's command line, as passed by the bootloader.
	CmdLine string
}

var (
	infoData uintptr
	// infoBacking keeps the backing array referenced by SetInfoData alive;
	// without it a []byte passed by a test could be collected out from
	// under infoData once the caller drops its own reference.
	infoBacking []byte
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// ModuleVisitor is invoked by VisitModules for each loaded module. The
// visitor must return true to continue or false to abort the scan.
type ModuleVisitor func(entry *ModuleEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	infoBacking = nil
}

// SetInfoData points this package at a multiboot info blob held in a Go
// byte slice instead of at a raw physical address; used by tests (and by
// any future host-side harness) that build a synthetic multiboot
// structure rather than receiving one from a real bootloader.
func SetInfoData(data []byte) {
	infoBacking = data
	if len(data) == 0 {
		infoData = 0
		return
	}
	infoData = uintptr(unsafe.Pointer(&data[0]))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules invokes the supplied visitor once for every module tag
// present in the multiboot info data. Unlike the memory map and
// framebuffer tags, a loader emits one module tag per loaded module, so
// this walks every tag rather than stopping at the first match.
func VisitModules(visitor ModuleVisitor) {
	visitTagsByType(tagModules, func(curPtr uintptr, size uint32) bool {
		hdr := (*moduleHeader)(unsafe.Pointer(curPtr))

		strPtr := curPtr + unsafe.Sizeof(moduleHeader{})
		strLen := uintptr(size) - unsafe.Sizeof(moduleHeader{})
		cmdLine := cStringAt(strPtr, strLen)

		return visitor(&ModuleEntry{Start: hdr.modStart, End: hdr.modEnd, CmdLine: cmdLine})
	})
}

// FreeMemoryWatermark returns the lowest physical address guaranteed to
// be free of bootloader-placed data: the end of the highest-addressed
// loaded module, or 0 if no modules were loaded. An early allocator must
// not hand out frames below this address without first consulting the
// memory map, since the space below it may still hold a module payload.
func FreeMemoryWatermark() uint64 {
	var watermark uint64
	VisitModules(func(m *ModuleEntry) bool {
		if end := uint64(m.End); end > watermark {
			watermark = end
		}
		return true
	})
	return watermark
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	var info *FramebufferInfo

	curPtr, size := findTagByType(tagFramebufferInfo)
	if size != 0 {
		info = (*FramebufferInfo)(unsafe.Pointer(curPtr))
	}

	return info
}

// cStringAt reads a NUL-terminated string starting at ptr, never
// scanning past limit bytes (the tag's own recorded length).
func cStringAt(ptr uintptr, limit uintptr) string {
	var buf []byte
	for i := uintptr(0); i < limit; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var found uintptr
	var foundSize uint32

	visitTagsByType(tagType, func(ptr uintptr, size uint32) bool {
		found, foundSize = ptr, size
		return false
	})

	return found, foundSize
}

// visitTagsByType scans every tag in the multiboot info data and invokes
// visitor for each one matching tagType, stopping early if visitor
// returns false.
func visitTagsByType(tagType tagType, visitor func(ptr uintptr, size uint32) bool) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			if !visitor(curPtr+8, ptrTagHeader.size-8) {
				return
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}
}
