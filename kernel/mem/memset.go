package mem

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes starting at addr to value. The implementation uses
// log2(size) copy calls rather than a byte-at-a-time loop, which matters
// since this runs on every freshly-allocated page table and frame.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)

	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(dst, src uintptr, size Size) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}

// overlay returns a []byte view over the size bytes starting at addr,
// without copying.
func overlay(addr uintptr, size Size) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}
