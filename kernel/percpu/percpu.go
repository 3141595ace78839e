// Package percpu provides per-core storage for the handle table's local
// free lists and any other state that must avoid contending across cores.
// On real hardware the active core's Block would be reached through a
// GS-relative access set up once per core at boot; this package models
// that as a plain indexed array and leaves identifying "the current core"
// to the caller, the same way the rest of the kernel is handed an explicit
// core index rather than discovering it through OS-level magic that does
// not exist below ring 0.
package percpu

// MaxCores bounds the number of cores percpu can track. The handle table
// sizes its per-core free list array to this constant.
const MaxCores = 64

// Block holds the state kept separately for every core.
type Block struct {
	// HandleFreeHead is the head index of this core's local handle
	// free list (see kernel/handle), or the table's null sentinel when
	// empty.
	HandleFreeHead uint32
	// HandleFreeCount is the number of entries on HandleFreeHead's
	// chain.
	HandleFreeCount uint32
}

var blocks [MaxCores]Block

// Of returns the Block belonging to the given core index. core is reduced
// modulo MaxCores so a caller never indexes out of bounds.
func Of(core uint32) *Block {
	return &blocks[core%MaxCores]
}

// Reset clears every core's state. Intended for use between test cases
// that each want to simulate a fresh boot.
func Reset() {
	for i := range blocks {
		blocks[i] = Block{}
	}
}
