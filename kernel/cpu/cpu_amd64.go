// Package cpu exposes the arch-specific primitives that the rest of the
// kernel is built on top of: interrupt control, halting, TLB maintenance,
// and page-table-base access. Every function here is declared without a
// body; the amd64 implementation lives in cpu_amd64.s.
package cpu

// EnableInterrupts enables interrupt handling on the current core.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the current core.
func DisableInterrupts()

// InterruptsEnabled returns true if interrupts are currently enabled on the
// current core. It is used by the interrupt guard to build a restore cookie.
func InterruptsEnabled() bool

// Halt stops instruction execution on the current core.
func Halt()

// Pause emits the architectural spin-wait hint used while busy-waiting on a
// spinlock or ticket lock.
func Pause()

// FlushTLBEntry flushes the TLB entry for a single virtual address on the
// current core.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to the given physical
// address. Loading CR3 implicitly flushes every non-global TLB entry.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active top-level
// page table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// CAS128 atomically compares-and-swaps a 128-bit value at addr, provided the
// target CPU advertises CMPXCHG16B. It backs the handle table's optional
// generational (pointer, counter) promotion described in spec §4.5/§9.
// oldLo/oldHi is the expected current value; newLo/newHi is the desired
// value. Returns true if the swap took place.
func CAS128(addr *[2]uint64, oldLo, oldHi, newLo, newHi uint64) bool
