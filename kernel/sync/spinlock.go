// Package sync provides the lock-free and spin-based synchronisation
// primitives that the PMM, VMM and handle table are built on top of:
// ticket spinlocks, a reader-writer ticket lock, and a reusable SMP
// barrier.
package sync

// Spinlock is a ticket lock: callers are served strictly in arrival order.
// The zero value is an unlocked spinlock.
type Spinlock struct {
	tail uint32
	head uint32
}
