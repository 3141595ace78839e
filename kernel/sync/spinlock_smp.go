//go:build !nosmp

package sync

import (
	"sync/atomic"

	"beelzebub/kernel/cpu"
)

// Acquire blocks until the lock can be acquired by the caller. Re-entrant
// acquisition by the same caller deadlocks, as with any spinlock.
func (l *Spinlock) Acquire() {
	myTicket := atomic.AddUint32(&l.tail, 1) - 1
	for atomic.LoadUint32(&l.head) != myTicket {
		cpu.Pause()
	}
}

// TryAcquire attempts to acquire the lock without waiting. It returns true
// if the lock was free and is now held by the caller.
func (l *Spinlock) TryAcquire() bool {
	tail := atomic.LoadUint32(&l.tail)
	head := atomic.LoadUint32(&l.head)
	if tail != head {
		return false
	}
	return atomic.CompareAndSwapUint32(&l.tail, tail, tail+1)
}

// Release relinquishes a held lock, allowing the next ticket holder to run.
func (l *Spinlock) Release() {
	atomic.AddUint32(&l.head, 1)
}
