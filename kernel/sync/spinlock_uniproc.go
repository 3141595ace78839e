//go:build nosmp

// On a single-core build there is never a second core to contend with, so
// every spinlock operation degenerates to a no-op (spec §4.1 "Elision").

package sync

// Acquire is a no-op on a uniprocessor build.
func (l *Spinlock) Acquire() {}

// TryAcquire always succeeds on a uniprocessor build.
func (l *Spinlock) TryAcquire() bool { return true }

// Release is a no-op on a uniprocessor build.
func (l *Spinlock) Release() {}
