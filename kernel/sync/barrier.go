package sync

import (
	"sync/atomic"

	"beelzebub/kernel/cpu"
)

// Barrier is a reusable SMP rendezvous point. A fixed number of participants
// call Reach; the last arriver advances the generation counter and releases
// everyone else. Because release is keyed off the generation rather than
// the arrival counter, the barrier can be reused immediately without an
// explicit reset, as long as every participant observes the generation
// change before the next round begins.
type Barrier struct {
	target     uint32
	arrived    uint32
	generation uint32
}

// NewBarrier returns a Barrier that releases once n participants have
// called Reach.
func NewBarrier(n uint32) *Barrier {
	return &Barrier{target: n}
}

// Reach blocks until target participants (including the caller) have called
// Reach since the last release.
func (b *Barrier) Reach() {
	gen := atomic.LoadUint32(&b.generation)

	if atomic.AddUint32(&b.arrived, 1) == b.target {
		atomic.StoreUint32(&b.arrived, 0)
		atomic.AddUint32(&b.generation, 1)
		return
	}

	for atomic.LoadUint32(&b.generation) == gen {
		cpu.Pause()
	}
}

// Reset installs a new target participant count and clears the arrival
// counter. It is only safe to call when no participant is currently inside
// Reach.
func (b *Barrier) Reset(n uint32) {
	atomic.StoreUint32(&b.arrived, 0)
	atomic.StoreUint32(&b.target, n)
}
