package sync

import "beelzebub/kernel/cpu"

var (
	// The following functions are mocked by tests, which cannot execute the
	// privileged STI/CLI instructions outside ring 0, and are automatically
	// inlined by the compiler when building the kernel.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQGuardCookie is the opaque state saved by AcquireIRQGuard. It must not
// be constructed or inspected outside this package; doing so would let a
// caller promote it across a sequence point that changes the interrupt flag
// by some other means.
type IRQGuardCookie struct {
	wasEnabled bool
}

// AcquireIRQGuard disables interrupts on the current core and returns a
// cookie that records whether they were enabled beforehand. Any lock that
// might be taken from both normal and interrupt contexts must be guarded
// this way.
func AcquireIRQGuard() IRQGuardCookie {
	cookie := IRQGuardCookie{wasEnabled: interruptsEnabledFn()}
	disableInterruptsFn()
	return cookie
}

// Release restores the interrupt-enable flag saved by AcquireIRQGuard.
func (c IRQGuardCookie) Release() {
	if c.wasEnabled {
		enableInterruptsFn()
	}
}
