package cpu

import "testing"

// CAS128 is the one primitive in this package safe to exercise from a
// hosted test: unlike FlushTLBEntry/SwitchPDT/EnableInterrupts, which fault
// outside ring 0 (see kernel/mem/vmm's flushTLBEntryFn/switchPDTFn mock
// variables), CMPXCHG16B is an ordinary user-mode instruction.

func TestCAS128SucceedsWhenExpectedValueMatches(t *testing.T) {
	word := [2]uint64{1, 2}

	if !CAS128(&word, 1, 2, 3, 4) {
		t.Fatalf("expected CAS128 to succeed against a matching expected value")
	}
	if word != [2]uint64{3, 4} {
		t.Fatalf("expected word to become {3,4}, got %v", word)
	}
}

func TestCAS128FailsWhenEitherHalfMismatches(t *testing.T) {
	word := [2]uint64{1, 2}

	if CAS128(&word, 1, 99, 3, 4) {
		t.Fatalf("expected CAS128 to fail when the high half does not match")
	}
	if word != [2]uint64{1, 2} {
		t.Fatalf("expected a failed CAS to leave word unmodified, got %v", word)
	}

	if CAS128(&word, 99, 2, 3, 4) {
		t.Fatalf("expected CAS128 to fail when the low half does not match")
	}
	if word != [2]uint64{1, 2} {
		t.Fatalf("expected a failed CAS to leave word unmodified, got %v", word)
	}
}

func TestCAS128DetectsABAAcrossGenerationBump(t *testing.T) {
	// Mirrors kernel/handle.Table's free-stack usage: a bare index CAS
	// cannot distinguish "still the original state" from "popped, reused,
	// and pushed back with the same index"; pairing the index with a
	// generation counter in the high half makes the two distinguishable.
	word := [2]uint64{42, 0}

	// Simulate a pop-then-push-the-same-index-back cycle, bumping the
	// generation each time as kernel/handle.Table does.
	if !CAS128(&word, 42, 0, 7, 1) {
		t.Fatalf("pop failed unexpectedly")
	}
	if !CAS128(&word, 7, 1, 42, 2) {
		t.Fatalf("push-back failed unexpectedly")
	}

	// A CAS still holding the stale (index=42, generation=0) expectation
	// must now fail even though the index half matches again.
	if CAS128(&word, 42, 0, 99, 3) {
		t.Fatalf("expected CAS128 to reject a stale generation despite a matching index")
	}

	// The CAS holding the current generation succeeds.
	if !CAS128(&word, 42, 2, 99, 3) {
		t.Fatalf("expected CAS128 to succeed against the current generation")
	}
}
