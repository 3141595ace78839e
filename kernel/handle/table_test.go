package handle

import (
	"sync"
	"testing"

	"beelzebub/kernel/percpu"
)

func newTestTable(t *testing.T, limit uint32) *Table {
	t.Helper()
	percpu.Reset()
	var tbl Table
	if err := tbl.Init(limit); err != nil {
		t.Fatalf("unexpected error initializing table: %v", err)
	}
	return &tbl
}

func TestAllocateBumpsCursor(t *testing.T) {
	tbl := newTestTable(t, 16)

	h1, err := tbl.Allocate(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := tbl.Allocate(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected distinct handles, got %d twice", h1)
	}
}

func TestAllocateRejectsReservedPcid(t *testing.T) {
	tbl := newTestTable(t, 16)

	if _, err := tbl.Allocate(0, 0xFFFF); err != ErrInvalidProcessID {
		t.Fatalf("expected ErrInvalidProcessID, got %v", err)
	}
}

func TestAllocateTableFull(t *testing.T) {
	tbl := newTestTable(t, 4)

	for i := 0; i < 4; i++ {
		if _, err := tbl.Allocate(0, 1); err != nil {
			t.Fatalf("unexpected error on allocation %d: %v", i, err)
		}
	}

	if _, err := tbl.Allocate(0, 1); err != ErrTableFull {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
}

func TestDeallocateThenReallocateReusesSlot(t *testing.T) {
	tbl := newTestTable(t, 16)

	h, err := tbl.Allocate(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Deallocate(0, h); err != nil {
		t.Fatalf("unexpected error deallocating: %v", err)
	}

	h2, err := tbl.Allocate(0, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h2 != h {
		t.Fatalf("expected the freed handle %d to be reused, got %d", h, h2)
	}
}

func TestDeallocateRejectsNeverAllocatedHandle(t *testing.T) {
	tbl := newTestTable(t, 16)

	if _, err := tbl.Allocate(0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := tbl.Deallocate(0, Handle(15)); err != ErrUnallocated {
		t.Fatalf("expected ErrUnallocated for an index beyond the cursor, got %v", err)
	}
}

func TestDeallocateRejectsDoubleFree(t *testing.T) {
	tbl := newTestTable(t, 16)

	h, _ := tbl.Allocate(0, 1)
	if err := tbl.Deallocate(0, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Deallocate(0, h); err != ErrAlreadyFree {
		t.Fatalf("expected ErrAlreadyFree, got %v", err)
	}
}

func TestGetReturnsUnallocatedForFreeHandle(t *testing.T) {
	tbl := newTestTable(t, 16)

	h, _ := tbl.Allocate(0, 7)
	tbl.Deallocate(0, h)

	if _, err := tbl.Get(h); err != ErrUnallocated {
		t.Fatalf("expected ErrUnallocated, got %v", err)
	}
}

func TestLocalFreeListSpillsIntoGlobalStack(t *testing.T) {
	tbl := newTestTable(t, 1000)
	tbl.FreeListThreshold = 10
	tbl.FreeListRemovalCount = 5

	var handles []Handle
	for i := 0; i < 11; i++ {
		h, err := tbl.Allocate(0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if err := tbl.Deallocate(0, h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if percpu.Of(0).HandleFreeCount >= tbl.FreeListThreshold {
		t.Fatalf("expected the local free list to have spilled below threshold, got count %d", percpu.Of(0).HandleFreeCount)
	}

	if head, _ := tbl.loadGlobalFree(); Handle(head) == Invalid {
		t.Fatalf("expected some entries to have been spliced into the global free stack")
	}
}

func TestGlobalFreeStackGenerationAdvancesOnEveryPushAndPop(t *testing.T) {
	tbl := newTestTable(t, 1000)
	tbl.FreeListThreshold = 4
	tbl.FreeListRemovalCount = 2

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := tbl.Allocate(0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := tbl.Deallocate(0, h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, genAfterSpill := tbl.loadGlobalFree()
	if genAfterSpill == 0 {
		t.Fatalf("expected the generation counter to advance once entries spilled into the global stack")
	}

	if _, err := tbl.Allocate(1, 2); err != nil {
		t.Fatalf("unexpected error allocating from the global stack: %v", err)
	}

	_, genAfterPop := tbl.loadGlobalFree()
	if genAfterPop <= genAfterSpill {
		t.Fatalf("expected the generation counter to advance again after popping from the global stack, got %d then %d", genAfterSpill, genAfterPop)
	}
}

func TestDeallocateFromDifferentCoreReusesAcrossCores(t *testing.T) {
	tbl := newTestTable(t, 1000)
	tbl.FreeListThreshold = 4
	tbl.FreeListRemovalCount = 2

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := tbl.Allocate(0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := tbl.Deallocate(0, h); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Core 0's list should have spilled into the global stack; core 1
	// should be able to pick an entry up from there.
	if _, err := tbl.Allocate(1, 2); err != nil {
		t.Fatalf("unexpected error allocating on core 1: %v", err)
	}
}

// TestConcurrentAllocateDeallocate exercises many goroutines, each standing
// in for one core, allocating and freeing handles against a single shared
// table concurrently.
func TestConcurrentAllocateDeallocate(t *testing.T) {
	tbl := newTestTable(t, 4096)

	const cores = 8
	const rounds = 300

	var wg sync.WaitGroup
	wg.Add(cores)

	for c := uint32(0); c < cores; c++ {
		go func(core uint32) {
			defer wg.Done()
			var held []Handle

			for i := 0; i < rounds; i++ {
				if len(held) == 0 || i%2 == 0 {
					h, err := tbl.Allocate(core, 1)
					if err != nil {
						if err == ErrTableFull {
							continue
						}
						t.Errorf("unexpected error: %v", err)
						return
					}
					held = append(held, h)
				} else {
					h := held[len(held)-1]
					held = held[:len(held)-1]
					if err := tbl.Deallocate(core, h); err != nil {
						t.Errorf("unexpected error deallocating %d: %v", h, err)
						return
					}
				}
			}

			for _, h := range held {
				if err := tbl.Deallocate(core, h); err != nil {
					t.Errorf("unexpected error during teardown: %v", err)
				}
			}
		}(c)
	}

	wg.Wait()
}
