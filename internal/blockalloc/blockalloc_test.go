package blockalloc

import (
	"errors"
	"testing"
)

func TestAllocator_AllocateExhaustion(t *testing.T) {
	a := New(4)

	seen := make(map[BlockID]bool)
	for i := 0; i < 4; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() unexpected error at i=%d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("Allocate() returned duplicate id=%d", id)
		}
		seen[id] = true
	}

	_, err := a.Allocate()
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Allocate() after exhaustion: got=%v, want=%v", err, ErrFull)
	}
}

func TestAllocator_FreeThenReallocate(t *testing.T) {
	a := New(2)

	id0, _ := a.Allocate()
	_, _ = a.Allocate()

	a.Free(id0)
	if got, want := a.Used(), uint32(1); got != want {
		t.Fatalf("Used()=%d, want=%d", got, want)
	}

	reused, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() after Free: unexpected error: %v", err)
	}
	if reused != id0 {
		t.Fatalf("Allocate() after Free returned id=%d, want reused id=%d", reused, id0)
	}
}

func TestAllocator_DoubleFreeIsNoOp(t *testing.T) {
	a := New(4)

	id, _ := a.Allocate()
	a.Free(id)
	a.Free(id)

	if got, want := a.Used(), uint32(0); got != want {
		t.Fatalf("Used()=%d after double free, want=%d", got, want)
	}
}

func TestAllocator_AllocateManyRollsBackOnPartialFailure(t *testing.T) {
	a := New(3)

	out, err := a.AllocateMany(5, nil)
	if !errors.Is(err, ErrFull) {
		t.Fatalf("AllocateMany() err=%v, want=%v", err, ErrFull)
	}
	if len(out) != 0 {
		t.Fatalf("AllocateMany() out=%v, want empty on failure", out)
	}
	if got, want := a.Used(), uint32(0); got != want {
		t.Fatalf("Used()=%d after failed AllocateMany, want=%d (full rollback)", got, want)
	}

	// The allocator must still be fully usable after a rolled-back attempt.
	out, err = a.AllocateMany(3, nil)
	if err != nil {
		t.Fatalf("AllocateMany(3) unexpected error after rollback: %v", err)
	}
	if got, want := len(out), 3; got != want {
		t.Fatalf("len(out)=%d, want=%d", got, want)
	}
}

func TestAllocator_PopCountMatchesUsed(t *testing.T) {
	a := New(64)

	ids, err := a.AllocateMany(10, nil)
	if err != nil {
		t.Fatalf("AllocateMany() unexpected error: %v", err)
	}

	if got, want := a.PopCount(), a.Used(); got != want {
		t.Fatalf("PopCount()=%d, Used()=%d, want equal", got, want)
	}

	a.FreeMany(ids)
	if got, want := a.PopCount(), uint32(0); got != want {
		t.Fatalf("PopCount()=%d after FreeMany, want=%d", got, want)
	}
}
