package data

import (
	"testing"

	"github.com/cadrgo/cadr/driver"
	_ "github.com/cadrgo/cadr/driver/sw"
)

func openSW(t *testing.T) driver.GPU {
	t.Helper()
	drivers := driver.Drivers()
	for _, d := range drivers {
		if d.Name() == "software" {
			g, err := d.Open()
			if err != nil {
				t.Fatalf("Open software driver: %v", err)
			}
			return g
		}
	}
	t.Fatalf("software driver not registered")
	return nil
}

func TestZeroSizeAllocReturnsSingleton(t *testing.T) {
	s := NewStorage(openSW(t), DefaultSizeList(), false)
	a, err := s.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0): %v", err)
	}
	if a != zeroAlloc {
		t.Fatalf("Alloc(0) did not return the shared singleton")
	}
	s.Free(a)
	s.Free(a) // repeated free must be a no-op
}

func TestSmallAllocStressMonotonicAndAligned(t *testing.T) {
	s := NewStorage(openSW(t), DefaultSizeList(), false)
	var allocs []*Allocation
	var lastAddr uint64
	for i := 0; i < 1000; i++ {
		a, err := s.Alloc(1)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if a.Address()%16 != 0 {
			t.Fatalf("allocation #%d not 16-byte aligned: %d", i, a.Address())
		}
		if i > 0 && a.Address() <= lastAddr {
			t.Fatalf("allocation #%d address %d not increasing over %d", i, a.Address(), lastAddr)
		}
		lastAddr = a.Address()
		allocs = append(allocs, a)
	}
	for _, a := range allocs {
		s.Free(a)
	}
	for _, m := range s.Memories() {
		if m.UsedBytes() != 0 {
			t.Fatalf("Memory UsedBytes after freeing everything\nhave %d\nwant 0", m.UsedBytes())
		}
	}
}

func TestAllocLargerThanLargeTierStillSucceeds(t *testing.T) {
	s := NewStorage(openSW(t), SizeList{Small: 1 << 10, Medium: 2 << 10, Large: 4 << 10}, false)
	huge := int64(1 << 20)
	a, err := s.Alloc(huge)
	if err != nil {
		t.Fatalf("Alloc(huge): %v", err)
	}
	if a.Size() != huge {
		t.Fatalf("Size\nhave %d\nwant %d", a.Size(), huge)
	}
}

func TestReallocReturnsFreshAllocation(t *testing.T) {
	s := NewStorage(openSW(t), DefaultSizeList(), false)
	a, err := s.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	addrBefore := a.Address()

	n, err := s.Realloc(a, 128)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if n.Size() != 128 {
		t.Fatalf("Realloc size\nhave %d\nwant 128", n.Size())
	}
	if addrBefore == n.Address() {
		t.Fatalf("Realloc returned the same address as the freed allocation")
	}
}

func TestCascadeFirstToSecondToFresh(t *testing.T) {
	// Tiny tiers force the first/second/replace cascade to trigger
	// within a handful of allocations.
	s := NewStorage(openSW(t), SizeList{Small: 64, Medium: 64, Large: 64}, false)
	a1, err := s.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc #1: %v", err)
	}
	a2, err := s.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc #2: %v", err)
	}
	if len(s.Memories()) != 2 {
		t.Fatalf("Memories after two full-tier allocs\nhave %d\nwant 2", len(s.Memories()))
	}
	a3, err := s.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc #3: %v", err)
	}
	if len(s.Memories()) != 3 {
		t.Fatalf("Memories after cascade to a third memory\nhave %d\nwant 3", len(s.Memories()))
	}
	_ = a1
	_ = a2
	_ = a3
}
