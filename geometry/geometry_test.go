package geometry

import (
	"testing"

	"github.com/cadrgo/cadr/driver"
	_ "github.com/cadrgo/cadr/driver/sw"
)

func openSW(t *testing.T) driver.GPU {
	t.Helper()
	for _, d := range driver.Drivers() {
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

var posColor = AttribSizeList{12, 16}

func TestAllocSharesMemoryAcrossSameLayout(t *testing.T) {
	s := NewStorage(openSW(t))
	a, err := s.Alloc(posColor, 10, 20, 2)
	if err != nil {
		t.Fatalf("Alloc #1: %v", err)
	}
	b, err := s.Alloc(posColor, 10, 20, 2)
	if err != nil {
		t.Fatalf("Alloc #2: %v", err)
	}
	if a.Memory() != b.Memory() {
		t.Fatalf("two geometries with the same layout landed in different memories")
	}
	if a.VertexOffset() == b.VertexOffset() {
		t.Fatalf("overlapping vertex offsets: %d", a.VertexOffset())
	}
}

func TestAllocGrowsNewMemoryWhenFull(t *testing.T) {
	s := NewStorage(openSW(t))
	// minVertexCap is 1024; a single request exceeding it forces
	// GeometryMemory's growth rule to run on the very first Alloc.
	a, err := s.Alloc(posColor, 2000, minIndexCap, minPrimitiveSetCap)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.NumVertices() != 2000 {
		t.Fatalf("NumVertices\nhave %d\nwant 2000", a.NumVertices())
	}
}

func TestFreeThenReallocReusesRange(t *testing.T) {
	s := NewStorage(openSW(t))
	a, err := s.Alloc(posColor, 100, 100, 10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	firstOff := a.VertexOffset()
	s.Free(a)

	b, err := s.Alloc(posColor, 100, 100, 10)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if b.VertexOffset() != firstOff {
		t.Fatalf("freed range not reused\nhave %d\nwant %d", b.VertexOffset(), firstOff)
	}
}

func TestReallocShrinkInPlace(t *testing.T) {
	s := NewStorage(openSW(t))
	a, err := s.Alloc(posColor, 100, 100, 10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	off := a.VertexOffset()
	b, err := s.Realloc(a, 50, 50, 5)
	if err != nil {
		t.Fatalf("Realloc (shrink): %v", err)
	}
	if b.VertexOffset() != off {
		t.Fatalf("shrink-in-place moved the allocation\nhave %d\nwant %d", b.VertexOffset(), off)
	}
	if b.NumVertices() != 50 {
		t.Fatalf("NumVertices after shrink\nhave %d\nwant 50", b.NumVertices())
	}
}

func TestReallocGrowInPlaceWhenRoomAhead(t *testing.T) {
	s := NewStorage(openSW(t))
	a, err := s.Alloc(posColor, 100, 100, 10)
	if err != nil {
		t.Fatalf("Alloc A: %v", err)
	}
	reserved, err := s.Alloc(posColor, 50, 50, 5)
	if err != nil {
		t.Fatalf("Alloc reserved: %v", err)
	}
	s.Free(reserved)

	off := a.VertexOffset()
	b, err := s.Realloc(a, 150, 150, 15)
	if err != nil {
		t.Fatalf("Realloc (grow): %v", err)
	}
	if b.VertexOffset() != off {
		t.Fatalf("grow-in-place should not move the allocation\nhave %d\nwant %d", b.VertexOffset(), off)
	}
}
