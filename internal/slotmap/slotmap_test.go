package slotmap

import "testing"

func TestZero(t *testing.T) {
	var m Map[uint16]
	if m.w != nil {
		t.Fatalf("Map.w:\nhave %v\nwant nil", m.w)
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("Map.Len:\nhave %d\nwant 0", n)
	}
	if n := m.Free(); n != 0 {
		t.Fatalf("Map.Free:\nhave %d\nwant 0", n)
	}
}

func TestGrowOccupyRelease(t *testing.T) {
	var m Map[uint32]
	idx := m.Grow(1)
	if idx != 0 {
		t.Fatalf("Map.Grow index:\nhave %d\nwant 0", idx)
	}
	if n := m.Len(); n != 32 {
		t.Fatalf("Map.Len:\nhave %d\nwant 32", n)
	}
	if n := m.Free(); n != 32 {
		t.Fatalf("Map.Free:\nhave %d\nwant 32", n)
	}
	m.Occupy(5)
	if !m.Occupied(5) {
		t.Fatal("Map.Occupied(5): have false, want true")
	}
	if n := m.Free(); n != 31 {
		t.Fatalf("Map.Free after Occupy:\nhave %d\nwant 31", n)
	}
	m.Release(5)
	if m.Occupied(5) {
		t.Fatal("Map.Occupied(5) after Release: have true, want false")
	}
	if n := m.Free(); n != 32 {
		t.Fatalf("Map.Free after Release:\nhave %d\nwant 32", n)
	}
}

func TestFind(t *testing.T) {
	var m Map[uint8]
	m.Grow(1)
	for i := 0; i < 8; i++ {
		idx, ok := m.Find()
		if !ok {
			t.Fatalf("Map.Find: unexpected failure at iteration %d", i)
		}
		if idx != i {
			t.Fatalf("Map.Find:\nhave %d\nwant %d", idx, i)
		}
		m.Occupy(idx)
	}
	if _, ok := m.Find(); ok {
		t.Fatal("Map.Find: have success, want failure (map full)")
	}
}

func TestFindRange(t *testing.T) {
	var m Map[uint32]
	m.Grow(1)
	idx, ok := m.FindRange(10)
	if !ok || idx != 0 {
		t.Fatalf("Map.FindRange(10):\nhave (%d, %t)\nwant (0, true)", idx, ok)
	}
	for i := idx; i < idx+10; i++ {
		m.Occupy(i)
	}
	idx, ok = m.FindRange(5)
	if !ok || idx != 10 {
		t.Fatalf("Map.FindRange(5):\nhave (%d, %t)\nwant (10, true)", idx, ok)
	}
}

func TestReset(t *testing.T) {
	var m Map[uint32]
	m.Grow(2)
	m.Occupy(0)
	m.Occupy(63)
	m.Reset()
	if n := m.Free(); n != 64 {
		t.Fatalf("Map.Free after Reset:\nhave %d\nwant 64", n)
	}
}
