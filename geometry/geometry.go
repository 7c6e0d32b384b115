// Package geometry implements suballocation of vertex attribute,
// index and primitive-set arrays that share a GPU buffer keyed by
// attribute layout.
package geometry

import (
	"github.com/pkg/errors"

	"github.com/cadrgo/cadr/cadrerr"
	"github.com/cadrgo/cadr/driver"
	"github.com/cadrgo/cadr/internal/threadguard"
)

// AttribSizeList is the per-vertex byte count of each attribute slot,
// e.g. [12, 0, 16] for position + unused slot + color.
// A zero entry marks an unused slot and still reserves a subregion.
// Memories are keyed by the whole list, so two Geometry objects with
// the same slot count but different byte sizes never share a
// GeometryMemory.
type AttribSizeList []int64

func (l AttribSizeList) key() string {
	b := make([]byte, 0, len(l)*8)
	for _, s := range l {
		b = append(b, byte(s), byte(s>>8), byte(s>>16), byte(s>>24), byte(s>>32), byte(s>>40), byte(s>>48), byte(s>>56))
	}
	return string(b)
}

// PrimitiveSetGPUSize is the encoded size of one primitive-set record:
// a packed topology/offset word plus count and first fields (see
// package drawstate).
const PrimitiveSetGPUSize = 16

const (
	minVertexCap       = 1024
	minIndexCap        = 6144
	minPrimitiveSetCap = 128
)

// rangeAlloc is a simple bump+free-list array allocation manager keyed
// by offset. Freed ranges
// are coalesced with their neighbors so long-lived scenes do not
// fragment into unusable slivers.
type rangeAlloc struct {
	cap  int
	used int
	free []rng // sorted by offset, non-overlapping, non-adjacent
}

type rng struct{ off, n int }

func newRangeAlloc(capacity int) *rangeAlloc {
	return &rangeAlloc{cap: capacity, free: []rng{{0, capacity}}}
}

func (r *rangeAlloc) alloc(n int) (int, bool) {
	for i, f := range r.free {
		if f.n >= n {
			off := f.off
			if f.n == n {
				r.free = append(r.free[:i], r.free[i+1:]...)
			} else {
				r.free[i] = rng{f.off + n, f.n - n}
			}
			r.used += n
			return off, true
		}
	}
	return 0, false
}

func (r *rangeAlloc) free_(off, n int) {
	if n == 0 {
		return
	}
	r.used -= n
	ins := len(r.free)
	for i, f := range r.free {
		if off < f.off {
			ins = i
			break
		}
	}
	merged := rng{off, n}
	// merge with predecessor
	if ins > 0 && r.free[ins-1].off+r.free[ins-1].n == merged.off {
		merged.off = r.free[ins-1].off
		merged.n += r.free[ins-1].n
		ins--
		r.free = append(r.free[:ins], r.free[ins+1:]...)
	}
	// merge with successor
	if ins < len(r.free) && merged.off+merged.n == r.free[ins].off {
		merged.n += r.free[ins].n
		r.free = append(r.free[:ins], r.free[ins+1:]...)
	}
	tail := append([]rng{merged}, r.free[ins:]...)
	r.free = append(r.free[:ins], tail...)
}

func (r *rangeAlloc) largestFree() int {
	best := 0
	for _, f := range r.free {
		if f.n > best {
			best = f.n
		}
	}
	return best
}

// Memory holds one buffer partitioned into N attribute subregions, an
// index subregion and a primitive-set subregion, each managed by its
// own rangeAlloc.
type Memory struct {
	id          uint32
	buf         driver.Buffer
	attribOff   []int64
	attribSizes AttribSizeList
	indexOff    int64
	primSetOff  int64

	vertexCap, indexCap, primSetCap int
	vertices, indices, primSets     *rangeAlloc
}

func (m *Memory) Buffer() driver.Buffer { return m.buf }

// ID returns the unique 32-bit id the Storage minted for this
// memory.
func (m *Memory) ID() uint32 { return m.id }

// Address returns the buffer's device address. Geometry buffers are
// always created addressable: the draw-state layer embeds
// primitive-set pointers computed from this base into its per-drawable
// GPU records.
func (m *Memory) Address() uint64 { return m.buf.Address() }

func alignUp(x, align int64) int64 {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

func newMemory(gpu driver.GPU, sizes AttribSizeList, vertexCap, indexCap, primSetCap int) (*Memory, error) {
	align := gpu.Limits().BufferAlign
	var total int64
	offs := make([]int64, len(sizes))
	for i, sz := range sizes {
		offs[i] = total
		total = alignUp(total+sz*int64(vertexCap), align)
	}
	indexOff := total
	total = alignUp(indexOff+4*int64(indexCap), align)
	primSetOff := total
	total = alignUp(primSetOff+PrimitiveSetGPUSize*int64(primSetCap), align)

	buf, err := gpu.NewBuffer(total, false, true, driver.UVertexData|driver.UIndexData|driver.UShaderRead|driver.UTransferDst)
	if err != nil {
		return nil, errors.Wrap(cadrerr.DriverFailure("geometry: new buffer", err), "newMemory")
	}
	return &Memory{
		buf: buf, attribOff: offs, attribSizes: sizes,
		indexOff: indexOff, primSetOff: primSetOff,
		vertexCap: vertexCap, indexCap: indexCap, primSetCap: primSetCap,
		vertices: newRangeAlloc(vertexCap), indices: newRangeAlloc(indexCap), primSets: newRangeAlloc(primSetCap),
	}, nil
}

func (m *Memory) destroy() { m.buf.Destroy() }

// AttribOffset returns the byte offset of attribute slot i's
// subregion for a vertex range starting at vertexOff.
func (m *Memory) AttribOffset(i int, vertexOff int) int64 {
	return m.attribOff[i] + m.attribSizes[i]*int64(vertexOff)
}

// IndexOffset returns the byte offset of the index subregion for an
// index range starting at indexOff.
func (m *Memory) IndexOffset(indexOff int) int64 { return m.indexOff + 4*int64(indexOff) }

// PrimSetOffset returns the byte offset of the primitive-set subregion
// for a range starting at primSetOff.
func (m *Memory) PrimSetOffset(primSetOff int) int64 {
	return m.primSetOff + PrimitiveSetGPUSize*int64(primSetOff)
}

// Allocation is a Geometry's suballocation inside a GeometryMemory:
// disjoint vertex, index and primitive-set ranges.
type Allocation struct {
	mem                          *Memory
	vertexOff, indexOff, primOff int
	numV, numI, numP             int
}

func (a *Allocation) Memory() *Memory { return a.mem }
func (a *Allocation) VertexOffset() int { return a.vertexOff }
func (a *Allocation) IndexOffset() int  { return a.indexOff }
func (a *Allocation) PrimSetOffset() int { return a.primOff }
func (a *Allocation) NumVertices() int  { return a.numV }
func (a *Allocation) NumIndices() int   { return a.numI }
func (a *Allocation) NumPrimSets() int  { return a.numP }

// Storage is keyed by AttribSizeList; all allocations sharing a
// layout share its Memory instances.
type Storage struct {
	guard  threadguard.Guard
	gpu    driver.GPU
	mems   map[string][]*Memory
	nextID uint32
}

// NewStorage creates a Storage over gpu.
func NewStorage(gpu driver.GPU) *Storage {
	return &Storage{gpu: gpu, mems: make(map[string][]*Memory)}
}

// Alloc reserves numV vertices, numI indices and numP primitive sets
// in a Memory sharing sizes's attribute layout, trying every existing
// memory before minting a new one sized by the doubling growth rule.
func (s *Storage) Alloc(sizes AttribSizeList, numV, numI, numP int) (*Allocation, error) {
	s.guard.Check()
	key := sizes.key()
	for _, m := range s.mems[key] {
		if a, ok := tryAlloc(m, numV, numI, numP); ok {
			return a, nil
		}
	}

	existingTotal := [3]int{}
	for _, m := range s.mems[key] {
		existingTotal[0] += m.vertexCap
		existingTotal[1] += m.indexCap
		existingTotal[2] += m.primSetCap
	}
	vCap := max(2*(existingTotal[0]+numV), minVertexCap)
	iCap := max(2*(existingTotal[1]+numI), minIndexCap)
	pCap := max(2*(existingTotal[2]+numP), minPrimitiveSetCap)

	m, err := newMemory(s.gpu, sizes, vCap, iCap, pCap)
	if err != nil {
		return nil, err
	}
	s.nextID++
	m.id = s.nextID
	s.mems[key] = append(s.mems[key], m)

	a, ok := tryAlloc(m, numV, numI, numP)
	if !ok {
		return nil, cadrerr.OutOfResources("geometry: allocation exceeds freshly grown memory")
	}
	return a, nil
}

func tryAlloc(m *Memory, numV, numI, numP int) (*Allocation, bool) {
	vOff, ok := m.vertices.alloc(numV)
	if !ok {
		return nil, false
	}
	iOff, ok := m.indices.alloc(numI)
	if !ok {
		m.vertices.free_(vOff, numV)
		return nil, false
	}
	pOff, ok := m.primSets.alloc(numP)
	if !ok {
		m.vertices.free_(vOff, numV)
		m.indices.free_(iOff, numI)
		return nil, false
	}
	return &Allocation{mem: m, vertexOff: vOff, indexOff: iOff, primOff: pOff, numV: numV, numI: numI, numP: numP}, true
}

// Free releases a's vertex, index and primitive-set ranges.
func (s *Storage) Free(a *Allocation) {
	s.guard.Check()
	a.mem.vertices.free_(a.vertexOff, a.numV)
	a.mem.indices.free_(a.indexOff, a.numI)
	a.mem.primSets.free_(a.primOff, a.numP)
}

// Realloc resizes an allocation: shrinking is in-place; growing tries
// in-place first, then falls back to re-homing the ranges in another
// Memory. The returned Allocation differs from a only when re-homing
// occurred, so the caller can compare them to know when to patch any
// handle/device-address references.
func (s *Storage) Realloc(a *Allocation, numV, numI, numP int) (*Allocation, error) {
	s.guard.Check()
	if numV <= a.numV && numI <= a.numI && numP <= a.numP {
		a.mem.vertices.free_(a.vertexOff+numV, a.numV-numV)
		a.mem.indices.free_(a.indexOff+numI, a.numI-numI)
		a.mem.primSets.free_(a.primOff+numP, a.numP-numP)
		a.numV, a.numI, a.numP = numV, numI, numP
		return a, nil
	}

	vSnap, iSnap := *a.mem.vertices, *a.mem.indices
	vSnap.free = append([]rng(nil), vSnap.free...)
	iSnap.free = append([]rng(nil), iSnap.free...)
	if growInPlace(a.mem.vertices, a.vertexOff, a.numV, numV) &&
		growInPlace(a.mem.indices, a.indexOff, a.numI, numI) &&
		growInPlace(a.mem.primSets, a.primOff, a.numP, numP) {
		a.numV, a.numI, a.numP = numV, numI, numP
		return a, nil
	}
	// Undo any subregion that grew before a later one failed.
	*a.mem.vertices, *a.mem.indices = vSnap, iSnap

	sizes := a.mem.attribSizes
	n, err := s.Alloc(sizes, numV, numI, numP)
	if err != nil {
		return nil, err
	}
	s.Free(a)
	return n, nil
}

// growInPlace attempts to extend an already-allocated range [off,
// off+oldN) to [off, off+newN) by absorbing the adjacent free range,
// without moving off. It is intentionally conservative: if the
// adjacent free range cannot cover the whole extension it changes
// nothing and returns false. Realloc restores the earlier subregions
// when a later one fails, so a mixed-success partial grow never
// survives across the three subregions.
func growInPlace(r *rangeAlloc, off, oldN, newN int) bool {
	need := newN - oldN
	for i, f := range r.free {
		if f.off == off+oldN && f.n >= need {
			if f.n == need {
				r.free = append(r.free[:i], r.free[i+1:]...)
			} else {
				r.free[i] = rng{f.off + need, f.n - need}
			}
			r.used += need
			return true
		}
	}
	return false
}

// Destroy releases every GeometryMemory's driver buffer.
func (s *Storage) Destroy() {
	for _, lst := range s.mems {
		for _, m := range lst {
			m.destroy()
		}
	}
	s.mems = nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
