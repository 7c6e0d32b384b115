package drawstate

import (
	"encoding/binary"

	"github.com/cadrgo/cadr/geometry"
	"github.com/cadrgo/cadr/staging"
)

// Geometry is one logical mesh: a suballocation inside a geometry
// memory plus the intrusive list of Drawables referencing it, so
// relocations can find and rewrite every dependent draw entry.
// Bounds are caller-computed metadata stored for consumers outside
// this module.
type Geometry struct {
	storage *geometry.Storage
	manager *staging.Manager
	sizes   geometry.AttribSizeList
	alloc   *geometry.Allocation
	bounds  geometry.Bounds

	// Intrusive list of attached Drawables. Drawable hooks auto-unlink
	// on reattachment and destruction.
	drawHead, drawTail *Drawable
}

// NewGeometry reserves numV vertices, numI indices and numP primitive
// sets in a GeometryMemory keyed by sizes. manager supplies the
// staging scratch for the Upload methods.
func NewGeometry(storage *geometry.Storage, manager *staging.Manager, sizes geometry.AttribSizeList, numV, numI, numP int) (*Geometry, error) {
	a, err := storage.Alloc(sizes, numV, numI, numP)
	if err != nil {
		return nil, err
	}
	return &Geometry{storage: storage, manager: manager, sizes: sizes, alloc: a}, nil
}

// Allocation exposes the backing suballocation.
func (g *Geometry) Allocation() *geometry.Allocation { return g.alloc }

// SetBounds stores caller-computed bounding volumes.
func (g *Geometry) SetBounds(b geometry.Bounds) { g.bounds = b }

// Bounds returns the stored bounding volumes.
func (g *Geometry) Bounds() geometry.Bounds { return g.bounds }

// primitiveSetAddr computes the device address of primitive set
// psIndex inside this geometry's memory: bufferBase +
// primitiveSetRegionOffset + (baseIdx + psIndex) * record size.
func (g *Geometry) primitiveSetAddr(psIndex int) uint64 {
	m := g.alloc.Memory()
	return m.Address() + uint64(m.PrimSetOffset(g.alloc.PrimSetOffset()+psIndex))
}

// UploadVertices stages raw attribute bytes for slot attrib, covering
// the geometry's whole vertex range. len(data) must equal
// attribSize*numVertices.
func (g *Geometry) UploadVertices(attrib int, data []byte) error {
	m := g.alloc.Memory()
	off := m.AttribOffset(attrib, g.alloc.VertexOffset())
	sd, err := g.manager.CreateStagingBuffer(m.Buffer(), off, int64(len(data)))
	if err != nil {
		return err
	}
	copy(sd.Bytes(), data)
	g.manager.Submit(sd)
	return nil
}

// UploadIndices stages the geometry's index data.
func (g *Geometry) UploadIndices(indices []uint32) error {
	m := g.alloc.Memory()
	off := m.IndexOffset(g.alloc.IndexOffset())
	sd, err := g.manager.CreateStagingBuffer(m.Buffer(), off, int64(len(indices))*4)
	if err != nil {
		return err
	}
	b := sd.Bytes()
	for i, x := range indices {
		binary.LittleEndian.PutUint32(b[i*4:], x)
	}
	g.manager.Submit(sd)
	return nil
}

// UploadPrimitiveSets stages the geometry's primitive-set records.
func (g *Geometry) UploadPrimitiveSets(sets []PrimitiveSetGpuData) error {
	m := g.alloc.Memory()
	off := m.PrimSetOffset(g.alloc.PrimSetOffset())
	sd, err := g.manager.CreateStagingBuffer(m.Buffer(), off, int64(len(sets))*geometry.PrimitiveSetGPUSize)
	if err != nil {
		return err
	}
	b := sd.Bytes()
	for i := range sets {
		sets[i].put(b[i*geometry.PrimitiveSetGPUSize:])
	}
	g.manager.Submit(sd)
	return nil
}

// Realloc resizes the geometry. If the backing allocation was
// re-homed into another geometry memory, every attached Drawable's gpu
// entry is rewritten in place so its primitive-set pointer follows the
// move.
func (g *Geometry) Realloc(numV, numI, numP int) error {
	old := g.alloc
	n, err := g.storage.Realloc(g.alloc, numV, numI, numP)
	if err != nil {
		return err
	}
	g.alloc = n
	if n == old && n.Memory() == old.Memory() {
		return nil
	}
	for d := g.drawHead; d != nil; d = d.next {
		d.refreshGpuData()
	}
	return nil
}

// Free releases the mesh's ranges. Attached Drawables are detached
// from their state sets first — a freed geometry must not leave live
// draw entries pointing into recycled primitive-set slots.
func (g *Geometry) Free() {
	for g.drawHead != nil {
		d := g.drawHead
		if d.stateSet != nil {
			d.stateSet.removeDrawable(d)
		}
		d.unlink()
	}
	g.storage.Free(g.alloc)
	g.alloc = nil
}

func (g *Geometry) link(d *Drawable) {
	d.geom = g
	d.prev = g.drawTail
	d.next = nil
	if g.drawTail != nil {
		g.drawTail.next = d
	} else {
		g.drawHead = d
	}
	g.drawTail = d
}
