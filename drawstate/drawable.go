package drawstate

import "encoding/binary"

// noIndex marks a Drawable not currently held by any state set.
const noIndex = ^uint32(0)

// DrawableGpuData is the per-drawable record the indirect-draw compute
// shader consumes: a device pointer to the drawable's primitive set
// plus the 32-bit offset of its shader data in the shared payload
// buffer.
type DrawableGpuData struct {
	PrimitiveSetAddr uint64
	ShaderDataID     uint32
}

// drawableGpuDataSize is the encoded stride of DrawableGpuData.
const drawableGpuDataSize = 16

func (d *DrawableGpuData) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], d.PrimitiveSetAddr)
	binary.LittleEndian.PutUint32(b[8:], d.ShaderDataID)
	binary.LittleEndian.PutUint32(b[12:], 0)
}

// Drawable is a single renderable entity tying one primitive set of a
// Geometry to a StateSet.
type Drawable struct {
	stateSet *StateSet
	index    uint32

	geom              *Geometry
	primitiveSetIndex int
	shaderDataID      uint32

	// Intrusive hook on the owning Geometry's drawable list.
	prev, next *Drawable
}

// NewDrawable creates a Drawable for primitive set psIndex of g,
// records it on g's drawable list and appends it to ss.
func NewDrawable(g *Geometry, psIndex int, shaderDataID uint32, ss *StateSet) *Drawable {
	d := &Drawable{index: noIndex}
	d.Attach(g, psIndex, shaderDataID, ss)
	return d
}

// StateSet returns the state set currently holding the drawable, or
// nil when inactive.
func (d *Drawable) StateSet() *StateSet { return d.stateSet }

// Index returns the drawable's slot in its state set's vector, or
// ^uint32(0) when inactive.
func (d *Drawable) Index() uint32 { return d.index }

// Geometry returns the geometry the drawable renders from.
func (d *Drawable) Geometry() *Geometry { return d.geom }

// gpuData computes the drawable's current GPU record from its
// geometry's live allocation.
func (d *Drawable) gpuData() DrawableGpuData {
	return DrawableGpuData{
		PrimitiveSetAddr: d.geom.primitiveSetAddr(d.primitiveSetIndex),
		ShaderDataID:     d.shaderDataID,
	}
}

// Attach re-targets the drawable at (g, psIndex, shaderDataID, ss).
// If the drawable already sits in ss over the same geometry memory,
// the entry is patched in place; otherwise it is removed from its old
// state set and appended to the new one.
func (d *Drawable) Attach(g *Geometry, psIndex int, shaderDataID uint32, ss *StateSet) {
	if d.geom != g {
		d.unlink()
		g.link(d)
	}
	d.primitiveSetIndex = psIndex
	d.shaderDataID = shaderDataID

	// A geometry with no primitive sets has nothing to draw; the
	// drawable stays inactive (index ^0) until re-attached to one that
	// does.
	if g.alloc.NumPrimSets() == 0 {
		if d.stateSet != nil {
			d.stateSet.removeDrawable(d)
		}
		return
	}

	if d.stateSet == ss && d.index != noIndex && ss.drawables[d.index].mem == g.alloc.Memory() {
		ss.drawables[d.index].gpu = d.gpuData()
		ss.gpuDirty = true
		return
	}
	if d.stateSet != nil {
		d.stateSet.removeDrawable(d)
	}
	ss.addDrawable(d)
}

// refreshGpuData rewrites the drawable's state-set entry after its
// geometry moved.
func (d *Drawable) refreshGpuData() {
	if d.stateSet == nil || d.index == noIndex {
		return
	}
	d.stateSet.drawables[d.index].gpu = d.gpuData()
	d.stateSet.drawables[d.index].mem = d.geom.alloc.Memory()
	d.stateSet.gpuDirty = true
}

// Destroy detaches the drawable from its state set and its geometry's
// list. Both hooks auto-unlink, so destruction is safe regardless of
// which lists the drawable still participates in.
func (d *Drawable) Destroy() {
	if d.stateSet != nil {
		d.stateSet.removeDrawable(d)
	}
	d.unlink()
}

// unlink removes the drawable from its geometry's intrusive list.
func (d *Drawable) unlink() {
	g := d.geom
	if g == nil {
		return
	}
	if d.prev != nil {
		d.prev.next = d.next
	} else {
		g.drawHead = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	} else {
		g.drawTail = d.prev
	}
	d.prev, d.next, d.geom = nil, nil, nil
}
