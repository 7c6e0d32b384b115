// Package drawstate implements the scene graph of draw state:
// pipelines, state sets and drawables, plus the per-frame step that
// turns the visible graph into a single compact GPU-side indirect-draw
// buffer.
package drawstate

import "encoding/binary"

// Topology names an index-buffer interpretation, packed into the high
// 4 bits of a PrimitiveSet word.
type Topology uint32

const (
	TPointList Topology = iota
	TLineList
	TLineStrip
	TTriangleList
	TTriangleStrip
	TTriangleFan

	maxTopology = 15
)

// PrimitiveSet packs a topology into bits 28-31 and a 28-bit offset
// in 4-byte units into bits 0-27.
type PrimitiveSet uint32

// PackPrimitiveSet builds the packed word. Arguments outside the field
// widths are a precondition violation and panic.
func PackPrimitiveSet(topology Topology, offset4 uint32) PrimitiveSet {
	if topology > maxTopology {
		panic("drawstate: topology exceeds 4-bit field")
	}
	if offset4 >= 1<<28 {
		panic("drawstate: offset4 exceeds 28-bit field")
	}
	return PrimitiveSet(uint32(topology)<<28 | offset4)
}

// Topology returns the packed topology.
func (p PrimitiveSet) Topology() Topology { return Topology(p >> 28) }

// Offset4 returns the packed offset in 4-byte units.
func (p PrimitiveSet) Offset4() uint32 { return uint32(p) & (1<<28 - 1) }

// PrimitiveSetGpuData is the per-primitive-set record stored in a
// geometry memory's primitive-set subregion and read by the
// indirect-draw compute shader: the packed topology/offset word with
// count and first as adjacent 32-bit fields. Its encoded size is
// geometry.PrimitiveSetGPUSize.
type PrimitiveSetGpuData struct {
	TopologyOffset PrimitiveSet
	Count          uint32
	First          uint32
}

// put encodes d into 16 little-endian bytes at b.
func (d *PrimitiveSetGpuData) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(d.TopologyOffset))
	binary.LittleEndian.PutUint32(b[4:], d.Count)
	binary.LittleEndian.PutUint32(b[8:], d.First)
	binary.LittleEndian.PutUint32(b[12:], 0)
}
