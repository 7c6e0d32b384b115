package geometry

import "github.com/cadrgo/cadr/linear"

// Box is an axis-aligned bounding box over a mesh's positions.
type Box struct {
	Min, Max linear.V3
}

// Extend grows b to cover p.
func (b *Box) Extend(p linear.V3) {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
}

// Sphere is a bounding sphere over a mesh's positions.
type Sphere struct {
	Center linear.V3
	Radius float32
}

// Bounds carries per-Geometry bounding volumes. They are computed by
// the caller and stored alongside the Geometry for the benefit of
// consumers outside this module; the rendering core itself makes no
// culling or LOD decisions from them.
type Bounds struct {
	Box    Box
	Sphere Sphere
}
