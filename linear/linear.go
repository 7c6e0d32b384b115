// Package linear implements the 3D graphics math of this module: the
// vector type behind package geometry's bounding volumes, plus
// world/normal matrix and push-constant packing helpers. It is a thin, value-receiver wrapper around github.com/go-gl/mathgl's mgl32
// types, since the transform math only needs to be correct and fast to
// pack into push constants.
package linear

import "github.com/go-gl/mathgl/mgl32"

// M4 is a column-major 4x4 matrix of float32.
type M4 = mgl32.Mat4

// M3 is a column-major 3x3 matrix of float32.
type M3 = mgl32.Mat3

// V3 is a 3-component vector of float32.
type V3 = mgl32.Vec3

// V4 is a 4-component vector of float32.
type V4 = mgl32.Vec4

// Q is a quaternion of float32.
type Q = mgl32.Quat

// IdentityM4 returns the 4x4 identity matrix.
func IdentityM4() M4 { return mgl32.Ident4() }

// IdentityM3 returns the 3x3 identity matrix.
func IdentityM3() M3 { return mgl32.Ident3() }

// NormalFromWorld computes the normal matrix (the transpose of the
// inverse of the upper-left 3x3 of world) used to transform normals
// under non-uniform scaling.
//
// Computing it on the CPU avoids redoing the inverse per vertex on the
// GPU: callers compute it once per transform change and push the result
// alongside the world matrix.
func NormalFromWorld(world *M4) M3 {
	upper := mgl32.Mat4(*world).Mat3()
	inv := upper.Inv()
	return inv.Transpose()
}

// AppendM4 appends the 16 float32 components of m, in column-major
// order, to dst. It is used when packing push-constant/shader-data
// payloads.
func AppendM4(dst []float32, m *M4) []float32 {
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			dst = append(dst, m[c*4+r])
		}
	}
	return dst
}

// AppendM3 appends the 9 float32 components of m, in column-major
// order, to dst.
func AppendM3(dst []float32, m *M3) []float32 {
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			dst = append(dst, m[c*3+r])
		}
	}
	return dst
}
