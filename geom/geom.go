// Package geom contains the small amount of 3D math needed to place a camera
// and compose view matrices. Vectors and quaternions come from gonum; Mat4 is
// a row-major 4x4 matrix applied to column vectors.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat4 is a row-major 4x4 matrix. Element (r, c) is m[4*r+c].
type Mat4 [16]float64

// IdentityRotation is the quaternion of no rotation.
var IdentityRotation = quat.Number{Real: 1}

// One is the unit scale.
var One = r3.Vec{X: 1, Y: 1, Z: 1}

// Identity returns the identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (r, c).
func (m Mat4) At(r, c int) float64 {
	return m[4*r+c]
}

// Mul returns a*b.
func Mul(a, b Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[4*r+k] * b[4*k+c]
			}
			out[4*r+c] = sum
		}
	}
	return out
}

// MulPoint transforms p as a point (w = 1).
func (m Mat4) MulPoint(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// MulDir transforms d as a direction (w = 0).
func (m Mat4) MulDir(d r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[4]*d.X + m[5]*d.Y + m[6]*d.Z,
		Z: m[8]*d.X + m[9]*d.Y + m[10]*d.Z,
	}
}

// TRS returns the matrix translating by t, rotating by q and scaling by s,
// applied to a point in the order scale, rotate, translate. q is assumed to
// be a unit quaternion.
func TRS(t r3.Vec, q quat.Number, s r3.Vec) Mat4 {
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real
	xx, yy, zz := x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z
	return Mat4{
		(1 - 2*(yy+zz)) * s.X, 2 * (xy - wz) * s.Y, 2 * (xz + wy) * s.Z, t.X,
		2 * (xy + wz) * s.X, (1 - 2*(xx+zz)) * s.Y, 2 * (yz - wx) * s.Z, t.Y,
		2 * (xz - wy) * s.X, 2 * (yz + wx) * s.Y, (1 - 2*(xx+yy)) * s.Z, t.Z,
		0, 0, 0, 1,
	}
}

// Scale returns a scaling matrix.
func Scale(s r3.Vec) Mat4 {
	return TRS(r3.Vec{}, IdentityRotation, s)
}

// Translate returns a translation matrix.
func Translate(t r3.Vec) Mat4 {
	return TRS(t, IdentityRotation, One)
}

// Inverse returns the inverse of m and false when m is singular.
func (m Mat4) Inverse() (Mat4, bool) {
	var inv Mat4
	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] + m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] - m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] + m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] - m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] - m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] + m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] - m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] + m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] + m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] - m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] + m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] - m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] - m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] + m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] - m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] + m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	if det == 0 || math.IsNaN(det) {
		return Identity(), false
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv, true
}

// Rotate returns v rotated by the unit quaternion q.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// AxisAngle returns the unit quaternion rotating by angle radians around axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	n := r3.Norm(axis)
	if n == 0 {
		return IdentityRotation
	}
	s := math.Sin(angle/2) / n
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Transform is a scene-graph node placement in world space.
type Transform struct {
	Position r3.Vec
	Rotation quat.Number
	Scale    r3.Vec
}

// NewTransform returns a unit-scale transform at position with rotation.
func NewTransform(position r3.Vec, rotation quat.Number) Transform {
	return Transform{Position: position, Rotation: rotation, Scale: One}
}

// LocalToWorld returns the matrix mapping local coordinates to world space.
func (t Transform) LocalToWorld() Mat4 {
	return TRS(t.Position, t.Rotation, t.Scale)
}

// WorldToLocal returns the matrix mapping world coordinates to local space.
func (t Transform) WorldToLocal() Mat4 {
	inv, ok := t.LocalToWorld().Inverse()
	if !ok {
		return Identity()
	}
	return inv
}

// Forward returns the local +Z axis in world space.
func (t Transform) Forward() r3.Vec {
	return Rotate(t.Rotation, r3.Vec{Z: 1})
}

// Right returns the local +X axis in world space.
func (t Transform) Right() r3.Vec {
	return Rotate(t.Rotation, r3.Vec{X: 1})
}
