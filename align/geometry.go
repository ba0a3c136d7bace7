package align

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Affine is a 3D affine transform: world = M*local + T.
// M is the linear part (rotation/scale, row-major), T the translation.
type Affine struct {
	M [3][3]float64
	T r3.Vec
}

// Identity returns an identity transform (no transformation)
func Identity() Affine {
	return Affine{M: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// Translation creates a translation-only transform
func Translation(t r3.Vec) Affine {
	m := Identity()
	m.T = t
	return m
}

// Scale creates a per-axis scaling transform
func Scale(sx, sy, sz float64) Affine {
	return Affine{M: [3][3]float64{{sx, 0, 0}, {0, sy, 0}, {0, 0, sz}}}
}

// RotationX creates a rotation about the X axis (angle in radians)
func RotationX(angle float64) Affine {
	c, s := math.Cos(angle), math.Sin(angle)
	return Affine{M: [3][3]float64{{1, 0, 0}, {0, c, -s}, {0, s, c}}}
}

// RotationY creates a rotation about the Y axis (angle in radians)
func RotationY(angle float64) Affine {
	c, s := math.Cos(angle), math.Sin(angle)
	return Affine{M: [3][3]float64{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}}
}

// RotationZ creates a rotation about the Z axis (angle in radians)
func RotationZ(angle float64) Affine {
	c, s := math.Cos(angle), math.Sin(angle)
	return Affine{M: [3][3]float64{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}}
}

// EulerRotation creates a rotation from XYZ Euler angles (radians).
// Applied as Rz * Ry * Rx: X rotation first.
func EulerRotation(rx, ry, rz float64) Affine {
	return Multiply(RotationZ(rz), Multiply(RotationY(ry), RotationX(rx)))
}

// AxisRotation creates a rotation of angle radians about an arbitrary axis
// through the origin. The axis need not be unit length; a zero axis yields
// the identity.
func AxisRotation(axis r3.Vec, angle float64) Affine {
	n := r3.Norm(axis)
	if n < 1e-12 {
		return Identity()
	}
	u := r3.Scale(1/n, axis)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	return Affine{M: [3][3]float64{
		{t*u.X*u.X + c, t*u.X*u.Y - s*u.Z, t*u.X*u.Z + s*u.Y},
		{t*u.X*u.Y + s*u.Z, t*u.Y*u.Y + c, t*u.Y*u.Z - s*u.X},
		{t*u.X*u.Z - s*u.Y, t*u.Y*u.Z + s*u.X, t*u.Z*u.Z + c},
	}}
}

// RotationAbout creates a rotation of angle radians about an axis through
// the given center point.
func RotationAbout(axis r3.Vec, angle float64, center r3.Vec) Affine {
	rot := AxisRotation(axis, angle)
	// T = c - R*c so the center stays put.
	return Affine{M: rot.M, T: r3.Sub(center, TransformVector(center, rot))}
}

// Multiply composes two affine transforms: result = a * b
// Applying result is equivalent to applying b first, then a
func Multiply(a, b Affine) Affine {
	var out Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.M[i][j] = a.M[i][0]*b.M[0][j] + a.M[i][1]*b.M[1][j] + a.M[i][2]*b.M[2][j]
		}
	}
	out.T = r3.Add(TransformVector(b.T, a), a.T)
	return out
}

// Invert computes the inverse of an affine transform
// Returns identity if the linear part is singular (determinant ~= 0)
func Invert(m Affine) Affine {
	a := m.M
	det := a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
	if math.Abs(det) < 1e-12 {
		return Identity()
	}

	inv := 1.0 / det
	var out Affine
	out.M[0][0] = (a[1][1]*a[2][2] - a[1][2]*a[2][1]) * inv
	out.M[0][1] = (a[0][2]*a[2][1] - a[0][1]*a[2][2]) * inv
	out.M[0][2] = (a[0][1]*a[1][2] - a[0][2]*a[1][1]) * inv
	out.M[1][0] = (a[1][2]*a[2][0] - a[1][0]*a[2][2]) * inv
	out.M[1][1] = (a[0][0]*a[2][2] - a[0][2]*a[2][0]) * inv
	out.M[1][2] = (a[0][2]*a[1][0] - a[0][0]*a[1][2]) * inv
	out.M[2][0] = (a[1][0]*a[2][1] - a[1][1]*a[2][0]) * inv
	out.M[2][1] = (a[0][1]*a[2][0] - a[0][0]*a[2][1]) * inv
	out.M[2][2] = (a[0][0]*a[1][1] - a[0][1]*a[1][0]) * inv
	out.T = r3.Scale(-1, TransformVector(m.T, out))
	return out
}

// TransformPoint applies an affine transform to a point
func TransformPoint(p r3.Vec, m Affine) r3.Vec {
	return r3.Add(TransformVector(p, m), m.T)
}

// TransformVector applies only the linear part of an affine transform
// (directions are not translated)
func TransformVector(v r3.Vec, m Affine) r3.Vec {
	return r3.Vec{
		X: m.M[0][0]*v.X + m.M[0][1]*v.Y + m.M[0][2]*v.Z,
		Y: m.M[1][0]*v.X + m.M[1][1]*v.Y + m.M[1][2]*v.Z,
		Z: m.M[2][0]*v.X + m.M[2][1]*v.Y + m.M[2][2]*v.Z,
	}
}

// TransformPoints applies an affine transform to multiple points
func TransformPoints(points []r3.Vec, m Affine) []r3.Vec {
	result := make([]r3.Vec, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// EulerAngles extracts XYZ Euler angles (radians) from the rotation part of
// a transform. Assumes the linear part is a rotation possibly scaled
// uniformly; shear is not handled. Inverse of EulerRotation up to the usual
// gimbal ambiguity at ry = ±pi/2.
func EulerAngles(m Affine) (rx, ry, rz float64) {
	// Normalize rows against uniform scale.
	s := math.Sqrt(m.M[0][0]*m.M[0][0] + m.M[1][0]*m.M[1][0] + m.M[2][0]*m.M[2][0])
	if s < 1e-12 {
		return 0, 0, 0
	}
	r20 := m.M[2][0] / s
	if r20 > 1 {
		r20 = 1
	}
	if r20 < -1 {
		r20 = -1
	}
	ry = math.Asin(-r20)
	if math.Abs(r20) < 1-1e-9 {
		rx = math.Atan2(m.M[2][1], m.M[2][2])
		rz = math.Atan2(m.M[1][0], m.M[0][0])
	} else {
		// Gimbal lock: fold everything into rx.
		rx = math.Atan2(-m.M[1][2], m.M[1][1])
		rz = 0
	}
	return rx, ry, rz
}

// Box is an axis-aligned 3D bounding box. The zero value is not valid;
// use EmptyBox and grow with ExpandByPoint or Union.
type Box struct {
	Min, Max r3.Vec
}

// EmptyBox returns a box containing no points
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{
		Min: r3.Vec{X: inf, Y: inf, Z: inf},
		Max: r3.Vec{X: -inf, Y: -inf, Z: -inf},
	}
}

// IsEmpty reports whether the box contains no points
func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// ExpandByPoint grows the box to contain p
func (b *Box) ExpandByPoint(p r3.Vec) {
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Min.Z = math.Min(b.Min.Z, p.Z)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
	b.Max.Z = math.Max(b.Max.Z, p.Z)
}

// Union returns the smallest box containing both boxes
func (b Box) Union(other Box) Box {
	if b.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return b
	}
	out := b
	out.ExpandByPoint(other.Min)
	out.ExpandByPoint(other.Max)
	return out
}

// Centroid returns the center of the box, or the origin for an empty box
func (b Box) Centroid() r3.Vec {
	if b.IsEmpty() {
		return r3.Vec{}
	}
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// Diagonal returns the length of the box diagonal, 0 for an empty box
func (b Box) Diagonal() float64 {
	if b.IsEmpty() {
		return 0
	}
	return r3.Norm(r3.Sub(b.Max, b.Min))
}
