package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// column-major matrix
type Matrix4 [16]Element

func NewMatrix4() *Matrix4 {
	return &Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func NewScaleMatrix4(x, y, z Element) *Matrix4 {
	return &Matrix4{
		x, 0, 0, 0,
		0, y, 0, 0,
		0, 0, z, 0,
		0, 0, 0, 1,
	}
}

func NewTranslateMatrix4(x, y, z Element) *Matrix4 {
	return &Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		x, y, z, 1,
	}
}

func NewRotationMatrix4FromQuaternion(q *Quaternion) *Matrix4 {
	var (
		x = q.X
		y = q.Y
		z = q.Z
		w = q.W
	)
	return &Matrix4{
		1 - 2*y*y - 2*z*z, 2*x*y + 2*z*w, 2*x*z - 2*y*w, 0,
		2*x*y - 2*z*w, 1 - 2*x*x - 2*z*z, 2*y*z + 2*x*w, 0,
		2*x*z + 2*y*w, 2*y*z - 2*x*w, 1 - 2*x*x - 2*y*y, 0,
		0, 0, 0, 1,
	}
}

// NewMatrix4FromAxes returns the rotation matrix whose columns are x, y, z.
func NewMatrix4FromAxes(x, y, z *Vector3) *Matrix4 {
	return &Matrix4{
		x.X, x.Y, x.Z, 0,
		y.X, y.Y, y.Z, 0,
		z.X, z.Y, z.Z, 0,
		0, 0, 0, 1,
	}
}

func NewTRSMatrix4(translate *Vector3, rotation *Quaternion, scale *Vector3) *Matrix4 {
	return NewTranslateMatrix4(translate.X, translate.Y, translate.Z).
		Mul(NewRotationMatrix4FromQuaternion(rotation)).
		Mul(NewScaleMatrix4(scale.X, scale.Y, scale.Z))
}

// Mul returns b * a.
func (b *Matrix4) Mul(a *Matrix4) *Matrix4 {
	r := &Matrix4{}

	r[0] = a[0]*b[0] + a[1]*b[4] + a[2]*b[8] + a[3]*b[12]
	r[1] = a[0]*b[1] + a[1]*b[5] + a[2]*b[9] + a[3]*b[13]
	r[2] = a[0]*b[2] + a[1]*b[6] + a[2]*b[10] + a[3]*b[14]
	r[3] = a[0]*b[3] + a[1]*b[7] + a[2]*b[11] + a[3]*b[15]

	r[4] = a[4]*b[0] + a[5]*b[4] + a[6]*b[8] + a[7]*b[12]
	r[5] = a[4]*b[1] + a[5]*b[5] + a[6]*b[9] + a[7]*b[13]
	r[6] = a[4]*b[2] + a[5]*b[6] + a[6]*b[10] + a[7]*b[14]
	r[7] = a[4]*b[3] + a[5]*b[7] + a[6]*b[11] + a[7]*b[15]

	r[8] = a[8]*b[0] + a[9]*b[4] + a[10]*b[8] + a[11]*b[12]
	r[9] = a[8]*b[1] + a[9]*b[5] + a[10]*b[9] + a[11]*b[13]
	r[10] = a[8]*b[2] + a[9]*b[6] + a[10]*b[10] + a[11]*b[14]
	r[11] = a[8]*b[3] + a[9]*b[7] + a[10]*b[11] + a[11]*b[15]

	r[12] = a[12]*b[0] + a[13]*b[4] + a[14]*b[8] + a[15]*b[12]
	r[13] = a[12]*b[1] + a[13]*b[5] + a[14]*b[9] + a[15]*b[13]
	r[14] = a[12]*b[2] + a[13]*b[6] + a[14]*b[10] + a[15]*b[14]
	r[15] = a[12]*b[3] + a[13]*b[7] + a[14]*b[11] + a[15]*b[15]
	return r
}

func (mat *Matrix4) ApplyTo(v *Vector3) *Vector3 {
	return &Vector3{
		mat[0]*v.X + mat[4]*v.Y + mat[8]*v.Z + mat[12],
		mat[1]*v.X + mat[5]*v.Y + mat[9]*v.Z + mat[13],
		mat[2]*v.X + mat[6]*v.Y + mat[10]*v.Z + mat[14],
	}
}

// ApplyToDirection transforms v without translation.
func (mat *Matrix4) ApplyToDirection(v *Vector3) *Vector3 {
	return &Vector3{
		mat[0]*v.X + mat[4]*v.Y + mat[8]*v.Z,
		mat[1]*v.X + mat[5]*v.Y + mat[9]*v.Z,
		mat[2]*v.X + mat[6]*v.Y + mat[10]*v.Z,
	}
}

func (m *Matrix4) Det() Element {
	return mgl64.Mat4(*m).Det()
}

// Inverse returns the inverse matrix, or zero matrix if m is singular.
func (m *Matrix4) Inverse() *Matrix4 {
	r := Matrix4(mgl64.Mat4(*m).Inv())
	return &r
}

func (m *Matrix4) Transposed() *Matrix4 {
	return &Matrix4{
		m[0], m[4], m[8], m[12],
		m[1], m[5], m[9], m[13],
		m[2], m[6], m[10], m[14],
		m[3], m[7], m[11], m[15],
	}
}

func (m *Matrix4) Clone() *Matrix4 {
	r := *m
	return &r
}

func (m *Matrix4) Translation() *Vector3 {
	return &Vector3{X: m[12], Y: m[13], Z: m[14]}
}

// Scaling returns the length of each basis column.
func (m *Matrix4) Scaling() *Vector3 {
	return &Vector3{
		X: math.Sqrt(m[0]*m[0] + m[1]*m[1] + m[2]*m[2]),
		Y: math.Sqrt(m[4]*m[4] + m[5]*m[5] + m[6]*m[6]),
		Z: math.Sqrt(m[8]*m[8] + m[9]*m[9] + m[10]*m[10]),
	}
}

// Rotation returns the rotation part of a matrix without shear.
func (m *Matrix4) Rotation() *Quaternion {
	s := m.Scaling().One()
	n := mgl64.Mat4{
		m[0] / s.X, m[1] / s.X, m[2] / s.X, 0,
		m[4] / s.Y, m[5] / s.Y, m[6] / s.Y, 0,
		m[8] / s.Z, m[9] / s.Z, m[10] / s.Z, 0,
		0, 0, 0, 1,
	}
	return fromMglQuat(mgl64.Mat4ToQuat(n).Normalize())
}

func (m *Matrix4) Decompose() (*Vector3, *Quaternion, *Vector3) {
	return m.Translation(), m.Rotation(), m.Scaling()
}

func (mat *Matrix4) ToArray(a []Element) {
	copy(a, mat[:])
}

func (mat *Matrix4) Float32() [16]float32 {
	var r [16]float32
	for i, v := range mat {
		r[i] = float32(v)
	}
	return r
}
