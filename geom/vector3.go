package geom

import "math"

type Vector3 struct {
	X Element
	Y Element
	Z Element
}

func NewVector3(x, y, z Element) *Vector3 {
	return &Vector3{X: x, Y: y, Z: z}
}

func NewVector3FromArray(arr [3]Element) *Vector3 {
	return &Vector3{X: arr[0], Y: arr[1], Z: arr[2]}
}

func NewVector3FromFloat32(arr [3]float32) *Vector3 {
	return &Vector3{X: Element(arr[0]), Y: Element(arr[1]), Z: Element(arr[2])}
}

func (v *Vector3) Add(v2 *Vector3) *Vector3 {
	return &Vector3{X: v.X + v2.X, Y: v.Y + v2.Y, Z: v.Z + v2.Z}
}

func (v *Vector3) Sub(v2 *Vector3) *Vector3 {
	return &Vector3{X: v.X - v2.X, Y: v.Y - v2.Y, Z: v.Z - v2.Z}
}

// Mul returns the component-wise product.
func (v *Vector3) Mul(v2 *Vector3) *Vector3 {
	return &Vector3{X: v.X * v2.X, Y: v.Y * v2.Y, Z: v.Z * v2.Z}
}

func (v *Vector3) Dot(v2 *Vector3) Element {
	return v.X*v2.X + v.Y*v2.Y + v.Z*v2.Z
}

func (v *Vector3) Cross(v2 *Vector3) *Vector3 {
	return &Vector3{
		X: v.Y*v2.Z - v.Z*v2.Y,
		Y: v.Z*v2.X - v.X*v2.Z,
		Z: v.X*v2.Y - v.Y*v2.X,
	}
}

func (v *Vector3) Scale(s Element) *Vector3 {
	return &Vector3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

func (v *Vector3) Len() Element {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v *Vector3) LenSqr() Element {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

func (v *Vector3) Normalize() *Vector3 {
	l := v.Len()
	if l > 0 {
		v.X /= l
		v.Y /= l
		v.Z /= l
	} else {
		v.X = 1
	}
	return v
}

// Normalized returns a normalized copy.
func (v *Vector3) Normalized() *Vector3 {
	r := *v
	return r.Normalize()
}

// One returns v with every zero component replaced by 1.
func (v *Vector3) One() *Vector3 {
	r := *v
	if r.X == 0 {
		r.X = 1
	}
	if r.Y == 0 {
		r.Y = 1
	}
	if r.Z == 0 {
		r.Z = 1
	}
	return &r
}

// Div returns the component-wise quotient. Zero divisors are treated as 1.
func (v *Vector3) Div(v2 *Vector3) *Vector3 {
	d := v2.One()
	return &Vector3{X: v.X / d.X, Y: v.Y / d.Y, Z: v.Z / d.Z}
}

// Reciprocal returns (1/x, 1/y, 1/z) with zero components kept as 1.
func (v *Vector3) Reciprocal() *Vector3 {
	return (&Vector3{1, 1, 1}).Div(v)
}

func (v *Vector3) Lerp(v2 *Vector3, t Element) *Vector3 {
	return &Vector3{
		X: v.X + (v2.X-v.X)*t,
		Y: v.Y + (v2.Y-v.Y)*t,
		Z: v.Z + (v2.Z-v.Z)*t,
	}
}

func (v *Vector3) Distance(v2 *Vector3) Element {
	return v.Sub(v2).Len()
}

func (v *Vector3) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}

func (v *Vector3) NearEquals(v2 *Vector3, eps Element) bool {
	return math.Abs(v.X-v2.X) <= eps && math.Abs(v.Y-v2.Y) <= eps && math.Abs(v.Z-v2.Z) <= eps
}

func (v *Vector3) ToArray(array []Element) {
	array[0] = v.X
	array[1] = v.Y
	array[2] = v.Z
}

func (v *Vector3) Float32() [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

func Abs(v Element) Element {
	return math.Abs(v)
}
