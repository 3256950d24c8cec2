package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

type Quaternion = Vector4

func NewQuaternion(x, y, z, w Element) *Quaternion {
	return &Quaternion{X: x, Y: y, Z: z, W: w}
}

func NewIdentityQuaternion() *Quaternion {
	return &Quaternion{W: 1}
}

func NewQuaternionFromAxisAngle(axis *Vector3, rad Element) *Quaternion {
	a := axis.Normalized()
	s := math.Sin(rad / 2)
	return &Quaternion{X: a.X * s, Y: a.Y * s, Z: a.Z * s, W: math.Cos(rad / 2)}
}

// NewQuaternionFromEulerDegrees returns the rotation for XYZ euler angles in degrees.
func NewQuaternionFromEulerDegrees(x, y, z Element) *Quaternion {
	return NewEuler(x*math.Pi/180, y*math.Pi/180, z*math.Pi/180, RotationOrderXYZ).ToQuaternion()
}

// NewQuaternionBetween returns the shortest rotation mapping direction a onto b.
func NewQuaternionBetween(a, b *Vector3) *Quaternion {
	if a.LenSqr() == 0 || b.LenSqr() == 0 {
		return NewIdentityQuaternion()
	}
	an, bn := a.Normalized(), b.Normalized()
	return fromMglQuat(mgl64.QuatBetweenVectors(toMglVec3(an), toMglVec3(bn)))
}

// NewQuaternionFromDirection returns the rotation that maps +Z to forward
// while keeping +Y as close to up as possible.
func NewQuaternionFromDirection(forward, up *Vector3) *Quaternion {
	if forward.LenSqr() == 0 {
		return NewIdentityQuaternion()
	}
	z := forward.Normalized()
	x := up.Cross(z)
	if x.LenSqr() < 1e-12 {
		alt := &Vector3{X: 0, Y: 0, Z: -1}
		if math.Abs(z.Z) > 0.9 {
			alt = &Vector3{X: 0, Y: 1, Z: 0}
		}
		x = alt.Cross(z)
	}
	x = x.Normalize()
	y := z.Cross(x)
	return NewMatrix4FromAxes(x, y, z).Rotation()
}

func (q *Quaternion) Inverse() *Quaternion {
	return &Quaternion{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
}

// Mul returns Hamilton product q*b.
func (a *Quaternion) Mul(b *Quaternion) *Quaternion {
	return &Quaternion{
		W: a.W*b.W - a.X*b.X - a.Y*b.Y - a.Z*b.Z,
		X: a.W*b.X + a.X*b.W + a.Y*b.Z - a.Z*b.Y,
		Y: a.W*b.Y - a.X*b.Z + a.Y*b.W + a.Z*b.X,
		Z: a.W*b.Z + a.X*b.Y - a.Y*b.X + a.Z*b.W,
	}
}

// ApplyTo rotates v.
func (q *Quaternion) ApplyTo(v *Vector3) *Vector3 {
	r := q.Mul(&Quaternion{X: v.X, Y: v.Y, Z: v.Z}).Mul(q.Inverse())
	return &Vector3{X: r.X, Y: r.Y, Z: r.Z}
}

func (q *Quaternion) Slerp(q2 *Quaternion, t Element) *Quaternion {
	if t <= 0 {
		c := *q
		return &c
	}
	if t >= 1 {
		c := *q2
		return &c
	}
	return fromMglQuat(mgl64.QuatSlerp(toMglQuat(q), toMglQuat(q2), t))
}

// Pow scales the rotation angle of q by t. Negative t rotates backwards.
func (q *Quaternion) Pow(t Element) *Quaternion {
	v := q.Vector3()
	s := v.Len()
	if s < 1e-12 {
		return NewIdentityQuaternion()
	}
	a := math.Atan2(s, q.W) * t
	v = v.Scale(math.Sin(a) / s)
	return &Quaternion{X: v.X, Y: v.Y, Z: v.Z, W: math.Cos(a)}
}

func (q *Quaternion) IsIdentity(eps Element) bool {
	return math.Abs(math.Abs(q.W)-1) <= eps && q.Vector3().Len() <= eps
}

// Angle returns the rotation angle in radians.
func (q *Quaternion) Angle() Element {
	w := math.Max(-1, math.Min(1, math.Abs(q.W)))
	return 2 * math.Acos(w)
}

// ToEulerDegrees returns XYZ euler angles in degrees.
func (q *Quaternion) ToEulerDegrees() *Vector3 {
	e := NewEulerFromQuaternion(q, RotationOrderXYZ)
	return e.Vector3.Scale(180 / math.Pi)
}

func toMglQuat(q *Quaternion) mgl64.Quat {
	return mgl64.Quat{W: q.W, V: mgl64.Vec3{q.X, q.Y, q.Z}}
}

func fromMglQuat(q mgl64.Quat) *Quaternion {
	return &Quaternion{X: q.V[0], Y: q.V[1], Z: q.V[2], W: q.W}
}

func toMglVec3(v *Vector3) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}
