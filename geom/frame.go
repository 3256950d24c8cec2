package geom

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AxisFrame returns an orthonormal rotation whose X axis is dir.
// The secondary axis is derived from +Y, or -Z when dir is nearly vertical.
func AxisFrame(dir *Vector3) *Matrix4 {
	x := dir.Normalized()
	up := &Vector3{0, 1, 0}
	if math.Abs(x.Dot(up)) > 0.9 {
		up = &Vector3{0, 0, -1}
	}
	z := x.Cross(up).Normalize()
	y := z.Cross(x).Normalize()
	return NewMatrix4FromAxes(x, y, z)
}

// AlignTriangle places C relative to segment A'B' the same way it sits relative to AB.
func AlignTriangle(a, b, c, a2, b2 *Vector3) *Vector3 {
	ab := b.Sub(a)
	ab2 := b2.Sub(a2)
	l, l2 := ab.Len(), ab2.Len()
	if l < 1e-9 {
		return a2.Add(c.Sub(a))
	}
	scale := l2 / l
	x := ab.Scale(1 / l)
	ac := c.Sub(a)
	along := ac.Dot(x)
	perp := ac.Sub(x.Scale(along))
	if l2 < 1e-9 {
		return a2.Add(perp)
	}
	x2 := ab2.Scale(1 / l2)
	rot := NewQuaternionBetween(x, x2)
	return a2.Add(x2.Scale(along * scale)).Add(rot.ApplyTo(perp).Scale(scale))
}

// CalcLocalPositions projects points into the frame of AxisFrame(tail-origin)
// anchored at origin. X of each result is the coordinate along the bone axis.
func CalcLocalPositions(points []*Vector3, origin, tail *Vector3) []*Vector3 {
	inv := AxisFrame(tail.Sub(origin)).Transposed()
	ret := make([]*Vector3, len(points))
	for i, p := range points {
		ret[i] = inv.ApplyTo(p.Sub(origin))
	}
	return ret
}

// FilterValues drops every point outside [Q1-k*IQR, Q3+k*IQR] on any axis.
func FilterValues(points []*Vector3, k Element) []*Vector3 {
	if len(points) < 4 {
		return points
	}
	type bound struct{ lo, hi float64 }
	var bounds [3]bound
	col := make([]float64, len(points))
	for axis := 0; axis < 3; axis++ {
		for i, p := range points {
			col[i] = component(p, axis)
		}
		sort.Float64s(col)
		q1 := stat.Quantile(0.25, stat.Empirical, col, nil)
		q3 := stat.Quantile(0.75, stat.Empirical, col, nil)
		iqr := q3 - q1
		bounds[axis] = bound{q1 - k*iqr, q3 + k*iqr}
	}

	ret := make([]*Vector3, 0, len(points))
	for _, p := range points {
		ok := true
		for axis, b := range bounds {
			v := component(p, axis)
			if v < b.lo || v > b.hi {
				ok = false
				break
			}
		}
		if ok {
			ret = append(ret, p)
		}
	}
	return ret
}

// Extents returns max-min per axis.
func Extents(points []*Vector3) *Vector3 {
	if len(points) == 0 {
		return &Vector3{}
	}
	var ext [3]float64
	col := make([]float64, len(points))
	for axis := 0; axis < 3; axis++ {
		for i, p := range points {
			col[i] = component(p, axis)
		}
		ext[axis] = floats.Max(col) - floats.Min(col)
	}
	return NewVector3FromArray(ext)
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

func Centroid(points []*Vector3) *Vector3 {
	c := &Vector3{}
	if len(points) == 0 {
		return c
	}
	for _, p := range points {
		c = c.Add(p)
	}
	return c.Scale(1 / Element(len(points)))
}

func component(v *Vector3, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}
