package geom

import (
	"testing"
)

func TestDecomposeMatrix(t *testing.T) {
	const eps = 0.000001

	pos := NewVector3(0, 12.5, -0.8)
	rot := NewQuaternionFromEulerDegrees(0, 15, -35)
	scale := NewVector3(1.1, 0.9, 1.2)

	pos1, rot1, scale1 := NewTRSMatrix4(pos, rot, scale).Decompose()
	if pos.Sub(pos1).Len() > eps {
		t.Error("pos: ", pos, pos1)
	}
	if !sameRotation(rot, rot1, eps) {
		t.Error("rot: ", rot, rot1)
	}
	if scale.Sub(scale1).Len() > eps {
		t.Error("scale: ", scale, scale1)
	}
}

func TestMatrixMul(t *testing.T) {
	const eps = 0.000001

	tr := NewTranslateMatrix4(0, 10, 0)
	r := NewRotationMatrix4FromQuaternion(NewQuaternionFromEulerDegrees(0, 0, 90))
	p := NewVector3(1, 0, 0)

	// translation is applied after the rotation
	if v := tr.Mul(r).ApplyTo(p); v.Sub(NewVector3(0, 11, 0)).Len() > eps {
		t.Error("Mul: ", v)
	}
	if v := tr.Mul(r).ApplyToDirection(p); v.Sub(NewVector3(0, 1, 0)).Len() > eps {
		t.Error("ApplyToDirection: ", v)
	}
	if v := r.Transposed().Mul(r).ApplyTo(p); v.Sub(p).Len() > eps {
		t.Error("Transposed: ", v)
	}
	if Abs(NewScaleMatrix4(2, 3, 4).Det()-24) > eps {
		t.Error("Det")
	}
	if f := tr.Float32(); f[13] != 10 || f[15] != 1 {
		t.Error("Float32: ", f)
	}
}
