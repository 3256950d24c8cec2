package deform

import (
	"math"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
)

const (
	ikMaxLoop = 256
	ikEpsilon = 1e-5
)

// solveIK rotates the link bones of IK bone i by CCD so that the IK target reaches the IK bone.
func (e *Evaluator) solveIK(s *evalState, i int) {
	ik := &e.doc.Bones[i].IK
	target := ik.TargetID
	if target < 0 || target >= len(e.doc.Bones) || len(ik.Links) == 0 {
		return
	}
	loop := ik.Loop
	if loop <= 0 {
		loop = 1
	} else if loop > ikMaxLoop {
		loop = ikMaxLoop
	}
	for it := 0; it < loop; it++ {
		for _, link := range ik.Links {
			l := link.TargetID
			if l < 0 || l >= len(e.doc.Bones) || l == target {
				continue
			}
			goal := s.global[i].Translation()
			eff := s.global[target].Translation()
			origin := s.global[l].Translation()
			v1 := eff.Sub(origin)
			v2 := goal.Sub(origin)
			if v1.LenSqr() < 1e-12 || v2.LenSqr() < 1e-12 {
				continue
			}
			delta := geom.NewQuaternionBetween(v1, v2)
			if a := delta.Angle(); ik.LimitRad > 0 && a > ik.LimitRad {
				delta = delta.Pow(ik.LimitRad / a)
			}
			pw := geom.NewIdentityQuaternion()
			if p := e.doc.Bones[l].ParentID; p >= 0 && p < len(s.world) {
				pw = s.world[p]
			}
			rot := pw.Inverse().Mul(delta).Mul(pw).Mul(s.rot[l])
			if link.HasLimit {
				rot = clampRotation(rot, link)
			}
			base := s.ikRot[l].Inverse().Mul(s.rot[l])
			s.ikRot[l] = rot.Mul(base.Inverse())
			e.update(s)
		}
		if s.global[target].Translation().Distance(s.global[i].Translation()) < ikEpsilon {
			break
		}
	}
}

func clampRotation(q *geom.Quaternion, link *mmd.Link) *geom.Quaternion {
	e := geom.NewEulerFromQuaternion(q, geom.RotationOrderXYZ)
	clamp := func(v, lo, hi float64) float64 {
		return math.Max(math.Min(lo, hi), math.Min(v, math.Max(lo, hi)))
	}
	e.X = clamp(e.X, link.LimitMin.X, link.LimitMax.X)
	e.Y = clamp(e.Y, link.LimitMin.Y, link.LimitMax.Y)
	e.Z = clamp(e.Z, link.LimitMin.Z, link.LimitMax.Z)
	return e.ToQuaternion()
}
