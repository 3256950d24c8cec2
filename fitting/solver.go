package fitting

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

// Offsets are the solver results keyed by dress bone index.
// Scale is hierarchy-cancelled; FitScale is the absolute target scale.
type Offsets struct {
	Scale      map[int]*geom.Vector3
	FitScale   map[int]*geom.Vector3
	LocalScale map[int]*geom.Vector3
	Position   map[int]*geom.Vector3
	Rotation   map[int]*geom.Quaternion
}

func NewOffsets() *Offsets {
	return &Offsets{
		Scale:      map[int]*geom.Vector3{},
		FitScale:   map[int]*geom.Vector3{},
		LocalScale: map[int]*geom.Vector3{},
		Position:   map[int]*geom.Vector3{},
		Rotation:   map[int]*geom.Quaternion{},
	}
}

// Bones returns the bone indices having any offset, in ascending order.
func (o *Offsets) Bones() []int {
	set := map[int]bool{}
	for i := range o.Scale {
		set[i] = true
	}
	for i := range o.LocalScale {
		set[i] = true
	}
	for i := range o.Position {
		set[i] = true
	}
	for i := range o.Rotation {
		set[i] = true
	}
	r := make([]int, 0, len(set))
	for i := range set {
		r = append(r, i)
	}
	sort.Ints(r)
	return r
}

// MorphBone returns the bone morph offset of bone i. Scales are stored as scale-1.
func (o *Offsets) MorphBone(i int) *mmd.MorphBone {
	m := mmd.NewIdentityMorphBone(i)
	if v := o.Position[i]; v != nil {
		m.Translation = *v
	}
	if q := o.Rotation[i]; q != nil {
		m.Rotation = *q
	}
	one := &geom.Vector3{X: 1, Y: 1, Z: 1}
	if v := o.Scale[i]; v != nil {
		m.Scale = *v.Sub(one)
	}
	if v := o.LocalScale[i]; v != nil {
		m.LocalScale = *v.Sub(one)
	}
	return m
}

// Apply adds the offsets to the keyframes of f.
func (o *Offsets) Apply(doc *mmd.Document, f *deform.Frame) {
	for _, i := range o.Bones() {
		if b := doc.GetBone(i); b != nil {
			deform.ApplyBoneOffset(f.Bone(b.Name), o.MorphBone(i), 1)
		}
	}
}

type solver struct {
	*runner
	model, dress *mmd.Document
	mEval, dEval *deform.Evaluator
	mRest        *deform.Pose
	clip         *deform.Frame
	off          *Offsets
	damping      float64

	categoryScale map[stdbone.Category]float64
}

// Solve computes the offsets that fit the dress skeleton onto the model skeleton.
// clip is optional and only used for the final IK snap.
func Solve(ctx context.Context, model, dress *mmd.Document, clip *deform.Motion, opt *Options) (*Offsets, error) {
	return newRunner(ctx, opt).solve(model, dress, clip, opt.ikDamping())
}

func (r *runner) solve(model, dress *mmd.Document, clip *deform.Motion, damping float64) (*Offsets, error) {
	s := &solver{
		runner:  r,
		model:   model,
		dress:   dress,
		mEval:   newEvaluator(model),
		dEval:   newEvaluator(dress),
		off:     NewOffsets(),
		damping: damping,
	}
	s.mRest = s.mEval.Evaluate(nil, false)
	if clip != nil {
		s.clip = deform.MotionAt(clip, 0)
	}
	for _, stage := range []func() error{s.stageScale, s.stageLocalScale, s.stageAlign, s.stageIK, s.stagePropagate} {
		if err := stage(); err != nil {
			return nil, err
		}
	}
	return s.off, nil
}

func (s *solver) poseDress(withClip bool) *deform.Pose {
	f := deform.NewFrame()
	if withClip && s.clip != nil {
		for name, k := range s.clip.Bones {
			f.Bones[name] = k.Clone()
		}
	}
	s.off.Apply(s.dress, f)
	return s.dEval.Evaluate(f, false)
}

// Stage A: global scale per category.
func (s *solver) stageScale() error {
	if err := s.step(StageScale, 0, 1); err != nil {
		return err
	}
	dRest := s.dEval.Evaluate(nil, false)
	ratios := map[stdbone.Category][]float64{}
	for _, e := range stdbone.Catalog() {
		mi, di := s.model.BoneIndex(e.Name), s.dress.BoneIndex(e.Name)
		if !e.Scalable || mi < 0 || di < 0 {
			continue
		}
		mt, ok1 := tailPosition(s.model, s.mRest, mi)
		dt, ok2 := tailPosition(s.dress, dRest, di)
		if !ok1 || !ok2 {
			continue
		}
		lm := mt.Distance(s.mRest.Bones[mi].Position)
		ld := dt.Distance(dRest.Bones[di].Position)
		if lm < epsilon {
			continue
		}
		ratios[e.Category] = append(ratios[e.Category], lm/math.Max(ld, epsilon))
	}

	s.categoryScale = map[stdbone.Category]float64{}
	for c, rs := range ratios {
		agg := rs[0]
		for _, v := range rs {
			if c == stdbone.CategoryTorso {
				agg = math.Min(agg, v)
			} else {
				agg = math.Max(agg, v)
			}
		}
		s.categoryScale[c] = (geom.Mean(rs) + agg) / 2
		s.log.Debug("solver.scale", "category", c, "scale", s.categoryScale[c], "samples", len(rs))
	}

	eff := make([]*geom.Vector3, len(s.dress.Bones))
	one := &geom.Vector3{X: 1, Y: 1, Z: 1}
	for i, b := range s.dress.Bones {
		parent := one
		if b.ParentID >= 0 && b.ParentID < i {
			parent = eff[b.ParentID]
		}
		fit := parent
		e := stdbone.Lookup(b.Name)
		if e != nil && e.Scalable {
			if sc, ok := s.categoryScale[e.Category]; ok {
				fit = &geom.Vector3{X: sc, Y: sc, Z: sc}
				s.off.FitScale[i] = fit
			}
		}
		if e == nil && b.ParentID >= 0 && b.ParentID < i {
			// outside the catalog: the nearest scaled ancestor decides
			s.off.FitScale[i] = fit
		}
		eff[i] = fit
		if offset := fit.Div(parent); !offset.NearEquals(one, 1e-9) {
			s.off.Scale[i] = offset
		}
	}
	return nil
}

// Stage B: local anisotropic scale from vertex cloud extents.
func (s *solver) stageLocalScale() error {
	pose := s.poseDress(false)
	mByBone := s.model.VerticesByBone()
	dByBone := s.dress.VerticesByBone()
	values := map[stdbone.Category][]float64{}
	catalog := stdbone.Catalog()
	for n, e := range catalog {
		if err := s.step(StageLocal, n, len(catalog)); err != nil {
			return err
		}
		mi, di := s.model.BoneIndex(e.Name), s.dress.BoneIndex(e.Name)
		if !e.LocalScaleSource || mi < 0 || di < 0 || len(mByBone[mi]) < 4 || len(dByBone[di]) < 4 {
			continue
		}
		mt, ok1 := localTail(s.model, s.mRest, mi)
		dt, ok2 := localTail(s.dress, pose, di)
		if !ok1 || !ok2 {
			continue
		}
		mPts := make([]*geom.Vector3, 0, len(mByBone[mi]))
		for _, vi := range mByBone[mi] {
			mPts = append(mPts, s.mRest.SkinVertex(s.model, vi))
		}
		dPts := make([]*geom.Vector3, 0, len(dByBone[di]))
		for _, vi := range dByBone[di] {
			dPts = append(dPts, pose.SkinVertex(s.dress, vi))
		}
		me := geom.Extents(geom.FilterValues(geom.CalcLocalPositions(mPts, s.mRest.Bones[mi].Position, mt), 1.5))
		de := geom.Extents(geom.FilterValues(geom.CalcLocalPositions(dPts, pose.Bones[di].Position, dt), 1.5))
		if de.Y < epsilon || de.Z < epsilon || me.Y < epsilon || me.Z < epsilon {
			continue
		}
		values[e.Category] = append(values[e.Category], (me.Y/de.Y+me.Z/de.Z)/2)
	}

	for i, b := range s.dress.Bones {
		e := stdbone.Lookup(b.Name)
		if e == nil || !e.LocalScalable || len(values[e.Category]) == 0 {
			continue
		}
		l := geom.Mean(values[e.Category])
		if sa, ok := s.categoryScale[e.Category]; ok {
			l = (l + sa) / 2
		}
		s.off.LocalScale[i] = &geom.Vector3{X: 1, Y: l, Z: l}
	}
	return nil
}

// Stage C: translation and rotation along the catalog order.
func (s *solver) stageAlign() error {
	catalog := stdbone.Catalog()
	for n, e := range catalog {
		if err := s.step(StageAlign, n, len(catalog)); err != nil {
			return err
		}
		mi, di := s.model.BoneIndex(e.Name), s.dress.BoneIndex(e.Name)
		if mi < 0 || di < 0 {
			continue
		}
		if err := s.alignBone(e, mi, di); err != nil {
			s.log.Warn("solver.skip", "bone", e.Name, "err", err)
		}
	}
	return nil
}

func (s *solver) alignBone(e *stdbone.Entry, mi, di int) error {
	if e.Translatable {
		pose := s.poseDress(false)
		s.translate(pose, di, s.mRest.Bones[mi].Position.Sub(pose.Bones[di].Position))
	}
	if !e.Rotatable {
		return nil
	}

	pose := s.poseDress(false)
	current := pose.Bones[di].Rotation
	var delta *geom.Quaternion
	switch {
	case e.Category == stdbone.CategoryAnkle:
		delta = current.Inverse()
	case stdbone.IsLegD(e.Name):
		fk := pose.Get(e.Inherit)
		if fk == nil {
			return fmt.Errorf("missing FK bone %s", e.Inherit)
		}
		delta = fk.Rotation.Mul(current.Inverse())
	default:
		mt, ok1 := tailPosition(s.model, s.mRest, mi)
		dt, ok2 := tailPosition(s.dress, pose, di)
		if !ok1 || !ok2 {
			return nil
		}
		dm := mt.Sub(s.mRest.Bones[mi].Position)
		dd := dt.Sub(pose.Bones[di].Position)
		if dm.Len() < epsilon || dd.Len() < epsilon {
			return fmt.Errorf("degenerate tail direction")
		}
		up := upVector(dm)
		delta = geom.NewQuaternionFromDirection(dm, up).Mul(geom.NewQuaternionFromDirection(dd, up).Inverse())
	}
	if delta.IsIdentity(1e-9) {
		return nil
	}

	wp := geom.NewIdentityQuaternion()
	if p := s.dress.Bones[di].ParentID; p >= 0 && p < len(pose.Bones) {
		wp = pose.Bones[p].Rotation
	}
	cur := geom.NewIdentityQuaternion()
	if q := s.off.Rotation[di]; q != nil {
		cur = q
	}
	s.off.Rotation[di] = wp.Inverse().Mul(delta).Mul(wp).Mul(cur).Normalize()
	return nil
}

func upVector(dir *geom.Vector3) *geom.Vector3 {
	if math.Abs(dir.Normalized().Y) > 0.9 {
		return &geom.Vector3{Z: -1}
	}
	return &geom.Vector3{Y: 1}
}

// translate adds a world space displacement to the position offset of bone i.
func (s *solver) translate(pose *deform.Pose, i int, delta *geom.Vector3) {
	if delta.LenSqr() < 1e-12 {
		return
	}
	local := delta
	if p := s.dress.Bones[i].ParentID; p >= 0 && p < len(pose.Bones) {
		local = pose.Bones[p].Global.Inverse().ApplyToDirection(delta)
	}
	if cur := s.off.Position[i]; cur != nil {
		local = cur.Add(local)
	}
	s.off.Position[i] = local
}

// Stage D: keep translatable IK links at their fractional position and snap IK bones.
func (s *solver) stageIK() error {
	for di, b := range s.dress.Bones {
		if err := s.every(di); err != nil {
			return err
		}
		if !b.IsIK() || len(b.IK.Links) < 2 || s.dress.GetBone(b.IK.TargetID) == nil {
			continue
		}
		target := b.IK.TargetID
		start := b.IK.Links[len(b.IK.Links)-1].TargetID
		sb := s.dress.GetBone(start)
		if sb == nil {
			continue
		}
		for _, link := range b.IK.Links[:len(b.IK.Links)-1] {
			lb := s.dress.GetBone(link.TargetID)
			if lb == nil {
				continue
			}
			if e := stdbone.Lookup(lb.Name); e == nil || !e.Translatable {
				continue
			}
			t, ok := twistRatio(positionFunc(s.model), lb.Name, sb.Name, s.dress.Bones[target].Name)
			if !ok {
				continue
			}
			s.correctLink(link.TargetID, start, target, t)
		}
	}
	if err := s.step(StageIK, 0, 1); err != nil {
		return err
	}

	pose := s.poseDress(true)
	for di, b := range s.dress.Bones {
		tb := s.dress.GetBone(b.IK.TargetID)
		if !b.IsIK() || tb == nil {
			continue
		}
		if e := stdbone.Lookup(tb.Name); e == nil || !e.Translatable {
			continue
		}
		s.translate(pose, di, pose.Bones[b.IK.TargetID].Position.Sub(pose.Bones[di].Position))
	}
	return nil
}

func (s *solver) correctLink(link, start, target int, t float64) {
	pose := s.poseDress(false)
	sp, tp := pose.Bones[start].Position, pose.Bones[target].Position
	seg := tp.Sub(sp)
	if seg.Len() < epsilon {
		return
	}
	u := seg.Normalized()
	corr := sp.Add(seg.Scale(t)).Sub(pose.Bones[link].Position)
	move := u.Scale(corr.Dot(u))
	if res := corr.Sub(move); res.Z < 0 {
		move = move.Add(&geom.Vector3{Z: res.Z * s.damping})
	}
	if move.LenSqr() < 1e-12 {
		return
	}
	s.translate(pose, link, move)
	s.log.Debug("solver.ik_link", "bone", s.dress.Bones[link].Name, "move", *move)

	pose = s.poseDress(false)
	s.translate(pose, target, tp.Sub(pose.Bones[target].Position))
}

// Stage E: children of the torso outside the catalog keep their original orientation.
func (s *solver) stagePropagate() error {
	if err := s.step(StagePropagate, 0, 1); err != nil {
		return err
	}
	for i, b := range s.dress.Bones {
		if stdbone.IsStandard(b.Name) {
			continue
		}
		p := s.dress.GetBone(b.ParentID)
		if p == nil || (p.Name != stdbone.Upper && p.Name != stdbone.Lower) {
			continue
		}
		if q := s.off.Rotation[b.ParentID]; q != nil {
			s.off.Rotation[i] = q.Inverse()
		}
	}
	return nil
}
