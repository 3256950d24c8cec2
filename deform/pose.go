package deform

import (
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
)

// BonePose is the evaluated transform of a bone.
type BonePose struct {
	Index int
	Name  string
	// Global maps the bone frame (origin at the bone) to world space.
	Global *geom.Matrix4
	// Local maps rest world positions to posed world positions (skinning matrix).
	Local    *geom.Matrix4
	Position *geom.Vector3
	Rotation *geom.Quaternion
}

// Pose is the result of evaluating a model at a frame.
type Pose struct {
	Bones  []*BonePose
	Morphs *MorphState
	index  map[string]int
}

// Get returns the pose of the named bone, or nil.
func (p *Pose) Get(name string) *BonePose {
	if i, ok := p.index[name]; ok {
		return p.Bones[i]
	}
	return nil
}

// SkinVertex returns the posed position of vertex vi.
func (p *Pose) SkinVertex(doc *mmd.Document, vi int) *geom.Vector3 {
	v := doc.Vertexes[vi]
	pos := &v.Pos
	if p.Morphs != nil {
		if d := p.Morphs.VertexOffsets[vi]; d != nil {
			pos = pos.Add(d)
		}
	}
	ret := &geom.Vector3{}
	total := 0.0
	for i, b := range v.Bones {
		if b < 0 || b >= len(p.Bones) || i >= len(v.BoneWeights) || v.BoneWeights[i] <= 0 {
			continue
		}
		w := v.BoneWeights[i]
		ret = ret.Add(p.Bones[b].Local.ApplyTo(pos).Scale(w))
		total += w
	}
	if total <= 0 {
		return pos.Add(&geom.Vector3{})
	}
	return ret.Scale(1 / total)
}

// BoneFrameTrees holds poses by frame number.
type BoneFrameTrees map[int]*Pose

// Evaluator computes bone poses of a document. It does not modify the document.
type Evaluator struct {
	doc  *mmd.Document
	axes []*geom.Quaternion
}

func NewEvaluator(doc *mmd.Document) *Evaluator {
	e := &Evaluator{doc: doc, axes: make([]*geom.Quaternion, len(doc.Bones))}
	for i, b := range doc.Bones {
		dir := &b.TailPos
		if b.HasFlag(mmd.BoneFlagTailIndex) {
			dir = &geom.Vector3{}
			if t := doc.GetBone(b.TailID); t != nil {
				dir = t.Pos.Sub(&b.Pos)
			}
		}
		e.SetAxis(i, dir)
	}
	return e
}

// SetAxis sets the bone axis used by local transforms. X of the frame is dir.
func (e *Evaluator) SetAxis(bone int, dir *geom.Vector3) {
	if dir.LenSqr() < 1e-12 {
		e.axes[bone] = geom.NewIdentityQuaternion()
		return
	}
	e.axes[bone] = geom.AxisFrame(dir).Rotation()
}

// Axis returns the bone axis frame rotation.
func (e *Evaluator) Axis(bone int) *geom.Quaternion {
	return e.axes[bone]
}

type evalState struct {
	frame   *Frame
	rot     []*geom.Quaternion
	trans   []*geom.Vector3
	ikRot   []*geom.Quaternion
	global  []*geom.Matrix4
	world   []*geom.Quaternion
	state   []byte
	results []*BonePose
}

const (
	stateNone byte = iota
	stateVisiting
	stateDone
)

// Evaluate poses the document with f. Bone morphs in f are applied first.
func (e *Evaluator) Evaluate(f *Frame, includeIK bool) *Pose {
	fr := NewFrame()
	if f != nil {
		for name, k := range f.Bones {
			fr.Bones[name] = k.Clone()
		}
		for name, w := range f.Morphs {
			fr.Morphs[name] = w
		}
	}
	morphs := ApplyMorphs(e.doc, fr)

	n := len(e.doc.Bones)
	s := &evalState{
		frame:  fr,
		rot:    make([]*geom.Quaternion, n),
		trans:  make([]*geom.Vector3, n),
		ikRot:  make([]*geom.Quaternion, n),
		global: make([]*geom.Matrix4, n),
		world:  make([]*geom.Quaternion, n),
		state:  make([]byte, n),
	}
	for i := range s.ikRot {
		s.ikRot[i] = geom.NewIdentityQuaternion()
	}
	e.update(s)
	if includeIK {
		for i, b := range e.doc.Bones {
			if b.IsIK() {
				e.solveIK(s, i)
			}
		}
	}

	pose := &Pose{Bones: make([]*BonePose, n), Morphs: morphs, index: make(map[string]int, n)}
	for i, b := range e.doc.Bones {
		k := fr.Bones[b.Name]
		g := s.global[i]
		local := g
		if k != nil && !k.LocalScale.NearEquals(&geom.Vector3{X: 1, Y: 1, Z: 1}, 1e-9) {
			a := geom.NewRotationMatrix4FromQuaternion(e.axes[i])
			ls := a.Mul(geom.NewScaleMatrix4(k.LocalScale.X, k.LocalScale.Y, k.LocalScale.Z)).Mul(a.Transposed())
			local = g.Mul(ls)
		}
		pose.Bones[i] = &BonePose{
			Index:    i,
			Name:     b.Name,
			Global:   g,
			Local:    local.Mul(geom.NewTranslateMatrix4(-b.Pos.X, -b.Pos.Y, -b.Pos.Z)),
			Position: g.Translation(),
			Rotation: s.world[i],
		}
		if _, exists := pose.index[b.Name]; !exists {
			pose.index[b.Name] = i
		}
	}
	return pose
}

func (e *Evaluator) update(s *evalState) {
	for i := range s.state {
		s.state[i] = stateNone
	}
	for i := range e.doc.Bones {
		e.compute(s, i)
	}
}

func (e *Evaluator) compute(s *evalState, i int) {
	if s.state[i] != stateNone {
		return
	}
	s.state[i] = stateVisiting
	b := e.doc.Bones[i]
	parent := b.ParentID
	if parent >= 0 && parent < len(e.doc.Bones) && parent != i {
		e.compute(s, parent)
		if s.state[parent] != stateDone {
			parent = -1
		}
	} else {
		parent = -1
	}
	inherit := -1
	if b.HasFlag(mmd.BoneFlagInheritRotation|mmd.BoneFlagInheritTranslation) &&
		b.InheritParentID >= 0 && b.InheritParentID < len(e.doc.Bones) && b.InheritParentID != i {
		e.compute(s, b.InheritParentID)
		if s.state[b.InheritParentID] == stateDone {
			inherit = b.InheritParentID
		}
	}

	k := s.frame.Bones[b.Name]
	if k == nil {
		k = NewKeyframe(0)
	}
	axis := e.axes[i]

	r := &k.Rotation
	if !k.LocalRotation.IsIdentity(1e-12) {
		r = axis.Mul(&k.LocalRotation).Mul(axis.Inverse()).Mul(r)
	}
	t := k.Position.Add(axis.ApplyTo(&k.LocalPosition))
	if inherit >= 0 {
		if b.HasFlag(mmd.BoneFlagInheritRotation) {
			r = s.rot[inherit].Pow(b.InheritParentInfluence).Mul(r)
		}
		if b.HasFlag(mmd.BoneFlagInheritTranslation) {
			t = t.Add(s.trans[inherit].Scale(b.InheritParentInfluence))
		}
	}
	r = s.ikRot[i].Mul(r)
	s.rot[i] = r
	s.trans[i] = t

	rel := b.Pos
	pg := geom.NewMatrix4()
	pw := geom.NewIdentityQuaternion()
	if parent >= 0 {
		rel = *b.Pos.Sub(&e.doc.Bones[parent].Pos)
		pg = s.global[parent]
		pw = s.world[parent]
	}
	unit := geom.NewTRSMatrix4(rel.Add(t), r, &k.Scale)
	s.global[i] = pg.Mul(unit)
	s.world[i] = pw.Mul(r)
	s.state[i] = stateDone
}

// Animate evaluates motion m at each frame.
func Animate(doc *mmd.Document, m *Motion, frames []int, includeIK bool) BoneFrameTrees {
	e := NewEvaluator(doc)
	r := BoneFrameTrees{}
	for _, f := range frames {
		r[f] = e.Evaluate(MotionAt(m, f), includeIK)
	}
	return r
}
