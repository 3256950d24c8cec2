package fitting

import (
	"context"
	"math"
	"sort"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

const epsilon = 1e-6

// commonStandardBones returns the semi-standard bone names present in both models.
func commonStandardBones(model, dress *mmd.Document) []string {
	var names []string
	m, d := model.BoneNames(), dress.BoneNames()
	for _, e := range stdbone.Catalog() {
		if m[e.Name] && d[e.Name] {
			names = append(names, e.Name)
		}
	}
	return names
}

// requiredBones returns the names that completion inserts where missing.
func requiredBones(model, dress *mmd.Document) map[string]bool {
	r := map[string]bool{}
	m, d := model.BoneNames(), dress.BoneNames()
	for _, e := range stdbone.Catalog() {
		if stdbone.IsEye(e.Name) {
			continue
		}
		if m[e.Name] != d[e.Name] || e.MustAdd {
			r[e.Name] = true
		}
	}
	return r
}

// CompleteSkeletons inserts missing semi-standard bones into both models.
func CompleteSkeletons(ctx context.Context, model, dress *mmd.Document, opt *Options) error {
	return newRunner(ctx, opt).completeSkeletons(model, dress)
}

func (r *runner) completeSkeletons(model, dress *mmd.Document) error {
	required := requiredBones(model, dress)
	catalog := stdbone.Catalog()
	for i, e := range catalog {
		if !required[e.Name] {
			continue
		}
		if err := r.step(StageSkeleton, i, len(catalog)); err != nil {
			return err
		}
		for _, pair := range [][2]*mmd.Document{{model, dress}, {dress, model}} {
			self, other := pair[0], pair[1]
			if self.BoneIndex(e.Name) >= 0 {
				continue
			}
			pos, ok := derivePosition(e, self, other)
			if !ok {
				r.log.Debug("skeleton.skip", "bone", e.Name, "model", self.Name)
				continue
			}
			insertBone(self, e, pos)
			r.log.Info("skeleton.insert", "bone", e.Name, "model", self.Name, "pos", *pos)
		}
	}
	for _, doc := range []*mmd.Document{model, dress} {
		fixTails(doc)
	}

	var missing []string
	for _, name := range stdbone.Required {
		if model.BoneIndex(name) < 0 || dress.BoneIndex(name) < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingRequiredBoneError{Names: missing}
	}
	return nil
}

func positionFunc(doc *mmd.Document) stdbone.PositionFunc {
	return func(name string) (*geom.Vector3, bool) {
		if b := doc.Bone(name); b != nil {
			p := b.Pos
			return &p, true
		}
		return nil, false
	}
}

// twistRatio returns the fractional position of bone along from-to, with the denominator clamped.
func twistRatio(pos stdbone.PositionFunc, bone, from, to string) (float64, bool) {
	p, ok1 := pos(bone)
	f, ok2 := pos(from)
	t, ok3 := pos(to)
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	seg := t.Sub(f)
	return p.Sub(f).Dot(seg) / math.Max(seg.LenSqr(), epsilon), true
}

func derivePosition(e *stdbone.Entry, self, other *mmd.Document) (*geom.Vector3, bool) {
	selfPos, otherPos := positionFunc(self), positionFunc(other)
	if e.Twist != nil {
		f, ok1 := selfPos(e.Twist.From)
		t, ok2 := selfPos(e.Twist.To)
		if !ok1 || !ok2 {
			return nil, false
		}
		ratio, ok := twistRatio(otherPos, e.Name, e.Twist.From, e.Twist.To)
		if !ok {
			ratio = e.Twist.Ratio
		}
		return f.Lerp(t, ratio), true
	}
	if x, ok := otherPos(e.Name); ok && e.Anchors[0] != "" {
		a, ok1 := otherPos(e.Anchors[0])
		b, ok2 := otherPos(e.Anchors[1])
		a2, ok3 := selfPos(e.Anchors[0])
		b2, ok4 := selfPos(e.Anchors[1])
		if ok1 && ok2 && ok3 && ok4 {
			return geom.AlignTriangle(a, b, x, a2, b2), true
		}
	}
	if e.Derive != nil {
		return e.Derive(selfPos)
	}
	return nil, false
}

func insertBone(doc *mmd.Document, e *stdbone.Entry, pos *geom.Vector3) {
	exists := func(n string) bool { return doc.BoneIndex(n) >= 0 }
	parent := doc.BoneIndex(e.ParentOf(exists))
	b := &mmd.Bone{
		Name:            e.Name,
		NameEn:          e.Name,
		Pos:             *pos,
		ParentID:        parent,
		Flags:           e.Flags &^ mmd.BoneFlagTailIndex,
		TailID:          -1,
		TailPos:         e.TailOffset,
		InheritParentID: -1,
		IK:              mmd.IK{TargetID: -1},
	}
	if p := doc.GetBone(parent); p != nil {
		b.Layer = p.Layer
	}
	b.Layer += e.LayerDelta
	if e.Inherit != "" {
		if ip := doc.BoneIndex(e.Inherit); ip >= 0 {
			b.InheritParentID = ip
			b.InheritParentInfluence = e.InheritRatio
			b.Flags |= mmd.BoneFlagInheritRotation
		} else {
			b.Flags &^= mmd.BoneFlagInheritRotation | mmd.BoneFlagInheritTranslation
		}
	}
	if e.Twist != nil && b.Flags&mmd.BoneFlagFixedAxis != 0 {
		f, t := doc.Bone(e.Twist.From), doc.Bone(e.Twist.To)
		if f != nil && t != nil {
			axis := t.Pos.Sub(&f.Pos).Normalize()
			b.FixedAxis = *axis
			b.LocalAxisX = *axis
			b.LocalAxisZ = *(&geom.Vector3{Y: -1}).Cross(axis).Normalize()
		}
	}
	if e.IK != nil {
		setupIK(doc, b, e.IK)
	}

	idx := doc.AppendBone(b)
	newName := e.Name

	// children that prefer the new bone as their parent
	for i, c := range doc.Bones {
		ce := stdbone.Lookup(c.Name)
		if i == idx || ce == nil {
			continue
		}
		k := indexOf(ce.Parents, newName)
		if k < 0 {
			continue
		}
		cur := doc.GetBone(c.ParentID)
		if cur == nil {
			c.ParentID = idx
			continue
		}
		if ci := indexOf(ce.Parents, cur.Name); ci > k {
			c.ParentID = idx
		}
	}

	switch e.Weights {
	case stdbone.WeightSplit:
		splitWeights(doc, doc.BoneIndex(e.WeightFrom), idx)
	case stdbone.WeightReplace:
		replaceWeights(doc, doc.BoneIndex(e.WeightFrom), idx)
	}

	if e.Name == stdbone.Left+"肩" || e.Name == stdbone.Right+"肩" {
		fixShoulder(doc, e.Name)
	}
	doc.SortBones()
}

func setupIK(doc *mmd.Document, b *mmd.Bone, rule *stdbone.IKRule) {
	target := doc.BoneIndex(rule.Target)
	if target < 0 {
		b.Flags &^= mmd.BoneFlagEnableIK
		return
	}
	ik := mmd.IK{TargetID: target, Loop: rule.Loop, LimitRad: rule.LimitRad}
	for i, name := range rule.Links {
		l := doc.BoneIndex(name)
		if l < 0 {
			continue
		}
		link := &mmd.Link{TargetID: l}
		if i == 0 && rule.KneeLimit {
			link.HasLimit = true
			link.LimitMin = geom.Vector3{X: -math.Pi}
			link.LimitMax = geom.Vector3{X: -0.5 * math.Pi / 180}
		}
		ik.Links = append(ik.Links, link)
	}
	if len(ik.Links) == 0 {
		b.Flags &^= mmd.BoneFlagEnableIK
		return
	}
	b.IK = ik
	b.Flags |= mmd.BoneFlagEnableIK
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// fixShoulder moves the arm outward by half the shoulder offset and keeps shoulder P/C co-located.
func fixShoulder(doc *mmd.Document, shoulder string) {
	side := shoulder[:len(shoulder)-len("肩")]
	s := doc.Bone(shoulder)
	arm := doc.Bone(side + "腕")
	if s == nil || arm == nil {
		return
	}
	sign := 1.0
	if arm.Pos.X < s.Pos.X {
		sign = -1
	}
	arm.Pos.X += sign * math.Abs(arm.Pos.X-s.Pos.X) / 2
	if p := doc.Bone(side + "肩P"); p != nil {
		p.Pos = s.Pos
	}
	if c := doc.Bone(side + "肩C"); c != nil {
		c.Pos = arm.Pos
	}
}

// fixTails points each semi-standard bone at the first existing tail bone.
func fixTails(doc *mmd.Document) {
	for _, b := range doc.Bones {
		e := stdbone.Lookup(b.Name)
		if e == nil || len(e.Tails) == 0 {
			continue
		}
		if b.Flags&mmd.BoneFlagTailIndex != 0 && doc.GetBone(b.TailID) != nil {
			continue
		}
		for _, t := range e.Tails {
			if ti := doc.BoneIndex(t); ti >= 0 {
				b.Flags |= mmd.BoneFlagTailIndex
				b.TailID = ti
				break
			}
		}
	}
}

// splitWeights moves weights of from to bone for vertices nearer to bone along from-bone.
func splitWeights(doc *mmd.Document, from, bone int) {
	fb, nb := doc.GetBone(from), doc.GetBone(bone)
	if fb == nil || nb == nil {
		return
	}
	seg := nb.Pos.Sub(&fb.Pos)
	l := seg.Len()
	if l < epsilon {
		return
	}
	dir := seg.Scale(1 / l)
	for _, vi := range doc.VerticesByBone()[from] {
		v := doc.Vertexes[vi]
		if v.Pos.Sub(&fb.Pos).Dot(dir) > l/2 {
			reassignWeight(v, from, bone)
		}
	}
}

func replaceWeights(doc *mmd.Document, from, bone int) {
	if from < 0 || bone < 0 {
		return
	}
	for _, vi := range doc.VerticesByBone()[from] {
		reassignWeight(doc.Vertexes[vi], from, bone)
	}
}

func reassignWeight(v *mmd.Vertex, from, to int) {
	weights := map[int]float64{}
	var order []int
	for i, b := range v.Bones {
		if b == from {
			b = to
		}
		if _, ok := weights[b]; !ok {
			order = append(order, b)
		}
		if i < len(v.BoneWeights) {
			weights[b] += v.BoneWeights[i]
		}
	}
	setVertexWeights(v, order, weights)
}

// setVertexWeights rewrites the deform of v, keeping at most four bones.
// A two bone SDEF keeps its bone order since R0 and R1 belong to the bones in order.
func setVertexWeights(v *mmd.Vertex, order []int, weights map[int]float64) {
	sdef := v.DeformType == mmd.DeformSDEF && v.SDEF != nil && len(order) == 2
	if !sdef {
		sort.SliceStable(order, func(i, j int) bool { return weights[order[i]] > weights[order[j]] })
	}
	if len(order) > 4 {
		order = order[:4]
	}
	total := 0.0
	for _, b := range order {
		total += weights[b]
	}
	v.Bones = v.Bones[:0]
	v.BoneWeights = v.BoneWeights[:0]
	for _, b := range order {
		w := 1.0 / float64(len(order))
		if total > 0 {
			w = weights[b] / total
		}
		v.Bones = append(v.Bones, b)
		v.BoneWeights = append(v.BoneWeights, w)
	}
	switch {
	case sdef:
	case len(order) <= 1:
		v.DeformType = mmd.DeformBDEF1
		v.SDEF = nil
	case len(order) == 2:
		v.DeformType = mmd.DeformBDEF2
		v.SDEF = nil
	default:
		v.DeformType = mmd.DeformBDEF4
		v.SDEF = nil
	}
}
