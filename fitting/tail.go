package fitting

import (
	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

var forwardTail = geom.Vector3{Z: -1}

// forwardAxis reports whether the local frame of the category points forward instead of at its tail.
func forwardAxis(c stdbone.Category) bool {
	switch c {
	case stdbone.CategoryBust, stdbone.CategoryAnkle, stdbone.CategoryAnkleD, stdbone.CategoryToeEX:
		return true
	}
	return false
}

// tailPosition returns the posed tail of bone i: the first existing tail bone of the catalog entry,
// or the origin plus the tail offset rotated by the bone.
func tailPosition(doc *mmd.Document, pose *deform.Pose, i int) (*geom.Vector3, bool) {
	b := doc.Bones[i]
	bp := pose.Bones[i]
	if e := stdbone.Lookup(b.Name); e != nil {
		for _, t := range e.Tails {
			if tp := pose.Get(t); tp != nil {
				return tp.Position, true
			}
		}
		if !e.TailOffset.IsZero() {
			return bp.Position.Add(bp.Rotation.ApplyTo(&e.TailOffset)), true
		}
	}
	if b.HasFlag(mmd.BoneFlagTailIndex) {
		if b.TailID >= 0 && b.TailID < len(pose.Bones) && b.TailID != i {
			return pose.Bones[b.TailID].Position, true
		}
		return nil, false
	}
	if !b.TailPos.IsZero() {
		return bp.Position.Add(bp.Rotation.ApplyTo(&b.TailPos)), true
	}
	return nil, false
}

// localTail is tailPosition with the forward override used for local frames.
func localTail(doc *mmd.Document, pose *deform.Pose, i int) (*geom.Vector3, bool) {
	if e := stdbone.Lookup(doc.Bones[i].Name); e != nil && forwardAxis(e.Category) {
		return pose.Bones[i].Position.Add(&forwardTail), true
	}
	return tailPosition(doc, pose, i)
}

// newEvaluator returns an evaluator whose bone axes follow the tail rule at rest.
func newEvaluator(doc *mmd.Document) *deform.Evaluator {
	e := deform.NewEvaluator(doc)
	rest := e.Evaluate(nil, false)
	for i := range doc.Bones {
		if t, ok := localTail(doc, rest, i); ok {
			e.SetAxis(i, t.Sub(rest.Bones[i].Position))
		}
	}
	return e
}
