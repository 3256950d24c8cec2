package deform

import (
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
)

// MorphState holds the non-bone results of applying morphs.
type MorphState struct {
	VertexOffsets map[int]*geom.Vector3
	MaterialAlpha []float64
}

const maxGroupDepth = 8

// ApplyMorphs folds the morph weights of f into its bone keyframes and returns vertex and material results.
// Bone morph rotations are composed before the keyframe rotation.
func ApplyMorphs(doc *mmd.Document, f *Frame) *MorphState {
	st := &MorphState{VertexOffsets: map[int]*geom.Vector3{}, MaterialAlpha: make([]float64, len(doc.Materials))}
	for i, m := range doc.Materials {
		st.MaterialAlpha[i] = m.Color.W
	}
	for _, name := range sortedKeys(f.Morphs) {
		w := f.Morphs[name]
		if w == 0 {
			continue
		}
		if mi := doc.MorphIndex(name); mi >= 0 {
			applyMorph(doc, f, st, mi, w, 0)
		}
	}
	return st
}

func applyMorph(doc *mmd.Document, f *Frame, st *MorphState, mi int, w float64, depth int) {
	if mi < 0 || mi >= len(doc.Morphs) || depth > maxGroupDepth {
		return
	}
	m := doc.Morphs[mi]
	switch m.MorphType {
	case mmd.MorphTypeGroup, mmd.MorphTypeFlip:
		for _, o := range m.Group {
			applyMorph(doc, f, st, o.Target, w*o.Weight, depth+1)
		}
	case mmd.MorphTypeBone:
		for _, o := range m.Bone {
			b := doc.GetBone(o.Target)
			if b == nil {
				continue
			}
			ApplyBoneOffset(f.Bone(b.Name), o, w)
		}
	case mmd.MorphTypeVertex:
		for _, o := range m.Vertex {
			d := st.VertexOffsets[o.Target]
			if d == nil {
				d = &geom.Vector3{}
			}
			st.VertexOffsets[o.Target] = d.Add(o.Offset.Scale(w))
		}
	case mmd.MorphTypeMaterial:
		for _, o := range m.Material {
			for i := range st.MaterialAlpha {
				if o.Target >= 0 && o.Target != i {
					continue
				}
				if o.Flags == 0 {
					st.MaterialAlpha[i] *= 1 + (o.Diffuse.W-1)*w
				} else {
					st.MaterialAlpha[i] += o.Diffuse.W * w
				}
			}
		}
	}
}

// ApplyBoneOffset adds a bone morph offset scaled by w to k.
func ApplyBoneOffset(k *Keyframe, o *mmd.MorphBone, w float64) {
	k.Position = *k.Position.Add(o.Translation.Scale(w))
	k.Rotation = *o.Rotation.Pow(w).Mul(&k.Rotation)
	k.Scale = *k.Scale.Add(o.Scale.Scale(w))
	k.LocalPosition = *k.LocalPosition.Add(o.LocalTranslation.Scale(w))
	k.LocalRotation = *o.LocalRotation.Pow(w).Mul(&k.LocalRotation)
	k.LocalScale = *k.LocalScale.Add(o.LocalScale.Scale(w))
}
