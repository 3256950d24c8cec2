package mmd

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/tiendc/go-deepcopy"
)

// Load reads a .pmx or .pmd file.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// Save writes doc as .pmx.
func Save(doc *Document, path string) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := WritePMX(doc, w); err != nil {
		return err
	}
	return w.Close()
}

// LoadAnimation reads a .vmd file.
func LoadAnimation(path string) (*Animation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewVMDParser(f).Parse()
}

// Copy returns a deep copy of doc.
func (doc *Document) Copy() (*Document, error) {
	var dst Document
	if err := deepcopy.Copy(&dst, *doc); err != nil {
		return nil, err
	}
	return &dst, nil
}

func (doc *Document) BoneIndex(name string) int {
	for i, b := range doc.Bones {
		if b.Name == name {
			return i
		}
	}
	return -1
}

func (doc *Document) Bone(name string) *Bone {
	if i := doc.BoneIndex(name); i >= 0 {
		return doc.Bones[i]
	}
	return nil
}

func (doc *Document) GetBone(index int) *Bone {
	if index < 0 || index >= len(doc.Bones) {
		return nil
	}
	return doc.Bones[index]
}

func (doc *Document) MorphIndex(name string) int {
	for i, m := range doc.Morphs {
		if m.Name == name {
			return i
		}
	}
	return -1
}

func (doc *Document) MaterialIndex(name string) int {
	for i, m := range doc.Materials {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// BoneNames returns the set of bone names.
func (doc *Document) BoneNames() map[string]bool {
	names := make(map[string]bool, len(doc.Bones))
	for _, b := range doc.Bones {
		names[b.Name] = true
	}
	return names
}

// Children returns direct children of every bone.
func (doc *Document) Children() [][]int {
	children := make([][]int, len(doc.Bones))
	for i, b := range doc.Bones {
		if b.ParentID >= 0 && b.ParentID < len(doc.Bones) {
			children[b.ParentID] = append(children[b.ParentID], i)
		}
	}
	return children
}

// IsAncestor reports whether a is an ancestor of b.
func (doc *Document) IsAncestor(a, b int) bool {
	for i, p := 0, doc.GetBone(b); p != nil && i < len(doc.Bones); i++ {
		if p.ParentID == a {
			return true
		}
		p = doc.GetBone(p.ParentID)
	}
	return false
}

// VerticesByBone returns vertex indices weighted to each bone, in ascending order.
func (doc *Document) VerticesByBone() map[int][]int {
	r := map[int][]int{}
	for vi, v := range doc.Vertexes {
		for i, b := range v.Bones {
			if b < 0 || i >= len(v.BoneWeights) || v.BoneWeights[i] <= 0 {
				continue
			}
			if l := r[b]; len(l) > 0 && l[len(l)-1] == vi {
				continue
			}
			r[b] = append(r[b], vi)
		}
	}
	return r
}

// MaterialFaces returns the face range [start,end) of each material.
func (doc *Document) MaterialFaces() [][2]int {
	r := make([][2]int, len(doc.Materials))
	pos := 0
	for i, m := range doc.Materials {
		n := m.Count / 3
		end := pos + n
		if end > len(doc.Faces) {
			end = len(doc.Faces)
		}
		r[i] = [2]int{pos, end}
		pos = end
	}
	return r
}

// VerticesByMaterial returns vertex indices referenced by each material, in ascending order.
func (doc *Document) VerticesByMaterial() [][]int {
	ranges := doc.MaterialFaces()
	r := make([][]int, len(doc.Materials))
	for mi, fr := range ranges {
		seen := map[int]bool{}
		for _, f := range doc.Faces[fr[0]:fr[1]] {
			for _, v := range f.Verts {
				if !seen[v] {
					seen[v] = true
					r[mi] = append(r[mi], v)
				}
			}
		}
		sort.Ints(r[mi])
	}
	return r
}

// AppendBone adds b at the end and returns its index.
func (doc *Document) AppendBone(b *Bone) int {
	doc.Bones = append(doc.Bones, b)
	return len(doc.Bones) - 1
}

// SortBones reorders bones so that every parent precedes its children,
// keeping the current order otherwise. All bone references are remapped.
// It returns the old-to-new index table.
func (doc *Document) SortBones() []int {
	n := len(doc.Bones)
	placed := make([]bool, n)
	order := make([]int, 0, n)
	place := func(i int) {
		placed[i] = true
		order = append(order, i)
	}
	for len(order) < n {
		progress := false
		for i, b := range doc.Bones {
			if placed[i] {
				continue
			}
			if b.ParentID < 0 || b.ParentID >= n || b.ParentID == i || placed[b.ParentID] {
				place(i)
				progress = true
				break
			}
		}
		if !progress {
			// cyclic hierarchy: keep the rest as is
			for i := range doc.Bones {
				if !placed[i] {
					place(i)
				}
			}
		}
	}
	return doc.ReorderBones(order)
}

// ReorderBones rearranges bones so that new index i holds old bone order[i].
// It returns the old-to-new index table.
func (doc *Document) ReorderBones(order []int) []int {
	remap := make([]int, len(doc.Bones))
	for i := range remap {
		remap[i] = -1
	}
	bones := make([]*Bone, len(order))
	for newIdx, oldIdx := range order {
		remap[oldIdx] = newIdx
		bones[newIdx] = doc.Bones[oldIdx]
	}
	doc.Bones = bones
	doc.RemapBoneIndexes(remap)
	return remap
}

// RemapBoneIndexes rewrites every bone reference through remap (old to new).
func (doc *Document) RemapBoneIndexes(remap []int) {
	m := func(i int) int {
		if i < 0 || i >= len(remap) {
			return -1
		}
		return remap[i]
	}
	for _, b := range doc.Bones {
		b.ParentID = m(b.ParentID)
		if b.Flags&BoneFlagTailIndex != 0 {
			b.TailID = m(b.TailID)
		}
		if b.InheritParentID >= 0 {
			b.InheritParentID = m(b.InheritParentID)
		}
		if b.IK.TargetID >= 0 {
			b.IK.TargetID = m(b.IK.TargetID)
		}
		for _, l := range b.IK.Links {
			l.TargetID = m(l.TargetID)
		}
	}
	for _, v := range doc.Vertexes {
		for i := range v.Bones {
			v.Bones[i] = m(v.Bones[i])
		}
	}
	for _, mo := range doc.Morphs {
		for _, o := range mo.Bone {
			o.Target = m(o.Target)
		}
	}
	for _, f := range doc.DisplayFrames {
		for _, item := range f.Items {
			if item.Type == DisplayItemBone {
				item.Index = m(item.Index)
			}
		}
	}
	for _, r := range doc.RigidBodies {
		r.BoneID = m(r.BoneID)
	}
}

// Validate checks that every index resolves inside doc and every weight set is normalized.
func Validate(doc *Document) error {
	nb := len(doc.Bones)
	okBone := func(i int) bool { return i >= -1 && i < nb }
	for i, b := range doc.Bones {
		if !okBone(b.ParentID) {
			return fmt.Errorf("bone %d %q: parent %d out of range", i, b.Name, b.ParentID)
		}
		if b.Flags&BoneFlagTailIndex != 0 && !okBone(b.TailID) {
			return fmt.Errorf("bone %d %q: tail %d out of range", i, b.Name, b.TailID)
		}
		if b.Flags&(BoneFlagInheritRotation|BoneFlagInheritTranslation) != 0 && !okBone(b.InheritParentID) {
			return fmt.Errorf("bone %d %q: inherit parent %d out of range", i, b.Name, b.InheritParentID)
		}
		if b.Flags&BoneFlagEnableIK != 0 {
			if b.IK.TargetID < 0 || b.IK.TargetID >= nb {
				return fmt.Errorf("bone %d %q: ik target %d out of range", i, b.Name, b.IK.TargetID)
			}
			for _, l := range b.IK.Links {
				if l.TargetID < 0 || l.TargetID >= nb {
					return fmt.Errorf("bone %d %q: ik link %d out of range", i, b.Name, l.TargetID)
				}
			}
		}
	}
	for i, v := range doc.Vertexes {
		if len(v.Bones) == 0 || len(v.Bones) != len(v.BoneWeights) {
			return fmt.Errorf("vertex %d: broken deform", i)
		}
		sum := 0.0
		for j, b := range v.Bones {
			w := v.BoneWeights[j]
			if w < 0 {
				return fmt.Errorf("vertex %d: negative weight", i)
			}
			if w > 0 && (b < 0 || b >= nb) {
				return fmt.Errorf("vertex %d: bone %d out of range", i, b)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-3 {
			return fmt.Errorf("vertex %d: weights sum to %v", i, sum)
		}
	}
	for i, f := range doc.Faces {
		for _, v := range f.Verts {
			if v < 0 || v >= len(doc.Vertexes) {
				return fmt.Errorf("face %d: vertex %d out of range", i, v)
			}
		}
	}
	count := 0
	for _, m := range doc.Materials {
		count += m.Count
	}
	if count != len(doc.Faces)*3 {
		return fmt.Errorf("material vertex count %d != %d", count, len(doc.Faces)*3)
	}
	for i, mo := range doc.Morphs {
		for _, o := range mo.Vertex {
			if o.Target < 0 || o.Target >= len(doc.Vertexes) {
				return fmt.Errorf("morph %d %q: vertex %d out of range", i, mo.Name, o.Target)
			}
		}
		for _, o := range mo.UV {
			if o.Target < 0 || o.Target >= len(doc.Vertexes) {
				return fmt.Errorf("morph %d %q: vertex %d out of range", i, mo.Name, o.Target)
			}
		}
		for _, o := range mo.Bone {
			if o.Target < 0 || o.Target >= nb {
				return fmt.Errorf("morph %d %q: bone %d out of range", i, mo.Name, o.Target)
			}
		}
		for _, o := range mo.Material {
			if o.Target < -1 || o.Target >= len(doc.Materials) {
				return fmt.Errorf("morph %d %q: material %d out of range", i, mo.Name, o.Target)
			}
		}
		for _, o := range mo.Group {
			if o.Target < 0 || o.Target >= len(doc.Morphs) {
				return fmt.Errorf("morph %d %q: morph %d out of range", i, mo.Name, o.Target)
			}
		}
	}
	for i, r := range doc.RigidBodies {
		if !okBone(r.BoneID) {
			return fmt.Errorf("rigid body %d: bone %d out of range", i, r.BoneID)
		}
	}
	for i, j := range doc.Joints {
		if j.RigidBodyA < -1 || j.RigidBodyA >= len(doc.RigidBodies) || j.RigidBodyB < -1 || j.RigidBodyB >= len(doc.RigidBodies) {
			return fmt.Errorf("joint %d: rigid body out of range", i)
		}
	}
	return nil
}
