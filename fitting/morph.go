package fitting

import (
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

const (
	FittingMorphName      = "BoneFitting"
	RootAdjustMorphName   = "Root:Adjust"
	TransparencySuffix    = "TR"
	AllMaterialsMorphName = "全材質" + TransparencySuffix
)

// adjustment morph suffixes
var (
	scaleSuffixes       = [3]string{"SX", "SY", "SZ"}
	rotationSuffixes    = [3]string{"RX", "RY", "RZ"}
	translationSuffixes = [3]string{"MX", "MY", "MZ"}
	unitAxes            = [3]geom.Vector3{{X: 1}, {Y: 1}, {Z: 1}}
)

// setSystemMorph adds m to doc, replacing a morph with the same name.
func setSystemMorph(doc *mmd.Document, m *mmd.Morph) {
	m.IsSystem = true
	if i := doc.MorphIndex(m.Name); i >= 0 {
		doc.Morphs[i] = m
		return
	}
	doc.Morphs = append(doc.Morphs, m)
}

func transparencyOffset(target int) *mmd.MorphMaterial {
	return &mmd.MorphMaterial{Target: target, Flags: 1, Diffuse: geom.Vector4{W: -1}}
}

// AddTransparencyMorphs adds a morph per material that hides it, and one for all materials.
func AddTransparencyMorphs(doc *mmd.Document) {
	for i, m := range doc.Materials {
		setSystemMorph(doc, &mmd.Morph{
			Name:      m.Name + TransparencySuffix,
			NameEn:    m.NameEn + TransparencySuffix,
			PanelType: mmd.MorphPanelOther,
			MorphType: mmd.MorphTypeMaterial,
			Material:  []*mmd.MorphMaterial{transparencyOffset(i)},
		})
	}
	setSystemMorph(doc, &mmd.Morph{
		Name:      AllMaterialsMorphName,
		NameEn:    "AllMaterials" + TransparencySuffix,
		PanelType: mmd.MorphPanelOther,
		MorphType: mmd.MorphTypeMaterial,
		Material:  []*mmd.MorphMaterial{transparencyOffset(-1)},
	})
}

// AddVertexTransparencyMorph adds a vertex morph that collapses every vertex of material mi to the origin.
func AddVertexTransparencyMorph(doc *mmd.Document, mi int) {
	var offsets []*mmd.MorphVertex
	for _, vi := range doc.VerticesByMaterial()[mi] {
		offsets = append(offsets, &mmd.MorphVertex{Target: vi, Offset: *doc.Vertexes[vi].Pos.Scale(-1)})
	}
	setSystemMorph(doc, &mmd.Morph{
		Name:      doc.Materials[mi].Name + "V" + TransparencySuffix,
		PanelType: mmd.MorphPanelOther,
		MorphType: mmd.MorphTypeVertex,
		Vertex:    offsets,
	})
}

func mirrored(name string, axis int, mirrorAxes ...int) bool {
	if !stdbone.IsLeft(name) {
		return false
	}
	for _, a := range mirrorAxes {
		if a == axis {
			return true
		}
	}
	return false
}

func boneMorph(name string, offsets []*mmd.MorphBone) *mmd.Morph {
	return &mmd.Morph{
		Name:      name,
		NameEn:    name,
		PanelType: mmd.MorphPanelOther,
		MorphType: mmd.MorphTypeBone,
		Bone:      offsets,
	}
}

// AddAdjustmentMorphs adds nine unit morphs per adjustment group present in doc.
func AddAdjustmentMorphs(doc *mmd.Document) {
	for _, g := range stdbone.Groups() {
		if !hasAnyBone(doc, g.Bones) {
			continue
		}
		for axis := 0; axis < 3; axis++ {
			unit := unitAxes[axis]

			var scale []*mmd.MorphBone
			for _, name := range g.ScaleBones() {
				bi := doc.BoneIndex(name)
				if bi < 0 {
					continue
				}
				o := mmd.NewIdentityMorphBone(bi)
				if g.GlobalScale {
					o.Scale = unit
				} else {
					o.LocalScale = unit
				}
				scale = append(scale, o)
			}
			setSystemMorph(doc, boneMorph(g.Name+scaleSuffixes[axis], scale))

			var rot, move []*mmd.MorphBone
			for _, name := range g.Bones {
				bi := doc.BoneIndex(name)
				if bi < 0 {
					continue
				}
				deg := 1.0
				if mirrored(name, axis, 0, 2) {
					deg = -1
				}
				q := geom.NewQuaternionFromEulerDegrees(unit.X*deg, unit.Y*deg, unit.Z*deg)
				o := mmd.NewIdentityMorphBone(bi)
				if g.LocalRotation {
					o.LocalRotation = *q
				} else {
					o.Rotation = *q
				}
				rot = append(rot, o)

				o = mmd.NewIdentityMorphBone(bi)
				o.Translation = unit
				if mirrored(name, axis, 0) {
					o.Translation = *unit.Scale(-1)
				}
				move = append(move, o)
			}
			setSystemMorph(doc, boneMorph(g.Name+rotationSuffixes[axis], rot))
			setSystemMorph(doc, boneMorph(g.Name+translationSuffixes[axis], move))
		}
	}
}

func hasAnyBone(doc *mmd.Document, names []string) bool {
	for _, n := range names {
		if doc.BoneIndex(n) >= 0 {
			return true
		}
	}
	return false
}

// AddFittingMorph adds the bone morph that reproduces the solver offsets at ratio 1.
func AddFittingMorph(doc *mmd.Document, off *Offsets) {
	var offsets []*mmd.MorphBone
	for _, i := range off.Bones() {
		if i < len(doc.Bones) {
			offsets = append(offsets, off.MorphBone(i))
		}
	}
	setSystemMorph(doc, boneMorph(FittingMorphName, offsets))
}

// AddRootAdjustMorph adds a unit Y translation of the root bone.
func AddRootAdjustMorph(doc *mmd.Document) {
	bi := doc.BoneIndex(stdbone.Root)
	if bi < 0 {
		return
	}
	o := mmd.NewIdentityMorphBone(bi)
	o.Translation = geom.Vector3{Y: 1}
	setSystemMorph(doc, boneMorph(RootAdjustMorphName, []*mmd.MorphBone{o}))
}

// AdjustmentRatios converts per-group scale, degrees and translation into adjustment morph ratios.
func AdjustmentRatios(scale, degrees, translation map[string]*geom.Vector3) map[string]float64 {
	r := map[string]float64{}
	set := func(group string, suffixes [3]string, v *geom.Vector3) {
		for axis, x := range [3]float64{v.X, v.Y, v.Z} {
			if x != 0 {
				r[group+suffixes[axis]] = x
			}
		}
	}
	for g, v := range scale {
		set(g, scaleSuffixes, v.Sub(&geom.Vector3{X: 1, Y: 1, Z: 1}))
	}
	for g, v := range degrees {
		set(g, rotationSuffixes, v)
	}
	for g, v := range translation {
		set(g, translationSuffixes, v)
	}
	return r
}
