package fitting

import (
	"math"
	"testing"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/stdbone"
)

func TestAddTransparencyMorphs(t *testing.T) {
	doc := newDress()
	AddTransparencyMorphs(doc)
	AddTransparencyMorphs(doc)
	if len(doc.Morphs) != len(doc.Materials)+1 {
		t.Fatal("morphs should be replaced by name", len(doc.Morphs))
	}
	m := doc.Morphs[doc.MorphIndex("skirt"+TransparencySuffix)]
	if !m.IsSystem || len(m.Material) != 1 || m.Material[0].Target != doc.MaterialIndex("skirt") || m.Material[0].Diffuse.W != -1 {
		t.Error("skirt morph", m)
	}
	all := doc.Morphs[doc.MorphIndex(AllMaterialsMorphName)]
	if all.Material[0].Target != -1 {
		t.Error("all materials target", all.Material[0].Target)
	}

	// ratio 1 hides the material
	f := deform.NewFrame()
	f.Morphs["hat"+TransparencySuffix] = 1
	st := deform.ApplyMorphs(doc, f)
	if a := st.MaterialAlpha[doc.MaterialIndex("hat")]; math.Abs(a) > eps {
		t.Error("hat alpha", a)
	}
	if a := st.MaterialAlpha[doc.MaterialIndex("skirt")]; math.Abs(a-1) > eps {
		t.Error("skirt alpha", a)
	}

	AddVertexTransparencyMorph(doc, doc.MaterialIndex("hat"))
	v := doc.Morphs[doc.MorphIndex("hatV"+TransparencySuffix)]
	if len(v.Vertex) != 3 || !doc.Vertexes[v.Vertex[0].Target].Pos.Add(&v.Vertex[0].Offset).IsZero() {
		t.Error("vertex transparency", v.Vertex)
	}
}

func TestAddAdjustmentMorphs(t *testing.T) {
	doc := newBody(18, 19.8)
	addArm(doc)
	doc.AppendBone(newBone("右肩", -1, 15, 0, doc.BoneIndex(stdbone.Upper)))
	AddAdjustmentMorphs(doc)

	if doc.MorphIndex("腰SX") >= 0 {
		t.Error("group without bones should be skipped")
	}
	sx := doc.Morphs[doc.MorphIndex("肩SX")]
	// shoulders fan out to arm and elbow
	if len(sx.Bone) != 4 {
		t.Error("shoulder scale bones", len(sx.Bone))
	}
	for _, o := range sx.Bone {
		if o.LocalScale.X != 1 || o.Scale.X != 0 {
			t.Error("shoulder scale should be local", o)
		}
	}
	if o := doc.Morphs[doc.MorphIndex("頭SY")].Bone[0]; o.Scale.Y != 1 {
		t.Error("head scale should be global", o)
	}

	mx := doc.Morphs[doc.MorphIndex("肩MX")]
	for _, o := range mx.Bone {
		name := doc.Bones[o.Target].Name
		if stdbone.IsLeft(name) && o.Translation.X != -1 || !stdbone.IsLeft(name) && o.Translation.X != 1 {
			t.Error("mirrored translation", name, o.Translation)
		}
	}
	rz := doc.Morphs[doc.MorphIndex("肩RZ")]
	for _, o := range rz.Bone {
		deg := o.Rotation.ToEulerDegrees()
		want := 1.0
		if stdbone.IsLeft(doc.Bones[o.Target].Name) {
			want = -1
		}
		if math.Abs(deg.Z-want) > 1e-4 {
			t.Error("mirrored rotation", doc.Bones[o.Target].Name, deg)
		}
	}
	if o := doc.Morphs[doc.MorphIndex("ひじRX")].Bone[0]; o.LocalRotation.IsIdentity(eps) || !o.Rotation.IsIdentity(eps) {
		t.Error("elbow rotation should be local", o)
	}
}

func TestAdjustmentRatios(t *testing.T) {
	r := AdjustmentRatios(
		map[string]*geom.Vector3{"頭": {X: 1.1, Y: 1, Z: 1}},
		map[string]*geom.Vector3{"腕": {Z: -5}},
		map[string]*geom.Vector3{"首": {Y: 0.2}},
	)
	want := map[string]float64{"頭SX": 0.1, "腕RZ": -5, "首MY": 0.2}
	if len(r) != len(want) {
		t.Error("ratios", r)
	}
	for k, v := range want {
		if math.Abs(r[k]-v) > eps {
			t.Error(k, r[k], v)
		}
	}
}

func TestFittingMorph(t *testing.T) {
	doc := newBody(18, 19.8)
	off := NewOffsets()
	head := doc.BoneIndex(stdbone.Head)
	neck := doc.BoneIndex(stdbone.Neck)
	off.Scale[head] = &geom.Vector3{X: 2, Y: 2, Z: 2}
	off.LocalScale[neck] = &geom.Vector3{X: 1, Y: 1.5, Z: 1.5}
	off.Position[neck] = &geom.Vector3{Y: 1}
	AddFittingMorph(doc, off)
	AddRootAdjustMorph(doc)

	m := doc.Morphs[doc.MorphIndex(FittingMorphName)]
	if len(m.Bone) != 2 || m.Bone[0].Target != neck || m.Bone[1].Target != head {
		t.Fatal("fitting morph bones", m.Bone)
	}
	if m.Bone[1].Scale.X != 1 || m.Bone[0].LocalScale.Y != 0.5 || m.Bone[0].Translation.Y != 1 {
		t.Error("offsets", m.Bone)
	}
	if doc.MorphIndex(RootAdjustMorphName) >= 0 {
		t.Error("no root bone")
	}

	f := deform.NewFrame()
	f.Morphs[FittingMorphName] = 1
	pose := deform.NewEvaluator(doc).Evaluate(f, false)
	if !pose.Get(stdbone.Neck).Position.NearEquals(&geom.Vector3{Y: 17}, eps) {
		t.Error("neck", pose.Get(stdbone.Neck).Position)
	}
	if !pose.Get(stdbone.HeadTip).Position.NearEquals(&geom.Vector3{Y: 22.6}, eps) {
		t.Error("head tip", pose.Get(stdbone.HeadTip).Position)
	}

	f2 := deform.NewFrame()
	off.Apply(doc, f2)
	if k := f2.Bones[stdbone.Head]; k == nil || !k.Scale.NearEquals(&geom.Vector3{X: 2, Y: 2, Z: 2}, eps) {
		t.Error("apply", k)
	}
}

func TestRootAdjustMorph(t *testing.T) {
	doc := newBody(18, 19.8)
	doc.AppendBone(newBone(stdbone.Root, 0, 0, 0, -1))
	doc.Bones[0].ParentID = len(doc.Bones) - 1
	doc.SortBones()
	AddRootAdjustMorph(doc)
	m := doc.Morphs[doc.MorphIndex(RootAdjustMorphName)]
	if len(m.Bone) != 1 || doc.Bones[m.Bone[0].Target].Name != stdbone.Root || m.Bone[0].Translation.Y != 1 {
		t.Error("root adjust", m.Bone)
	}
}
