package mmd

import (
	"bytes"
	"testing"

	"github.com/binzume/dressfit/geom"
	"github.com/kr/pretty"
)

func newTestBone(name string, parent int, pos geom.Vector3) *Bone {
	return &Bone{
		Name:            name,
		Pos:             pos,
		ParentID:        parent,
		Flags:           BoneFlagRotatable | BoneFlagVisible | BoneFlagEnabled,
		TailID:          -1,
		InheritParentID: -1,
		IK:              IK{TargetID: -1},
	}
}

func newTestDocument() *Document {
	doc := NewDocument()
	doc.Name = "テスト"
	doc.Comment = "comment"
	doc.Bones = []*Bone{
		newTestBone("センター", -1, geom.Vector3{X: 0, Y: 8, Z: 0}),
		newTestBone("上半身", 0, geom.Vector3{X: 0, Y: 10, Z: 0}),
		newTestBone("首", 1, geom.Vector3{X: 0, Y: 15, Z: 0}),
		newTestBone("左足ＩＫ", 0, geom.Vector3{X: 1, Y: 0, Z: 0}),
	}
	doc.Bones[1].Flags |= BoneFlagTailIndex
	doc.Bones[1].TailID = 2
	doc.Bones[2].TailPos = geom.Vector3{X: 0, Y: 2, Z: 0}
	doc.Bones[2].Flags |= BoneFlagInheritRotation | BoneFlagLocalAxis
	doc.Bones[2].InheritParentID = 1
	doc.Bones[2].InheritParentInfluence = 0.5
	doc.Bones[2].LocalAxisX = geom.Vector3{X: 1}
	doc.Bones[2].LocalAxisZ = geom.Vector3{Z: 1}
	doc.Bones[3].Flags |= BoneFlagEnableIK | BoneFlagTranslatable
	doc.Bones[3].IK = IK{TargetID: 2, Loop: 40, LimitRad: 2, Links: []*Link{
		{TargetID: 1, HasLimit: true, LimitMin: geom.Vector3{X: -1}, LimitMax: geom.Vector3{X: 0.5}},
		{TargetID: 0},
	}}

	doc.Vertexes = []*Vertex{
		{Pos: geom.Vector3{X: 0, Y: 9, Z: 0}, DeformType: DeformBDEF1, Bones: []int{0}, BoneWeights: []float64{1}, EdgeScale: 1},
		{Pos: geom.Vector3{X: 1, Y: 11, Z: 0}, DeformType: DeformBDEF2, Bones: []int{1, 0}, BoneWeights: []float64{0.75, 0.25}, EdgeScale: 1},
		{Pos: geom.Vector3{X: 0, Y: 16, Z: 1}, DeformType: DeformBDEF4, Bones: []int{0, 1, 2, 3}, BoneWeights: []float64{0.25, 0.25, 0.25, 0.25}, EdgeScale: 1},
		{Pos: geom.Vector3{X: 0, Y: 12, Z: 1}, DeformType: DeformSDEF, Bones: []int{1, 2}, BoneWeights: []float64{0.5, 0.5},
			SDEF: &SDEF{C: geom.Vector3{Y: 12}, R0: geom.Vector3{Y: 11}, R1: geom.Vector3{Y: 13}}},
	}
	doc.Faces = []*Face{{Verts: [3]int{0, 1, 2}}, {Verts: [3]int{1, 2, 3}}}
	doc.Textures = []string{"tex/body.png"}
	doc.Materials = []*Material{
		{Name: "body", Color: geom.Vector4{X: 1, Y: 1, Z: 1, W: 1}, TextureID: 0, EnvID: -1, Toon: -1, Count: 3},
		{Name: "skirt", Color: geom.Vector4{X: 1, Y: 0.5, Z: 1, W: 1}, TextureID: -1, EnvID: -1, ToonType: 1, Toon: 2, Count: 3},
	}
	rot := geom.Quaternion{W: 1}
	doc.Morphs = []*Morph{
		{Name: "v", PanelType: MorphPanelOther, MorphType: MorphTypeVertex, Vertex: []*MorphVertex{{Target: 1, Offset: geom.Vector3{X: 0.5}}}},
		{Name: "b", PanelType: MorphPanelOther, MorphType: MorphTypeBone, Bone: []*MorphBone{{Target: 2, Translation: geom.Vector3{Y: 1}, Rotation: rot, LocalRotation: rot}}},
		{Name: "m", PanelType: MorphPanelOther, MorphType: MorphTypeMaterial, Material: []*MorphMaterial{{Target: -1, Diffuse: geom.Vector4{W: -1}}}},
		{Name: "g", PanelType: MorphPanelOther, MorphType: MorphTypeGroup, Group: []*MorphGroup{{Target: 0, Weight: 0.5}}},
		{Name: "uv", PanelType: MorphPanelOther, MorphType: MorphTypeUV, UV: []*MorphUV{{Target: 3, Value: geom.Vector4{X: 0.25}}}},
	}
	doc.DisplayFrames = []*DisplayFrame{
		{Name: "Root", NameEn: "Root", Special: 1, Items: []*DisplayItem{{Type: DisplayItemBone, Index: 0}}},
		{Name: "表情", NameEn: "Exp", Special: 1, Items: []*DisplayItem{{Type: DisplayItemMorph, Index: 0}}},
	}
	doc.RigidBodies = []*RigidBody{
		{Name: "rb0", BoneID: 1, Shape: RigidShapeCapsule, Size: geom.Vector3{X: 1, Y: 2}, Pos: geom.Vector3{Y: 11}, Mass: 1},
		{Name: "rb1", BoneID: 2, Shape: RigidShapeSphere, Size: geom.Vector3{X: 1}, Pos: geom.Vector3{Y: 15}, Mass: 1, Mode: 1},
	}
	doc.Joints = []*Joint{{Name: "j", RigidBodyA: 0, RigidBodyB: 1, Pos: geom.Vector3{Y: 13}}}
	return doc
}

func TestPMXRoundTrip(t *testing.T) {
	doc := newTestDocument()

	var buf bytes.Buffer
	if err := WritePMX(doc, &buf); err != nil {
		t.Fatal(err)
	}
	doc2, err := Parse(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if doc2.Name != doc.Name || doc2.Comment != doc.Comment {
		t.Error("name: ", doc2.Name, doc2.Comment)
	}
	for _, d := range pretty.Diff(doc.Vertexes, doc2.Vertexes) {
		t.Error("vertex: ", d)
	}
	for _, d := range pretty.Diff(doc.Faces, doc2.Faces) {
		t.Error("face: ", d)
	}
	for _, d := range pretty.Diff(doc.Materials, doc2.Materials) {
		t.Error("material: ", d)
	}
	for _, d := range pretty.Diff(doc.Bones, doc2.Bones) {
		t.Error("bone: ", d)
	}
	for _, d := range pretty.Diff(doc.Morphs, doc2.Morphs) {
		t.Error("morph: ", d)
	}
	for _, d := range pretty.Diff(doc.DisplayFrames, doc2.DisplayFrames) {
		t.Error("display frame: ", d)
	}
	for _, d := range pretty.Diff(doc.RigidBodies, doc2.RigidBodies) {
		t.Error("rigid body: ", d)
	}
	for _, d := range pretty.Diff(doc.Joints, doc2.Joints) {
		t.Error("joint: ", d)
	}
}

func TestWriteInvalidDocument(t *testing.T) {
	doc := newTestDocument()
	doc.Vertexes[0].Bones[0] = 10

	var buf bytes.Buffer
	if err := WritePMX(doc, &buf); err == nil {
		t.Error("expected error")
	}
}

func TestSortBones(t *testing.T) {
	doc := newTestDocument()
	// move the root to the end
	doc.ReorderBones([]int{1, 2, 3, 0})
	if doc.Bones[3].Name != "センター" || doc.Bones[0].ParentID != 3 {
		t.Fatal("reorder: ", doc.Bones[0].ParentID)
	}

	remap := doc.SortBones()
	if doc.Bones[0].Name != "センター" {
		t.Error("root should be first: ", doc.Bones[0].Name)
	}
	if remap[3] != 0 {
		t.Error("remap: ", remap)
	}
	for i, b := range doc.Bones {
		if b.ParentID >= i {
			t.Error("parent after child: ", b.Name)
		}
	}
	if err := Validate(doc); err != nil {
		t.Error(err)
	}
	if doc.Bones[doc.Bones[1].TailID].Name != "首" {
		t.Error("tail not remapped")
	}
	if doc.Vertexes[1].Bones[0] != doc.BoneIndex("上半身") {
		t.Error("vertex not remapped")
	}
	if doc.RigidBodies[0].BoneID != doc.BoneIndex("上半身") {
		t.Error("rigid body not remapped")
	}
}

func TestVerticesIndex(t *testing.T) {
	doc := newTestDocument()

	byMat := doc.VerticesByMaterial()
	if len(byMat) != 2 || len(byMat[0]) != 3 || len(byMat[1]) != 3 || byMat[1][0] != 1 {
		t.Error("VerticesByMaterial: ", byMat)
	}

	byBone := doc.VerticesByBone()
	if len(byBone[0]) != 3 || len(byBone[3]) != 1 {
		t.Error("VerticesByBone: ", byBone)
	}
}

func TestCopy(t *testing.T) {
	doc := newTestDocument()
	c, err := doc.Copy()
	if err != nil {
		t.Fatal(err)
	}
	c.Bones[0].Pos.Y = 100
	c.Vertexes[0].Bones[0] = 2
	if doc.Bones[0].Pos.Y != 8 || doc.Vertexes[0].Bones[0] != 0 {
		t.Error("copy shares data")
	}
}
