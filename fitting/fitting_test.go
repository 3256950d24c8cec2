package fitting

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
	"github.com/gofrs/flock"
)

const eps = 0.000001

func newBone(name string, x, y, z float64, parent int) *mmd.Bone {
	return &mmd.Bone{
		Name:            name,
		NameEn:          name,
		Pos:             geom.Vector3{X: x, Y: y, Z: z},
		ParentID:        parent,
		TailID:          -1,
		Flags:           mmd.BoneFlagRotatable | mmd.BoneFlagTranslatable | mmd.BoneFlagVisible | mmd.BoneFlagEnabled,
		InheritParentID: -1,
		IK:              mmd.IK{TargetID: -1},
	}
}

func tailTo(b *mmd.Bone, t int) {
	b.Flags |= mmd.BoneFlagTailIndex
	b.TailID = t
}

// newBody returns a torso and head skeleton without vertices.
func newBody(headY, tipY float64) *mmd.Document {
	doc := mmd.NewDocument()
	doc.Name = "body"
	doc.Bones = []*mmd.Bone{
		newBone(stdbone.Center, 0, 8, 0, -1),
		newBone(stdbone.Upper, 0, 10, 0, 0),
		newBone(stdbone.Lower, 0, 10, 0, 0),
		newBone(stdbone.Neck, 0, 16, 0, 1),
		newBone(stdbone.Head, 0, headY, 0, 3),
		newBone(stdbone.HeadTip, 0, tipY, 0, 4),
	}
	tailTo(doc.Bones[1], 3)
	tailTo(doc.Bones[3], 4)
	tailTo(doc.Bones[4], 5)
	doc.Bones[5].Flags = mmd.BoneFlagEnabled
	return doc
}

func addBone(doc *mmd.Document, b *mmd.Bone) int {
	return doc.AppendBone(b)
}

func addTriangle(doc *mmd.Document, material string, bone int, center *geom.Vector3) {
	base := len(doc.Vertexes)
	for _, d := range []geom.Vector3{{X: -0.5}, {X: 0.5}, {Y: 0.5}} {
		doc.Vertexes = append(doc.Vertexes, &mmd.Vertex{
			Pos:         *center.Add(&d),
			Normal:      geom.Vector3{Z: -1},
			EdgeScale:   1,
			DeformType:  mmd.DeformBDEF1,
			Bones:       []int{bone},
			BoneWeights: []float64{1},
		})
	}
	doc.Faces = append(doc.Faces, &mmd.Face{Verts: [3]int{base, base + 1, base + 2}})
	doc.Materials = append(doc.Materials, &mmd.Material{
		Name:      material,
		NameEn:    material,
		Color:     geom.Vector4{X: 1, Y: 1, Z: 1, W: 1},
		EdgeScale: 1,
		TextureID: -1,
		EnvID:     -1,
		Toon:      -1,
		Count:     3,
	})
}

// newCharacter has a hair bone that only the character owns.
func newCharacter() *mmd.Document {
	doc := newBody(18, 19.8)
	doc.Name = "character"
	hair := addBone(doc, newBone("髪", 0, 19, 0, 4))
	addTriangle(doc, "face", 4, &geom.Vector3{Y: 18})
	addTriangle(doc, "hair", hair, &geom.Vector3{Y: 19})
	return doc
}

// newDress has a skirt bone that only the dress owns.
func newDress() *mmd.Document {
	doc := newBody(18, 19.8)
	doc.Name = "dress"
	skirt := addBone(doc, newBone("スカート", 0, 9, 0, 2))
	addTriangle(doc, "hat", 4, &geom.Vector3{Y: 19.5})
	addTriangle(doc, "skirt", skirt, &geom.Vector3{Y: 8})
	return doc
}

// addLeg adds a left leg with an IK chain. The knee sits at kneeY.
func addLeg(doc *mmd.Document, kneeY float64) {
	lower := doc.BoneIndex(stdbone.Lower)
	leg := addBone(doc, newBone("左足", 1, 9, 0, lower))
	knee := addBone(doc, newBone("左ひざ", 1, kneeY, 0, leg))
	ankle := addBone(doc, newBone("左足首", 1, 1, 0, knee))
	toe := addBone(doc, newBone("左つま先", 1, 0, -1, ankle))
	tailTo(doc.Bones[leg], knee)
	tailTo(doc.Bones[knee], ankle)
	tailTo(doc.Bones[ankle], toe)
	ik := newBone("左足ＩＫ", 1, 1, 0, -1)
	ik.TailPos = geom.Vector3{Z: -1}
	setupIK(doc, ik, stdbone.Lookup("左足ＩＫ").IK)
	addBone(doc, ik)
}

func TestFitIncompatible(t *testing.T) {
	_, err := Fit(context.Background(), mmd.NewDocument(), mmd.NewDocument(), nil, nil)
	if !errors.Is(err, ErrIncompatibleSkeletons) {
		t.Error("empty models should be incompatible", err)
	}

	dress := mmd.NewDocument()
	dress.Bones = []*mmd.Bone{newBone("a", 0, 0, 0, -1), newBone("b", 0, 1, 0, 0)}
	_, err = Fit(context.Background(), newCharacter(), dress, nil, nil)
	if !errors.Is(err, ErrIncompatibleSkeletons) {
		t.Error("dress without semi-standard bones should be incompatible", err)
	}

	_, err = Fit(context.Background(), nil, dress, nil, nil)
	if !errors.Is(err, ErrModelsNotLoaded) {
		t.Error("nil model should fail", err)
	}
}

func TestFitMissingRequired(t *testing.T) {
	newDoc := func() *mmd.Document {
		doc := mmd.NewDocument()
		doc.Bones = []*mmd.Bone{
			newBone(stdbone.Upper, 0, 10, 0, -1),
			newBone(stdbone.Neck, 0, 16, 0, 0),
		}
		return doc
	}
	_, err := Fit(context.Background(), newDoc(), newDoc(), nil, nil)
	var missing *MissingRequiredBoneError
	if !errors.As(err, &missing) {
		t.Fatal("MissingRequiredBoneError expected", err)
	}
	if len(missing.Names) != 2 || missing.Names[0] != stdbone.Center || missing.Names[1] != stdbone.Lower {
		t.Error("missing names", missing.Names)
	}
}

func TestFitDoesNotModifyInputs(t *testing.T) {
	character, dress := newCharacter(), newDress()
	nc, nd := len(character.Bones), len(dress.Bones)
	res, err := Fit(context.Background(), character, dress, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(character.Bones) != nc || len(dress.Bones) != nd || len(dress.Morphs) != 0 {
		t.Error("input models modified")
	}
	if res.Dress.BoneIndex(stdbone.Root) < 0 || res.Character.BoneIndex(stdbone.Root) < 0 {
		t.Error("root bone should be added")
	}
	if res.Dress.MorphIndex(FittingMorphName) < 0 {
		t.Error("fitting morph not found")
	}
	if res.Dress.MorphIndex("skirt"+TransparencySuffix) < 0 || res.Character.MorphIndex("face"+TransparencySuffix) < 0 {
		t.Error("transparency morphs not found")
	}
	if res.Character.MorphIndex(RootAdjustMorphName) < 0 || res.Dress.MorphIndex(RootAdjustMorphName) < 0 {
		t.Error("root adjust morphs not found")
	}
}

func TestFitIdentical(t *testing.T) {
	res, err := Fit(context.Background(), newCharacter(), newDress(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range res.Offsets.Position {
		if p.Len() > 1e-6 {
			t.Error("position offset", res.Dress.Bones[i].Name, *p)
		}
	}
	for i, q := range res.Offsets.Rotation {
		if !q.IsIdentity(1e-6) {
			t.Error("rotation offset", res.Dress.Bones[i].Name, *q)
		}
	}
	one := &geom.Vector3{X: 1, Y: 1, Z: 1}
	for i, s := range res.Offsets.FitScale {
		if !s.NearEquals(one, 1e-6) {
			t.Error("fit scale", res.Dress.Bones[i].Name, *s)
		}
	}
	m := res.Dress.Morphs[res.Dress.MorphIndex(FittingMorphName)]
	for _, o := range m.Bone {
		if o.Translation.Len() > 1e-6 || !o.Rotation.IsIdentity(1e-6) || o.Scale.Len() > 1e-6 || o.LocalScale.Len() > 1e-6 {
			t.Error("fitting morph offset should be zero", res.Dress.Bones[o.Target].Name, o)
		}
	}
}

func TestFitHeadScale(t *testing.T) {
	character := newBody(18, 19.8)
	dress := newBody(20, 22)
	dress.RigidBodies = []*mmd.RigidBody{
		{Name: "head", BoneID: 4, Shape: mmd.RigidShapeSphere, Size: geom.Vector3{X: 1, Y: 1, Z: 1}, Pos: geom.Vector3{Y: 20}},
	}
	addBone(dress, newBone("リボン", 0, 21, -1, 4))
	res, err := Fit(context.Background(), character, dress, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	head := res.Dress.BoneIndex(stdbone.Head)
	if s := res.Offsets.FitScale[head]; s == nil || math.Abs(s.Y-0.9) > eps {
		t.Error("head fit scale", s)
	}
	ribbon := res.Dress.BoneIndex("リボン")
	if s := res.Offsets.FitScale[ribbon]; s == nil || math.Abs(s.X-0.9) > eps || math.Abs(s.Y-0.9) > eps {
		t.Error("ribbon should follow the head fit scale", s)
	}

	pose := newEvaluator(res.Dress).Evaluate(DressFrame(nil), false)
	if y := pose.Get(stdbone.Head).Position.Y; math.Abs(y-18) > 0.05 {
		t.Error("posed head", y)
	}
	if y := pose.Get(stdbone.HeadTip).Position.Y; math.Abs(y-19.8) > 0.05 {
		t.Error("posed head tip", y)
	}

	out, err := BuildMerged(context.Background(),
		&Source{Doc: res.Character},
		&Source{Doc: res.Dress, Frame: DressFrame(nil), Dress: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b := out.Bone(stdbone.Head); b == nil || math.Abs(b.Pos.Y-18) > 0.05 {
		t.Error("output head", b)
	}
	if len(out.RigidBodies) != 1 {
		t.Fatal("rigid bodies", len(out.RigidBodies))
	}
	r := out.RigidBodies[0]
	if r.Name != DressPrefix+"head" || out.Bones[r.BoneID].Name != stdbone.Head {
		t.Error("rigid body", r.Name, r.BoneID)
	}
	if math.Abs(r.Pos.Y-18) > 0.05 || math.Abs(r.Size.X-0.9) > 0.01 {
		t.Error("rigid body transform", r.Pos, r.Size)
	}
}

// addBox adds 8 vertices at the corners of a box around the Y axis.
func addBox(doc *mmd.Document, bone int, y0, y1, hx, hz float64) {
	base := len(doc.Vertexes)
	for _, y := range []float64{y0, y1} {
		for _, x := range []float64{-hx, hx} {
			for _, z := range []float64{-hz, hz} {
				doc.Vertexes = append(doc.Vertexes, &mmd.Vertex{
					Pos:         geom.Vector3{X: x, Y: y, Z: z},
					Normal:      geom.Vector3{Z: -1},
					EdgeScale:   1,
					DeformType:  mmd.DeformBDEF1,
					Bones:       []int{bone},
					BoneWeights: []float64{1},
				})
			}
		}
	}
	doc.Faces = append(doc.Faces,
		&mmd.Face{Verts: [3]int{base, base + 1, base + 4}},
		&mmd.Face{Verts: [3]int{base + 2, base + 3, base + 6}})
	doc.Materials = append(doc.Materials, &mmd.Material{
		Name:      "box",
		NameEn:    "box",
		Color:     geom.Vector4{X: 1, Y: 1, Z: 1, W: 1},
		EdgeScale: 1,
		TextureID: -1,
		EnvID:     -1,
		Toon:      -1,
		Count:     6,
	})
}

func TestFitLocalScale(t *testing.T) {
	tests := []struct {
		name   string
		model  [2]float64
		dress  [2]float64
		expect float64
	}{
		{"same", [2]float64{0.4, 0.4}, [2]float64{0.4, 0.4}, 1},
		{"wider dress", [2]float64{0.4, 0.4}, [2]float64{0.6, 0.6}, (2.0/3 + 1) / 2},
		{"uneven", [2]float64{0.4, 0.3}, [2]float64{0.8, 0.6}, (0.5 + 1) / 2},
		{"narrower dress", [2]float64{0.6, 0.6}, [2]float64{0.4, 0.4}, (1.5 + 1) / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			character := newBody(18, 19.8)
			addBox(character, 3, 16.5, 17.5, tt.model[0], tt.model[1])
			dress := newBody(18, 19.8)
			addBox(dress, 3, 16.5, 17.5, tt.dress[0], tt.dress[1])

			res, err := Fit(context.Background(), character, dress, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			neck := res.Dress.BoneIndex(stdbone.Neck)
			s := res.Offsets.LocalScale[neck]
			if s == nil {
				t.Fatal("neck local scale not set")
			}
			if math.Abs(s.X-1) > eps || math.Abs(s.Y-tt.expect) > eps || math.Abs(s.Z-tt.expect) > eps {
				t.Error("neck local scale", *s, tt.expect)
			}
			if _, ok := res.Offsets.LocalScale[res.Dress.BoneIndex(stdbone.Head)]; ok {
				t.Error("head is not locally scaled")
			}
		})
	}

	// too few vertices on the dress side
	character := newBody(18, 19.8)
	addBox(character, 3, 16.5, 17.5, 0.4, 0.4)
	dress := newBody(18, 19.8)
	addTriangle(dress, "collar", 3, &geom.Vector3{Y: 17})
	res, err := Fit(context.Background(), character, dress, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Offsets.LocalScale) != 0 {
		t.Error("local scale needs 4 vertices", res.Offsets.LocalScale)
	}
}

func TestFitTorsoChildOrientation(t *testing.T) {
	tests := []struct {
		name    string
		parent  string
		inverse bool
	}{
		{"upper body child", stdbone.Upper, true},
		{"neck child", stdbone.Neck, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dress := newBody(18, 19.8)
			dress.Bones[3].Pos = geom.Vector3{X: 1, Y: 16}
			addBone(dress, newBone("リボン", 0, 12, -1, dress.BoneIndex(tt.parent)))

			res, err := Fit(context.Background(), newCharacter(), dress, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			parent := res.Offsets.Rotation[res.Dress.BoneIndex(tt.parent)]
			if parent == nil || parent.IsIdentity(1e-6) {
				t.Fatal("parent should be rotated", parent)
			}
			q := res.Offsets.Rotation[res.Dress.BoneIndex("リボン")]
			if !tt.inverse {
				if q != nil {
					t.Error("unexpected rotation", *q)
				}
				return
			}
			if q == nil || !q.Mul(parent).IsIdentity(1e-6) {
				t.Fatal("rotation should cancel the parent", q, *parent)
			}
			pose := newEvaluator(res.Dress).Evaluate(DressFrame(nil), false)
			if r := pose.Get("リボン").Rotation; !r.IsIdentity(1e-6) {
				t.Error("posed orientation", *r)
			}
		})
	}
}

func TestFitIKSnap(t *testing.T) {
	tests := []struct {
		name  string
		angle float64
	}{
		{"rest", 0},
		{"leg raised", math.Pi / 6},
		{"leg back", -math.Pi / 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			character := newBody(18, 19.8)
			addLeg(character, 4.2)
			dress := newBody(18, 19.8)
			addLeg(dress, 4.2)

			var clip *deform.Motion
			if tt.angle != 0 {
				clip = deform.NewMotion()
				k := deform.NewKeyframe(0)
				k.Rotation = *geom.NewQuaternionFromAxisAngle(&geom.Vector3{X: 1}, tt.angle)
				clip.SetBone("左足", k)
			}
			res, err := Fit(context.Background(), character, dress, clip, nil)
			if err != nil {
				t.Fatal(err)
			}

			f := deform.NewFrame()
			for name, k := range deform.MotionAt(clip, 0).Bones {
				f.Bones[name] = k.Clone()
			}
			res.Offsets.Apply(res.Dress, f)
			pose := newEvaluator(res.Dress).Evaluate(f, false)
			ik := pose.Get("左足ＩＫ").Position
			ankle := pose.Get("左足首").Position
			if ik.Distance(ankle) > 1e-4 {
				t.Error("IK bone should sit on the posed ankle", *ik, *ankle)
			}
			if tt.angle == 0 && ankle.Distance(&geom.Vector3{X: 1, Y: 1}) > 1e-4 {
				t.Error("rest ankle", *ankle)
			}
			if tt.angle != 0 && ankle.Distance(&geom.Vector3{X: 1, Y: 1}) < 0.1 {
				t.Error("clip should move the ankle", *ankle)
			}
		})
	}
}

func TestFitKneeRatio(t *testing.T) {
	character := newBody(18, 19.8)
	addLeg(character, 4.2)
	dress := newBody(18, 19.8)
	addLeg(dress, 5)

	res, err := Fit(context.Background(), character, dress, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ik := res.Dress.Bone("左足ＩＫ")
	if ik == nil || !ik.IsIK() || len(ik.IK.Links) != 2 {
		t.Fatal("leg IK", ik)
	}
	if res.Dress.BoneIndex("左足D") < 0 || res.Character.BoneIndex("左足首D") < 0 {
		t.Error("deform leg bones should be added")
	}

	pose := newEvaluator(res.Dress).Evaluate(DressFrame(nil), false)
	hip := pose.Get("左足").Position
	knee := pose.Get("左ひざ").Position
	ankle := pose.Get("左足首").Position
	seg := ankle.Sub(hip)
	ratio := knee.Sub(hip).Dot(seg) / seg.LenSqr()
	if math.Abs(ratio-0.6) > 0.01 {
		t.Error("knee ratio", ratio, *knee)
	}
	if ankle.Distance(&geom.Vector3{X: 1, Y: 1}) > 0.01 {
		t.Error("ankle", *ankle)
	}
}

func TestFitAndSaveCancel(t *testing.T) {
	dir := t.TempDir()
	cpath := filepath.Join(dir, "character.pmx")
	dpath := filepath.Join(dir, "dress.pmx")
	if err := mmd.Save(newCharacter(), cpath); err != nil {
		t.Fatal(err)
	}
	if err := mmd.Save(newDress(), dpath); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "out", "merged.pmx")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stages []string
	opt := &Options{
		CharacterPath: cpath,
		DressPath:     dpath,
		OutputPath:    output,
		Progress: func(stage string, index, total int) {
			stages = append(stages, stage)
			if stage == StageLocal {
				cancel()
			}
		},
	}
	_, err := FitAndSave(ctx, opt)
	if !errors.Is(err, ErrCancelled) {
		t.Error("cancelled error expected", err)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Error("output should not be created", err)
	}
	if len(stages) == 0 || stages[0] != StageLoad {
		t.Error("stages", stages)
	}
}

func TestFitAndSave(t *testing.T) {
	dir := t.TempDir()
	cpath := filepath.Join(dir, "character.pmx")
	dpath := filepath.Join(dir, "dress.pmx")
	if err := mmd.Save(newCharacter(), cpath); err != nil {
		t.Fatal(err)
	}
	if err := mmd.Save(newDress(), dpath); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "out", "merged.pmx")
	res, err := FitAndSave(context.Background(), &Options{CharacterPath: cpath, DressPath: dpath, OutputPath: output})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := mmd.Load(output)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Vertexes) != 12 || len(doc.Vertexes) != len(res.Output.Vertexes) {
		t.Error("vertex count", len(doc.Vertexes))
	}
	if locked, err := flock.New(filepath.Join(dir, "out", lockFileName)).TryLock(); err != nil || !locked {
		t.Error("output lock should be released", locked, err)
	}

	_, err = FitAndSave(context.Background(), &Options{CharacterPath: filepath.Join(dir, "none.pmx"), DressPath: dpath, OutputPath: output})
	var unreadable *UnreadableModelError
	if !errors.As(err, &unreadable) || unreadable.Path != filepath.Join(dir, "none.pmx") {
		t.Error("unreadable model error expected", err)
	}
}
