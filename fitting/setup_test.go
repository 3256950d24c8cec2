package fitting

import (
	"context"
	"math"
	"testing"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

func addArm(doc *mmd.Document) {
	upper := doc.BoneIndex(stdbone.Upper)
	shoulder := addBone(doc, newBone("左肩", 1, 15, 0, upper))
	arm := addBone(doc, newBone("左腕", 2, 15, 0, shoulder))
	elbow := addBone(doc, newBone("左ひじ", 6, 15, 0, arm))
	wrist := addBone(doc, newBone("左手首", 10, 15, 0, elbow))
	tailTo(doc.Bones[shoulder], arm)
	tailTo(doc.Bones[arm], elbow)
	tailTo(doc.Bones[elbow], wrist)
}

func TestCompleteSkeletons(t *testing.T) {
	model := newBody(18, 19.8)
	addArm(model)
	dress := newBody(18, 19.8)
	addArm(dress)
	arm := dress.BoneIndex("左腕")
	dress.Vertexes = []*mmd.Vertex{
		{Pos: geom.Vector3{X: 2.5, Y: 15}, DeformType: mmd.DeformBDEF1, Bones: []int{arm}, BoneWeights: []float64{1}},
		{Pos: geom.Vector3{X: 5, Y: 15}, DeformType: mmd.DeformBDEF1, Bones: []int{arm}, BoneWeights: []float64{1}},
	}

	if err := CompleteSkeletons(context.Background(), model, dress, nil); err != nil {
		t.Fatal(err)
	}

	for _, doc := range []*mmd.Document{model, dress} {
		root := doc.BoneIndex(stdbone.Root)
		if root != 0 {
			t.Error("root should be the first bone", root)
		}
		if p := doc.GetBone(doc.Bone(stdbone.Center).ParentID); p == nil || p.Name != stdbone.Root {
			t.Error("center parent", p)
		}
		upper2 := doc.Bone(stdbone.Upper2)
		if upper2 == nil || math.Abs(upper2.Pos.Y-13) > eps {
			t.Fatal("upper2", upper2)
		}
		if p := doc.GetBone(doc.Bone(stdbone.Neck).ParentID); p == nil || p.Name != stdbone.Upper2 {
			t.Error("neck parent", p)
		}

		twist := doc.Bone("左腕捩")
		if twist == nil || !twist.Pos.NearEquals(&geom.Vector3{X: 4, Y: 15}, eps) {
			t.Fatal("arm twist", twist)
		}
		if !twist.HasFlag(mmd.BoneFlagFixedAxis) || !twist.FixedAxis.NearEquals(&geom.Vector3{X: 1}, eps) {
			t.Error("twist axis", twist.FixedAxis)
		}
		if p := doc.GetBone(doc.Bone("左ひじ").ParentID); p == nil || p.Name != "左腕捩" {
			t.Error("elbow parent", p)
		}
		t1 := doc.Bone("左腕捩1")
		if t1 == nil || math.Abs(t1.Pos.X-3) > eps || doc.GetBone(t1.InheritParentID) != twist || t1.InheritParentInfluence != 0.25 {
			t.Error("twist 1", t1)
		}
		if b := doc.Bone("左手捩"); b == nil || math.Abs(b.Pos.X-8) > eps {
			t.Error("hand twist", b)
		}
		for i, b := range doc.Bones {
			if b.ParentID >= i {
				t.Error("parent should precede", b.Name)
			}
		}
	}

	// the far vertex moves to the twist bone
	arm = dress.BoneIndex("左腕")
	twist := dress.BoneIndex("左腕捩")
	if v := dress.Vertexes[0]; v.Bones[0] != arm {
		t.Error("near vertex", v.Bones)
	}
	if v := dress.Vertexes[1]; v.Bones[0] != twist || v.DeformType != mmd.DeformBDEF1 {
		t.Error("far vertex", v.Bones)
	}
}

func TestCompleteSkeletonsFromOther(t *testing.T) {
	model := newBody(18, 19.8)
	dress := newBody(18, 19.8)
	// the dress lacks the groove; its position follows the model's relative to the anchors
	model.AppendBone(newBone(stdbone.Groove, 0, 8.5, 0, 0))
	model.SortBones()

	if err := CompleteSkeletons(context.Background(), model, dress, nil); err != nil {
		t.Fatal(err)
	}
	g := dress.Bone(stdbone.Groove)
	if g == nil || !g.Pos.NearEquals(&geom.Vector3{Y: 8.5}, 1e-4) {
		t.Fatal("groove", g)
	}
	if p := dress.GetBone(g.ParentID); p == nil || p.Name != stdbone.Center {
		t.Error("groove parent", p)
	}
	for _, name := range []string{stdbone.Upper, stdbone.Lower} {
		if p := dress.GetBone(dress.Bone(name).ParentID); p == nil || p.Name != stdbone.Groove {
			t.Error(name, "parent", p)
		}
	}
}

func TestTwistRatio(t *testing.T) {
	doc := newBody(18, 19.8)
	pos := positionFunc(doc)
	if r, ok := twistRatio(pos, stdbone.Upper, stdbone.Center, stdbone.Neck); !ok || math.Abs(r-0.25) > eps {
		t.Error("ratio", r, ok)
	}
	// degenerate segment
	if r, ok := twistRatio(pos, stdbone.Lower, stdbone.Upper, stdbone.Lower); !ok || math.IsNaN(r) || math.IsInf(r, 0) {
		t.Error("degenerate ratio", r, ok)
	}
	if _, ok := twistRatio(pos, "none", stdbone.Center, stdbone.Neck); ok {
		t.Error("missing bone")
	}
}

func TestSetVertexWeights(t *testing.T) {
	v := &mmd.Vertex{DeformType: mmd.DeformSDEF, SDEF: &mmd.SDEF{}}
	setVertexWeights(v, []int{1, 2, 3, 4, 5}, map[int]float64{1: 0.1, 2: 0.3, 3: 0.2, 4: 0.2, 5: 0.2})
	if len(v.Bones) != 4 || v.Bones[0] != 2 || v.DeformType != mmd.DeformBDEF4 || v.SDEF != nil {
		t.Error("bdef4", v.Bones, v.DeformType)
	}
	sum := 0.0
	for _, w := range v.BoneWeights {
		sum += w
	}
	if math.Abs(sum-1) > eps {
		t.Error("sum", sum)
	}

	v = &mmd.Vertex{DeformType: mmd.DeformSDEF, SDEF: &mmd.SDEF{}}
	setVertexWeights(v, []int{1, 2}, map[int]float64{1: 0.5, 2: 0.5})
	if v.DeformType != mmd.DeformSDEF || v.SDEF == nil {
		t.Error("sdef should be kept", v.DeformType)
	}
}

func TestSDEFBoneOrder(t *testing.T) {
	newVertex := func() *mmd.Vertex {
		return &mmd.Vertex{
			DeformType:  mmd.DeformSDEF,
			Bones:       []int{3, 7},
			BoneWeights: []float64{0.3, 0.7},
			SDEF:        &mmd.SDEF{R0: geom.Vector3{X: 1}, R1: geom.Vector3{X: 2}},
		}
	}
	for _, c := range []struct {
		name  string
		apply func(v *mmd.Vertex)
		bones []int
	}{
		{"set", func(v *mmd.Vertex) { setVertexWeights(v, []int{3, 7}, map[int]float64{3: 0.3, 7: 0.7}) }, []int{3, 7}},
		{"reassign", func(v *mmd.Vertex) { reassignWeight(v, 3, 4) }, []int{4, 7}},
		{"reassign second", func(v *mmd.Vertex) { reassignWeight(v, 7, 5) }, []int{3, 5}},
	} {
		v := newVertex()
		c.apply(v)
		if v.DeformType != mmd.DeformSDEF || len(v.Bones) != 2 || v.Bones[0] != c.bones[0] || v.Bones[1] != c.bones[1] {
			t.Error(c.name, "bones", v.Bones, v.DeformType)
			continue
		}
		if math.Abs(v.BoneWeights[0]-0.3) > eps || math.Abs(v.BoneWeights[1]-0.7) > eps {
			t.Error(c.name, "weights", v.BoneWeights)
		}
		if v.SDEF.R0.X != 1 || v.SDEF.R1.X != 2 {
			t.Error(c.name, "R0/R1 moved", v.SDEF.R0, v.SDEF.R1)
		}
	}
}
