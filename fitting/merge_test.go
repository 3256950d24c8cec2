package fitting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

func fitAndMerge(t *testing.T, character, dress *mmd.Document, dressAlphas map[string]float64) (*Result, *mmd.Document) {
	t.Helper()
	res, err := Fit(context.Background(), character, dress, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := BuildMerged(context.Background(),
		&Source{Doc: res.Character, Frame: deform.NewFrame()},
		&Source{Doc: res.Dress, Frame: DressFrame(nil), Alphas: dressAlphas, Dress: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return res, out
}

func checkIndexes(t *testing.T, out *mmd.Document) {
	t.Helper()
	for i, b := range out.Bones {
		if b.ParentID < -1 || b.ParentID >= len(out.Bones) {
			t.Error("bone parent", i, b.Name, b.ParentID)
		}
		if b.IsIK() && len(b.IK.Links) == 0 {
			t.Error("IK without links", b.Name)
		}
	}
	for i, v := range out.Vertexes {
		sum := 0.0
		for j, b := range v.Bones {
			if b < 0 || b >= len(out.Bones) {
				t.Error("vertex bone", i, b)
			}
			sum += v.BoneWeights[j]
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Error("vertex weights", i, v.BoneWeights)
		}
	}
}

func TestMergeIdentical(t *testing.T) {
	res, out := fitAndMerge(t, newCharacter(), newDress(), nil)
	checkIndexes(t, out)

	if len(out.Vertexes) != len(res.Character.Vertexes)+len(res.Dress.Vertexes) {
		t.Error("vertex count", len(out.Vertexes))
	}
	if len(out.Faces) != 4 || len(out.Materials) != 4 {
		t.Error("faces/materials", len(out.Faces), len(out.Materials))
	}
	if out.Bone("髪") == nil {
		t.Error("character bone should keep its name")
	}
	if out.Bone("スカート") != nil || out.Bone(DressPrefix+"スカート") == nil {
		t.Error("dress-only bone should be renamed")
	}
	for _, b := range out.Bones {
		if strings.HasPrefix(b.Name, DressPrefix) && stdbone.IsStandard(strings.TrimPrefix(b.Name, DressPrefix)) {
			t.Error("semi-standard bone renamed", b.Name)
		}
	}
	if n := len(out.Bones); n != len(res.Character.Bones)+1 {
		t.Error("shared bones should be merged", n)
	}

	// baked positions equal the rest positions when nothing moves
	hat := out.MaterialIndex("hat")
	if hat < 0 {
		t.Fatal("hat material not found")
	}
	for _, vi := range out.VerticesByMaterial()[hat] {
		if y := out.Vertexes[vi].Pos.Y; y < 19.5-eps || y > 20+eps {
			t.Error("hat vertex", vi, out.Vertexes[vi].Pos)
		}
	}

	for _, name := range []string{"hat", "skirt", "face", "hair"} {
		if out.MorphIndex(name+TransparencySuffix) < 0 {
			t.Error("transparency morph", name)
		}
	}
	if out.MorphIndex(FittingMorphName) >= 0 || out.MorphIndex("頭SX") >= 0 {
		t.Error("system morphs should not be written")
	}
	if len(out.DisplayFrames) == 0 || out.DisplayFrames[0].Name != RootFrameName ||
		len(out.DisplayFrames[0].Items) != 1 || out.Bones[out.DisplayFrames[0].Items[0].Index].Name != stdbone.Root {
		t.Error("root display frame", out.DisplayFrames)
	}
}

func TestMergeMaterialAlpha(t *testing.T) {
	_, out := fitAndMerge(t, newCharacter(), newDress(), map[string]float64{"skirt": 0.4})
	checkIndexes(t, out)

	if len(out.Vertexes) != 9 || len(out.Faces) != 3 {
		t.Error("skirt should be dropped", len(out.Vertexes), len(out.Faces))
	}
	if out.MaterialIndex("skirt") >= 0 || out.MorphIndex("skirt"+TransparencySuffix) >= 0 {
		t.Error("skirt material or morph remains")
	}
	if out.MorphIndex("hat"+TransparencySuffix) < 0 {
		t.Error("hat transparency morph not found")
	}
	if out.Bone(DressPrefix+"スカート") != nil {
		t.Error("bone without surviving vertices should be skipped")
	}
}

func TestMergeMorphs(t *testing.T) {
	character := newCharacter()
	dress := newDress()
	dress.Morphs = []*mmd.Morph{
		{Name: "up", MorphType: mmd.MorphTypeVertex, Vertex: []*mmd.MorphVertex{
			{Target: 0, Offset: geom.Vector3{Y: 1}},
			{Target: 4, Offset: geom.Vector3{Y: 1}},
		}},
		{Name: "skirtonly", MorphType: mmd.MorphTypeVertex, Vertex: []*mmd.MorphVertex{
			{Target: 4, Offset: geom.Vector3{Y: 1}},
		}},
		{Name: "all", MorphType: mmd.MorphTypeGroup, Group: []*mmd.MorphGroup{
			{Target: 3, Weight: 1},
			{Target: 0, Weight: 0.5},
		}},
		{Name: "inner", MorphType: mmd.MorphTypeGroup, Group: []*mmd.MorphGroup{
			{Target: 0, Weight: 1},
		}},
	}
	_, out := fitAndMerge(t, character, dress, map[string]float64{"skirt": 0})

	up := out.MorphIndex(DressPrefix + "up")
	if up < 0 {
		t.Fatal("morph not found")
	}
	if len(out.Morphs[up].Vertex) != 1 || math.Abs(out.Morphs[up].Vertex[0].Offset.Y-1) > eps {
		t.Error("vertex offsets", out.Morphs[up].Vertex)
	}
	if out.MorphIndex(DressPrefix+"skirtonly") >= 0 {
		t.Error("empty morph should be dropped")
	}
	all := out.MorphIndex(DressPrefix + "all")
	inner := out.MorphIndex(DressPrefix + "inner")
	if all < 0 || inner < 0 {
		t.Fatal("group morphs not found")
	}
	g := out.Morphs[all].Group
	if len(g) != 2 || g[0].Target != inner || g[1].Target != up {
		t.Error("group targets", g)
	}
}

func TestMergeModelsNotLoaded(t *testing.T) {
	_, err := Merge(context.Background(), &Source{}, &Source{Doc: newDress()}, filepath.Join(t.TempDir(), "a.pmx"), nil)
	if !errors.Is(err, ErrModelsNotLoaded) {
		t.Error("ErrModelsNotLoaded expected", err)
	}
}

func TestMergeWrite(t *testing.T) {
	res, err := Fit(context.Background(), newCharacter(), newDress(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "a", "b", "merged.pmx")
	out, err := Merge(context.Background(),
		&Source{Doc: res.Character},
		&Source{Doc: res.Dress, Frame: DressFrame(nil), Dress: true}, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := mmd.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Vertexes) != len(out.Vertexes) || len(doc.Bones) != len(out.Bones) || len(doc.Morphs) != len(out.Morphs) {
		t.Error("read back", len(doc.Vertexes), len(doc.Bones), len(doc.Morphs))
	}
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := acquireLock(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := acquireLock(ctx, dir); !errors.Is(err, ErrCancelled) {
		t.Error("second lock should wait until cancelled", err)
	}
	lock.Release()
	lock, err = acquireLock(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	lock.Release()
}

func TestLockLeftBehind(t *testing.T) {
	dir := t.TempDir()
	// a crashed run leaves the file without holding the lock
	if err := os.WriteFile(filepath.Join(dir, lockFileName), []byte("12345\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lock, err := acquireLock(ctx, dir)
	if err != nil {
		t.Fatal("left behind lock file should not block", err)
	}
	lock.Release()

	if _, err := acquireLock(context.Background(), filepath.Join(dir, "none")); err == nil {
		t.Error("lock in a missing directory should fail")
	} else if errors.Is(err, ErrCancelled) {
		t.Error("missing directory is not a cancellation", err)
	}
}

func TestMergeJointPosition(t *testing.T) {
	tests := []struct {
		name   string
		bodyA  int
		bodyB  int
		expect float64
	}{
		{"neck to head", 0, 1, 17.5},
		{"head to head", 1, 2, 18},
		{"neck to neck", 0, 3, 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dress := newDress()
			neck, head := dress.BoneIndex(stdbone.Neck), dress.BoneIndex(stdbone.Head)
			for i, b := range []int{neck, head, head, neck} {
				dress.RigidBodies = append(dress.RigidBodies, &mmd.RigidBody{
					Name: fmt.Sprint("r", i), BoneID: b, Shape: mmd.RigidShapeSphere,
					Size: geom.Vector3{X: 1, Y: 1, Z: 1}, Pos: dress.Bones[b].Pos,
				})
			}
			dress.Joints = []*mmd.Joint{{Name: "j", RigidBodyA: tt.bodyA, RigidBodyB: tt.bodyB, Pos: geom.Vector3{Y: 17}}}
			f := deform.NewFrame()
			f.Bone(stdbone.Head).Position = geom.Vector3{Y: 1}

			out, err := BuildMerged(context.Background(),
				&Source{Doc: newCharacter()},
				&Source{Doc: dress, Frame: f, Dress: true}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(out.Joints) != 1 {
				t.Fatal("joints", len(out.Joints))
			}
			j := out.Joints[0]
			if j.Name != DressPrefix+"j" || j.RigidBodyA != tt.bodyA || j.RigidBodyB != tt.bodyB {
				t.Error("joint", j.Name, j.RigidBodyA, j.RigidBodyB)
			}
			if math.Abs(j.Pos.Y-tt.expect) > eps || math.Abs(j.Pos.X) > eps {
				t.Error("joint position", j.Pos)
			}
		})
	}
}

func TestMergeTextures(t *testing.T) {
	root := t.TempDir()
	cdir := filepath.Join(root, "models", "character")
	ddir := filepath.Join(root, "models", "dress")
	for path, data := range map[string]string{
		filepath.Join(cdir, "tex", "face.png"): "face",
		filepath.Join(ddir, "skirt.png"):       "skirt",
	} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	character := newCharacter()
	character.Path = filepath.Join(cdir, "character.pmx")
	character.Textures = []string{"tex\\face.png"}
	character.Materials[0].TextureID = 0

	dress := newDress()
	dress.Path = filepath.Join(ddir, "dress.pmx")
	addTriangle(dress, "ribbon", dress.BoneIndex(stdbone.Head), &geom.Vector3{Y: 19})
	dress.Textures = []string{"skirt.png", "missing.png", "..\\..\\evil.png"}
	for i, m := range dress.Materials {
		m.TextureID = i
	}

	var buf bytes.Buffer
	opt := &Options{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	outDir := filepath.Join(root, "a", "b", "c")
	out, err := Merge(context.Background(),
		&Source{Doc: character},
		&Source{Doc: dress, Dress: true}, filepath.Join(outDir, "merged.pmx"), opt)
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"tex\\face.png", "Costume/skirt.png", "Costume/missing.png", "..\\..\\evil.png"}
	if len(out.Textures) != len(expected) {
		t.Fatal("textures", out.Textures)
	}
	for i, name := range expected {
		if out.Textures[i] != name {
			t.Error("texture", i, out.Textures[i], name)
		}
	}
	if i := out.MaterialIndex("ribbon"); i < 0 || out.Materials[i].TextureID != 3 {
		t.Error("ribbon texture", i)
	}

	for path, data := range map[string]string{
		filepath.Join(outDir, "tex", "face.png"):      "face",
		filepath.Join(outDir, "Costume", "skirt.png"): "skirt",
	} {
		b, err := os.ReadFile(path)
		if err != nil || string(b) != data {
			t.Error("copied texture", path, string(b), err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "a", "evil.png")); !os.IsNotExist(err) {
		t.Error("texture outside the output directory", err)
	}

	var missing, escaped bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "texture.copy_failed") {
			continue
		}
		missing = missing || strings.Contains(line, "missing.png")
		escaped = escaped || strings.Contains(line, "evil.png")
	}
	if !missing || !escaped {
		t.Error("copy warnings", buf.String())
	}
}

func TestMergeRootFrame(t *testing.T) {
	tests := []struct {
		name   string
		fitted bool
		expect string
	}{
		{"completed skeleton", true, stdbone.Root},
		{"raw models", false, stdbone.Center},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out *mmd.Document
			if tt.fitted {
				_, out = fitAndMerge(t, newCharacter(), newDress(), nil)
			} else {
				var err error
				out, err = BuildMerged(context.Background(),
					&Source{Doc: newCharacter()},
					&Source{Doc: newDress(), Dress: true}, nil)
				if err != nil {
					t.Fatal(err)
				}
			}
			checkIndexes(t, out)
			if len(out.DisplayFrames) == 0 || len(out.DisplayFrames[0].Items) != 1 {
				t.Fatal("root display frame", out.DisplayFrames)
			}
			item := out.DisplayFrames[0].Items[0]
			if item.Type != mmd.DisplayItemBone || out.Bones[item.Index].Name != tt.expect {
				t.Error("root frame bone", out.Bones[item.Index].Name)
			}
		})
	}
}
