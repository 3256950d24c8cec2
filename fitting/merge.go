package fitting

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/binzume/dressfit/stdbone"
)

const (
	DressPrefix     = "Cos:"
	DressTextureDir = "Costume"
	RootFrameName   = "Root"
	MorphFrameName  = "表情"

	alphaVisible = 1 - 1e-6
)

// Source is a model to merge, posed by Frame. Alphas hide materials by name.
type Source struct {
	Doc    *mmd.Document
	Frame  *deform.Frame
	Alphas map[string]float64
	Dress  bool
}

type mergeSource struct {
	*Source
	rest, posed *deform.Pose
	dir         string

	weighted  map[int][]int
	surviving []bool

	boneMap  []int
	vertMap  []int
	matMap   []int
	morphMap []int
	rigidMap []int
	texMap   map[int]int
	blend    map[int]*geom.Matrix4
}

type textureCopy struct {
	src, dst string
}

type merger struct {
	*runner
	out    *mmd.Document
	outDir string
	c, d   *mergeSource

	// output bone -> source bone
	boneSrc  []*mergeSource
	boneOrig []int
	textures []textureCopy
	texIndex map[string]int
}

// Merge bakes character and dress into a new model and writes it to outputPath.
func Merge(ctx context.Context, character, dress *Source, outputPath string, opt *Options) (*mmd.Document, error) {
	r := newRunner(ctx, opt)
	if character == nil || dress == nil || character.Doc == nil || dress.Doc == nil {
		return nil, ErrModelsNotLoaded
	}
	outDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, &OutputPathInvalidError{Path: outputPath, Err: err}
	}
	m := &merger{runner: r, outDir: outDir, texIndex: map[string]int{}}
	out, err := m.build(character, dress)
	if err != nil {
		return nil, err
	}
	if err := m.save(outputPath); err != nil {
		return nil, err
	}
	return out, nil
}

// BuildMerged bakes character and dress into a new model without touching the file system.
func BuildMerged(ctx context.Context, character, dress *Source, opt *Options) (*mmd.Document, error) {
	if character == nil || dress == nil || character.Doc == nil || dress.Doc == nil {
		return nil, ErrModelsNotLoaded
	}
	m := &merger{runner: newRunner(ctx, opt), texIndex: map[string]int{}}
	return m.build(character, dress)
}

func (m *merger) build(character, dress *Source) (*mmd.Document, error) {
	// 1. seed
	m.out = mmd.NewDocument()
	m.out.Name = character.Doc.Name
	m.out.NameEn = character.Doc.NameEn
	m.out.Comment = character.Doc.Comment
	m.out.CommentEn = character.Doc.CommentEn
	if err := m.step(StageWrite, 1, 10); err != nil {
		return nil, err
	}

	// 2. pose
	m.c = m.prepare(character)
	m.d = m.prepare(dress)
	if err := m.step(StageWrite, 2, 10); err != nil {
		return nil, err
	}

	// 3-5. bones
	if err := m.emitBones(); err != nil {
		return nil, err
	}
	if err := m.step(StageWrite, 5, 10); err != nil {
		return nil, err
	}
	m.remapBones()

	// 6. materials, faces, vertices
	for _, src := range []*mergeSource{m.c, m.d} {
		if err := m.emitMaterials(src); err != nil {
			return nil, err
		}
	}
	if err := m.step(StageWrite, 6, 10); err != nil {
		return nil, err
	}

	// 8. morphs
	for _, src := range []*mergeSource{m.c, m.d} {
		m.emitMorphs(src)
	}
	AddTransparencyMorphs(m.out)
	if err := m.step(StageWrite, 8, 10); err != nil {
		return nil, err
	}

	// 9. physics
	for _, src := range []*mergeSource{m.c, m.d} {
		m.emitRigidBodies(src)
	}
	if err := m.step(StageWrite, 9, 10); err != nil {
		return nil, err
	}

	// 10. display slots
	m.emitDisplayFrames()
	m.out.SortBones()
	if err := mmd.Validate(m.out); err != nil {
		return nil, &InternalError{Detail: err.Error()}
	}
	return m.out, nil
}

func (m *merger) prepare(s *Source) *mergeSource {
	doc := s.Doc
	ev := newEvaluator(doc)
	src := &mergeSource{
		Source:   s,
		rest:     ev.Evaluate(nil, false),
		posed:    ev.Evaluate(s.Frame, false),
		weighted: doc.VerticesByBone(),
		texMap:   map[int]int{},
		blend:    map[int]*geom.Matrix4{},
	}
	if doc.Path != "" {
		src.dir = filepath.Dir(doc.Path)
	}
	src.surviving = make([]bool, len(doc.Vertexes))
	for mi, verts := range doc.VerticesByMaterial() {
		if !src.visible(mi) {
			continue
		}
		for _, v := range verts {
			src.surviving[v] = true
		}
	}
	src.boneMap = newIndexMap(len(doc.Bones))
	src.vertMap = newIndexMap(len(doc.Vertexes))
	src.matMap = newIndexMap(len(doc.Materials))
	src.morphMap = newIndexMap(len(doc.Morphs))
	src.rigidMap = newIndexMap(len(doc.RigidBodies))
	return src
}

func newIndexMap(n int) []int {
	r := make([]int, n)
	for i := range r {
		r[i] = -1
	}
	return r
}

func (s *mergeSource) visible(mi int) bool {
	a, ok := s.Alphas[s.Doc.Materials[mi].Name]
	return !ok || a >= alphaVisible
}

func (s *mergeSource) mapped(table []int, i int) int {
	if i < 0 || i >= len(table) {
		return -1
	}
	return table[i]
}

func (s *mergeSource) survives(bone int) (had, alive bool) {
	for _, v := range s.weighted[bone] {
		had = true
		if s.surviving[v] {
			return true, true
		}
	}
	return had, false
}

// shared reports whether dress bone i is merged into the character bone of the same name.
func (m *merger) shared(i int) int {
	b := m.d.Doc.Bones[i]
	if !stdbone.IsStandard(b.Name) {
		return -1
	}
	return m.c.mapped(m.c.boneMap, m.c.Doc.BoneIndex(b.Name))
}

func (m *merger) emitBones() error {
	dressTails := map[string][]int{}
	for i, b := range m.d.Doc.Bones {
		if stdbone.IsStandard(b.Name) || !b.HasFlag(mmd.BoneFlagTailIndex) {
			continue
		}
		if t := m.d.Doc.GetBone(b.TailID); t != nil {
			dressTails[t.Name] = append(dressTails[t.Name], i)
		}
	}

	for i, b := range m.c.Doc.Bones {
		if err := m.every(i); err != nil {
			return err
		}
		for _, di := range dressTails[b.Name] {
			if m.d.boneMap[di] < 0 {
				m.emitBone(m.d, di)
			}
		}
		m.emitBone(m.c, i)
	}
	if err := m.step(StageWrite, 3, 10); err != nil {
		return err
	}
	for i := range m.d.Doc.Bones {
		if err := m.every(i); err != nil {
			return err
		}
		if m.d.boneMap[i] >= 0 {
			continue
		}
		if o := m.shared(i); o >= 0 {
			m.d.boneMap[i] = o
			continue
		}
		m.emitBone(m.d, i)
	}
	return m.step(StageWrite, 4, 10)
}

func (m *merger) emitBone(src *mergeSource, i int) {
	b := src.Doc.Bones[i]
	standard := stdbone.IsStandard(b.Name)
	had, alive := src.survives(i)
	if !standard && had && !alive {
		return
	}
	if !b.IsVisible() && !alive && b.ParentID >= 0 {
		if phad, palive := src.survives(b.ParentID); phad && !palive {
			return
		}
	}
	nb := *b
	nb.IK.Links = nil
	if src.Dress && !standard {
		nb.Name = DressPrefix + b.Name
		nb.NameEn = DressPrefix + b.NameEn
	}
	nb.Pos = *src.posed.Bones[i].Local.ApplyTo(&b.Pos)
	src.boneMap[i] = m.out.AppendBone(&nb)
	m.boneSrc = append(m.boneSrc, src)
	m.boneOrig = append(m.boneOrig, i)
}

// resolveBone maps a source bone to its output bone, or the nearest emitted ancestor.
func (s *mergeSource) resolveBone(i int) int {
	for n := 0; i >= 0 && i < len(s.boneMap) && n <= len(s.boneMap); n++ {
		if s.boneMap[i] >= 0 {
			return s.boneMap[i]
		}
		i = s.Doc.Bones[i].ParentID
	}
	return -1
}

func (m *merger) remapBones() {
	for oi, nb := range m.out.Bones {
		src, i := m.boneSrc[oi], m.boneOrig[oi]
		b := src.Doc.Bones[i]
		pose := src.posed.Bones[i]

		nb.ParentID = -1
		if b.ParentID >= 0 {
			nb.ParentID = src.resolveBone(b.ParentID)
		}

		if b.HasFlag(mmd.BoneFlagTailIndex) {
			if t := src.mapped(src.boneMap, b.TailID); t >= 0 {
				nb.TailID = t
			} else {
				nb.Flags &^= mmd.BoneFlagTailIndex
				nb.TailID = -1
				nb.TailPos = geom.Vector3{}
				if b.TailID >= 0 && b.TailID < len(src.posed.Bones) {
					nb.TailPos = *src.posed.Bones[b.TailID].Position.Sub(pose.Position)
				}
			}
		} else {
			nb.TailPos = *pose.Local.ApplyToDirection(&b.TailPos)
		}

		if b.HasFlag(mmd.BoneFlagInheritRotation | mmd.BoneFlagInheritTranslation) {
			nb.InheritParentID = src.mapped(src.boneMap, b.InheritParentID)
			if nb.InheritParentID < 0 {
				nb.Flags &^= mmd.BoneFlagInheritRotation | mmd.BoneFlagInheritTranslation
			}
		}
		if b.HasFlag(mmd.BoneFlagFixedAxis) {
			nb.FixedAxis = *pose.Rotation.ApplyTo(&b.FixedAxis)
		}
		if b.HasFlag(mmd.BoneFlagLocalAxis) {
			nb.LocalAxisX = *pose.Rotation.ApplyTo(&b.LocalAxisX)
			nb.LocalAxisZ = *pose.Rotation.ApplyTo(&b.LocalAxisZ)
		}

		if b.IsIK() {
			nb.IK.TargetID = src.mapped(src.boneMap, b.IK.TargetID)
			for _, l := range b.IK.Links {
				if t := src.mapped(src.boneMap, l.TargetID); t >= 0 {
					nl := *l
					nl.TargetID = t
					nb.IK.Links = append(nb.IK.Links, &nl)
				}
			}
			if nb.IK.TargetID < 0 || len(nb.IK.Links) == 0 {
				m.log.Warn("merge.ik_dropped", "bone", nb.Name)
				nb.Flags &^= mmd.BoneFlagEnableIK
				nb.IK = mmd.IK{TargetID: -1}
			} else {
				nb.Pos = *src.posed.Bones[b.IK.TargetID].Position
			}
		}
	}
}

// blendMatrix returns the weighted skinning matrix of vertex vi.
func (s *mergeSource) blendMatrix(vi int) *geom.Matrix4 {
	if mat := s.blend[vi]; mat != nil {
		return mat
	}
	v := s.Doc.Vertexes[vi]
	var mat geom.Matrix4
	total := 0.0
	for i, b := range v.Bones {
		if b < 0 || b >= len(s.posed.Bones) || i >= len(v.BoneWeights) || v.BoneWeights[i] <= 0 {
			continue
		}
		w := v.BoneWeights[i]
		for j, e := range s.posed.Bones[b].Local {
			mat[j] += e * w
		}
		total += w
	}
	if total <= 0 {
		mat = *geom.NewMatrix4()
	} else {
		for j := range mat {
			mat[j] /= total
		}
	}
	s.blend[vi] = &mat
	return &mat
}

func (m *merger) emitVertex(src *mergeSource, vi int) int {
	if o := src.vertMap[vi]; o >= 0 {
		return o
	}
	v := src.Doc.Vertexes[vi]
	mat := src.blendMatrix(vi)
	nv := *v
	nv.Pos = *src.posed.SkinVertex(src.Doc, vi)
	nv.Normal = *mat.ApplyToDirection(&v.Normal).Normalize()
	nv.ExtUVs = append([]geom.Vector4(nil), v.ExtUVs...)
	if v.SDEF != nil {
		nv.SDEF = &mmd.SDEF{C: *mat.ApplyTo(&v.SDEF.C), R0: *mat.ApplyTo(&v.SDEF.R0), R1: *mat.ApplyTo(&v.SDEF.R1)}
	}
	nv.Bones = nil
	nv.BoneWeights = nil
	weights := map[int]float64{}
	var order []int
	for i, b := range v.Bones {
		ob := src.resolveBone(b)
		if ob < 0 {
			ob = 0
		}
		if _, ok := weights[ob]; !ok {
			order = append(order, ob)
		}
		if i < len(v.BoneWeights) {
			weights[ob] += v.BoneWeights[i]
		}
	}
	if len(order) == 0 {
		order = []int{0}
		weights[0] = 1
	}
	setVertexWeights(&nv, order, weights)
	m.out.Vertexes = append(m.out.Vertexes, &nv)
	src.vertMap[vi] = len(m.out.Vertexes) - 1
	return src.vertMap[vi]
}

func (m *merger) emitMaterials(src *mergeSource) error {
	doc := src.Doc
	names := map[string]bool{}
	for _, mat := range m.out.Materials {
		names[mat.Name] = true
	}
	for mi, fr := range doc.MaterialFaces() {
		mat := doc.Materials[mi]
		if !src.visible(mi) {
			m.log.Debug("merge.material_dropped", "material", mat.Name)
			continue
		}
		nm := *mat
		if names[nm.Name] {
			nm.Name = DressPrefix + nm.Name
		}
		nm.TextureID = m.texture(src, mat.TextureID)
		nm.EnvID = m.texture(src, mat.EnvID)
		if mat.ToonType == 0 {
			nm.Toon = m.texture(src, mat.Toon)
		}
		for n, f := range doc.Faces[fr[0]:fr[1]] {
			if err := m.every(n); err != nil {
				return err
			}
			var nf mmd.Face
			for k, v := range f.Verts {
				nf.Verts[k] = m.emitVertex(src, v)
			}
			m.out.Faces = append(m.out.Faces, &nf)
		}
		nm.Count = (fr[1] - fr[0]) * 3
		m.out.Materials = append(m.out.Materials, &nm)
		src.matMap[mi] = len(m.out.Materials) - 1
		names[nm.Name] = true
	}
	return nil
}

// texture registers texture i of src and returns its output index.
func (m *merger) texture(src *mergeSource, i int) int {
	if i < 0 || i >= len(src.Doc.Textures) {
		return -1
	}
	if o, ok := src.texMap[i]; ok {
		return o
	}
	name := src.Doc.Textures[i]
	rel := strings.ReplaceAll(name, "\\", "/")
	local := filepath.IsLocal(filepath.FromSlash(rel))
	outName := name
	if src.Dress && local {
		outName = path.Join(DressTextureDir, rel)
	}
	o, ok := m.texIndex[outName]
	if !ok {
		m.out.Textures = append(m.out.Textures, outName)
		o = len(m.out.Textures) - 1
		m.texIndex[outName] = o
		if !local {
			m.log.Warn("texture.copy_failed", "texture", name, "err", "path leaves the model directory")
		} else if src.dir != "" {
			m.textures = append(m.textures, textureCopy{
				src: filepath.Join(src.dir, filepath.FromSlash(rel)),
				dst: filepath.FromSlash(strings.ReplaceAll(outName, "\\", "/")),
			})
		}
	}
	src.texMap[i] = o
	return o
}

func (m *merger) prefixed(src *mergeSource, name string) string {
	if src.Dress {
		return DressPrefix + name
	}
	return name
}

func (m *merger) emitMorphs(src *mergeSource) {
	doc := src.Doc
	for mi, mo := range doc.Morphs {
		if mo.IsSystem || mo.MorphType == mmd.MorphTypeGroup || mo.MorphType == mmd.MorphTypeFlip {
			continue
		}
		nm := &mmd.Morph{Name: m.prefixed(src, mo.Name), NameEn: m.prefixed(src, mo.NameEn), PanelType: mo.PanelType, MorphType: mo.MorphType}
		for _, o := range mo.Vertex {
			if t := src.mapped(src.vertMap, o.Target); t >= 0 {
				nm.Vertex = append(nm.Vertex, &mmd.MorphVertex{Target: t, Offset: *src.blendMatrix(o.Target).ApplyToDirection(&o.Offset)})
			}
		}
		for _, o := range mo.UV {
			if t := src.mapped(src.vertMap, o.Target); t >= 0 {
				nm.UV = append(nm.UV, &mmd.MorphUV{Target: t, Value: o.Value})
			}
		}
		for _, o := range mo.Bone {
			if t := src.mapped(src.boneMap, o.Target); t >= 0 {
				no := *o
				no.Target = t
				nm.Bone = append(nm.Bone, &no)
			}
		}
		for _, o := range mo.Material {
			t := -1
			if o.Target >= 0 {
				if t = src.mapped(src.matMap, o.Target); t < 0 {
					continue
				}
			}
			no := *o
			no.Target = t
			nm.Material = append(nm.Material, &no)
		}
		if len(mo.Impulse) > 0 {
			m.log.Debug("merge.impulse_dropped", "morph", mo.Name)
		}
		if nm.Len() == 0 {
			continue
		}
		m.out.Morphs = append(m.out.Morphs, nm)
		src.morphMap[mi] = len(m.out.Morphs) - 1
	}

	// group morphs may refer to each other
	isGroup := func(mo *mmd.Morph) bool {
		return mo.MorphType == mmd.MorphTypeGroup || mo.MorphType == mmd.MorphTypeFlip
	}
	ready := func(mo *mmd.Morph) bool {
		for _, o := range mo.Group {
			if o.Target < 0 || o.Target >= len(doc.Morphs) {
				continue
			}
			if t := doc.Morphs[o.Target]; isGroup(t) && !t.IsSystem && src.morphMap[o.Target] < 0 {
				return false
			}
		}
		return true
	}
	pending := map[int]bool{}
	for mi, mo := range doc.Morphs {
		if !mo.IsSystem && isGroup(mo) {
			pending[mi] = true
		}
	}
	for force := false; len(pending) > 0; {
		progress := false
		for mi, mo := range doc.Morphs {
			if !pending[mi] || (!force && !ready(mo)) {
				continue
			}
			delete(pending, mi)
			progress = true
			nm := &mmd.Morph{Name: m.prefixed(src, mo.Name), NameEn: m.prefixed(src, mo.NameEn), PanelType: mo.PanelType, MorphType: mo.MorphType}
			for _, o := range mo.Group {
				if t := src.mapped(src.morphMap, o.Target); t >= 0 {
					nm.Group = append(nm.Group, &mmd.MorphGroup{Target: t, Weight: o.Weight})
				}
			}
			if len(nm.Group) == 0 {
				continue
			}
			m.out.Morphs = append(m.out.Morphs, nm)
			src.morphMap[mi] = len(m.out.Morphs) - 1
		}
		// cyclic references keep whatever resolved
		force = !progress
	}
}

// boneTransform maps rest world positions of bone i to posed world positions.
func (s *mergeSource) boneTransform(i int) *geom.Matrix4 {
	return s.posed.Bones[i].Global.Mul(s.rest.Bones[i].Global.Inverse())
}

func (m *merger) emitRigidBodies(src *mergeSource) {
	doc := src.Doc
	for ri, r := range doc.RigidBodies {
		if r.BoneID < 0 || r.BoneID >= len(doc.Bones) || src.boneMap[r.BoneID] < 0 {
			continue
		}
		mat := src.boneTransform(r.BoneID)
		nr := *r
		nr.BoneID = src.boneMap[r.BoneID]
		nr.Name = m.prefixed(src, r.Name)
		nr.NameEn = m.prefixed(src, r.NameEn)
		nr.Pos = *mat.ApplyTo(&r.Pos)
		nr.Size = *r.Size.Mul(src.posed.Bones[r.BoneID].Global.Scaling())
		if q := src.posed.Bones[r.BoneID].Rotation; !q.IsIdentity(1e-9) {
			rot := geom.NewEuler(r.Rot.X, r.Rot.Y, r.Rot.Z, geom.RotationOrderYXZ).ToQuaternion()
			nr.Rot = geom.NewEulerFromQuaternion(q.Mul(rot), geom.RotationOrderYXZ).Vector3
		}
		m.out.RigidBodies = append(m.out.RigidBodies, &nr)
		src.rigidMap[ri] = len(m.out.RigidBodies) - 1
	}
	for _, j := range doc.Joints {
		a, b := src.mapped(src.rigidMap, j.RigidBodyA), src.mapped(src.rigidMap, j.RigidBodyB)
		if a < 0 || b < 0 {
			continue
		}
		pa := src.boneTransform(doc.RigidBodies[j.RigidBodyA].BoneID).ApplyTo(&j.Pos)
		pb := src.boneTransform(doc.RigidBodies[j.RigidBodyB].BoneID).ApplyTo(&j.Pos)
		nj := *j
		nj.Name = m.prefixed(src, j.Name)
		nj.NameEn = m.prefixed(src, j.NameEn)
		nj.RigidBodyA, nj.RigidBodyB = a, b
		nj.Pos = *pa.Lerp(pb, 0.5)
		m.out.Joints = append(m.out.Joints, &nj)
	}
}

func (m *merger) emitDisplayFrames() {
	root := m.out.BoneIndex(stdbone.Root)
	if root < 0 && len(m.out.Bones) > 0 {
		root = 0
	}
	rootFrame := &mmd.DisplayFrame{Name: RootFrameName, NameEn: RootFrameName, Special: 1}
	if root >= 0 {
		rootFrame.Items = append(rootFrame.Items, &mmd.DisplayItem{Type: mmd.DisplayItemBone, Index: root})
	}
	morphFrame := &mmd.DisplayFrame{Name: MorphFrameName, NameEn: "Exp", Special: 1}
	m.out.DisplayFrames = []*mmd.DisplayFrame{rootFrame, morphFrame}

	frames := map[string]*mmd.DisplayFrame{RootFrameName: rootFrame, MorphFrameName: morphFrame}
	seen := map[[2]int]bool{{int(mmd.DisplayItemBone), root}: true}
	for _, src := range []*mergeSource{m.c, m.d} {
		for _, f := range src.Doc.DisplayFrames {
			df := frames[f.Name]
			if df == nil {
				df = &mmd.DisplayFrame{Name: f.Name, NameEn: f.NameEn, Special: f.Special}
			}
			for _, item := range f.Items {
				idx := -1
				if item.Type == mmd.DisplayItemBone {
					idx = src.mapped(src.boneMap, item.Index)
				} else {
					idx = src.mapped(src.morphMap, item.Index)
				}
				key := [2]int{int(item.Type), idx}
				if idx < 0 || seen[key] {
					continue
				}
				seen[key] = true
				df.Items = append(df.Items, &mmd.DisplayItem{Type: item.Type, Index: idx})
			}
			if frames[f.Name] == nil && len(df.Items) > 0 {
				frames[f.Name] = df
				m.out.DisplayFrames = append(m.out.DisplayFrames, df)
			}
		}
	}
}

// save copies textures and writes the model under the output lock.
func (m *merger) save(outputPath string) error {
	lock, err := acquireLock(m.ctx, m.outDir)
	if err != nil {
		return err
	}
	for _, t := range m.textures {
		dst := filepath.Join(m.outDir, t.dst)
		if err := copyFile(t.src, dst); err != nil {
			m.log.Warn("texture.copy_failed", "src", t.src, "dst", dst, "err", err)
		}
	}
	lock.Release()
	if err := m.step(StageWrite, 7, 10); err != nil {
		return err
	}

	lock, err = acquireLock(m.ctx, m.outDir)
	if err != nil {
		return err
	}
	defer lock.Release()
	if err := m.step(StageWrite, 10, 10); err != nil {
		return err
	}
	if err := writeFileAtomic(outputPath, m.out); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}
	m.log.Info("merge.saved", "path", outputPath, "bones", len(m.out.Bones), "vertices", len(m.out.Vertexes))
	return nil
}
