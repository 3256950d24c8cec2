package converter

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/blezek/tga"
	"github.com/oov/psd"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

const unlitMaterialExt = "KHR_materials_unlit"

type MMDToGLTFOption struct {
	Scale      float32 // Default: 0.08
	ForceUnlit bool

	TextureReCompress      bool
	TextureBytesThreshold  int64 // 0: unlimited
	TextureResolutionLimit int   // 0: unlimited
	TextureScale           float32

	Logger *slog.Logger
}

type mmdToGltf struct {
	*MMDToGLTFOption
	*gltf.Document
	// JointNodeToBone maps bone node indexes to source bones.
	JointNodeToBone map[uint32]*mmd.Bone
}

type textureCache struct {
	srcDir   string
	textures map[string]*textureInfo
}

type textureInfo struct {
	name string
	id   *uint32
	img  image.Image
	err  error
}

func newTextureCache(srcDir string) *textureCache {
	return &textureCache{srcDir: srcDir, textures: map[string]*textureInfo{}}
}

func (c *textureCache) get(name string) *textureInfo {
	if t, ok := c.textures[name]; ok {
		return t
	}
	t := &textureInfo{name: name}
	c.textures[name] = t
	return t
}

func (c *textureCache) path(name string) string {
	return filepath.Join(c.srcDir, filepath.FromSlash(name))
}

func (c *textureCache) getImage(name string) (image.Image, error) {
	t := c.get(name)
	if t.img != nil || t.err != nil {
		return t.img, t.err
	}

	f, err := os.Open(c.path(t.name))
	if err != nil {
		t.err = err
		return nil, err
	}
	defer f.Close()

	t.img, t.err = decodeImage(f, t.name)
	return t.img, t.err
}

// decodeImage picks the decoder by extension. Format sniffing is not reliable
// once a decoder registered without magic bytes is linked.
func decodeImage(r io.Reader, name string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return png.Decode(r)
	case ".jpg", ".jpeg":
		return jpeg.Decode(r)
	case ".gif":
		return gif.Decode(r)
	case ".bmp":
		return bmp.Decode(r)
	case ".tga":
		return tga.Decode(r)
	case ".psd":
		p, _, err := psd.Decode(r, &psd.DecodeOptions{})
		if err != nil {
			return nil, err
		}
		return p.Picker, nil
	}
	img, _, err := image.Decode(r)
	return img, err
}

// TexturePath converts a PMX texture reference to a slash separated relative path.
func TexturePath(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

func NewMMDToGLTFConverter(options *MMDToGLTFOption) *mmdToGltf {
	if options == nil {
		options = &MMDToGLTFOption{}
	}
	if options.Scale == 0 {
		options.Scale = 0.08
	}
	if options.TextureScale == 0 {
		options.TextureScale = 1.0
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &mmdToGltf{
		MMDToGLTFOption: options,
		Document:        gltf.NewDocument(),
		JointNodeToBone: map[uint32]*mmd.Bone{},
	}
}

// position converts a MMD (left handed) position to glTF space.
func (m *mmdToGltf) position(v *geom.Vector3) [3]float32 {
	s := float64(m.Scale)
	return [3]float32{float32(v.X * s), float32(v.Y * s), float32(-v.Z * s)}
}

func (m *mmdToGltf) addMatrices(mat [][4][4]float32) uint32 {
	a := make([][4]float32, len(mat)*4)
	for i, m := range mat {
		a[i*4+0] = m[0]
		a[i*4+1] = m[1]
		a[i*4+2] = m[2]
		a[i*4+3] = m[3]
	}
	acc := modeler.WriteTangent(m.Document, a)
	m.Accessors[acc].Type = gltf.AccessorMat4
	m.Accessors[acc].Count /= 4
	m.BufferViews[*m.Accessors[acc].BufferView].ByteStride *= 4
	return acc
}

// addBoneNodes appends a node per bone. Bone i becomes node base+i.
func (m *mmdToGltf) addBoneNodes(bones []*mmd.Bone) uint32 {
	base := uint32(len(m.Nodes))
	for i, b := range bones {
		m.JointNodeToBone[base+uint32(i)] = b
		m.Nodes = append(m.Nodes, &gltf.Node{Name: b.Name, Translation: m.position(&b.Pos), Rotation: [4]float32{0, 0, 0, 1}})
	}

	for i, b := range bones {
		node := m.Nodes[base+uint32(i)]
		if b.ParentID >= 0 && b.ParentID < len(bones) && b.ParentID != i {
			parent := bones[b.ParentID]
			node.Translation = m.position(b.Pos.Sub(&parent.Pos))
			parentNode := m.Nodes[base+uint32(b.ParentID)]
			parentNode.Children = append(parentNode.Children, base+uint32(i))
		} else {
			m.Scenes[0].Nodes = append(m.Scenes[0].Nodes, base+uint32(i))
		}
	}
	return base
}

// getWeights keeps the four largest weights of every vertex, normalized.
func (m *mmdToGltf) getWeights(doc *mmd.Document) ([][4]uint16, [][4]float32) {
	joints := make([][4]uint16, len(doc.Vertexes))
	weights := make([][4]float32, len(doc.Vertexes))
	for vi, v := range doc.Vertexes {
		n := 0
		for i, b := range v.Bones {
			if b < 0 || b >= len(doc.Bones) || i >= len(v.BoneWeights) || v.BoneWeights[i] <= 0 {
				continue
			}
			w := float32(v.BoneWeights[i])
			jindex := n
			if n >= 4 {
				// Overwrite smallest weight.
				minWeight := w
				jindex = -1
				for k, ww := range weights[vi] {
					if ww < minWeight {
						minWeight = ww
						jindex = k
					}
				}
				if jindex < 0 {
					continue
				}
			} else {
				n++
			}
			joints[vi][jindex] = uint16(b)
			weights[vi][jindex] = w
		}
		var sum float32
		for _, w := range weights[vi] {
			sum += w
		}
		if sum <= 0 {
			weights[vi] = [4]float32{1, 0, 0, 0}
			continue
		}
		for i := range weights[vi] {
			weights[vi][i] /= sum
		}
	}
	return joints, weights
}

func (m *mmdToGltf) addSkin(bones []*mmd.Bone, base uint32) uint32 {
	joints := make([]uint32, len(bones))
	invmats := make([][4][4]float32, len(bones))
	for i, b := range bones {
		joints[i] = base + uint32(i)
		p := m.position(&b.Pos)
		invmats[i] = [4][4]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{-p[0], -p[1], -p[2], 1},
		}
	}
	m.Skins = append(m.Skins, &gltf.Skin{
		Joints:              joints,
		InverseBindMatrices: gltf.Index(m.addMatrices(invmats)),
	})
	return uint32(len(m.Skins) - 1)
}

func hasAlpha(texture string, textures *textureCache) bool {
	ext := strings.ToLower(filepath.Ext(texture))
	if texture == "" || ext == ".jpg" || ext == ".jpeg" || ext == ".bmp" {
		return false
	}
	img, err := textures.getImage(texture)
	if err != nil {
		return false
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

func scaleTexture(texture string, mime string, textures *textureCache, scale float32, limit int) (io.Reader, error) {
	img, err := textures.getImage(texture)
	if err != nil {
		return nil, err
	}
	rect := img.Bounds()

	if limit > 0 {
		sz := int(float32(rect.Dx()) * scale)
		if sz > limit {
			scale *= float32(limit) / float32(sz)
		}
	}

	if scale != 1.0 {
		dst := image.NewRGBA(image.Rect(0, 0, int(float32(rect.Dx())*scale), int(float32(rect.Dy())*scale)))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Over, nil)
		img = dst
	}

	w := new(bytes.Buffer)
	if mime == "image/png" {
		err = png.Encode(w, img)
	} else {
		err = jpeg.Encode(w, img, nil)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (m *mmdToGltf) addTexture(texture string, textures *textureCache) (*uint32, error) {
	t := textures.get(texture)
	if t.id != nil {
		return t.id, nil
	}
	ext := strings.ToLower(filepath.Ext(texture))

	encode := m.TextureReCompress || m.TextureResolutionLimit > 0
	if m.TextureBytesThreshold > 0 {
		stat, err := os.Stat(textures.path(texture))
		if err != nil {
			return nil, err
		}
		if stat.Size() > m.TextureBytesThreshold {
			encode = true
		}
	}

	var mimeType string
	if ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	} else if ext == ".png" {
		mimeType = "image/png"
	} else {
		mimeType = "image/png"
		encode = true
	}

	var r io.Reader
	if encode {
		r2, err := scaleTexture(texture, mimeType, textures, m.TextureScale, m.TextureResolutionLimit)
		if err != nil {
			return nil, err
		}
		r = r2
	} else {
		f, err := os.Open(textures.path(texture))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	img, err := modeler.WriteImage(m.Document, filepath.Base(texture), mimeType, r)
	if err != nil {
		return nil, err
	}
	m.Buffers[0].ByteLength = uint32(len(m.Buffers[0].Data)) // avoid AddImage bug
	m.Textures = append(m.Textures,
		&gltf.Texture{Sampler: gltf.Index(0), Source: gltf.Index(img)})

	t.id = gltf.Index(uint32(len(m.Textures)) - 1)

	return t.id, nil
}

func (m *mmdToGltf) convertMaterial(doc *mmd.Document, mat *mmd.Material, textures *textureCache) *gltf.Material {
	var rf float32 = 0.9
	var mf float32 = 0
	mm := &gltf.Material{
		Name: mat.Name,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &[4]float32{float32(mat.Color.X), float32(mat.Color.Y), float32(mat.Color.Z), float32(mat.Color.W)},
			RoughnessFactor: &rf,
			MetallicFactor:  &mf,
		},
		DoubleSided: mat.Flags&mmd.MaterialFlagDoubleSided != 0,
	}

	var texture string
	if mat.TextureID >= 0 && mat.TextureID < len(doc.Textures) {
		texture = TexturePath(doc.Textures[mat.TextureID])
	}
	if mat.Color.W < 0.99 || hasAlpha(texture, textures) {
		mm.AlphaMode = gltf.AlphaBlend
	}
	if m.ForceUnlit {
		mm.Extensions = map[string]interface{}{unlitMaterialExt: map[string]string{}}
	}

	if texture != "" {
		if tex, err := m.addTexture(texture, textures); err == nil {
			mm.PBRMetallicRoughness.BaseColorTexture = &gltf.TextureInfo{
				Index: *tex,
			}
		} else {
			m.Logger.Warn("texture.read_failed", "texture", texture, "err", err)
		}
	}
	return mm
}

// Convert builds a skinned glTF document from doc. Textures are resolved against textureDir.
func (m *mmdToGltf) Convert(doc *mmd.Document, textureDir string) (*gltf.Document, error) {
	if len(doc.Vertexes) == 0 {
		return nil, fmt.Errorf("no vertices")
	}
	for _, f := range doc.Faces {
		for _, v := range f.Verts {
			if v < 0 || v >= len(doc.Vertexes) {
				return nil, fmt.Errorf("face vertex %d out of range", v)
			}
		}
	}

	meshNode := uint32(len(m.Nodes))
	m.Nodes = append(m.Nodes, &gltf.Node{Name: doc.Name})
	m.Scenes[0].Nodes = append(m.Scenes[0].Nodes, meshNode)
	base := m.addBoneNodes(doc.Bones)

	vertexes := make([][3]float32, len(doc.Vertexes))
	normals := make([][3]float32, len(doc.Vertexes))
	texcood0 := make([][2]float32, len(doc.Vertexes))
	for i, v := range doc.Vertexes {
		vertexes[i] = m.position(&v.Pos)
		n := v.Normal.Normalized()
		if n.IsZero() {
			n = &geom.Vector3{Y: 1}
		}
		normals[i] = [3]float32{float32(n.X), float32(n.Y), float32(-n.Z)}
		texcood0[i] = v.UV.Float32()
	}

	attributes := map[string]uint32{
		"POSITION":   modeler.WritePosition(m.Document, vertexes),
		"TEXCOORD_0": modeler.WriteTextureCoord(m.Document, texcood0),
	}
	if !m.ForceUnlit {
		attributes["NORMAL"] = modeler.WriteNormal(m.Document, normals)
	}
	if len(doc.Bones) > 0 {
		j, w := m.getWeights(doc)
		attributes["JOINTS_0"] = modeler.WriteJoints(m.Document, j)
		attributes["WEIGHTS_0"] = modeler.WriteWeights(m.Document, w)
	}

	// morph
	var targets []map[string]uint32
	var targetNames []string
	for _, mo := range doc.Morphs {
		if mo.MorphType != mmd.MorphTypeVertex || len(mo.Vertex) == 0 {
			continue
		}
		mv := make([][3]float32, len(vertexes))
		for _, o := range mo.Vertex {
			if o.Target >= 0 && o.Target < len(mv) {
				mv[o.Target] = m.position(&o.Offset)
			}
		}
		targets = append(targets, map[string]uint32{
			"POSITION": modeler.WritePosition(m.Document, mv),
		})
		targetNames = append(targetNames, mo.Name)
	}

	textures := newTextureCache(textureDir)
	useUnlit := false
	var primitives []*gltf.Primitive
	for mi, fr := range doc.MaterialFaces() {
		mat := doc.Materials[mi]
		mm := m.convertMaterial(doc, mat, textures)
		if mm.Extensions[unlitMaterialExt] != nil {
			useUnlit = true
		}
		m.Materials = append(m.Materials, mm)
		if fr[0] == fr[1] {
			continue
		}

		indices := make([]uint32, 0, (fr[1]-fr[0])*3)
		for _, f := range doc.Faces[fr[0]:fr[1]] {
			indices = append(indices, uint32(f.Verts[0]), uint32(f.Verts[2]), uint32(f.Verts[1]))
		}
		// make primitive for each materials
		primitives = append(primitives, &gltf.Primitive{
			Indices:    gltf.Index(modeler.WriteIndices(m.Document, indices)),
			Attributes: attributes,
			Material:   gltf.Index(uint32(mi)),
			Targets:    targets,
		})
	}
	if useUnlit {
		m.ExtensionsUsed = append(m.ExtensionsUsed, unlitMaterialExt)
	}
	if len(m.Textures) > 0 {
		m.Samplers = []*gltf.Sampler{{}}
	}

	m.Meshes = append(m.Meshes, &gltf.Mesh{
		Name:       doc.Name,
		Primitives: primitives,
		Extras:     map[string]interface{}{"targetNames": targetNames},
	})
	m.Nodes[meshNode].Mesh = gltf.Index(uint32(len(m.Meshes) - 1))
	if len(doc.Bones) > 0 {
		m.Nodes[meshNode].Skin = gltf.Index(m.addSkin(doc.Bones, base))
	}
	return m.Document, nil
}

// SaveGLB writes doc as a binary glTF file.
func SaveGLB(doc *gltf.Document, path string) error {
	return gltf.SaveBinary(doc, path)
}
