package mmd

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// see also:
// https://gist.github.com/felixjones/f8a06bd48f9da9a4539f

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

type PMXParser struct {
	baseParser
	header *Header
}

func NewPMXParser(r io.Reader) *PMXParser {
	return &PMXParser{baseParser: baseParser{r: r}}
}

func (p *PMXParser) readIndex(attrTyp int) int {
	return p.readVInt(p.header.Info[attrTyp])
}

func (p *PMXParser) readUIndex(attrTyp int) int {
	return p.readVUInt(p.header.Info[attrTyp])
}

func (p *PMXParser) readText() string {
	n := p.readInt()
	if n <= 0 || p.err != nil {
		return ""
	}
	data := make([]byte, n)
	p.read(data)
	if p.header.Info[AttrStringEncoding] == 0 {
		s, err := utf16le.NewDecoder().Bytes(data)
		if err != nil {
			p.err = err
			return ""
		}
		return string(s)
	}
	return string(data)
}

func (p *PMXParser) readHeader() error {
	var h = p.header
	if h == nil {
		h = &Header{}
		h.Format = make([]byte, 4)
		p.read(&h.Format)
		p.header = h
	}
	if string(h.Format) != "PMX " {
		return fmt.Errorf("unsupported format: %q", h.Format)
	}
	p.read(&h.Version)
	h.Info = make([]byte, p.readUint8())
	p.read(&h.Info)
	if len(h.Info) < 8 {
		return fmt.Errorf("broken pmx header")
	}
	return p.err
}

func (p *PMXParser) readVertex() (*Vertex, error) {
	var v Vertex
	v.Pos = p.readVector3()
	v.Normal = p.readVector3()
	v.UV = p.readVector2()
	for i := 0; i < int(p.header.Info[AttrExtUV]); i++ {
		v.ExtUVs = append(v.ExtUVs, p.readVector4())
	}
	v.DeformType = p.readUint8()
	switch v.DeformType {
	case DeformBDEF1:
		v.Bones = []int{p.readIndex(AttrBoneIndexSz)}
		v.BoneWeights = []float64{1}
	case DeformBDEF2:
		v.Bones = []int{p.readIndex(AttrBoneIndexSz), p.readIndex(AttrBoneIndexSz)}
		w := p.readFloat()
		v.BoneWeights = []float64{w, 1 - w}
	case DeformBDEF4, DeformQDEF:
		v.Bones = make([]int, 4)
		for i := range v.Bones {
			v.Bones[i] = p.readIndex(AttrBoneIndexSz)
		}
		v.BoneWeights = make([]float64, 4)
		for i := range v.BoneWeights {
			v.BoneWeights[i] = p.readFloat()
		}
	case DeformSDEF:
		v.Bones = []int{p.readIndex(AttrBoneIndexSz), p.readIndex(AttrBoneIndexSz)}
		w := p.readFloat()
		v.BoneWeights = []float64{w, 1 - w}
		v.SDEF = &SDEF{C: p.readVector3(), R0: p.readVector3(), R1: p.readVector3()}
	default:
		return nil, fmt.Errorf("unknown weight type %d", v.DeformType)
	}
	v.EdgeScale = p.readFloat()
	return &v, p.err
}

func (p *PMXParser) readFace() *Face {
	var f Face
	f.Verts[0] = p.readUIndex(AttrVertIndexSz)
	f.Verts[1] = p.readUIndex(AttrVertIndexSz)
	f.Verts[2] = p.readUIndex(AttrVertIndexSz)
	return &f
}

func (p *PMXParser) readMaterial() *Material {
	var m Material
	m.Name = p.readText()
	m.NameEn = p.readText()
	m.Color = p.readVector4()
	m.Specular = p.readVector3()
	m.Specularity = p.readFloat()
	m.AColor = p.readVector3()
	m.Flags = p.readUint8()
	m.EdgeColor = p.readVector4()
	m.EdgeScale = p.readFloat()
	m.TextureID = p.readIndex(AttrTexIndexSz)
	m.EnvID = p.readIndex(AttrTexIndexSz)
	m.EnvMode = p.readUint8()
	m.ToonType = p.readUint8()
	if m.ToonType == 0 {
		m.Toon = p.readIndex(AttrTexIndexSz)
	} else {
		m.Toon = int(p.readUint8())
	}
	m.Memo = p.readText()
	m.Count = p.readInt()
	return &m
}

func (p *PMXParser) readBone() *Bone {
	var b Bone
	b.Name = p.readText()
	b.NameEn = p.readText()
	b.Pos = p.readVector3()
	b.ParentID = p.readIndex(AttrBoneIndexSz)
	b.Layer = p.readInt()
	b.Flags = p.readUint16()
	b.InheritParentID = -1
	b.IK.TargetID = -1

	if b.Flags&BoneFlagTailIndex != 0 {
		b.TailID = p.readIndex(AttrBoneIndexSz)
	} else {
		b.TailID = -1
		b.TailPos = p.readVector3()
	}
	if b.Flags&(BoneFlagInheritRotation|BoneFlagInheritTranslation) != 0 {
		b.InheritParentID = p.readIndex(AttrBoneIndexSz)
		b.InheritParentInfluence = p.readFloat()
	}
	if b.Flags&BoneFlagFixedAxis != 0 {
		b.FixedAxis = p.readVector3()
	}
	if b.Flags&BoneFlagLocalAxis != 0 {
		b.LocalAxisX = p.readVector3()
		b.LocalAxisZ = p.readVector3()
	}
	if b.Flags&BoneFlagExternalParent != 0 {
		b.ExternalParentKey = p.readInt()
	}
	if b.Flags&BoneFlagEnableIK != 0 {
		b.IK.TargetID = p.readIndex(AttrBoneIndexSz)
		b.IK.Loop = p.readInt()
		b.IK.LimitRad = p.readFloat()
		links := p.readInt()
		for i := 0; i < links && p.err == nil; i++ {
			var l Link
			l.TargetID = p.readIndex(AttrBoneIndexSz)
			l.HasLimit = p.readUint8() != 0
			if l.HasLimit {
				l.LimitMin = p.readVector3()
				l.LimitMax = p.readVector3()
			}
			b.IK.Links = append(b.IK.Links, &l)
		}
	}
	return &b
}

func (p *PMXParser) readMorph() (*Morph, error) {
	var m Morph
	m.Name = p.readText()
	m.NameEn = p.readText()
	m.PanelType = p.readUint8()
	m.MorphType = p.readUint8()

	n := p.readInt()
	for i := 0; i < n && p.err == nil; i++ {
		switch m.MorphType {
		case MorphTypeGroup, MorphTypeFlip:
			m.Group = append(m.Group, &MorphGroup{
				Target: p.readIndex(AttrMorphIndexSz),
				Weight: p.readFloat(),
			})
		case MorphTypeVertex:
			var v MorphVertex
			v.Target = p.readUIndex(AttrVertIndexSz)
			v.Offset = p.readVector3()
			m.Vertex = append(m.Vertex, &v)
		case MorphTypeBone:
			v := NewIdentityMorphBone(p.readIndex(AttrBoneIndexSz))
			v.Translation = p.readVector3()
			v.Rotation = p.readVector4()
			m.Bone = append(m.Bone, v)
		case MorphTypeUV, MorphTypeExtUV1, MorphTypeExtUV2, MorphTypeExtUV3, MorphTypeExtUV4:
			var v MorphUV
			v.Target = p.readUIndex(AttrVertIndexSz)
			v.Value = p.readVector4()
			m.UV = append(m.UV, &v)
		case MorphTypeMaterial:
			var v MorphMaterial
			v.Target = p.readIndex(AttrMatIndexSz)
			v.Flags = p.readUint8()
			v.Diffuse = p.readVector4()
			v.Specular = p.readVector3()
			v.Specularity = p.readFloat()
			v.Ambient = p.readVector3()
			v.EdgeColor = p.readVector4()
			v.EdgeSize = p.readFloat()
			v.TextureTint = p.readVector4()
			v.EnvironmentTint = p.readVector4()
			v.ToonTint = p.readVector4()
			m.Material = append(m.Material, &v)
		case MorphTypeImpulse:
			var v MorphImpulse
			v.Target = p.readIndex(AttrRBIndexSz)
			v.Local = p.readUint8()
			v.Velocity = p.readVector3()
			v.Torque = p.readVector3()
			m.Impulse = append(m.Impulse, &v)
		default:
			return nil, fmt.Errorf("unknown morph type %d", m.MorphType)
		}
	}
	return &m, p.err
}

func (p *PMXParser) readDisplayFrame() *DisplayFrame {
	var f DisplayFrame
	f.Name = p.readText()
	f.NameEn = p.readText()
	f.Special = p.readUint8()
	n := p.readInt()
	for i := 0; i < n && p.err == nil; i++ {
		item := &DisplayItem{Type: p.readUint8()}
		if item.Type == DisplayItemBone {
			item.Index = p.readIndex(AttrBoneIndexSz)
		} else {
			item.Index = p.readIndex(AttrMorphIndexSz)
		}
		f.Items = append(f.Items, item)
	}
	return &f
}

func (p *PMXParser) readRigidBody() *RigidBody {
	var r RigidBody
	r.Name = p.readText()
	r.NameEn = p.readText()
	r.BoneID = p.readIndex(AttrBoneIndexSz)
	r.Group = p.readUint8()
	r.NoCollision = p.readUint16()
	r.Shape = p.readUint8()
	r.Size = p.readVector3()
	r.Pos = p.readVector3()
	r.Rot = p.readVector3()
	r.Mass = p.readFloat()
	r.LinearDamping = p.readFloat()
	r.AngularDamping = p.readFloat()
	r.Restitution = p.readFloat()
	r.Friction = p.readFloat()
	r.Mode = p.readUint8()
	return &r
}

func (p *PMXParser) readJoint() *Joint {
	var j Joint
	j.Name = p.readText()
	j.NameEn = p.readText()
	j.Type = p.readUint8()
	j.RigidBodyA = p.readIndex(AttrRBIndexSz)
	j.RigidBodyB = p.readIndex(AttrRBIndexSz)
	j.Pos = p.readVector3()
	j.Rot = p.readVector3()
	j.PosMin = p.readVector3()
	j.PosMax = p.readVector3()
	j.RotMin = p.readVector3()
	j.RotMax = p.readVector3()
	j.Spring = p.readVector3()
	j.SpringRot = p.readVector3()
	return &j
}

func (p *PMXParser) Parse() (*Document, error) {
	var pmx Document

	if err := p.readHeader(); err != nil {
		return nil, err
	}

	pmx.Header = p.header
	pmx.Name = p.readText()
	pmx.NameEn = p.readText()
	pmx.Comment = p.readText()
	pmx.CommentEn = p.readText()

	vn := p.readInt()
	pmx.Vertexes = make([]*Vertex, 0, vn)
	for i := 0; i < vn && p.err == nil; i++ {
		v, err := p.readVertex()
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		pmx.Vertexes = append(pmx.Vertexes, v)
	}

	fn := p.readInt() / 3
	pmx.Faces = make([]*Face, 0, fn)
	for i := 0; i < fn && p.err == nil; i++ {
		pmx.Faces = append(pmx.Faces, p.readFace())
	}

	tn := p.readInt()
	for i := 0; i < tn && p.err == nil; i++ {
		pmx.Textures = append(pmx.Textures, p.readText())
	}

	mn := p.readInt()
	for i := 0; i < mn && p.err == nil; i++ {
		pmx.Materials = append(pmx.Materials, p.readMaterial())
	}

	bn := p.readInt()
	for i := 0; i < bn && p.err == nil; i++ {
		pmx.Bones = append(pmx.Bones, p.readBone())
	}

	mn = p.readInt()
	for i := 0; i < mn && p.err == nil; i++ {
		m, err := p.readMorph()
		if err != nil {
			return nil, fmt.Errorf("morph %d: %w", i, err)
		}
		pmx.Morphs = append(pmx.Morphs, m)
	}
	if p.err != nil {
		return nil, p.err
	}

	// Older files may end after morphs.
	dn := p.readInt()
	if p.err == io.EOF {
		return &pmx, nil
	}
	for i := 0; i < dn && p.err == nil; i++ {
		pmx.DisplayFrames = append(pmx.DisplayFrames, p.readDisplayFrame())
	}

	rn := p.readInt()
	for i := 0; i < rn && p.err == nil; i++ {
		pmx.RigidBodies = append(pmx.RigidBodies, p.readRigidBody())
	}

	jn := p.readInt()
	for i := 0; i < jn && p.err == nil; i++ {
		pmx.Joints = append(pmx.Joints, p.readJoint())
	}

	if p.err != nil {
		return nil, p.err
	}
	return &pmx, nil
}

// Parse reads .pmx or .pmd data.
func Parse(r io.Reader) (*Document, error) {
	format := make([]byte, 4)
	if _, err := io.ReadFull(r, format[:3]); err != nil {
		return nil, err
	}

	if string(format[:3]) == "Pmd" {
		p := NewPMDParser(bufio.NewReader(r))
		p.header = &Header{Format: format[:3]}
		return p.Parse()
	}
	if _, err := io.ReadFull(r, format[3:]); err != nil {
		return nil, err
	}
	p := NewPMXParser(bufio.NewReader(r))
	p.header = &Header{Format: format}
	return p.Parse()
}
