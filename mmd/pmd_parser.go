package mmd

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// PMDParser is parser for .pmd model.
type PMDParser struct {
	baseParser
	header *Header
}

// NewPMDParser returns new parser.
func NewPMDParser(r io.Reader) *PMDParser {
	return &PMDParser{baseParser: baseParser{r: r}}
}

func (p *PMDParser) readString(len int) string {
	b := make([]byte, len)
	_ = p.read(b)
	return decodeShiftJIS(b)
}

func decodeShiftJIS(b []byte) string {
	utf8Data, _, _ := transform.Bytes(japanese.ShiftJIS.NewDecoder(), bytes.SplitN(b, []byte{0}, 2)[0])
	return string(utf8Data)
}

func (p *PMDParser) readHeader() error {
	h := p.header
	if h == nil {
		h = &Header{}
		h.Format = make([]byte, 3)
		p.read(&h.Format)
		p.header = h
	}
	if string(h.Format) != "Pmd" {
		return fmt.Errorf("unsupported format: %q", h.Format)
	}
	p.read(&h.Version)
	return p.err
}

func (p *PMDParser) readVertex() *Vertex {
	var v Vertex
	v.Pos = p.readVector3()
	v.Normal = p.readVector3()
	v.UV = p.readVector2()

	v.Bones = []int{int(p.readUint16()), int(p.readUint16())}
	w := float64(p.readUint8()) / 100
	v.BoneWeights = []float64{w, 1 - w}
	v.DeformType = DeformBDEF2
	if v.Bones[0] == v.Bones[1] || w == 1 {
		v.Bones = v.Bones[:1]
		v.BoneWeights = []float64{1}
		v.DeformType = DeformBDEF1
	}
	if p.readUint8() == 0 {
		v.EdgeScale = 1
	}
	return &v
}

func (p *PMDParser) readMaterial(model *Document, i int) *Material {
	var m Material
	m.Name = fmt.Sprintf("mat%d", i+1)
	m.Color = p.readVector4()
	m.Specularity = p.readFloat()
	m.Specular = p.readVector3()
	m.AColor = p.readVector3()
	m.ToonType = 1
	m.Toon = int(p.readUint8())
	edge := p.readUint8()
	m.Count = p.readInt()
	m.EnvID = -1

	tex := strings.SplitN(p.readString(20), "*", 2)
	m.TextureID = -1
	if tex[0] != "" {
		m.TextureID = len(model.Textures)
		model.Textures = append(model.Textures, tex[0])
	}
	if len(tex) > 1 && tex[1] != "" {
		m.EnvID = len(model.Textures)
		m.EnvMode = 1
		model.Textures = append(model.Textures, tex[1])
	}

	if m.Color.W < 1 {
		m.Flags |= MaterialFlagDoubleSided
	}
	if edge != 0 {
		m.EdgeScale = 1
		m.EdgeColor.W = 1
	}
	return &m
}

func (p *PMDParser) readBone() *Bone {
	var b Bone
	b.Name = p.readString(20)
	b.ParentID = int(int16(p.readUint16()))
	b.TailID = int(int16(p.readUint16()))
	if b.TailID <= 0 {
		b.TailID = -1
	}
	typ := p.readUint8()
	p.readUint16()
	b.Pos = p.readVector3()
	b.InheritParentID = -1
	b.IK.TargetID = -1

	b.Flags = BoneFlagRotatable | BoneFlagVisible | BoneFlagEnabled | BoneFlagTailIndex
	switch typ {
	case 1, 2:
		b.Flags |= BoneFlagTranslatable
	case 7:
		b.Flags &^= BoneFlagVisible
	}
	return &b
}

func (p *PMDParser) readMorph() *Morph {
	var m Morph
	m.Name = p.readString(20)
	vn := p.readInt()
	m.PanelType = p.readUint8()
	m.MorphType = MorphTypeVertex
	for i := 0; i < vn && p.err == nil; i++ {
		var mv MorphVertex
		mv.Target = p.readInt()
		mv.Offset = p.readVector3()
		m.Vertex = append(m.Vertex, &mv)
	}
	return &m
}

// Parse model data.
func (p *PMDParser) Parse() (*Document, error) {
	var model Document

	if err := p.readHeader(); err != nil {
		return nil, err
	}
	model.Header = &Header{Format: []byte("PMX "), Version: 2, Info: []byte{0, 0, 4, 4, 4, 4, 4, 4}}
	model.Name = p.readString(20)
	model.Comment = p.readString(256)

	n := p.readInt()
	model.Vertexes = make([]*Vertex, 0, n)
	for i := 0; i < n && p.err == nil; i++ {
		model.Vertexes = append(model.Vertexes, p.readVertex())
	}

	n = p.readInt()
	model.Faces = make([]*Face, 0, n/3)
	for i := 0; i < n/3 && p.err == nil; i++ {
		var f Face
		f.Verts[0] = int(p.readUint16())
		f.Verts[1] = int(p.readUint16())
		f.Verts[2] = int(p.readUint16())
		model.Faces = append(model.Faces, &f)
	}

	mn := p.readInt()
	for i := 0; i < mn && p.err == nil; i++ {
		model.Materials = append(model.Materials, p.readMaterial(&model, i))
	}

	bn := int(p.readUint16())
	for i := 0; i < bn && p.err == nil; i++ {
		model.Bones = append(model.Bones, p.readBone())
	}
	for _, b := range model.Bones {
		if b.TailID >= len(model.Bones) {
			b.TailID = -1
		}
	}

	n = int(p.readUint16())
	for i := 0; i < n && p.err == nil; i++ {
		idx := int(p.readUint16())
		target := int(p.readUint16())
		ln := int(p.readUint8())
		loop := int(p.readUint16())
		limit := p.readFloat()
		var links []*Link
		for j := 0; j < ln; j++ {
			links = append(links, &Link{TargetID: int(p.readUint16())})
		}
		if idx >= len(model.Bones) {
			continue
		}
		b := model.Bones[idx]
		b.Flags |= BoneFlagEnableIK | BoneFlagTranslatable
		b.IK = IK{TargetID: target, Loop: loop, LimitRad: limit * 4, Links: links}
	}

	n = int(p.readUint16())
	if n > 0 && p.err == nil {
		base := p.readMorph()
		for i := 0; i < n-1 && p.err == nil; i++ {
			m := p.readMorph()
			for _, v := range m.Vertex {
				if v.Target < len(base.Vertex) {
					v.Target = base.Vertex[v.Target].Target
				}
			}
			model.Morphs = append(model.Morphs, m)
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	return &model, nil
}
