package mmd

import (
	"bufio"
	"fmt"
	"io"
)

// PMXWriter is writer for .pmx data
type PMXWriter struct {
	baseWriter
	header *Header
}

func NewPMXWriter(w io.Writer) *PMXWriter {
	return &PMXWriter{baseWriter: baseWriter{w: w}}
}

func (w *PMXWriter) Write(doc *Document) error {
	if err := Validate(doc); err != nil {
		return err
	}

	w.writeHeader(doc)
	w.writeText(doc.Name)
	w.writeText(doc.NameEn)
	w.writeText(doc.Comment)
	w.writeText(doc.CommentEn)

	w.writeInt(len(doc.Vertexes))
	for _, v := range doc.Vertexes {
		w.writeVertex(v)
	}

	w.writeInt(len(doc.Faces) * 3)
	for _, f := range doc.Faces {
		w.writeFace(f)
	}

	w.writeInt(len(doc.Textures))
	for _, t := range doc.Textures {
		w.writeText(t)
	}

	w.writeInt(len(doc.Materials))
	for _, m := range doc.Materials {
		w.writeMaterial(m)
	}

	w.writeInt(len(doc.Bones))
	for _, b := range doc.Bones {
		w.writeBone(b)
	}

	w.writeInt(len(doc.Morphs))
	for _, m := range doc.Morphs {
		w.writeMorph(m)
	}

	w.writeInt(len(doc.DisplayFrames))
	for _, f := range doc.DisplayFrames {
		w.writeDisplayFrame(f)
	}

	w.writeInt(len(doc.RigidBodies))
	for _, r := range doc.RigidBodies {
		w.writeRigidBody(r)
	}

	w.writeInt(len(doc.Joints))
	for _, j := range doc.Joints {
		w.writeJoint(j)
	}
	return w.err
}

func (w *PMXWriter) writeText(v string) {
	if w.err != nil {
		return
	}
	b, err := utf16le.NewEncoder().Bytes([]byte(v))
	if err != nil {
		w.err = err
		return
	}
	w.writeInt(len(b))
	w.write(b)
}

func (w *PMXWriter) writeIndex(attrTyp int, v int) {
	w.writeVInt(w.header.Info[attrTyp], v)
}

func (w *PMXWriter) writeUIndex(attrTyp int, v int) {
	w.writeVUInt(w.header.Info[attrTyp], v)
}

func indexSize(n int) byte {
	if n < 128 {
		return 1
	}
	if n < 32768 {
		return 2
	}
	return 4
}

func vertexIndexSize(n int) byte {
	if n < 256 {
		return 1
	}
	if n < 65536 {
		return 2
	}
	return 4
}

func (w *PMXWriter) writeHeader(doc *Document) {
	extUV := 0
	for _, v := range doc.Vertexes {
		if len(v.ExtUVs) > extUV {
			extUV = len(v.ExtUVs)
		}
	}
	h := &Header{
		Format:  []byte("PMX "),
		Version: 2,
		Info: []byte{
			0,
			byte(extUV),
			vertexIndexSize(len(doc.Vertexes)),
			indexSize(len(doc.Textures)),
			indexSize(len(doc.Materials)),
			indexSize(len(doc.Bones)),
			indexSize(len(doc.Morphs)),
			indexSize(len(doc.RigidBodies)),
		},
	}
	if doc.Header != nil && doc.Header.Version > 2 {
		h.Version = doc.Header.Version
	}
	w.header = h

	w.write(h.Format)
	w.write(&h.Version)
	w.writeUint8(uint8(len(h.Info)))
	w.write(h.Info)
}

func (w *PMXWriter) writeVertex(v *Vertex) {
	w.writeVector3(&v.Pos)
	w.writeVector3(&v.Normal)
	w.writeVector2(&v.UV)
	for i := 0; i < int(w.header.Info[AttrExtUV]); i++ {
		if i < len(v.ExtUVs) {
			w.writeVector4(&v.ExtUVs[i])
		} else {
			w.write(&[4]float32{})
		}
	}

	deformType := v.DeformType
	switch len(v.Bones) {
	case 1:
		deformType = DeformBDEF1
	case 2:
		if deformType != DeformSDEF || v.SDEF == nil {
			deformType = DeformBDEF2
		}
	default:
		if deformType != DeformQDEF {
			deformType = DeformBDEF4
		}
	}

	w.writeUint8(deformType)
	switch deformType {
	case DeformBDEF1:
		w.writeIndex(AttrBoneIndexSz, v.Bones[0])
	case DeformBDEF2, DeformSDEF:
		w.writeIndex(AttrBoneIndexSz, v.Bones[0])
		w.writeIndex(AttrBoneIndexSz, v.Bones[1])
		w.writeFloat(v.BoneWeights[0])
		if deformType == DeformSDEF {
			w.writeVector3(&v.SDEF.C)
			w.writeVector3(&v.SDEF.R0)
			w.writeVector3(&v.SDEF.R1)
		}
	default:
		for i := 0; i < 4; i++ {
			if i < len(v.Bones) {
				w.writeIndex(AttrBoneIndexSz, v.Bones[i])
			} else {
				w.writeIndex(AttrBoneIndexSz, -1)
			}
		}
		for i := 0; i < 4; i++ {
			if i < len(v.BoneWeights) {
				w.writeFloat(v.BoneWeights[i])
			} else {
				w.writeFloat(0)
			}
		}
	}
	w.writeFloat(v.EdgeScale)
}

func (w *PMXWriter) writeFace(f *Face) {
	w.writeUIndex(AttrVertIndexSz, f.Verts[0])
	w.writeUIndex(AttrVertIndexSz, f.Verts[1])
	w.writeUIndex(AttrVertIndexSz, f.Verts[2])
}

func (w *PMXWriter) writeMaterial(m *Material) {
	w.writeText(m.Name)
	w.writeText(m.NameEn)
	w.writeVector4(&m.Color)
	w.writeVector3(&m.Specular)
	w.writeFloat(m.Specularity)
	w.writeVector3(&m.AColor)
	w.writeUint8(m.Flags)
	w.writeVector4(&m.EdgeColor)
	w.writeFloat(m.EdgeScale)

	w.writeIndex(AttrTexIndexSz, m.TextureID)
	w.writeIndex(AttrTexIndexSz, m.EnvID)

	w.writeUint8(m.EnvMode)
	w.writeUint8(m.ToonType)
	if m.ToonType == 0 {
		w.writeIndex(AttrTexIndexSz, m.Toon)
	} else {
		w.writeUint8(uint8(m.Toon))
	}

	w.writeText(m.Memo)
	w.writeInt(m.Count)
}

func (w *PMXWriter) writeBone(b *Bone) {
	w.writeText(b.Name)
	w.writeText(b.NameEn)
	w.writeVector3(&b.Pos)
	w.writeIndex(AttrBoneIndexSz, b.ParentID)
	w.writeInt(b.Layer)
	w.writeUint16(b.Flags)

	if b.Flags&BoneFlagTailIndex != 0 {
		w.writeIndex(AttrBoneIndexSz, b.TailID)
	} else {
		w.writeVector3(&b.TailPos)
	}
	if b.Flags&(BoneFlagInheritRotation|BoneFlagInheritTranslation) != 0 {
		w.writeIndex(AttrBoneIndexSz, b.InheritParentID)
		w.writeFloat(b.InheritParentInfluence)
	}
	if b.Flags&BoneFlagFixedAxis != 0 {
		w.writeVector3(&b.FixedAxis)
	}
	if b.Flags&BoneFlagLocalAxis != 0 {
		w.writeVector3(&b.LocalAxisX)
		w.writeVector3(&b.LocalAxisZ)
	}
	if b.Flags&BoneFlagExternalParent != 0 {
		w.writeInt(b.ExternalParentKey)
	}
	if b.Flags&BoneFlagEnableIK != 0 {
		w.writeIndex(AttrBoneIndexSz, b.IK.TargetID)
		w.writeInt(b.IK.Loop)
		w.writeFloat(b.IK.LimitRad)
		w.writeInt(len(b.IK.Links))
		for _, l := range b.IK.Links {
			w.writeIndex(AttrBoneIndexSz, l.TargetID)
			if l.HasLimit {
				w.writeUint8(1)
				w.writeVector3(&l.LimitMin)
				w.writeVector3(&l.LimitMax)
			} else {
				w.writeUint8(0)
			}
		}
	}
}

func (w *PMXWriter) writeMorph(m *Morph) {
	w.writeText(m.Name)
	w.writeText(m.NameEn)
	w.writeUint8(m.PanelType)
	w.writeUint8(m.MorphType)

	// oneof
	w.writeInt(m.Len())

	for _, m := range m.Group {
		w.writeIndex(AttrMorphIndexSz, m.Target)
		w.writeFloat(m.Weight)
	}
	for _, m := range m.Vertex {
		w.writeUIndex(AttrVertIndexSz, m.Target)
		w.writeVector3(&m.Offset)
	}
	for _, m := range m.Bone {
		w.writeIndex(AttrBoneIndexSz, m.Target)
		w.writeVector3(&m.Translation)
		w.writeVector4(&m.Rotation)
	}
	for _, m := range m.UV {
		w.writeUIndex(AttrVertIndexSz, m.Target)
		w.writeVector4(&m.Value)
	}
	for _, m := range m.Material {
		w.writeIndex(AttrMatIndexSz, m.Target)
		w.writeUint8(m.Flags)
		w.writeVector4(&m.Diffuse)
		w.writeVector3(&m.Specular)
		w.writeFloat(m.Specularity)
		w.writeVector3(&m.Ambient)
		w.writeVector4(&m.EdgeColor)
		w.writeFloat(m.EdgeSize)
		w.writeVector4(&m.TextureTint)
		w.writeVector4(&m.EnvironmentTint)
		w.writeVector4(&m.ToonTint)
	}
	for _, m := range m.Impulse {
		w.writeIndex(AttrRBIndexSz, m.Target)
		w.writeUint8(m.Local)
		w.writeVector3(&m.Velocity)
		w.writeVector3(&m.Torque)
	}
}

func (w *PMXWriter) writeDisplayFrame(f *DisplayFrame) {
	w.writeText(f.Name)
	w.writeText(f.NameEn)
	w.writeUint8(f.Special)
	w.writeInt(len(f.Items))
	for _, item := range f.Items {
		w.writeUint8(item.Type)
		if item.Type == DisplayItemBone {
			w.writeIndex(AttrBoneIndexSz, item.Index)
		} else {
			w.writeIndex(AttrMorphIndexSz, item.Index)
		}
	}
}

func (w *PMXWriter) writeRigidBody(r *RigidBody) {
	w.writeText(r.Name)
	w.writeText(r.NameEn)
	w.writeIndex(AttrBoneIndexSz, r.BoneID)
	w.writeUint8(r.Group)
	w.writeUint16(r.NoCollision)
	w.writeUint8(r.Shape)
	w.writeVector3(&r.Size)
	w.writeVector3(&r.Pos)
	w.writeVector3(&r.Rot)
	w.writeFloat(r.Mass)
	w.writeFloat(r.LinearDamping)
	w.writeFloat(r.AngularDamping)
	w.writeFloat(r.Restitution)
	w.writeFloat(r.Friction)
	w.writeUint8(r.Mode)
}

func (w *PMXWriter) writeJoint(j *Joint) {
	w.writeText(j.Name)
	w.writeText(j.NameEn)
	w.writeUint8(j.Type)
	w.writeIndex(AttrRBIndexSz, j.RigidBodyA)
	w.writeIndex(AttrRBIndexSz, j.RigidBodyB)
	w.writeVector3(&j.Pos)
	w.writeVector3(&j.Rot)
	w.writeVector3(&j.PosMin)
	w.writeVector3(&j.PosMax)
	w.writeVector3(&j.RotMin)
	w.writeVector3(&j.RotMax)
	w.writeVector3(&j.Spring)
	w.writeVector3(&j.SpringRot)
}

// WritePMX writes .pmx data
func WritePMX(doc *Document, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := NewPMXWriter(bw).Write(doc); err != nil {
		return fmt.Errorf("write pmx: %w", err)
	}
	return bw.Flush()
}
