package mmd

import (
	"encoding/binary"
	"io"

	"github.com/binzume/dressfit/geom"
)

type baseParser struct {
	r   io.Reader
	err error
}

// read keeps the first error. Subsequent reads are no-ops.
func (p *baseParser) read(v interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.err = binary.Read(p.r, binary.LittleEndian, v)
	return p.err
}

func (p *baseParser) readUint8() uint8 {
	var v uint8
	p.read(&v)
	return v
}

func (p *baseParser) readUint16() uint16 {
	var v uint16
	p.read(&v)
	return v
}

func (p *baseParser) readInt() int {
	var v int32
	p.read(&v)
	return int(v)
}

func (p *baseParser) readFloat() float64 {
	var v float32
	p.read(&v)
	return float64(v)
}

func (p *baseParser) readVector2() geom.Vector2 {
	var v [2]float32
	p.read(&v)
	return geom.Vector2{X: float64(v[0]), Y: float64(v[1])}
}

func (p *baseParser) readVector3() geom.Vector3 {
	var v [3]float32
	p.read(&v)
	return *geom.NewVector3FromFloat32(v)
}

func (p *baseParser) readVector4() geom.Vector4 {
	var v [4]float32
	p.read(&v)
	return geom.Vector4{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2]), W: float64(v[3])}
}

func (p *baseParser) readVUInt(sz byte) int {
	switch sz {
	case 1:
		return int(p.readUint8())
	case 2:
		return int(p.readUint16())
	case 4:
		var v uint32
		p.read(&v)
		return int(v)
	}
	return 0
}

func (p *baseParser) readVInt(sz byte) int {
	switch sz {
	case 1:
		var v int8
		p.read(&v)
		return int(v)
	case 2:
		var v int16
		p.read(&v)
		return int(v)
	case 4:
		var v int32
		p.read(&v)
		return int(v)
	}
	return 0
}

type baseWriter struct {
	w   io.Writer
	err error
}

func (p *baseWriter) write(v interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.err = binary.Write(p.w, binary.LittleEndian, v)
	return p.err
}

func (p *baseWriter) writeUint8(v uint8) {
	p.write(&v)
}

func (p *baseWriter) writeUint16(v uint16) {
	p.write(&v)
}

func (p *baseWriter) writeInt(v int) {
	vv := int32(v)
	p.write(&vv)
}

func (p *baseWriter) writeFloat(v float64) {
	vv := float32(v)
	p.write(&vv)
}

func (p *baseWriter) writeVector2(v *geom.Vector2) {
	p.write(&[2]float32{float32(v.X), float32(v.Y)})
}

func (p *baseWriter) writeVector3(v *geom.Vector3) {
	a := v.Float32()
	p.write(&a)
}

func (p *baseWriter) writeVector4(v *geom.Vector4) {
	p.write(&[4]float32{float32(v.X), float32(v.Y), float32(v.Z), float32(v.W)})
}

func (p *baseWriter) writeVUInt(sz byte, vv int) {
	switch sz {
	case 1:
		p.writeUint8(uint8(vv))
	case 2:
		p.writeUint16(uint16(vv))
	case 4:
		v := uint32(vv)
		p.write(&v)
	}
}

func (p *baseWriter) writeVInt(sz byte, vv int) {
	switch sz {
	case 1:
		v := int8(vv)
		p.write(&v)
	case 2:
		v := int16(vv)
		p.write(&v)
	case 4:
		v := int32(vv)
		p.write(&v)
	}
}
