package mmd

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/binzume/dressfit/geom"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

const vmdFormat = "Vocaloid Motion Data 0002"

type Animation struct {
	Name  string
	Bone  []*AnimationBoneSample
	Morph []*AnimationMorphSample
}

type AnimationBoneSample struct {
	Target   string
	Frame    int
	Position geom.Vector3
	Rotation geom.Quaternion
	Params   [64]byte
}

type AnimationMorphSample struct {
	Target string
	Frame  int
	Value  float64
}

// SortedBoneSamples returns bone samples grouped by bone name, ordered by frame.
func (a *Animation) SortedBoneSamples() map[string][]*AnimationBoneSample {
	r := map[string][]*AnimationBoneSample{}
	for _, s := range a.Bone {
		r[s.Target] = append(r[s.Target], s)
	}
	for _, ss := range r {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].Frame < ss[j].Frame })
	}
	return r
}

// SortedMorphSamples returns morph samples grouped by morph name, ordered by frame.
func (a *Animation) SortedMorphSamples() map[string][]*AnimationMorphSample {
	r := map[string][]*AnimationMorphSample{}
	for _, s := range a.Morph {
		r[s.Target] = append(r[s.Target], s)
	}
	for _, ss := range r {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].Frame < ss[j].Frame })
	}
	return r
}

// VMDParser is parser for .vmd animation.
type VMDParser struct {
	baseParser
}

// NewVMDParser returns new parser.
func NewVMDParser(r io.Reader) *VMDParser {
	return &VMDParser{baseParser: baseParser{r: bufio.NewReader(r)}}
}

// Parse animation data.
func (p *VMDParser) Parse() (*Animation, error) {
	var anim Animation

	formatName := p.readString(30)
	if formatName != vmdFormat {
		return nil, fmt.Errorf("format error: %v != %v", formatName, vmdFormat)
	}

	anim.Name = p.readString(20)

	frames := p.readInt()
	for i := 0; i < frames && p.err == nil; i++ {
		sample := &AnimationBoneSample{}
		sample.Target = p.readString(15)
		sample.Frame = p.readInt()
		sample.Position = p.readVector3()
		sample.Rotation = p.readVector4()
		p.read(&sample.Params)
		anim.Bone = append(anim.Bone, sample)
	}

	frames = p.readInt()
	if p.err == io.EOF {
		return &anim, nil
	}
	for i := 0; i < frames && p.err == nil; i++ {
		sample := &AnimationMorphSample{}
		sample.Target = p.readString(15)
		sample.Frame = p.readInt()
		sample.Value = p.readFloat()
		anim.Morph = append(anim.Morph, sample)
	}

	if p.err != nil && p.err != io.EOF {
		return nil, p.err
	}
	return &anim, nil
}

func (p *VMDParser) readString(len int) string {
	b := make([]byte, len)
	_ = p.read(b)
	return decodeShiftJIS(b)
}

// VMDWriter writes bone and morph keys. Camera, light and shadow sections are empty.
type VMDWriter struct {
	baseWriter
}

func NewVMDWriter(w io.Writer) *VMDWriter {
	return &VMDWriter{baseWriter: baseWriter{w: w}}
}

func (w *VMDWriter) writeString(s string, n int) {
	b, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte(s))
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("encode %q: %w", s, err)
	}
	buf := make([]byte, n)
	copy(buf, b)
	w.write(buf)
}

func (w *VMDWriter) Write(anim *Animation) error {
	fmtb := make([]byte, 30)
	copy(fmtb, vmdFormat)
	w.write(fmtb)
	w.writeString(anim.Name, 20)

	w.writeInt(len(anim.Bone))
	for _, s := range anim.Bone {
		w.writeString(s.Target, 15)
		w.writeInt(s.Frame)
		w.writeVector3(&s.Position)
		w.writeVector4(&s.Rotation)
		params := s.Params
		if params == ([64]byte{}) {
			params = linearInterpolation
		}
		w.write(&params)
	}

	w.writeInt(len(anim.Morph))
	for _, s := range anim.Morph {
		w.writeString(s.Target, 15)
		w.writeInt(s.Frame)
		w.writeFloat(s.Value)
	}

	// camera, light, self shadow
	w.writeInt(0)
	w.writeInt(0)
	w.writeInt(0)
	return w.err
}

var linearInterpolation = func() [64]byte {
	var p [64]byte
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			p[i*16+j] = 20
			p[i*16+4+j] = 20
			p[i*16+8+j] = 107
			p[i*16+12+j] = 107
		}
	}
	return p
}()

// WriteVMD writes .vmd data
func WriteVMD(anim *Animation, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := NewVMDWriter(bw).Write(anim); err != nil {
		return fmt.Errorf("write vmd: %w", err)
	}
	return bw.Flush()
}
