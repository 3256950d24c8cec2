// Package deform evaluates bone poses of a mmd.Document.
package deform

import (
	"sort"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
)

// Keyframe is a bone transform at a frame. Scale and LocalScale are absolute (1 means unchanged).
type Keyframe struct {
	Frame         int
	Position      geom.Vector3
	Rotation      geom.Quaternion
	Scale         geom.Vector3
	LocalPosition geom.Vector3
	LocalRotation geom.Quaternion
	LocalScale    geom.Vector3
}

func NewKeyframe(frame int) *Keyframe {
	return &Keyframe{
		Frame:         frame,
		Rotation:      geom.Quaternion{W: 1},
		Scale:         geom.Vector3{X: 1, Y: 1, Z: 1},
		LocalRotation: geom.Quaternion{W: 1},
		LocalScale:    geom.Vector3{X: 1, Y: 1, Z: 1},
	}
}

func (k *Keyframe) Clone() *Keyframe {
	c := *k
	return &c
}

// IsIdentity reports whether k has no effect within eps.
func (k *Keyframe) IsIdentity(eps float64) bool {
	one := &geom.Vector3{X: 1, Y: 1, Z: 1}
	zero := &geom.Vector3{}
	return k.Position.NearEquals(zero, eps) && k.LocalPosition.NearEquals(zero, eps) &&
		k.Rotation.IsIdentity(eps) && k.LocalRotation.IsIdentity(eps) &&
		k.Scale.NearEquals(one, eps) && k.LocalScale.NearEquals(one, eps)
}

func (k *Keyframe) lerp(k2 *Keyframe, t float64) *Keyframe {
	return &Keyframe{
		Frame:         k.Frame,
		Position:      *k.Position.Lerp(&k2.Position, t),
		Rotation:      *k.Rotation.Slerp(&k2.Rotation, t),
		Scale:         *k.Scale.Lerp(&k2.Scale, t),
		LocalPosition: *k.LocalPosition.Lerp(&k2.LocalPosition, t),
		LocalRotation: *k.LocalRotation.Slerp(&k2.LocalRotation, t),
		LocalScale:    *k.LocalScale.Lerp(&k2.LocalScale, t),
	}
}

type MorphKeyframe struct {
	Frame int
	Value float64
}

// Motion is a keyframed clip. Frame lists are kept ordered by frame.
type Motion struct {
	Name   string
	Bones  map[string][]*Keyframe
	Morphs map[string][]*MorphKeyframe
}

func NewMotion() *Motion {
	return &Motion{Bones: map[string][]*Keyframe{}, Morphs: map[string][]*MorphKeyframe{}}
}

// SetBone inserts or replaces the keyframe of bone at k.Frame.
func (m *Motion) SetBone(bone string, k *Keyframe) {
	frames := m.Bones[bone]
	i := sort.Search(len(frames), func(i int) bool { return frames[i].Frame >= k.Frame })
	if i < len(frames) && frames[i].Frame == k.Frame {
		frames[i] = k
		return
	}
	frames = append(frames, nil)
	copy(frames[i+1:], frames[i:])
	frames[i] = k
	m.Bones[bone] = frames
}

func (m *Motion) SetMorph(morph string, frame int, value float64) {
	frames := m.Morphs[morph]
	i := sort.Search(len(frames), func(i int) bool { return frames[i].Frame >= frame })
	if i < len(frames) && frames[i].Frame == frame {
		frames[i].Value = value
		return
	}
	frames = append(frames, nil)
	copy(frames[i+1:], frames[i:])
	frames[i] = &MorphKeyframe{Frame: frame, Value: value}
	m.Morphs[morph] = frames
}

// Frame is a motion sampled at a single frame.
type Frame struct {
	Bones  map[string]*Keyframe
	Morphs map[string]float64
}

func NewFrame() *Frame {
	return &Frame{Bones: map[string]*Keyframe{}, Morphs: map[string]float64{}}
}

// Bone returns the keyframe of name, creating an identity one if absent.
func (f *Frame) Bone(name string) *Keyframe {
	k := f.Bones[name]
	if k == nil {
		k = NewKeyframe(0)
		f.Bones[name] = k
	}
	return k
}

// MotionAt samples m at frame with linear interpolation.
func MotionAt(m *Motion, frame int) *Frame {
	f := NewFrame()
	if m == nil {
		return f
	}
	for name, frames := range m.Bones {
		if k := boneAt(frames, frame); k != nil {
			f.Bones[name] = k
		}
	}
	for name, frames := range m.Morphs {
		if len(frames) == 0 {
			continue
		}
		i := sort.Search(len(frames), func(i int) bool { return frames[i].Frame > frame })
		if i == 0 {
			f.Morphs[name] = frames[0].Value
		} else if i == len(frames) {
			f.Morphs[name] = frames[i-1].Value
		} else {
			a, b := frames[i-1], frames[i]
			t := float64(frame-a.Frame) / float64(b.Frame-a.Frame)
			f.Morphs[name] = a.Value + (b.Value-a.Value)*t
		}
	}
	return f
}

func boneAt(frames []*Keyframe, frame int) *Keyframe {
	if len(frames) == 0 {
		return nil
	}
	i := sort.Search(len(frames), func(i int) bool { return frames[i].Frame > frame })
	if i == 0 {
		return frames[0].Clone()
	}
	if i == len(frames) {
		return frames[i-1].Clone()
	}
	a, b := frames[i-1], frames[i]
	k := a.lerp(b, float64(frame-a.Frame)/float64(b.Frame-a.Frame))
	k.Frame = frame
	return k
}

// NewMotionFromAnimation converts VMD samples into a Motion.
func NewMotionFromAnimation(a *mmd.Animation) *Motion {
	m := NewMotion()
	m.Name = a.Name
	for name, samples := range a.SortedBoneSamples() {
		for _, s := range samples {
			k := NewKeyframe(s.Frame)
			k.Position = s.Position
			k.Rotation = s.Rotation
			m.SetBone(name, k)
		}
	}
	for name, samples := range a.SortedMorphSamples() {
		for _, s := range samples {
			m.SetMorph(name, s.Frame, s.Value)
		}
	}
	return m
}

// Animation converts m into VMD samples. Scales are not representable and are dropped.
func (m *Motion) Animation() *mmd.Animation {
	a := &mmd.Animation{Name: m.Name}
	for _, name := range sortedKeys(m.Bones) {
		for _, k := range m.Bones[name] {
			a.Bone = append(a.Bone, &mmd.AnimationBoneSample{
				Target:   name,
				Frame:    k.Frame,
				Position: k.Position,
				Rotation: k.Rotation,
			})
		}
	}
	for _, name := range sortedKeys(m.Morphs) {
		for _, k := range m.Morphs[name] {
			a.Morph = append(a.Morph, &mmd.AnimationMorphSample{Target: name, Frame: k.Frame, Value: k.Value})
		}
	}
	return a
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
