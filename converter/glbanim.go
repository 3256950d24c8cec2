package converter

import (
	"sort"

	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/mmd"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// FPS of MMD motions.
const FPS = 30

func keysEquals(a, b []*deform.Keyframe) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Frame != b[i].Frame {
			return false
		}
	}
	return true
}

func (m *mmdToGltf) addSampler(a *gltf.Animation, keys, samples uint32, node uint32, path gltf.TRSProperty) {
	a.Samplers = append(a.Samplers, &gltf.AnimationSampler{
		Input:         gltf.Index(keys),
		Output:        gltf.Index(samples),
		Interpolation: gltf.InterpolationLinear,
	})
	a.Channels = append(a.Channels, &gltf.Channel{
		Sampler: gltf.Index(uint32(len(a.Samplers) - 1)),
		Target: gltf.ChannelTarget{
			Node: gltf.Index(node),
			Path: path,
		},
	})
}

func (m *mmdToGltf) addBoneChannels(a *gltf.Animation, motion *deform.Motion) {
	boneToNode := map[string]uint32{}
	for n, b := range m.JointNodeToBone {
		boneToNode[b.Name] = n
	}

	names := make([]string, 0, len(motion.Bones))
	for name := range motion.Bones {
		names = append(names, name)
	}
	sort.Strings(names)

	var prevFrames []*deform.Keyframe
	var prevKeysAcc uint32
	for _, name := range names {
		frames := motion.Bones[name]
		n, ok := boneToNode[name]
		if !ok || len(frames) == 0 {
			continue
		}
		var keysAcc uint32
		if prevFrames != nil && keysEquals(frames, prevFrames) {
			keysAcc = prevKeysAcc
		} else {
			keys := make([]float32, len(frames))
			for i, k := range frames {
				keys[i] = float32(k.Frame) / FPS
			}
			keysAcc = modeler.WriteAccessor(m.Document, gltf.TargetArrayBuffer, keys)
		}

		rest := m.Nodes[n].Translation
		rotate := false
		translate := false
		rotations := make([][4]float32, len(frames))
		translations := make([][3]float32, len(frames))
		for i, k := range frames {
			q := &k.Rotation
			rotations[i] = [4]float32{float32(-q.X), float32(-q.Y), float32(q.Z), float32(q.W)}
			if !q.IsIdentity(1e-6) {
				rotate = true
			}
			p := m.position(&k.Position)
			translations[i] = [3]float32{rest[0] + p[0], rest[1] + p[1], rest[2] + p[2]}
			if !k.Position.IsZero() {
				translate = true
			}
		}
		if rotate {
			m.addSampler(a, keysAcc, modeler.WriteTangent(m.Document, rotations), n, gltf.TRSRotation)
		}
		if translate {
			m.addSampler(a, keysAcc, modeler.WritePosition(m.Document, translations), n, gltf.TRSTranslation)
		}

		prevFrames = frames
		prevKeysAcc = keysAcc
	}
}

func (m *mmdToGltf) addMorphChannels(a *gltf.Animation, motion *deform.Motion) {
	targets := map[string][2]int{} // targetName => [node, targetIndex]
	sizes := map[int]int{}
	for i, n := range m.Nodes {
		if n.Mesh == nil {
			continue
		}
		if extras, ok := m.Meshes[*n.Mesh].Extras.(map[string]interface{}); ok {
			if names, ok := extras["targetNames"].([]string); ok {
				for ti, name := range names {
					targets[name] = [2]int{i, ti}
				}
				sizes[i] = len(names)
			}
		}
	}

	nodeFrames := map[int]map[int]bool{}
	for name, frames := range motion.Morphs {
		t, ok := targets[name]
		if !ok {
			continue
		}
		if nodeFrames[t[0]] == nil {
			nodeFrames[t[0]] = map[int]bool{}
		}
		for _, k := range frames {
			nodeFrames[t[0]][k.Frame] = true
		}
	}

	nodes := make([]int, 0, len(nodeFrames))
	for ni := range nodeFrames {
		nodes = append(nodes, ni)
	}
	sort.Ints(nodes)
	for _, ni := range nodes {
		var frames []int
		for f := range nodeFrames[ni] {
			frames = append(frames, f)
		}
		sort.Ints(frames)

		sampleSize := sizes[ni]
		keys := make([]float32, len(frames))
		weights := make([]float32, sampleSize*len(frames))
		for fi, frame := range frames {
			keys[fi] = float32(frame) / FPS
			sampled := deform.MotionAt(motion, frame)
			for name, v := range sampled.Morphs {
				if t, ok := targets[name]; ok && t[0] == ni {
					weights[fi*sampleSize+t[1]] = float32(v)
				}
			}
		}

		keysAcc := modeler.WriteAccessor(m.Document, gltf.TargetArrayBuffer, keys)
		weightsAcc := modeler.WriteAccessor(m.Document, gltf.TargetArrayBuffer, weights)
		m.addSampler(a, keysAcc, weightsAcc, uint32(ni), gltf.TRSWeights)
	}
}

// AddMotion appends motion as a glTF animation. Convert must be called first.
func (m *mmdToGltf) AddMotion(motion *deform.Motion) {
	if motion == nil {
		return
	}
	a := gltf.Animation{Name: motion.Name}

	m.addBoneChannels(&a, motion)
	m.addMorphChannels(&a, motion)

	if len(a.Channels) > 0 {
		m.Animations = append(m.Animations, &a)
	}
}

// BoneNode returns the node index of the named bone.
func (m *mmdToGltf) BoneNode(name string) (uint32, *mmd.Bone, bool) {
	for n, b := range m.JointNodeToBone {
		if b.Name == name {
			return n, b, true
		}
	}
	return 0, nil, false
}
