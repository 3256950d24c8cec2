package mmd

import (
	"github.com/binzume/dressfit/geom"
)

type Document struct {
	Header    *Header
	Name      string
	NameEn    string
	Comment   string
	CommentEn string

	Vertexes      []*Vertex
	Faces         []*Face
	Textures      []string
	Materials     []*Material
	Bones         []*Bone
	Morphs        []*Morph
	DisplayFrames []*DisplayFrame
	RigidBodies   []*RigidBody
	Joints        []*Joint

	// Path is the file this document was read from. Not serialized.
	Path string
}

func NewDocument() *Document {
	return &Document{Header: &Header{
		Format:  []byte("PMX "),
		Version: 2,
		Info:    []byte{0, 0, 4, 4, 4, 4, 4, 4},
	}}
}

type Header struct {
	Format  []byte
	Version float32
	Info    []byte
}

const (
	AttrStringEncoding int = iota
	AttrExtUV
	AttrVertIndexSz
	AttrTexIndexSz
	AttrMatIndexSz
	AttrBoneIndexSz
	AttrMorphIndexSz
	AttrRBIndexSz
)

const (
	DeformBDEF1 byte = 0
	DeformBDEF2 byte = 1
	DeformBDEF4 byte = 2
	DeformSDEF  byte = 3
	DeformQDEF  byte = 4
)

type SDEF struct {
	C  geom.Vector3
	R0 geom.Vector3
	R1 geom.Vector3
}

type Vertex struct {
	Pos       geom.Vector3
	Normal    geom.Vector3
	UV        geom.Vector2
	ExtUVs    []geom.Vector4
	EdgeScale float64

	DeformType  byte
	Bones       []int
	BoneWeights []float64
	SDEF        *SDEF
}

type Face struct {
	Verts [3]int
}

type Material struct {
	Name        string
	NameEn      string
	Color       geom.Vector4
	Specular    geom.Vector3
	Specularity float64
	AColor      geom.Vector3
	Flags       byte
	EdgeColor   geom.Vector4
	EdgeScale   float64
	TextureID   int
	EnvID       int
	EnvMode     byte
	ToonType    byte
	Toon        int
	Memo        string
	Count       int
}

const (
	MaterialFlagDoubleSided uint8 = 1
	MaterialFlagCastShadow  uint8 = 2
)

type Link struct {
	TargetID int
	HasLimit bool
	LimitMax geom.Vector3
	LimitMin geom.Vector3
}

type IK struct {
	TargetID int
	Loop     int
	LimitRad float64
	Links    []*Link
}

type Bone struct {
	Name     string
	NameEn   string
	Pos      geom.Vector3
	ParentID int
	Layer    int
	Flags    uint16
	TailID   int
	TailPos  geom.Vector3

	InheritParentID        int
	InheritParentInfluence float64

	FixedAxis  geom.Vector3
	LocalAxisX geom.Vector3
	LocalAxisZ geom.Vector3

	ExternalParentKey int

	IK IK
}

const (
	BoneFlagTailIndex    uint16 = 1
	BoneFlagRotatable    uint16 = 2
	BoneFlagTranslatable uint16 = 4
	BoneFlagVisible      uint16 = 8
	BoneFlagEnabled      uint16 = 16
	BoneFlagEnableIK     uint16 = 32

	BoneFlagLocalInherit       uint16 = 128
	BoneFlagInheritRotation    uint16 = 256
	BoneFlagInheritTranslation uint16 = 512
	BoneFlagFixedAxis          uint16 = 1024
	BoneFlagLocalAxis          uint16 = 2048
	BoneFlagPhysicsMode        uint16 = 4096
	BoneFlagExternalParent     uint16 = 8192

	BoneFlagAll uint16 = (31 | 32 | 128 | 256 | 512 | 1024 | 2048 | 4096 | 8192)
)

func (b *Bone) HasFlag(f uint16) bool {
	return b.Flags&f != 0
}

func (b *Bone) IsIK() bool {
	return b.Flags&BoneFlagEnableIK != 0
}

func (b *Bone) IsVisible() bool {
	return b.Flags&BoneFlagVisible != 0
}

const (
	MorphTypeGroup    byte = 0
	MorphTypeVertex   byte = 1
	MorphTypeBone     byte = 2
	MorphTypeUV       byte = 3
	MorphTypeExtUV1   byte = 4
	MorphTypeExtUV2   byte = 5
	MorphTypeExtUV3   byte = 6
	MorphTypeExtUV4   byte = 7
	MorphTypeMaterial byte = 8
	MorphTypeFlip     byte = 9
	MorphTypeImpulse  byte = 10
)

const (
	MorphPanelSystem  byte = 0
	MorphPanelEyebrow byte = 1
	MorphPanelEye     byte = 2
	MorphPanelMouth   byte = 3
	MorphPanelOther   byte = 4
)

// type 0, 9
type MorphGroup struct {
	Target int
	Weight float64
}

// type 1
type MorphVertex struct {
	Target int
	Offset geom.Vector3
}

// type 2. Scale and Local* are kept in memory only.
type MorphBone struct {
	Target           int
	Translation      geom.Vector3
	Rotation         geom.Quaternion
	Scale            geom.Vector3
	LocalTranslation geom.Vector3
	LocalRotation    geom.Quaternion
	LocalScale       geom.Vector3
}

// type 3-7
type MorphUV struct {
	Target int
	Value  geom.Vector4
}

// type 8. Target -1 means all materials.
type MorphMaterial struct {
	Target int

	Flags           byte
	Diffuse         geom.Vector4
	Specular        geom.Vector3
	Specularity     float64
	Ambient         geom.Vector3
	EdgeColor       geom.Vector4
	EdgeSize        float64
	TextureTint     geom.Vector4
	EnvironmentTint geom.Vector4
	ToonTint        geom.Vector4
}

// type 10
type MorphImpulse struct {
	Target   int
	Local    byte
	Velocity geom.Vector3
	Torque   geom.Vector3
}

type Morph struct {
	Name      string
	NameEn    string
	PanelType byte
	MorphType byte

	// oneof
	Group    []*MorphGroup
	Vertex   []*MorphVertex
	Bone     []*MorphBone
	UV       []*MorphUV
	Material []*MorphMaterial
	Impulse  []*MorphImpulse

	// IsSystem marks morphs synthesized by the fitting pipeline. Not serialized.
	IsSystem bool
}

// Len returns the number of offsets of the active kind.
func (m *Morph) Len() int {
	return len(m.Group) + len(m.Vertex) + len(m.Bone) + len(m.UV) + len(m.Material) + len(m.Impulse)
}

func NewIdentityMorphBone(target int) *MorphBone {
	return &MorphBone{
		Target:        target,
		Rotation:      geom.Quaternion{W: 1},
		LocalRotation: geom.Quaternion{W: 1},
	}
}

const (
	DisplayItemBone  byte = 0
	DisplayItemMorph byte = 1
)

type DisplayItem struct {
	Type  byte
	Index int
}

type DisplayFrame struct {
	Name    string
	NameEn  string
	Special byte
	Items   []*DisplayItem
}

const (
	RigidShapeSphere  byte = 0
	RigidShapeBox     byte = 1
	RigidShapeCapsule byte = 2
)

type RigidBody struct {
	Name           string
	NameEn         string
	BoneID         int
	Group          byte
	NoCollision    uint16
	Shape          byte
	Size           geom.Vector3
	Pos            geom.Vector3
	Rot            geom.Vector3
	Mass           float64
	LinearDamping  float64
	AngularDamping float64
	Restitution    float64
	Friction       float64
	Mode           byte
}

type Joint struct {
	Name       string
	NameEn     string
	Type       byte
	RigidBodyA int
	RigidBodyB int
	Pos        geom.Vector3
	Rot        geom.Vector3
	PosMin     geom.Vector3
	PosMax     geom.Vector3
	RotMin     geom.Vector3
	RotMax     geom.Vector3
	Spring     geom.Vector3
	SpringRot  geom.Vector3
}
