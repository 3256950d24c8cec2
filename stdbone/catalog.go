// Package stdbone is the catalog of semi-standard bone names used for
// retargeting, with per-bone fitting policy.
package stdbone

import (
	"strings"

	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
)

type Category string

const (
	CategoryRoot     Category = "root"
	CategoryCenter   Category = "center"
	CategoryTorso    Category = "torso"
	CategoryBust     Category = "bust"
	CategoryNeck     Category = "neck"
	CategoryHead     Category = "head"
	CategoryEye      Category = "eye"
	CategoryShoulder Category = "shoulder"
	CategoryArm      Category = "arm"
	CategoryElbow    Category = "elbow"
	CategoryWrist    Category = "wrist"
	CategoryFinger   Category = "finger"
	CategoryLeg      Category = "leg"
	CategoryKnee     Category = "knee"
	CategoryAnkle    Category = "ankle"
	CategoryAnkleD   Category = "ankleD"
	CategoryToe      Category = "toe"
	CategoryToeEX    Category = "toeEX"
	CategoryIK       Category = "ik"
)

type WeightMode int

const (
	WeightNone WeightMode = iota
	// WeightSplit moves weights of WeightFrom to the new bone for vertices nearer to it along the bone chain.
	WeightSplit
	// WeightReplace moves every weight of WeightFrom to the new bone.
	WeightReplace
)

// PositionFunc looks up the rest position of a bone by name.
type PositionFunc func(name string) (*geom.Vector3, bool)

type TwistRule struct {
	From, To string
	Ratio    float64
}

type IKRule struct {
	Target   string
	Links    []string
	Loop     int
	LimitRad float64
	// KneeLimit restricts the first link to rotate around X only.
	KneeLimit bool
}

type Entry struct {
	Name       string
	Parents    []string
	Tails      []string
	TailOffset geom.Vector3
	Category   Category

	Translatable     bool
	Rotatable        bool
	Scalable         bool
	LocalScalable    bool
	LocalScaleSource bool

	// Anchors are the bones that the position is aligned against when the other model has this bone.
	Anchors [2]string
	// Derive computes the position when no model has this bone.
	Derive DeriveFunc
	Twist  *TwistRule

	Inherit      string
	InheritRatio float64

	Weights    WeightMode
	WeightFrom string

	MustAdd    bool
	Flags      uint16
	LayerDelta int
	IK         *IKRule
}

// DeriveFunc derives a position from other bones of the same model.
type DeriveFunc func(pos PositionFunc) (*geom.Vector3, bool)

const (
	flagDefault = mmd.BoneFlagRotatable | mmd.BoneFlagVisible | mmd.BoneFlagEnabled
	flagMovable = flagDefault | mmd.BoneFlagTranslatable
)

const (
	Root      = "全ての親"
	Center    = "センター"
	Groove    = "グルーブ"
	Waist     = "腰"
	Upper     = "上半身"
	Upper2    = "上半身2"
	Upper3    = "上半身3"
	Lower     = "下半身"
	Neck      = "首"
	Head      = "頭"
	HeadTip   = "頭先"
	Eyes      = "両目"
)

// Side prefixes.
const (
	Left  = "左"
	Right = "右"
)

// IsLeft reports whether name is a left-side bone.
func IsLeft(name string) bool {
	return strings.HasPrefix(name, Left)
}

var (
	catalog []*Entry
	byName  map[string]*Entry
	eyes    = map[string]bool{Eyes: true, "左目": true, "右目": true}
)

func init() {
	catalog = buildCatalog()
	byName = make(map[string]*Entry, len(catalog))
	for _, e := range catalog {
		byName[e.Name] = e
	}
}

// Catalog returns all entries in insertion order. Parents precede children.
func Catalog() []*Entry {
	return catalog
}

// Lookup returns the entry for name, or nil.
func Lookup(name string) *Entry {
	return byName[name]
}

func IsStandard(name string) bool {
	return byName[name] != nil
}

func IsEye(name string) bool {
	return eyes[name]
}

// IsLegD reports whether name is one of the deform-only leg bones.
func IsLegD(name string) bool {
	e := byName[name]
	return e != nil && e.Inherit != "" && e.Weights == WeightReplace
}

// Required bones that the character must have after completion.
var Required = []string{Center, Upper, Lower}

func sided(side, name string) string {
	return strings.ReplaceAll(name, "{S}", side)
}

func mean(a, b string, t float64) DeriveFunc {
	return func(pos PositionFunc) (*geom.Vector3, bool) {
		pa, ok1 := pos(a)
		pb, ok2 := pos(b)
		if !ok1 || !ok2 {
			return nil, false
		}
		return pa.Lerp(pb, t), true
	}
}

func copyOf(name string) DeriveFunc {
	return func(pos PositionFunc) (*geom.Vector3, bool) {
		return pos(name)
	}
}

func extrapolate(from, to string) DeriveFunc {
	return func(pos PositionFunc) (*geom.Vector3, bool) {
		pa, ok1 := pos(from)
		pb, ok2 := pos(to)
		if !ok1 || !ok2 {
			return nil, false
		}
		return pb.Add(pb.Sub(pa)), true
	}
}

func buildCatalog() []*Entry {
	up := geom.Vector3{Y: 1}
	down := geom.Vector3{Y: -1}
	forward := geom.Vector3{Z: -1}

	entries := []*Entry{
		{Name: Root, TailOffset: up, Category: CategoryRoot, Translatable: true, Rotatable: true,
			MustAdd: true, Flags: 0x001E,
			Derive: func(pos PositionFunc) (*geom.Vector3, bool) { return &geom.Vector3{}, true }},
		{Name: Center, Parents: []string{Root}, TailOffset: up, Category: CategoryCenter,
			Translatable: true, Rotatable: true, Anchors: [2]string{Root, Upper}, Flags: 0x001E},
		{Name: Groove, Parents: []string{Center}, TailOffset: up, Category: CategoryCenter,
			Translatable: true, Rotatable: true, Anchors: [2]string{Center, Upper}, Flags: 0x001E},
		{Name: Waist, Parents: []string{Groove, Center}, TailOffset: up, Category: CategoryTorso,
			Translatable: true, Rotatable: true, Anchors: [2]string{Lower, Upper}, Flags: 0x001E},
		{Name: Upper, Parents: []string{Waist, Groove, Center}, Tails: []string{Upper2, Neck}, Category: CategoryTorso,
			Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
			Anchors: [2]string{Lower, Neck}, Flags: flagDefault | mmd.BoneFlagTailIndex},
		{Name: Upper2, Parents: []string{Upper}, Tails: []string{Upper3, Neck}, Category: CategoryTorso,
			Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper, Neck}, Derive: mean(Upper, Neck, 0.5),
			Weights: WeightSplit, WeightFrom: Upper, MustAdd: true, Flags: flagDefault | mmd.BoneFlagTailIndex},
		{Name: Upper3, Parents: []string{Upper2}, Tails: []string{Neck}, Category: CategoryTorso,
			Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper2, Neck}, Weights: WeightSplit, WeightFrom: Upper2, Flags: flagDefault | mmd.BoneFlagTailIndex},
	}

	for _, s := range []string{Left, Right} {
		entries = append(entries, &Entry{Name: sided(s, "{S}胸"), Parents: []string{Upper3, Upper2, Upper}, TailOffset: forward,
			Category: CategoryBust, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper2, Neck}, Flags: flagDefault})
	}

	entries = append(entries,
		&Entry{Name: Neck, Parents: []string{Upper3, Upper2, Upper}, Tails: []string{Head}, Category: CategoryNeck,
			Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper, Head}, Flags: flagDefault | mmd.BoneFlagTailIndex},
		&Entry{Name: Head, Parents: []string{Neck}, Tails: []string{HeadTip}, TailOffset: up, Category: CategoryHead,
			Translatable: true, Rotatable: true, Scalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper, Neck}, Flags: flagDefault},
		&Entry{Name: HeadTip, Parents: []string{Head}, Category: CategoryHead, Translatable: true,
			Anchors: [2]string{Neck, Head}, Flags: mmd.BoneFlagEnabled},
		&Entry{Name: Eyes, Parents: []string{Head}, Category: CategoryEye, Rotatable: true, Flags: flagDefault},
		&Entry{Name: "左目", Parents: []string{Head}, Category: CategoryEye, Rotatable: true, Flags: flagDefault},
		&Entry{Name: "右目", Parents: []string{Head}, Category: CategoryEye, Rotatable: true, Flags: flagDefault},
	)

	for _, s := range []string{Left, Right} {
		n := func(name string) string { return sided(s, name) }
		entries = append(entries,
			&Entry{Name: n("{S}肩P"), Parents: []string{Upper3, Upper2, Upper}, Category: CategoryShoulder,
				Translatable: true, Rotatable: true, Derive: copyOf(n("{S}肩")), Flags: flagDefault},
			&Entry{Name: n("{S}肩"), Parents: []string{n("{S}肩P"), Upper3, Upper2, Upper}, Tails: []string{n("{S}腕")},
				Category: CategoryShoulder, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{Neck, n("{S}腕")}, Flags: flagDefault | mmd.BoneFlagTailIndex},
			&Entry{Name: n("{S}肩C"), Parents: []string{n("{S}肩")}, Category: CategoryShoulder,
				Translatable: true, Derive: copyOf(n("{S}腕")), Inherit: n("{S}肩P"), InheritRatio: -1, Flags: 0x0102},
			&Entry{Name: n("{S}腕"), Parents: []string{n("{S}肩C"), n("{S}肩")}, Tails: []string{n("{S}ひじ")},
				Category: CategoryArm, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}肩"), n("{S}ひじ")}, Flags: flagMovable | mmd.BoneFlagTailIndex},
			&Entry{Name: n("{S}腕捩"), Parents: []string{n("{S}腕")}, Tails: []string{n("{S}ひじ")}, Category: CategoryArm,
				Rotatable: true, Twist: &TwistRule{From: n("{S}腕"), To: n("{S}ひじ"), Ratio: 0.5},
				Weights: WeightSplit, WeightFrom: n("{S}腕"), MustAdd: true, Flags: 0x0C1A},
		)
		for i, r := range []float64{0.25, 0.5, 0.75} {
			entries = append(entries, &Entry{Name: n("{S}腕捩") + string(rune('1'+i)), Parents: []string{n("{S}腕")},
				Category: CategoryArm, Twist: &TwistRule{From: n("{S}腕"), To: n("{S}ひじ"), Ratio: r},
				Inherit: n("{S}腕捩"), InheritRatio: r, MustAdd: true, Flags: 0x0100})
		}
		entries = append(entries,
			&Entry{Name: n("{S}ひじ"), Parents: []string{n("{S}腕捩"), n("{S}腕")}, Tails: []string{n("{S}手首")},
				Category: CategoryElbow, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}腕"), n("{S}手首")}, Flags: flagMovable | mmd.BoneFlagTailIndex},
			&Entry{Name: n("{S}手捩"), Parents: []string{n("{S}ひじ")}, Tails: []string{n("{S}手首")}, Category: CategoryElbow,
				Rotatable: true, Twist: &TwistRule{From: n("{S}ひじ"), To: n("{S}手首"), Ratio: 0.5},
				Weights: WeightSplit, WeightFrom: n("{S}ひじ"), MustAdd: true, Flags: 0x0C1A},
		)
		for i, r := range []float64{0.25, 0.5, 0.75} {
			entries = append(entries, &Entry{Name: n("{S}手捩") + string(rune('1'+i)), Parents: []string{n("{S}ひじ")},
				Category: CategoryElbow, Twist: &TwistRule{From: n("{S}ひじ"), To: n("{S}手首"), Ratio: r},
				Inherit: n("{S}手捩"), InheritRatio: r, MustAdd: true, Flags: 0x0100})
		}
		entries = append(entries,
			&Entry{Name: n("{S}手首"), Parents: []string{n("{S}手捩"), n("{S}ひじ")}, Tails: []string{n("{S}中指１"), n("{S}手先")},
				Category: CategoryWrist, Translatable: true, Rotatable: true, Scalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}ひじ"), n("{S}中指１")}, Flags: flagMovable},
			&Entry{Name: n("{S}手先"), Parents: []string{n("{S}手首")}, Category: CategoryWrist, Translatable: true,
				Anchors: [2]string{n("{S}ひじ"), n("{S}手首")}, Flags: mmd.BoneFlagEnabled},
		)
		entries = append(entries, fingerEntries(s)...)
	}

	entries = append(entries,
		&Entry{Name: Lower, Parents: []string{Waist, Groove, Center}, Tails: []string{"左足"}, TailOffset: down,
			Category: CategoryTorso, Translatable: true, Scalable: true, LocalScaleSource: true,
			Anchors: [2]string{Upper, "左足"}, Flags: flagDefault},
	)

	for _, s := range []string{Left, Right} {
		n := func(name string) string { return sided(s, name) }
		cancel := "腰キャンセル" + s
		entries = append(entries,
			&Entry{Name: cancel, Parents: []string{Lower}, Category: CategoryLeg, Translatable: true,
				Derive: copyOf(n("{S}足")), Inherit: Waist, InheritRatio: -1, Flags: 0x0102},
			&Entry{Name: n("{S}足"), Parents: []string{cancel, Lower}, Tails: []string{n("{S}ひざ")},
				Category: CategoryLeg, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{Lower, n("{S}ひざ")}, Flags: flagDefault | mmd.BoneFlagTailIndex},
			&Entry{Name: n("{S}ひざ"), Parents: []string{n("{S}足")}, Tails: []string{n("{S}足首")},
				Category: CategoryKnee, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}足"), n("{S}足首")}, Flags: flagDefault | mmd.BoneFlagTailIndex},
			&Entry{Name: n("{S}足首"), Parents: []string{n("{S}ひざ")}, Tails: []string{n("{S}つま先")}, TailOffset: forward,
				Category: CategoryAnkle, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}ひざ"), n("{S}つま先")}, Flags: flagDefault},
			&Entry{Name: n("{S}つま先"), Parents: []string{n("{S}足首")}, Category: CategoryToe, Translatable: true,
				Anchors: [2]string{n("{S}ひざ"), n("{S}足首")}, Flags: mmd.BoneFlagEnabled},
			&Entry{Name: n("{S}足IK親"), Parents: []string{Root}, Category: CategoryIK, Translatable: true, Rotatable: true,
				Derive: func(pos PositionFunc) (*geom.Vector3, bool) {
					p, ok := pos(n("{S}足首"))
					if !ok {
						return nil, false
					}
					return &geom.Vector3{X: p.X, Y: 0, Z: p.Z}, true
				}, Flags: 0x001E},
			&Entry{Name: n("{S}足ＩＫ"), Parents: []string{n("{S}足IK親"), Root}, TailOffset: forward, Category: CategoryIK,
				Translatable: true, Rotatable: true, Derive: copyOf(n("{S}足首")), Flags: 0x003F,
				IK: &IKRule{Target: n("{S}足首"), Links: []string{n("{S}ひざ"), n("{S}足")}, Loop: 40, LimitRad: 2, KneeLimit: true}},
			&Entry{Name: n("{S}つま先ＩＫ"), Parents: []string{n("{S}足ＩＫ")}, TailOffset: down, Category: CategoryIK,
				Translatable: true, Rotatable: true, Derive: copyOf(n("{S}つま先")), Flags: 0x003E,
				IK: &IKRule{Target: n("{S}つま先"), Links: []string{n("{S}足首")}, Loop: 3, LimitRad: 4}},
			&Entry{Name: n("{S}足D"), Parents: []string{cancel, Lower}, Tails: []string{n("{S}ひざD")}, Category: CategoryLeg,
				Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true,
				Derive: copyOf(n("{S}足")), Inherit: n("{S}足"), InheritRatio: 1,
				Weights: WeightReplace, WeightFrom: n("{S}足"), MustAdd: true, Flags: 0x011A, LayerDelta: 1},
			&Entry{Name: n("{S}ひざD"), Parents: []string{n("{S}足D")}, Tails: []string{n("{S}足首D")}, Category: CategoryKnee,
				Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true,
				Derive: copyOf(n("{S}ひざ")), Inherit: n("{S}ひざ"), InheritRatio: 1,
				Weights: WeightReplace, WeightFrom: n("{S}ひざ"), MustAdd: true, Flags: 0x011A, LayerDelta: 1},
			&Entry{Name: n("{S}足首D"), Parents: []string{n("{S}ひざD")}, Tails: []string{n("{S}足先EX")}, TailOffset: forward,
				Category: CategoryAnkleD, Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Derive: copyOf(n("{S}足首")), Inherit: n("{S}足首"), InheritRatio: 1,
				Weights: WeightReplace, WeightFrom: n("{S}足首"), MustAdd: true, Flags: 0x011A, LayerDelta: 1},
			&Entry{Name: n("{S}足先EX"), Parents: []string{n("{S}足首D")}, TailOffset: forward, Category: CategoryToeEX,
				Translatable: true, Rotatable: true, Scalable: true, LocalScalable: true, LocalScaleSource: true,
				Anchors: [2]string{n("{S}足首"), n("{S}つま先")}, Derive: mean(n("{S}足首"), n("{S}つま先"), 0.5),
				Weights: WeightSplit, WeightFrom: n("{S}足首D"), MustAdd: true, Flags: flagDefault, LayerDelta: 1},
		)
	}
	return entries
}

func fingerEntries(s string) []*Entry {
	n := func(name string) string { return sided(s, name) }
	wrist := n("{S}手首")
	var entries []*Entry
	fingers := []struct {
		name   string
		joints []string
	}{
		{"親指", []string{"０", "１", "２"}},
		{"人指", []string{"１", "２", "３"}},
		{"中指", []string{"１", "２", "３"}},
		{"薬指", []string{"１", "２", "３"}},
		{"小指", []string{"１", "２", "３"}},
	}
	for _, f := range fingers {
		names := make([]string, 0, 4)
		for _, j := range f.joints {
			names = append(names, n("{S}"+f.name+j))
		}
		tip := n("{S}" + f.name + "先")
		names = append(names, tip)
		for i, name := range names {
			e := &Entry{Name: name, Category: CategoryFinger, Translatable: true, Flags: flagDefault}
			if i == 0 {
				e.Parents = []string{wrist}
				e.Anchors = [2]string{wrist, names[1]}
			} else {
				e.Parents = []string{names[i-1]}
				e.Anchors = [2]string{names[i-1], wrist}
			}
			if i < len(names)-1 {
				e.Tails = []string{names[i+1]}
				e.Rotatable = true
				e.Scalable = true
				e.LocalScaleSource = true
				e.Flags |= mmd.BoneFlagTailIndex
			} else {
				e.MustAdd = true
				e.Derive = extrapolate(names[i-2], names[i-1])
				e.Anchors = [2]string{names[i-2], names[i-1]}
				e.Flags = mmd.BoneFlagEnabled
			}
			entries = append(entries, e)
		}
	}
	return entries
}

// ParentOf returns the first catalog parent that satisfies exists.
func (e *Entry) ParentOf(exists func(string) bool) string {
	for _, p := range e.Parents {
		if exists(p) {
			return p
		}
	}
	return ""
}
