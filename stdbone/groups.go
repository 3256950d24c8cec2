package stdbone

// Group is a set of bones driven together by the individual adjustment morphs.
type Group struct {
	Name  string
	Bones []string
	// ScaleChildren are the groups that scale morphs of this group also drive.
	ScaleChildren []string
	GlobalScale   bool
	LocalRotation bool
}

var groups = []*Group{
	{Name: "腰", Bones: []string{Waist}},
	{Name: "下半身", Bones: []string{Lower}},
	{Name: "上半身", Bones: []string{Upper}, ScaleChildren: []string{"上半身2", "上半身3"}},
	{Name: "上半身2", Bones: []string{Upper2}, ScaleChildren: []string{"上半身3"}},
	{Name: "上半身3", Bones: []string{Upper3}},
	{Name: "胸", Bones: both("{S}胸"), GlobalScale: true},
	{Name: "首", Bones: []string{Neck}},
	{Name: "頭", Bones: []string{Head}, GlobalScale: true},
	{Name: "肩", Bones: both("{S}肩"), ScaleChildren: []string{"腕", "ひじ"}},
	{Name: "腕", Bones: both("{S}腕", "{S}腕捩"), ScaleChildren: []string{"ひじ"}, LocalRotation: true},
	{Name: "ひじ", Bones: both("{S}ひじ", "{S}手捩"), LocalRotation: true},
	{Name: "手首", Bones: both("{S}手首"), LocalRotation: true},
	{Name: "足", Bones: both("{S}足", "{S}足D"), ScaleChildren: []string{"ひざ"}},
	{Name: "ひざ", Bones: both("{S}ひざ", "{S}ひざD")},
	{Name: "足首", Bones: both("{S}足首", "{S}足首D", "{S}足先EX"), GlobalScale: true},
}

func both(names ...string) []string {
	var r []string
	for _, s := range []string{Left, Right} {
		for _, n := range names {
			r = append(r, sided(s, n))
		}
	}
	return r
}

// Groups returns the adjustment groups in display order.
func Groups() []*Group {
	return groups
}

func LookupGroup(name string) *Group {
	for _, g := range groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// ScaleBones returns the bones driven by a scale morph of g, including child groups.
func (g *Group) ScaleBones() []string {
	r := append([]string{}, g.Bones...)
	for _, c := range g.ScaleChildren {
		if cg := LookupGroup(c); cg != nil {
			r = append(r, cg.Bones...)
		}
	}
	return r
}
