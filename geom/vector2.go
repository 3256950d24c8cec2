package geom

type Element = float64

// Vector2 is a texture coordinate.
type Vector2 struct {
	X Element
	Y Element
}

func NewVector2(x, y Element) *Vector2 {
	return &Vector2{X: x, Y: y}
}

func (v *Vector2) Float32() [2]float32 {
	return [2]float32{float32(v.X), float32(v.Y)}
}
