package preview

import (
	"image"
	"math"
)

// Light is a directional light with an ambient term.
type Light struct {
	Dir     [3]float64 // normalized, pointing from the surface to the light
	Ambient float64
	Direct  float64
}

func DefaultLight() Light {
	x, y, z := 0.3, 0.5, -1.0
	l := math.Sqrt(x*x + y*y + z*z)
	return Light{Dir: [3]float64{x / l, y / l, z / l}, Ambient: 0.35, Direct: 0.65}
}

// Vertex is a projected vertex. X and Y are pixels, Z grows toward the viewer.
type Vertex struct {
	X, Y, Z float64
	U, V    float64
}

// Paint is the surface color of a triangle.
type Paint struct {
	Color   [4]float64 // RGBA in 0..1
	Texture *image.NRGBA
}

// RasterizeTriangle draws a flat shaded triangle. normal is the face normal in view space.
// Translucent pixels are blended and do not write depth.
func RasterizeTriangle(fb *FrameBuffer, tri [3]Vertex, normal [3]float64, p *Paint, lc *Light) {
	ndl := math.Abs(normal[0]*lc.Dir[0] + normal[1]*lc.Dir[1] + normal[2]*lc.Dir[2])
	shade := lc.Ambient + ndl*lc.Direct

	x0, y0, z0 := tri[0].X, tri[0].Y, tri[0].Z
	x1, y1, z1 := tri[1].X, tri[1].Y, tri[1].Z
	x2, y2, z2 := tri[2].X, tri[2].Y, tri[2].Z

	// Bounding box
	minX := int(math.Floor(math.Min(math.Min(x0, x1), x2)))
	maxX := int(math.Ceil(math.Max(math.Max(x0, x1), x2)))
	minY := int(math.Floor(math.Min(math.Min(y0, y1), y2)))
	maxY := int(math.Ceil(math.Max(math.Max(y0, y1), y2)))
	if minX < 0 {
		minX = 0
	}
	if maxX >= fb.Width {
		maxX = fb.Width - 1
	}
	if minY < 0 {
		minY = 0
	}
	if maxY >= fb.Height {
		maxY = fb.Height - 1
	}
	if minX > maxX || minY > maxY {
		return
	}

	// Barycentric setup
	det := (y1-y2)*(x0-x2) + (x2-x1)*(y0-y2)
	if det > -1e-8 && det < 1e-8 {
		return
	}
	invDet := 1.0 / det
	dy12 := y1 - y2
	dx21 := x2 - x1
	dy20 := y2 - y0
	dx02 := x0 - x2

	for sy := minY; sy <= maxY; sy++ {
		dsy := float64(sy) + 0.5 - y2
		rowOff := sy * fb.Width
		for sx := minX; sx <= maxX; sx++ {
			dsx := float64(sx) + 0.5 - x2
			w0 := (dy12*dsx + dx21*dsy) * invDet
			w1 := (dy20*dsx + dx02*dsy) * invDet
			w2 := 1.0 - w0 - w1
			if w0 < -0.001 || w1 < -0.001 || w2 < -0.001 {
				continue
			}

			z := w0*z0 + w1*z1 + w2*z2
			zIdx := rowOff + sx
			if z <= fb.ZBuf[zIdx] {
				continue
			}

			r, g, b, a := p.Color[0], p.Color[1], p.Color[2], p.Color[3]
			if p.Texture != nil {
				u := w0*tri[0].U + w1*tri[1].U + w2*tri[2].U
				v := w0*tri[0].V + w1*tri[1].V + w2*tri[2].V
				tr, tg, tb, ta := SampleTexture(p.Texture, u, v)
				r *= float64(tr) / 255
				g *= float64(tg) / 255
				b *= float64(tb) / 255
				a *= float64(ta) / 255
			}
			// Skip transparent texels
			if a < 0.03 {
				continue
			}

			px := zIdx * 4
			if a >= 0.99 {
				fb.ZBuf[zIdx] = z
				fb.Color[px] = clamp255(r * shade * 255)
				fb.Color[px+1] = clamp255(g * shade * 255)
				fb.Color[px+2] = clamp255(b * shade * 255)
				fb.Color[px+3] = 255
				continue
			}
			da := float64(fb.Color[px+3]) / 255
			oa := a + da*(1-a)
			blend := func(c float64, dst uint8) uint8 {
				return clamp255((c*shade*255*a + float64(dst)*da*(1-a)) / oa)
			}
			fb.Color[px] = blend(r, fb.Color[px])
			fb.Color[px+1] = blend(g, fb.Color[px+1])
			fb.Color[px+2] = blend(b, fb.Color[px+2])
			fb.Color[px+3] = clamp255(oa * 255)
		}
	}
}
