package preview

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/HugoSmits86/nativewebp"
	"github.com/binzume/dressfit/deform"
	"github.com/binzume/dressfit/geom"
	"github.com/binzume/dressfit/mmd"
	"golang.org/x/image/draw"
)

// ErrNothingToRender is returned when no visible face remains.
var ErrNothingToRender = errors.New("preview: nothing to render")

// Renderer draws a model from the front with an orthographic camera.
type Renderer struct {
	Size        int
	Supersample int // 0 or 1: off
	Margin      float64
	// TextureDir resolves material textures. Empty disables textures.
	TextureDir string
	// Pose deforms the vertices when set.
	Pose   *deform.Pose
	Light  Light
	Logger *slog.Logger
}

// RenderThumbnail renders doc at rest into a size x size image.
func RenderThumbnail(doc *mmd.Document, size int) (*image.NRGBA, error) {
	return (&Renderer{Size: size}).Render(doc)
}

func (r *Renderer) positions(doc *mmd.Document) []*geom.Vector3 {
	pos := make([]*geom.Vector3, len(doc.Vertexes))
	for i, v := range doc.Vertexes {
		if r.Pose != nil {
			pos[i] = r.Pose.SkinVertex(doc, i)
		} else {
			pos[i] = &v.Pos
		}
	}
	return pos
}

// Render rasterizes doc. Materials are drawn in document order.
func (r *Renderer) Render(doc *mmd.Document) (*image.NRGBA, error) {
	if r.Size <= 0 {
		return nil, fmt.Errorf("preview: invalid size %d", r.Size)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	lc := r.Light
	if lc.Direct == 0 && lc.Ambient == 0 {
		lc = DefaultLight()
	}
	ss := r.Supersample
	if ss < 1 {
		ss = 1
	}
	renderSize := r.Size * ss

	pos := r.positions(doc)
	ranges := doc.MaterialFaces()
	visible := func(mi int) bool {
		return doc.Materials[mi].Color.W > 0 && ranges[mi][0] < ranges[mi][1]
	}

	// Bounding box of visible faces
	minV := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxV := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	found := false
	for mi, fr := range ranges {
		if !visible(mi) {
			continue
		}
		for _, f := range doc.Faces[fr[0]:fr[1]] {
			for _, vi := range f.Verts {
				if vi < 0 || vi >= len(pos) {
					return nil, fmt.Errorf("preview: face vertex %d out of range", vi)
				}
				p := pos[vi]
				minV = [3]float64{math.Min(minV[0], p.X), math.Min(minV[1], p.Y), math.Min(minV[2], p.Z)}
				maxV = [3]float64{math.Max(maxV[0], p.X), math.Max(maxV[1], p.Y), math.Max(maxV[2], p.Z)}
				found = true
			}
		}
	}
	if !found {
		return nil, ErrNothingToRender
	}

	span := math.Max(maxV[0]-minV[0], maxV[1]-minV[1])
	if span < 0.001 {
		span = 0.001
	}
	margin := r.Margin
	if margin <= 0 {
		margin = 0.05
	}
	scale := float64(renderSize) * (1 - 2*margin) / span
	cx := (minV[0] + maxV[0]) / 2
	cy := (minV[1] + maxV[1]) / 2
	half := float64(renderSize) / 2

	// The model faces -Z, so the viewer is on the -Z side.
	project := func(vi int) Vertex {
		p := pos[vi]
		uv := doc.Vertexes[vi].UV
		return Vertex{
			X: half + (p.X-cx)*scale,
			Y: half - (p.Y-cy)*scale,
			Z: -p.Z,
			U: uv.X,
			V: uv.Y,
		}
	}

	var textures *textureCache
	if r.TextureDir != "" {
		textures = newTextureCache(r.TextureDir)
	}

	fb := NewFrameBuffer(renderSize, renderSize)
	for mi, fr := range ranges {
		if !visible(mi) {
			continue
		}
		mat := doc.Materials[mi]
		paint := &Paint{Color: [4]float64{mat.Color.X, mat.Color.Y, mat.Color.Z, mat.Color.W}}
		if textures != nil && mat.TextureID >= 0 && mat.TextureID < len(doc.Textures) {
			tex, err := textures.get(doc.Textures[mat.TextureID])
			if err != nil {
				logger.Debug("preview.texture_skipped", "material", mat.Name, "err", err)
			}
			paint.Texture = tex
		}
		for _, f := range doc.Faces[fr[0]:fr[1]] {
			a, b, c := pos[f.Verts[0]], pos[f.Verts[1]], pos[f.Verts[2]]
			n := b.Sub(a).Cross(c.Sub(a))
			if n.LenSqr() < 1e-16 {
				continue
			}
			n = n.Normalize()
			tri := [3]Vertex{project(f.Verts[0]), project(f.Verts[1]), project(f.Verts[2])}
			RasterizeTriangle(fb, tri, [3]float64{n.X, n.Y, n.Z}, paint, &lc)
		}
	}

	img := fb.Image()
	if ss > 1 {
		img = Downsample(img, r.Size)
	}
	return img, nil
}

// Downsample reduces img to size x size with premultiplied alpha.
func Downsample(img *image.NRGBA, size int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() <= size && b.Dy() <= size {
		return img
	}

	premul := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			si := img.PixOffset(x, y)
			di := premul.PixOffset(x, y)
			a := float64(img.Pix[si+3]) / 255.0
			premul.Pix[di] = clamp255(float64(img.Pix[si]) * a)
			premul.Pix[di+1] = clamp255(float64(img.Pix[si+1]) * a)
			premul.Pix[di+2] = clamp255(float64(img.Pix[si+2]) * a)
			premul.Pix[di+3] = img.Pix[si+3]
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), premul, premul.Bounds(), draw.Src, nil)

	result := image.NewNRGBA(dst.Bounds())
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			si := dst.PixOffset(x, y)
			di := result.PixOffset(x, y)
			a := float64(dst.Pix[si+3])
			if a > 1 {
				inv := 255.0 / a
				result.Pix[di] = clamp255(float64(dst.Pix[si]) * inv)
				result.Pix[di+1] = clamp255(float64(dst.Pix[si+1]) * inv)
				result.Pix[di+2] = clamp255(float64(dst.Pix[si+2]) * inv)
			}
			result.Pix[di+3] = dst.Pix[si+3]
		}
	}
	return result
}

// SaveWebP encodes img as lossless WebP.
func SaveWebP(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := nativewebp.Encode(f, img, nil); err != nil {
		return fmt.Errorf("webp encode: %w", err)
	}
	return f.Close()
}
