package preview

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// LoadTexture reads an image file and returns it as NRGBA.
func LoadTexture(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("texture: %w", err)
	}
	defer f.Close()

	img, err := decodeImage(f, path)
	if err != nil {
		return nil, fmt.Errorf("texture: decode %s: %w", path, err)
	}
	return toNRGBA(img), nil
}

// decodeImage picks the decoder by extension. The tga package registers
// itself without magic bytes, so image.Decode cannot sniff reliably.
func decodeImage(r io.Reader, name string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return png.Decode(r)
	case ".jpg", ".jpeg":
		return jpeg.Decode(r)
	case ".bmp":
		return bmp.Decode(r)
	case ".tga":
		return tga.Decode(r)
	}
	img, _, err := image.Decode(r)
	return img, err
}

func toNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

type textureCache struct {
	dir      string
	textures map[string]*image.NRGBA
	failed   map[string]error
}

func newTextureCache(dir string) *textureCache {
	return &textureCache{dir: dir, textures: map[string]*image.NRGBA{}, failed: map[string]error{}}
}

// get returns the decoded texture, or nil when it cannot be read.
func (c *textureCache) get(name string) (*image.NRGBA, error) {
	if t, ok := c.textures[name]; ok {
		return t, nil
	}
	if err, ok := c.failed[name]; ok {
		return nil, err
	}
	t, err := LoadTexture(filepath.Join(c.dir, filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))))
	if err != nil {
		c.failed[name] = err
		return nil, err
	}
	c.textures[name] = t
	return t, nil
}

// SampleTexture performs bilinear filtering with UV wrapping.
func SampleTexture(tex *image.NRGBA, u, v float64) (r, g, b, a uint8) {
	w := tex.Rect.Dx()
	h := tex.Rect.Dy()
	if w == 0 || h == 0 {
		return 0, 0, 0, 0
	}

	// Wrap UVs
	u = u - float64(int(u))
	if u < 0 {
		u += 1.0
	}
	v = v - float64(int(v))
	if v < 0 {
		v += 1.0
	}

	fx := u * float64(w-1)
	fy := v * float64(h-1)
	x0 := int(fx)
	y0 := int(fy)
	x1 := (x0 + 1) % w
	y1 := (y0 + 1) % h
	dx := fx - float64(x0)
	dy := fy - float64(y0)

	stride := tex.Stride
	pix := tex.Pix

	i00 := y0*stride + x0*4
	i10 := y0*stride + x1*4
	i01 := y1*stride + x0*4
	i11 := y1*stride + x1*4

	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy

	c := func(o int) uint8 {
		return clamp255(float64(pix[i00+o])*w00 + float64(pix[i10+o])*w10 + float64(pix[i01+o])*w01 + float64(pix[i11+o])*w11)
	}
	return c(0), c(1), c(2), c(3)
}
