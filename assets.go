package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

//---------------- Asset Store ----------------

// Asset is one decoded image path: either a static premultiplied image or a
// precomposed animation. Immutable after load.
type Asset struct {
	Static *image.RGBA
	Anim   *AnimationSequence
}

// AssetStore loads each configured image path exactly once at startup;
// everything it holds is read-only afterwards.
type AssetStore struct {
	assets map[string]*Asset
}

func newAssetStore() *AssetStore {
	return &AssetStore{assets: make(map[string]*Asset)}
}

// Load decodes path into the store. PNG files are offered to the animation
// precomposer first and fall back to static decode when not animated. flip
// applies a one-time 180° rotation at load.
func (s *AssetStore) Load(path string, flip bool) error {
	if _, ok := s.assets[path]; ok {
		return nil
	}
	a, err := loadAsset(path, flip)
	if err != nil {
		return err
	}
	s.assets[path] = a
	return nil
}

// frameFor returns the pixels to composite for path at the given animation
// time: the static image, or the scheduled frame of an animated asset.
// Unknown paths (assets that failed to load and were skipped) return nil.
func (s *AssetStore) frameFor(path string, elapsedMS int64, speed float64, loop *int) *image.RGBA {
	a, ok := s.assets[path]
	if !ok {
		return nil
	}
	if a.Anim != nil {
		idx, _ := a.Anim.FrameAt(elapsedMS, speed, loop)
		return a.Anim.Frames[idx].Image
	}
	return a.Static
}

func loadAsset(path string, flip bool) (*Asset, error) {
	ext := strings.ToLower(filepath.Ext(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var img image.Image
	switch ext {
	case ".png":
		seq, err := precomposeAPNG(data, flip)
		if err == nil {
			return &Asset{Anim: seq}, nil
		}
		if !errors.Is(err, errNotAnimated) {
			return nil, fmt.Errorf("precompose %s: %w", path, err)
		}
		img, err = png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".gif":
		img, err = gif.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".svg":
		img, err = renderSVG(data)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}

	rgba := toPremultiplied(img)
	if flip {
		rotate180(rgba)
	}
	return &Asset{Static: rgba}, nil
}

// renderSVG rasterizes an SVG at its intrinsic viewbox size.
func renderSVG(data []byte) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	w := int(icon.ViewBox.W)
	h := int(icon.ViewBox.H)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("svg has no intrinsic size")
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.RGBA{}), image.Point{}, draw.Src)
	icon.SetTarget(0, 0, float64(w), float64(h))
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	dasher := rasterx.NewDasher(w, h, scanner)
	icon.Draw(dasher, 1.0)
	return rgba, nil
}

//---------------- RGBA Helpers ----------------

// toPremultiplied copies any decoded image into an RGBA buffer with each
// color channel pre-scaled by its own alpha.
func toPremultiplied(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.Pix[i] = mul255(c.R, c.A)
			out.Pix[i+1] = mul255(c.G, c.A)
			out.Pix[i+2] = mul255(c.B, c.A)
			out.Pix[i+3] = c.A
			i += 4
		}
	}
	return out
}

// rotate180 flips the image in place by swapping opposite pixels.
func rotate180(img *image.RGBA) {
	px := img.Bounds().Dx() * img.Bounds().Dy()
	for i, j := 0, px-1; i < j; i, j = i+1, j-1 {
		for k := 0; k < 4; k++ {
			img.Pix[i*4+k], img.Pix[j*4+k] = img.Pix[j*4+k], img.Pix[i*4+k]
		}
	}
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}
