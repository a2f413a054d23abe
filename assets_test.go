package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func writeAsset(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return path
}

func TestLoadStaticPNGPremultiplies(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 128})
	img.SetNRGBA(1, 1, color.NRGBA{G: 255, A: 255})
	path := writeAsset(t, "static.png", encodePNG(t, img))

	store := newAssetStore()
	if err := store.Load(path, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	frame := store.frameFor(path, 0, 1, nil)
	if frame == nil {
		t.Fatal("frameFor returned nil for a loaded asset")
	}
	if got := pixAt(frame, 0, 0); got != [4]byte{128, 0, 0, 128} {
		t.Errorf("(0,0) = %v, want premultiplied half-alpha red", got)
	}
	if got := pixAt(frame, 1, 1); got != [4]byte{0, 255, 0, 255} {
		t.Errorf("(1,1) = %v, want opaque green", got)
	}
}

func TestLoadFlipsAtLoadTime(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)
	path := writeAsset(t, "strip.png", encodePNG(t, img))

	store := newAssetStore()
	if err := store.Load(path, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	frame := store.frameFor(path, 0, 1, nil)
	if got := pixAt(frame, 0, 0); got != [4]byte{0, 0, 255, 255} {
		t.Errorf("flipped (0,0) = %v, want blue", got)
	}
	if got := pixAt(frame, 1, 0); got != [4]byte{255, 0, 0, 255} {
		t.Errorf("flipped (1,0) = %v, want red", got)
	}
}

func TestLoadAnimatedPNG(t *testing.T) {
	ihdr, idat0 := pngParts(t, encodePNG(t, frameImage(2, 2, red, image.Point{})))
	_, idat1 := pngParts(t, encodePNG(t, frameImage(2, 2, green, image.Point{})))
	s := newAPNGStream(t, 2, 2, 2, 0, ihdr)
	s.fcTL(2, 2, 0, 0, 10, 100, apngDisposeNone, apngBlendSource)
	s.idat(idat0)
	s.fcTL(2, 2, 0, 0, 10, 100, apngDisposeNone, apngBlendSource)
	s.fdat(idat1)
	path := writeAsset(t, "anim.png", s.done())

	store := newAssetStore()
	if err := store.Load(path, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := pixAt(store.frameFor(path, 50, 1, nil), 1, 1); got != [4]byte{255, 0, 0, 255} {
		t.Errorf("frame at 50ms (1,1) = %v, want red", got)
	}
	if got := pixAt(store.frameFor(path, 150, 1, nil), 1, 1); got != [4]byte{0, 255, 0, 255} {
		t.Errorf("frame at 150ms (1,1) = %v, want green", got)
	}
}

func TestFrameForUnknownPath(t *testing.T) {
	store := newAssetStore()
	if frame := store.frameFor("never-loaded.png", 0, 1, nil); frame != nil {
		t.Error("unknown path must return nil")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeAsset(t, "doc.txt", []byte("not an image"))
	if err := newAssetStore().Load(path, false); err == nil {
		t.Fatal("want error for unsupported extension")
	}
}

func TestLoadCorruptPNG(t *testing.T) {
	path := writeAsset(t, "broken.png", []byte("\x89PNG\r\n\x1a\ngarbage"))
	if err := newAssetStore().Load(path, false); err == nil {
		t.Fatal("want error for corrupt png")
	}
}

func TestRenderSVG(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 8 8">` +
		`<rect x="0" y="0" width="8" height="8" fill="#ff0000"/></svg>`)
	path := writeAsset(t, "box.svg", svg)

	store := newAssetStore()
	if err := store.Load(path, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	frame := store.frameFor(path, 0, 1, nil)
	if frame == nil {
		t.Fatal("svg asset missing")
	}
	if b := frame.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Fatalf("svg rendered %dx%d, want 8x8", b.Dx(), b.Dy())
	}
	if got := pixAt(frame, 4, 4); got[0] < 200 || got[3] < 200 {
		t.Errorf("svg center = %v, want solid red", got)
	}
}

func TestRotate180(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	orig := cloneRGBA(img)
	rotate180(img)
	rotate180(img)
	for i := range img.Pix {
		if img.Pix[i] != orig.Pix[i] {
			t.Fatal("rotate180 twice is not the identity")
		}
	}
	rotate180(img)
	if got := pixAt(img, 0, 0); got != pixAt(orig, 1, 1) {
		t.Error("rotate180 does not swap opposite corners")
	}
}

func TestToPremultipliedRounding(t *testing.T) {
	if got := mul255(255, 128); got != 128 {
		t.Errorf("mul255(255,128) = %d, want 128", got)
	}
	if got := mul255(255, 255); got != 255 {
		t.Errorf("mul255(255,255) = %d, want 255", got)
	}
	if got := mul255(1, 255); got != 1 {
		t.Errorf("mul255(1,255) = %d, want 1", got)
	}
}
