package main

import (
	"bytes"
	"image"
	"testing"
	"time"
)

func testConfig() *Config {
	cfg := defaultConfig()
	cfg.Background = "bg.png"
	return &cfg
}

func TestOverPremulOpaqueReplaces(t *testing.T) {
	dst := []byte{10, 20, 30, 255}
	src := []byte{200, 100, 50, 255}
	overPremul(dst, src)
	if !bytes.Equal(dst, src) {
		t.Errorf("opaque over = %v, want %v", dst, src)
	}
}

func TestOverPremulTransparentKeepsDst(t *testing.T) {
	dst := []byte{10, 20, 30, 255}
	overPremul(dst, []byte{0, 0, 0, 0})
	if !bytes.Equal(dst, []byte{10, 20, 30, 255}) {
		t.Errorf("transparent over mutated dst: %v", dst)
	}
}

func TestMapXY(t *testing.T) {
	cases := []struct {
		name   string
		m      uiMapping
		x, y   int
		wx, wy int
	}{
		{"portrait", uiMapping{fbw: 240, fbh: 320}, 10, 20, 10, 20},
		{"portrait-flip", uiMapping{flip: true, fbw: 240, fbh: 320}, 0, 0, 239, 319},
		{"landscape-cw", uiMapping{landscape: true, fbw: 240, fbh: 320}, 0, 0, 0, 319},
		{"landscape-ccw", uiMapping{landscape: true, ccw: true, fbw: 240, fbh: 320}, 0, 0, 239, 0},
		{"landscape-cw-far", uiMapping{landscape: true, fbw: 240, fbh: 320}, 319, 239, 239, 0},
		{"oversized-centered", uiMapping{fbw: 360, fbh: 480}, 0, 0, 60, 80},
	}
	for _, c := range cases {
		gx, gy := c.m.mapXY(c.x, c.y)
		if gx != c.wx || gy != c.wy {
			t.Errorf("%s: mapXY(%d,%d) = (%d,%d), want (%d,%d)",
				c.name, c.x, c.y, gx, gy, c.wx, c.wy)
		}
	}
}

func TestLogicalSize(t *testing.T) {
	if w, h := (uiMapping{}).logicalSize(); w != 240 || h != 320 {
		t.Errorf("portrait logical size %dx%d", w, h)
	}
	if w, h := (uiMapping{landscape: true}).logicalSize(); w != 320 || h != 240 {
		t.Errorf("landscape logical size %dx%d", w, h)
	}
}

func TestClampOffset(t *testing.T) {
	if got := clampOffset(-1000, 10, 360); got != -10 {
		t.Errorf("clampOffset(-1000) = %d, want -10", got)
	}
	if got := clampOffset(1000, 10, 360); got != 360 {
		t.Errorf("clampOffset(1000) = %d, want 360", got)
	}
	if got := clampOffset(-3, 10, 360); got != -3 {
		t.Errorf("clampOffset(-3) = %d, want -3", got)
	}
}

func TestViewportOrigin(t *testing.T) {
	cfg := testConfig()
	comp := newCompositor(cfg, newAssetStore(), newFontCache(4))
	if comp.fbw != 360 || comp.fbh != 480 {
		t.Fatalf("canvas %dx%d, want 360x480", comp.fbw, comp.fbh)
	}
	if x, y := comp.viewportOrigin(); x != 60 || y != 80 {
		t.Errorf("centered viewport at (%d,%d), want (60,80)", x, y)
	}

	cfg.ViewportX = Placement{Value: 1000}
	cfg.ViewportY = Placement{Value: -50}
	if x, y := comp.viewportOrigin(); x != 120 || y != 0 {
		t.Errorf("clamped viewport at (%d,%d), want (120,0)", x, y)
	}
}

func TestPackViewportColors(t *testing.T) {
	fb := image.NewRGBA(image.Rect(0, 0, TRLCD_WIDTH, TRLCD_HEIGHT))
	set := func(x int, px [4]byte) {
		copy(fb.Pix[fb.PixOffset(x, 0):], px[:])
	}
	set(0, [4]byte{255, 0, 0, 255})   // red -> 0xF800
	set(1, [4]byte{0, 255, 0, 255})   // green -> 0x07E0
	set(2, [4]byte{0, 0, 255, 255})   // blue -> 0x001F
	set(3, [4]byte{255, 255, 255, 255})
	set(4, [4]byte{128, 0, 0, 128}) // premultiplied half-alpha red

	out := packViewport(fb, 0, 0)
	if len(out) != TRLCD_FRAME_LEN {
		t.Fatalf("packed %d bytes, want %d", len(out), TRLCD_FRAME_LEN)
	}
	want := [][2]byte{
		{0x00, 0xF8},
		{0xE0, 0x07},
		{0x1F, 0x00},
		{0xFF, 0xFF},
		{0x00, 0xF8}, // un-premultiplies back to full red
	}
	for i, w := range want {
		if out[2*i] != w[0] || out[2*i+1] != w[1] {
			t.Errorf("pixel %d packed % 02X % 02X, want % 02X % 02X",
				i, out[2*i], out[2*i+1], w[0], w[1])
		}
	}
	// transparent packs to black
	if out[10] != 0 || out[11] != 0 {
		t.Errorf("transparent pixel packed % 02X % 02X, want 00 00", out[10], out[11])
	}
}

func TestBlitLayerAlphaAndScale(t *testing.T) {
	fb := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src := image.NewRGBA(image.Rect(0, 0, 1, 1))
	copy(src.Pix, []byte{255, 0, 0, 255})

	blitLayer(fb, src, 1, 1, 128, 2.0)
	for _, p := range [][2]int{{1, 1}, {2, 2}} {
		px := pixAt(fb, p[0], p[1])
		if px != [4]byte{128, 0, 0, 128} {
			t.Errorf("scaled blit at %v = %v, want half-alpha red", p, px)
		}
	}
	if px := pixAt(fb, 0, 0); px != [4]byte{0, 0, 0, 0} {
		t.Errorf("outside blit at (0,0) = %v, want untouched", px)
	}
	if px := pixAt(fb, 3, 3); px != [4]byte{0, 0, 0, 0} {
		t.Errorf("outside blit at (3,3) = %v, want untouched", px)
	}
}

func TestBlitLayerClipsToCanvas(t *testing.T) {
	fb := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(src.Pix); i += 4 {
		copy(src.Pix[i:], []byte{0, 255, 0, 255})
	}
	blitLayer(fb, src, -2, -2, 255, 1.0)
	if px := pixAt(fb, 0, 0); px != [4]byte{0, 255, 0, 255} {
		t.Errorf("clipped blit (0,0) = %v, want green", px)
	}
}

func TestRenderOverlayFillsViewport(t *testing.T) {
	cfg := testConfig()
	cfg.Overlays = overlayList{{
		X: 0, Y: 0, W: TRLCD_WIDTH, H: TRLCD_HEIGHT,
		Color: RGBAColor{R: 255, A: 255},
	}}
	comp := newCompositor(cfg, newAssetStore(), newFontCache(4))
	out := comp.Render(newMetricsProvider(), 0)

	// the overlay covers exactly the logical region, which the centered
	// viewport extracts: every packed pixel is red
	for _, i := range []int{0, TRLCD_FRAME_LEN / 2, TRLCD_FRAME_LEN - 2} {
		if out[i] != 0x00 || out[i+1] != 0xF8 {
			t.Fatalf("viewport byte %d = % 02X % 02X, want red", i, out[i], out[i+1])
		}
	}
}

func TestTextOverrideMatchesGlobals(t *testing.T) {
	base := testConfig()
	base.TextOrientation = orientLandscape
	base.TextLandscapeCCW = true
	base.TextFlip = true

	inherit := *base
	inherit.Texts = textList{{
		Text: "42", X: 20, Y: 30,
		Color: RGBAColor{R: 255, G: 255, B: 255, A: 255},
	}}

	explicit := *base
	explicit.Texts = textList{{
		Text: "42", X: 20, Y: 30,
		Color:        RGBAColor{R: 255, G: 255, B: 255, A: 255},
		Orientation:  orientOverrideLandscape,
		LandscapeDir: dirOverrideCCW,
		Flip:         triTrue,
	}}

	store := newAssetStore()
	fonts := newFontCache(4)
	m := newMetricsProvider()
	a := newCompositor(&inherit, store, fonts).Render(m, 0)
	b := newCompositor(&explicit, store, fonts).Render(m, 0)
	if !bytes.Equal(a, b) {
		t.Error("inherited text settings render differently from explicit ones")
	}

	// sanity: the text actually produced pixels
	empty := newCompositor(testConfig(), store, fonts).Render(m, 0)
	if bytes.Equal(a, empty) {
		t.Error("text item drew nothing")
	}
}

func TestRenderAnimatedBackground(t *testing.T) {
	ihdr, idat0 := pngParts(t, encodePNG(t, frameImage(2, 2, red, image.Point{})))
	_, idat1 := pngParts(t, encodePNG(t, frameImage(2, 2, blue, image.Point{})))
	s := newAPNGStream(t, 2, 2, 2, 0, ihdr)
	s.fcTL(2, 2, 0, 0, 10, 100, apngDisposeNone, apngBlendSource)
	s.idat(idat0)
	s.fcTL(2, 2, 0, 0, 10, 100, apngDisposeNone, apngBlendSource)
	s.fdat(idat1)
	seq, err := precomposeAPNG(s.done(), false)
	if err != nil {
		t.Fatalf("precompose: %v", err)
	}

	cfg := testConfig()
	cfg.FBScalePercent = 100
	cfg.BackgroundX = Placement{Value: 0}
	cfg.BackgroundY = Placement{Value: 0}
	store := newAssetStore()
	store.assets[cfg.Background] = &Asset{Anim: seq}

	comp := newCompositor(cfg, store, newFontCache(4))
	m := newMetricsProvider()

	at := func(elapsed time.Duration) [2]byte {
		out := comp.Render(m, elapsed)
		return [2]byte{out[0], out[1]}
	}
	if got := at(50 * time.Millisecond); got != [2]byte{0x00, 0xF8} {
		t.Errorf("frame at 50ms = % 02X, want red", got)
	}
	if got := at(150 * time.Millisecond); got != [2]byte{0x1F, 0x00} {
		t.Errorf("frame at 150ms = % 02X, want blue", got)
	}
}
