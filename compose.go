package main

import (
	"image"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

//---------------- Pixel Arithmetic ----------------
// All channel math is premultiplied-alpha integer arithmetic rounded to
// nearest: (a*b + 127) / 255.

func mul255(a, b uint8) uint8 {
	return uint8((int(a)*int(b) + 127) / 255)
}

// overPremul composites premultiplied src over premultiplied dst in place.
func overPremul(dst []byte, src []byte) {
	inv := int(255 - src[3])
	dst[0] = uint8(int(src[0]) + (int(dst[0])*inv+127)/255)
	dst[1] = uint8(int(src[1]) + (int(dst[1])*inv+127)/255)
	dst[2] = uint8(int(src[2]) + (int(dst[2])*inv+127)/255)
	dst[3] = uint8(int(src[3]) + (int(dst[3])*inv+127)/255)
}

//---------------- UI Coordinate Mapping ----------------

// uiMapping resolves overlay/text logical coordinates into canvas
// coordinates: orientation first, then the optional 180° flip, then the
// translation that centers the panel-sized logical region in the canvas.
type uiMapping struct {
	landscape bool
	ccw       bool
	flip      bool
	fbw, fbh  int
}

// logicalSize is the panel size, transposed in landscape.
func (m uiMapping) logicalSize() (int, int) {
	if m.landscape {
		return TRLCD_HEIGHT, TRLCD_WIDTH
	}
	return TRLCD_WIDTH, TRLCD_HEIGHT
}

func (m uiMapping) mapXY(x, y int) (int, int) {
	var mx, my int
	if !m.landscape {
		mx, my = x, y
	} else if m.ccw {
		mx = TRLCD_WIDTH - 1 - y
		my = x
	} else {
		mx = y
		my = TRLCD_HEIGHT - 1 - x
	}
	if m.flip {
		mx = TRLCD_WIDTH - 1 - mx
		my = TRLCD_HEIGHT - 1 - my
	}
	return mx + (m.fbw-TRLCD_WIDTH)/2, my + (m.fbh-TRLCD_HEIGHT)/2
}

// putPxUI blends one straight-alpha pixel through the mapping. Pixels that
// land outside the canvas are dropped.
func putPxUI(fb *image.RGBA, m uiMapping, x, y int, r, g, b, a uint8) {
	dx, dy := m.mapXY(x, y)
	if dx < 0 || dx >= m.fbw || dy < 0 || dy >= m.fbh {
		return
	}
	src := [4]byte{mul255(r, a), mul255(g, a), mul255(b, a), a}
	i := fb.PixOffset(dx, dy)
	overPremul(fb.Pix[i:i+4], src[:])
}

//---------------- Compositor ----------------

// Compositor owns the per-tick working canvas. Assets and config are
// read-only; the canvas is allocated, filled, consumed, and dropped every
// tick.
type Compositor struct {
	cfg      *Config
	store    *AssetStore
	fonts    *fontCache
	fbw, fbh int
}

func newCompositor(cfg *Config, store *AssetStore, fonts *fontCache) *Compositor {
	p := cfg.FBScalePercent
	if p < 100 {
		p = 100
	}
	return &Compositor{
		cfg:   cfg,
		store: store,
		fonts: fonts,
		fbw:   (TRLCD_WIDTH*p + 99) / 100,
		fbh:   (TRLCD_HEIGHT*p + 99) / 100,
	}
}

// Render composites the whole scene for the given elapsed time and returns
// the packed RGB565 viewport.
func (c *Compositor) Render(m *metricsProvider, elapsed time.Duration) []byte {
	fb := image.NewRGBA(image.Rect(0, 0, c.fbw, c.fbh))
	ms := elapsed.Milliseconds()

	c.drawBackground(fb, ms)
	for _, l := range c.cfg.Images {
		c.drawImageLayer(fb, &l, ms)
	}
	gm := c.globalMapping()
	for _, ov := range c.cfg.Overlays {
		drawOverlayUI(fb, gm, ov)
	}
	for _, ti := range c.cfg.Texts {
		c.drawTextItem(fb, &ti, m)
	}

	vx, vy := c.viewportOrigin()
	return packViewport(fb, vx, vy)
}

func (c *Compositor) globalMapping() uiMapping {
	return uiMapping{
		landscape: c.cfg.TextOrientation == orientLandscape,
		ccw:       c.cfg.TextLandscapeCCW,
		flip:      c.cfg.TextFlip,
		fbw:       c.fbw,
		fbh:       c.fbh,
	}
}

func (c *Compositor) drawBackground(fb *image.RGBA, ms int64) {
	img := c.store.frameFor(c.cfg.Background, ms, 1, nil)
	if img == nil {
		return
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	bgx := c.cfg.BackgroundX.Value
	if c.cfg.BackgroundX.Center {
		bgx = (c.fbw - w) / 2
	}
	bgy := c.cfg.BackgroundY.Value
	if c.cfg.BackgroundY.Center {
		bgy = (c.fbh - h) / 2
	}
	bgx = clampOffset(bgx, w, c.fbw)
	bgy = clampOffset(bgy, h, c.fbh)
	blitLayer(fb, img, bgx, bgy, 255, 1.0)
}

// clampOffset keeps a layer origin within one layer-size of the canvas, so a
// runaway offset never displaces the image further than fully off-screen.
func clampOffset(v, size, canvas int) int {
	if v < -size {
		return -size
	}
	if v > canvas {
		return canvas
	}
	return v
}

func (c *Compositor) drawImageLayer(fb *image.RGBA, l *ImageConfig, ms int64) {
	img := c.store.frameFor(l.Path, ms-int64(l.StartOffsetMS), l.Speed, l.Loop)
	if img == nil {
		return
	}
	blitLayer(fb, img, l.X, l.Y, l.Alpha, l.Scale)
}

// blitLayer draws a premultiplied image at (dstX,dstY) with nearest-neighbor
// resampling by scale and an extra per-layer opacity, composited "over".
// Destination pixels outside the canvas are skipped.
func blitLayer(fb *image.RGBA, img *image.RGBA, dstX, dstY, alpha int, scale float64) {
	if scale <= 0 {
		scale = 1
	}
	fbw, fbh := fb.Bounds().Dx(), fb.Bounds().Dy()
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	outw := int(float64(w) * scale)
	outh := int(float64(h) * scale)

	for y := 0; y < outh; y++ {
		dy := dstY + y
		if dy < 0 || dy >= fbh {
			continue
		}
		sy := int(float64(y)/scale + 0.5)
		if sy >= h {
			sy = h - 1
		}
		for x := 0; x < outw; x++ {
			dx := dstX + x
			if dx < 0 || dx >= fbw {
				continue
			}
			sx := int(float64(x)/scale + 0.5)
			if sx >= w {
				sx = w - 1
			}
			si := img.PixOffset(sx, sy)
			var spx [4]byte
			copy(spx[:], img.Pix[si:si+4])
			if alpha >= 0 && alpha < 255 {
				a := uint8(alpha)
				spx[0] = mul255(spx[0], a)
				spx[1] = mul255(spx[1], a)
				spx[2] = mul255(spx[2], a)
				spx[3] = mul255(spx[3], a)
			}
			di := fb.PixOffset(dx, dy)
			overPremul(fb.Pix[di:di+4], spx[:])
		}
	}
}

// drawOverlayUI fills a constant-color rectangle in logical coordinates,
// clipped to the logical region, through the UI mapping.
func drawOverlayUI(fb *image.RGBA, m uiMapping, ov OverlayConfig) {
	lw, lh := m.logicalSize()
	x0, y0 := ov.X, ov.Y
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	x1, y1 := ov.X+ov.W, ov.Y+ov.H
	if x1 > lw {
		x1 = lw
	}
	if y1 > lh {
		y1 = lh
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			putPxUI(fb, m, x, y, ov.Color.R, ov.Color.G, ov.Color.B, ov.Color.A)
		}
	}
}

func (c *Compositor) drawTextItem(fb *image.RGBA, ti *TextConfig, m *metricsProvider) {
	// resolve effective orientation/flip/direction, inheriting globals
	em := c.globalMapping()
	switch ti.Orientation {
	case orientOverridePortrait:
		em.landscape = false
	case orientOverrideLandscape:
		em.landscape = true
	}
	switch ti.LandscapeDir {
	case dirOverrideCW:
		em.ccw = false
	case dirOverrideCCW:
		em.ccw = true
	}
	switch ti.Flip {
	case triFalse:
		em.flip = false
	case triTrue:
		em.flip = true
	}

	face, err := c.fonts.face(ti.Font, ti.Size)
	if err != nil {
		// reported once at load; keep the frame going without this item
		return
	}
	text := expandTokens(ti.Text, m)
	drawTextMapped(fb, em, face, text, ti.X, ti.Y, ti.Color)
}

// drawTextMapped rasterizes glyphs and blends each covered pixel through the
// UI mapping. (x,y) is the top-left of the text block in logical
// coordinates; '\n' resets the horizontal cursor and advances one line.
func drawTextMapped(fb *image.RGBA, m uiMapping, face font.Face, text string, x, y int, clr RGBAColor) {
	metrics := face.Metrics()
	ascent := metrics.Ascent.Round()
	lineH := metrics.Height.Ceil()
	if lineH <= 0 {
		lineH = ascent + metrics.Descent.Round()
	}

	pen := fixed.I(x)
	line := y
	prev := rune(-1)
	for _, r := range text {
		if r == '\n' {
			pen = fixed.I(x)
			line += lineH
			prev = -1
			continue
		}
		if prev >= 0 {
			pen += face.Kern(prev, r)
		}
		dot := fixed.Point26_6{X: pen, Y: fixed.I(line + ascent)}
		dr, mask, maskp, advance, ok := face.Glyph(dot, r)
		if !ok {
			prev = r
			continue
		}
		for py := dr.Min.Y; py < dr.Max.Y; py++ {
			for px := dr.Min.X; px < dr.Max.X; px++ {
				_, _, _, ca := mask.At(maskp.X+px-dr.Min.X, maskp.Y+py-dr.Min.Y).RGBA()
				cov := uint8(ca >> 8)
				if cov == 0 {
					continue
				}
				putPxUI(fb, m, px, py, clr.R, clr.G, clr.B, mul255(cov, clr.A))
			}
		}
		pen += advance
		prev = r
	}
}

//---------------- Viewport & RGB565 ----------------

func (c *Compositor) viewportOrigin() (int, int) {
	x := c.cfg.ViewportX.Value
	if c.cfg.ViewportX.Center {
		x = (c.fbw - TRLCD_WIDTH) / 2
	}
	y := c.cfg.ViewportY.Value
	if c.cfg.ViewportY.Center {
		y = (c.fbh - TRLCD_HEIGHT) / 2
	}
	x = clampInt(x, 0, c.fbw-TRLCD_WIDTH)
	y = clampInt(y, 0, c.fbh-TRLCD_HEIGHT)
	return x, y
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// packViewport extracts the panel-sized window at (vx,vy), un-premultiplies
// each pixel, and packs to 16-bit 5/6/5 little-endian, row-major.
func packViewport(fb *image.RGBA, vx, vy int) []byte {
	out := make([]byte, TRLCD_FRAME_LEN)
	j := 0
	for y := 0; y < TRLCD_HEIGHT; y++ {
		i := fb.PixOffset(vx, vy+y)
		for x := 0; x < TRLCD_WIDTH; x++ {
			pr, pg, pb, pa := fb.Pix[i], fb.Pix[i+1], fb.Pix[i+2], fb.Pix[i+3]
			var r, g, b uint8
			switch pa {
			case 0:
				// fully transparent packs to black
			case 255:
				r, g, b = pr, pg, pb
			default:
				a := int(pa)
				r = uint8((int(pr)*255 + a/2) / a)
				g = uint8((int(pg)*255 + a/2) / a)
				b = uint8((int(pb)*255 + a/2) / a)
			}
			v := uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b>>3)
			out[j] = byte(v)
			out[j+1] = byte(v >> 8)
			j += 2
			i += 4
		}
	}
	return out
}
