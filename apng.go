package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"

	kettek "github.com/kettek/apng"
)

//---------------- APNG Precomposition ----------------
//
// An animated PNG is parsed once at load time into a sequence of fully
// composited canvas frames, so the render loop never touches dispose/blend
// semantics. Each frame's raw data is reassembled into a standalone PNG and
// handed to the codec; the byte stream is untrusted, so every chunk-derived
// offset is bounds-checked before any write.

// errNotAnimated reports a well-formed PNG that carries no animation control
// chunk (or composed zero frames). Callers fall back to static decode.
var errNotAnimated = errors.New("png stream is not animated")

const pngSignature = "\x89PNG\r\n\x1a\n"

// APNG dispose and blend operators, per the APNG spec.
const (
	apngDisposeNone       = 0
	apngDisposeBackground = 1
	apngDisposePrevious   = 2

	apngBlendSource = 0
	apngBlendOver   = 1
)

// frameControl mirrors the body of an fcTL chunk (after its sequence number).
type frameControl struct {
	width, height uint32
	x, y          uint32
	delayNum      uint16
	delayDen      uint16
	dispose       uint8
	blend         uint8
}

// precomposer is the chunk-event state machine: either no frame is open, or
// one frame is accumulating data. Every chunk feeds one dispatch step.
type precomposer struct {
	canvasW, canvasH int
	ihdr             []byte   // original IHDR body, 13 bytes
	ancillary        [][]byte // serialized chunks saved before the first image data

	declared int
	plays    int
	sawACTL  bool
	sawData  bool

	canvas *image.RGBA
	prev   *image.RGBA // snapshot for DISPOSE_PREVIOUS
	frames []*AnimationFrame

	open bool
	cur  frameControl
	data []byte // accumulated raw image data of the open frame

	flip bool
}

// precomposeAPNG walks the chunk stream of a PNG byte slice and returns the
// composited animation, errNotAnimated for plain PNGs, or a parse error.
// flip applies a one-time 180° rotation to every decoded frame.
func precomposeAPNG(data []byte, flip bool) (*AnimationSequence, error) {
	if len(data) < 8 || string(data[:8]) != pngSignature {
		return nil, fmt.Errorf("bad png signature")
	}
	p := &precomposer{flip: flip}

	r := data[8:]
	for len(r) > 0 {
		if len(r) < 12 {
			return nil, fmt.Errorf("truncated chunk header")
		}
		ln := binary.BigEndian.Uint32(r[:4])
		typ := string(r[4:8])
		if uint32(len(r)-12) < ln {
			return nil, fmt.Errorf("truncated %s chunk", typ)
		}
		body := r[8 : 8+ln]
		want := binary.BigEndian.Uint32(r[8+ln : 12+ln])
		if crc32.ChecksumIEEE(r[4:8+ln]) != want {
			return nil, fmt.Errorf("%s chunk crc mismatch", typ)
		}
		done, err := p.feedChunk(typ, body)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		r = r[12+ln:]
	}

	if !p.sawACTL || len(p.frames) == 0 {
		return nil, errNotAnimated
	}
	seq := &AnimationSequence{
		Frames:    p.frames,
		PlayCount: p.plays,
		W:         p.canvasW,
		H:         p.canvasH,
	}
	for _, f := range seq.Frames {
		seq.TotalMS += f.DelayMS
	}
	return seq, nil
}

// feedChunk dispatches one chunk. Returns done=true on the end marker.
func (p *precomposer) feedChunk(typ string, body []byte) (bool, error) {
	switch typ {
	case "IHDR":
		if len(body) < 13 {
			return false, fmt.Errorf("short IHDR chunk")
		}
		w := binary.BigEndian.Uint32(body[0:4])
		h := binary.BigEndian.Uint32(body[4:8])
		if w == 0 || h == 0 {
			return false, fmt.Errorf("zero canvas dimension in IHDR")
		}
		p.canvasW, p.canvasH = int(w), int(h)
		p.ihdr = append([]byte(nil), body...)
		// canvas starts fully transparent
		p.canvas = image.NewRGBA(image.Rect(0, 0, p.canvasW, p.canvasH))

	case "acTL":
		if len(body) < 8 {
			return false, fmt.Errorf("short acTL chunk")
		}
		p.declared = int(binary.BigEndian.Uint32(body[0:4]))
		p.plays = int(binary.BigEndian.Uint32(body[4:8]))
		p.sawACTL = true

	case "fcTL":
		if p.canvas == nil {
			return false, fmt.Errorf("fcTL before IHDR")
		}
		fc, err := parseFrameControl(body)
		if err != nil {
			return false, err
		}
		if err := p.finalizeOpen(); err != nil {
			return false, err
		}
		p.cur = fc
		p.data = p.data[:0]
		p.open = true

	case "fdAT":
		if !p.open {
			break // stray frame data with no frame open is ignored
		}
		if len(body) < 4 {
			return false, fmt.Errorf("short fdAT chunk")
		}
		p.data = append(p.data, body[4:]...) // strip sequence number
		p.sawData = true

	case "IDAT":
		if p.canvas == nil {
			return false, fmt.Errorf("IDAT before IHDR")
		}
		if !p.open {
			// default image with no fcTL: treat as a full-canvas frame
			p.cur = frameControl{
				width:  uint32(p.canvasW),
				height: uint32(p.canvasH),
				blend:  apngBlendSource,
			}
			p.data = p.data[:0]
			p.open = true
		}
		p.data = append(p.data, body...)
		p.sawData = true

	case "IEND":
		if err := p.finalizeOpen(); err != nil {
			return false, err
		}
		return true, nil

	default:
		// palette/metadata chunks ahead of the pixel data are replayed into
		// every per-frame PNG so the codec sees them
		if !p.sawData {
			p.ancillary = append(p.ancillary, rawChunk(typ, body))
		}
	}
	return false, nil
}

func parseFrameControl(body []byte) (frameControl, error) {
	var fc frameControl
	if len(body) < 26 {
		return fc, fmt.Errorf("short fcTL chunk")
	}
	// body[0:4] is the sequence number; ordering is taken from stream order
	fc.width = binary.BigEndian.Uint32(body[4:8])
	fc.height = binary.BigEndian.Uint32(body[8:12])
	fc.x = binary.BigEndian.Uint32(body[12:16])
	fc.y = binary.BigEndian.Uint32(body[16:20])
	fc.delayNum = binary.BigEndian.Uint16(body[20:22])
	fc.delayDen = binary.BigEndian.Uint16(body[22:24])
	fc.dispose = body[24]
	fc.blend = body[25]
	if fc.width == 0 || fc.height == 0 {
		return fc, fmt.Errorf("fcTL declares zero frame dimension")
	}
	if fc.dispose > apngDisposePrevious {
		return fc, fmt.Errorf("fcTL dispose op %d out of range", fc.dispose)
	}
	if fc.blend > apngBlendOver {
		return fc, fmt.Errorf("fcTL blend op %d out of range", fc.blend)
	}
	return fc, nil
}

// finalizeOpen decodes and composites the frame accumulating data, if any.
func (p *precomposer) finalizeOpen() error {
	if !p.open {
		return nil
	}
	fc := p.cur
	p.open = false
	if len(p.data) == 0 {
		return fmt.Errorf("frame %d carries no image data", len(p.frames))
	}

	img, err := decodeFramePNG(p.buildFramePNG(fc))
	if err != nil {
		return fmt.Errorf("frame %d: %w", len(p.frames), err)
	}
	b := img.Bounds()
	if b.Dx() != int(fc.width) || b.Dy() != int(fc.height) {
		return fmt.Errorf("frame %d decoded %dx%d, control declares %dx%d",
			len(p.frames), b.Dx(), b.Dy(), fc.width, fc.height)
	}

	src := toPremultiplied(img)
	if p.flip {
		rotate180(src)
	}

	if fc.dispose == apngDisposePrevious {
		p.prev = cloneRGBA(p.canvas)
	}
	compositeFrame(p.canvas, src, int(fc.x), int(fc.y), fc.blend)
	p.frames = append(p.frames, &AnimationFrame{
		Image:   cloneRGBA(p.canvas),
		DelayMS: frameDelayMS(fc),
	})

	switch fc.dispose {
	case apngDisposeBackground:
		clearRect(p.canvas, int(fc.x), int(fc.y), int(fc.width), int(fc.height))
	case apngDisposePrevious:
		if p.prev != nil {
			copy(p.canvas.Pix, p.prev.Pix)
		}
	}
	return nil
}

// buildFramePNG assembles a standalone single-frame PNG: signature, IHDR
// patched to the frame's own size, the saved ancillary chunks, the
// accumulated data as one IDAT, and the end marker.
func (p *precomposer) buildFramePNG(fc frameControl) []byte {
	ihdr := append([]byte(nil), p.ihdr...)
	binary.BigEndian.PutUint32(ihdr[0:4], fc.width)
	binary.BigEndian.PutUint32(ihdr[4:8], fc.height)

	var buf bytes.Buffer
	buf.WriteString(pngSignature)
	buf.Write(rawChunk("IHDR", ihdr))
	for _, c := range p.ancillary {
		buf.Write(c)
	}
	buf.Write(rawChunk("IDAT", p.data))
	buf.Write(rawChunk("IEND", nil))
	return buf.Bytes()
}

func decodeFramePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	// retry with the tolerant decoder before declaring the frame fatal
	img, err2 := kettek.Decode(bytes.NewReader(data))
	if err2 != nil {
		return nil, fmt.Errorf("frame decode failed: %v (retry: %v)", err, err2)
	}
	return img, nil
}

// compositeFrame places src at (x0,y0) on dst. Offsets come from the chunk
// stream, so destination coordinates are clamped to the canvas.
func compositeFrame(dst, src *image.RGBA, x0, y0 int, blend uint8) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dw, dh := dst.Bounds().Dx(), dst.Bounds().Dy()
	for y := 0; y < h; y++ {
		dy := y0 + y
		if dy < 0 || dy >= dh {
			continue
		}
		for x := 0; x < w; x++ {
			dx := x0 + x
			if dx < 0 || dx >= dw {
				continue
			}
			si := src.PixOffset(x, y)
			di := dst.PixOffset(dx, dy)
			if blend == apngBlendSource {
				copy(dst.Pix[di:di+4], src.Pix[si:si+4])
			} else {
				overPremul(dst.Pix[di:di+4], src.Pix[si:si+4])
			}
		}
	}
}

// clearRect zeroes a rectangle to fully transparent, clamped to the canvas.
func clearRect(img *image.RGBA, x0, y0, w, h int) {
	dw, dh := img.Bounds().Dx(), img.Bounds().Dy()
	for y := y0; y < y0+h; y++ {
		if y < 0 || y >= dh {
			continue
		}
		for x := x0; x < x0+w; x++ {
			if x < 0 || x >= dw {
				continue
			}
			i := img.PixOffset(x, y)
			img.Pix[i] = 0
			img.Pix[i+1] = 0
			img.Pix[i+2] = 0
			img.Pix[i+3] = 0
		}
	}
}

// frameDelayMS converts the fcTL delay fraction to milliseconds. A zero
// denominator means 1/100s units, a zero numerator means one unit, and the
// result never drops below 10ms.
func frameDelayMS(fc frameControl) int {
	num, den := int(fc.delayNum), int(fc.delayDen)
	if den == 0 {
		den = 100
	}
	if num == 0 {
		num = 1
	}
	ms := (1000*num + den/2) / den
	if ms < 10 {
		ms = 10
	}
	return ms
}

// rawChunk serializes one chunk: length, type, data, CRC over type+data.
func rawChunk(typ string, data []byte) []byte {
	out := make([]byte, 12+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(data)))
	copy(out[4:8], typ)
	copy(out[8:], data)
	binary.BigEndian.PutUint32(out[8+len(data):], crc32.ChecksumIEEE(out[4:8+len(data)]))
	return out
}
