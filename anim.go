package main

import "image"

//---------------- Animation Model & Frame Scheduler ----------------

// AnimationFrame is one fully composited canvas snapshot. The image is
// premultiplied and owned exclusively by its sequence; nothing mutates it
// after precompose.
type AnimationFrame struct {
	Image   *image.RGBA
	DelayMS int // display duration, >= 10
}

// AnimationSequence is the precomposed form of an animated asset: every frame
// is a full canvas, so playback is a plain index lookup.
type AnimationSequence struct {
	Frames    []*AnimationFrame
	TotalMS   int
	PlayCount int // declared plays from the file, 0 = infinite
	W, H      int
}

// FrameAt selects the frame for the given elapsed time. It is a pure
// function: no playback state is kept anywhere, so it is safe to recompute
// from scratch every tick.
//
// loop overrides the file-declared play count: nil keeps the file's value,
// 0 forces infinite, n>0 forces exactly n plays. Once the play limit is
// reached the final frame is held indefinitely.
//
// Returns the frame index and the milliseconds remaining in that frame.
func (s *AnimationSequence) FrameAt(elapsedMS int64, speed float64, loop *int) (int, int) {
	n := len(s.Frames)
	if n == 0 || s.TotalMS <= 0 {
		return 0, 0
	}
	if speed <= 0 {
		speed = 1
	}
	scaled := int64(float64(elapsedMS) * speed)
	if scaled < 0 {
		scaled = 0
	}

	plays := s.PlayCount
	if loop != nil {
		plays = *loop
	}
	total := int64(s.TotalMS)
	if plays > 0 && scaled >= total*int64(plays) {
		return n - 1, 0
	}

	t := int(scaled % total)
	for i, f := range s.Frames {
		if t < f.DelayMS {
			return i, f.DelayMS - t
		}
		t -= f.DelayMS
	}
	return n - 1, 0
}
