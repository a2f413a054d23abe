package main

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
)

//---------------- Font Cache ----------------

const defaultFontSize = 16

type fontKey struct {
	path string
	size int
}

// fontCache holds parsed font faces in a bounded LRU keyed by
// (path, pixel size). Text items without a font path use the built-in face.
type fontCache struct {
	faces *lru.Cache[fontKey, font.Face]
}

func newFontCache(size int) *fontCache {
	c, _ := lru.New[fontKey, font.Face](size)
	return &fontCache{faces: c}
}

func (fc *fontCache) face(path string, size int) (font.Face, error) {
	if path == "" {
		return basicfont.Face7x13, nil
	}
	if size <= 0 {
		size = defaultFontSize
	}
	key := fontKey{path: path, size: size}
	if f, ok := fc.faces.Get(key); ok {
		return f, nil
	}

	fontBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading font file: %w", err)
	}
	ttf, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing font %s: %w", path, err)
	}
	f, err := opentype.NewFace(ttf, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}
	fc.faces.Add(key, f)
	return f, nil
}
