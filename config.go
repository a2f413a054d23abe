package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//---------------- Scene Configuration ----------------
// The layout file describes one scene: a background, image layers, overlay
// rectangles, and text items, plus panel/transport settings. A missing
// background is fatal; malformed list entries are reported and skipped.

type orientation int

const (
	orientPortrait orientation = iota
	orientLandscape
)

// Tri-state booleans and orientation/direction overrides default to
// "inherit" (the zero value) so absent YAML keys inherit the globals.
type triBool int

const (
	triInherit triBool = iota
	triFalse
	triTrue
)

type orientOverride int

const (
	orientOverrideInherit orientOverride = iota
	orientOverridePortrait
	orientOverrideLandscape
)

type dirOverride int

const (
	dirOverrideInherit dirOverride = iota
	dirOverrideCW
	dirOverrideCCW
)

// Placement is either an absolute coordinate or "center".
type Placement struct {
	Center bool
	Value  int
}

func centered() Placement { return Placement{Center: true} }

func (p *Placement) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if strings.EqualFold(s, "center") {
		*p = Placement{Center: true}
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("placement must be a number or \"center\" (got %q)", s)
	}
	*p = Placement{Value: n}
	return nil
}

func (t *triBool) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!null" {
		*t = triInherit
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := parseBoolInherit(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func parseBoolInherit(s string) (triBool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit", "~", "null":
		return triInherit, nil
	case "0", "false", "no":
		return triFalse, nil
	case "1", "true", "yes":
		return triTrue, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n != 0 {
			return triTrue, nil
		}
		return triFalse, nil
	}
	return triInherit, fmt.Errorf("flip must be 0|1|true|false|yes|no|inherit (got %q)", s)
}

func (o *orientOverride) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit":
		*o = orientOverrideInherit
	case "portrait":
		*o = orientOverridePortrait
	case "landscape":
		*o = orientOverrideLandscape
	default:
		return fmt.Errorf("orientation must be portrait|landscape|inherit (got %q)", s)
	}
	return nil
}

func (d *dirOverride) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit":
		*d = dirOverrideInherit
	case "cw":
		*d = dirOverrideCW
	case "ccw":
		*d = dirOverrideCCW
	default:
		return fmt.Errorf("landscape_dir must be cw|ccw|inherit (got %q)", s)
	}
	return nil
}

// RGBAColor decodes from [r,g,b] or [r,g,b,a]; alpha defaults to 255.
type RGBAColor struct {
	R, G, B, A uint8
}

func (c *RGBAColor) UnmarshalYAML(value *yaml.Node) error {
	var parts []int
	if err := value.Decode(&parts); err != nil {
		return err
	}
	if len(parts) < 3 || len(parts) > 4 {
		return fmt.Errorf("color needs 3 or 4 components (got %d)", len(parts))
	}
	for _, v := range parts {
		if v < 0 || v > 255 {
			return fmt.Errorf("color component %d out of range", v)
		}
	}
	c.R, c.G, c.B, c.A = uint8(parts[0]), uint8(parts[1]), uint8(parts[2]), 255
	if len(parts) == 4 {
		c.A = uint8(parts[3])
	}
	return nil
}

// OverlayConfig is a solid rectangle in logical coordinates.
type OverlayConfig struct {
	X, Y, W, H int
	Color      RGBAColor
}

func (o *OverlayConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Rect  []int     `yaml:"rect"`
		Color RGBAColor `yaml:"color"`
	}
	raw.Color = RGBAColor{A: 255}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if len(raw.Rect) != 4 {
		return fmt.Errorf("overlay rect needs [x, y, w, h]")
	}
	o.X, o.Y, o.W, o.H = raw.Rect[0], raw.Rect[1], raw.Rect[2], raw.Rect[3]
	o.Color = raw.Color
	return nil
}

// TextConfig is one text item. Orientation, landscape direction, and flip
// each default to inheriting the global setting.
type TextConfig struct {
	Text         string         `yaml:"text"`
	X            int            `yaml:"x"`
	Y            int            `yaml:"y"`
	Color        RGBAColor      `yaml:"color"`
	Font         string         `yaml:"font"`
	Size         int            `yaml:"size"`
	Orientation  orientOverride `yaml:"orientation"`
	LandscapeDir dirOverride    `yaml:"landscape_dir"`
	Flip         triBool        `yaml:"flip"`
}

// ImageConfig is one image layer in canvas coordinates, with optional
// animation timing overrides for animated assets.
type ImageConfig struct {
	Path          string  `yaml:"path"`
	X             int     `yaml:"x"`
	Y             int     `yaml:"y"`
	AlphaRaw      *int    `yaml:"alpha"`
	Alpha         int     `yaml:"-"`
	Scale         float64 `yaml:"scale"`
	Speed         float64 `yaml:"speed"`
	StartOffsetMS int     `yaml:"start_offset_ms"`
	Loop          *int    `yaml:"loop"`
}

// Config is the whole scene plus streaming settings.
type Config struct {
	Background     string    `yaml:"background"`
	BackgroundFlip bool      `yaml:"background_flip"`
	BackgroundX    Placement `yaml:"background_x"`
	BackgroundY    Placement `yaml:"background_y"`

	TextOrientation  orientation `yaml:"-"`
	TextOrientRaw    string      `yaml:"text_orientation"`
	TextFlip         bool        `yaml:"text_flip"`
	TextLandscapeCCW bool        `yaml:"-"`
	TextLandscapeRaw string      `yaml:"text_landscape_dir"`

	FBScalePercent int       `yaml:"fb_scale_percent"`
	ViewportX      Placement `yaml:"viewport_x"`
	ViewportY      Placement `yaml:"viewport_y"`

	FPS   int  `yaml:"fps"`
	Once  bool `yaml:"once"`
	Iface int  `yaml:"iface"`

	Overlays overlayList `yaml:"overlays"`
	Texts    textList    `yaml:"texts"`
	Images   imageList   `yaml:"images"`
}

// The list types decode entries one by one so a single malformed overlay,
// text, or image is reported and skipped instead of failing the layout.

type overlayList []OverlayConfig

func (l *overlayList) UnmarshalYAML(value *yaml.Node) error {
	for i, n := range value.Content {
		var ov OverlayConfig
		if err := n.Decode(&ov); err != nil {
			log.Printf("skipping overlay %d: %v", i, err)
			continue
		}
		*l = append(*l, ov)
	}
	return nil
}

type textList []TextConfig

func (l *textList) UnmarshalYAML(value *yaml.Node) error {
	for i, n := range value.Content {
		ti := TextConfig{Color: RGBAColor{R: 255, G: 255, B: 255, A: 255}}
		if err := n.Decode(&ti); err != nil {
			log.Printf("skipping text item %d: %v", i, err)
			continue
		}
		*l = append(*l, ti)
	}
	return nil
}

type imageList []ImageConfig

func (l *imageList) UnmarshalYAML(value *yaml.Node) error {
	for i, n := range value.Content {
		var im ImageConfig
		if err := n.Decode(&im); err != nil {
			log.Printf("skipping image layer %d: %v", i, err)
			continue
		}
		*l = append(*l, im)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		BackgroundX:    centered(),
		BackgroundY:    centered(),
		FBScalePercent: 150,
		ViewportX:      centered(),
		ViewportY:      centered(),
		FPS:            0,
		Once:           true,
		Iface:          -1,
	}
}

// loadConfig reads and validates the layout file.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open layout: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize applies defaults, clamps ranges, and drops malformed entries.
func (c *Config) normalize() error {
	if c.Background == "" {
		return fmt.Errorf("layout is missing 'background'")
	}

	switch strings.ToLower(c.TextOrientRaw) {
	case "", "portrait":
		c.TextOrientation = orientPortrait
	case "landscape":
		c.TextOrientation = orientLandscape
	default:
		log.Printf("unknown text_orientation %q, using portrait", c.TextOrientRaw)
		c.TextOrientation = orientPortrait
	}
	switch strings.ToLower(c.TextLandscapeRaw) {
	case "", "cw":
		c.TextLandscapeCCW = false
	case "ccw":
		c.TextLandscapeCCW = true
	default:
		log.Printf("unknown text_landscape_dir %q, using cw", c.TextLandscapeRaw)
	}

	if c.FBScalePercent < 100 {
		c.FBScalePercent = 100
	}
	if c.FPS < 0 {
		c.FPS = 0
	}
	if c.Iface < -1 {
		c.Iface = -1
	}

	overlays := c.Overlays[:0]
	for _, ov := range c.Overlays {
		if ov.W <= 0 || ov.H <= 0 {
			log.Printf("skipping overlay with empty rect at (%d,%d)", ov.X, ov.Y)
			continue
		}
		overlays = append(overlays, ov)
	}
	c.Overlays = overlays

	texts := c.Texts[:0]
	for _, ti := range c.Texts {
		if ti.Text == "" {
			log.Printf("skipping text item with no text at (%d,%d)", ti.X, ti.Y)
			continue
		}
		texts = append(texts, ti)
	}
	c.Texts = texts

	images := c.Images[:0]
	for i := range c.Images {
		im := c.Images[i]
		if im.Path == "" {
			log.Printf("skipping image layer %d with no path", i)
			continue
		}
		im.Alpha = 255
		if im.AlphaRaw != nil {
			im.Alpha = clampInt(*im.AlphaRaw, 0, 255)
		}
		if im.Scale <= 0 {
			im.Scale = 1.0
		}
		if im.Speed <= 0 {
			im.Speed = 1.0
		}
		if im.Loop != nil && *im.Loop < 0 {
			log.Printf("image %s: negative loop count, using file value", im.Path)
			im.Loop = nil
		}
		images = append(images, im)
	}
	c.Images = images

	return nil
}
