// Package template holds the declarative scene-timeline model that drives a
// render: which slice of source footage each output scene shows and which
// styled text is burned in on top.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Style defaults applied by Normalize when a field is left zero.
const (
	DefaultFontSize         = 48.0
	DefaultLineHeight       = 1.35
	DefaultMaxWidth         = 100.0
	DefaultBackgroundRadius = 12.0
	DefaultTextAlign        = "center"
)

// VideoTemplate describes one output video: total duration and an ordered
// list of scenes. Scenes need not be contiguous or non-overlapping in their
// source mapping; for timeline purposes they are interpreted in list order.
type VideoTemplate struct {
	Name             string     `json:"name,omitempty" yaml:"name,omitempty"`
	Duration         float64    `json:"duration" yaml:"duration"`
	Scenes           []Scene    `json:"scenes" yaml:"scenes"`
	DefaultTextStyle *TextStyle `json:"defaultTextStyle,omitempty" yaml:"defaultTextStyle,omitempty"`
}

// Scene is one window on the output timeline. SourceStart/SourceEnd pin the
// scene to an explicit slice of source footage; when nil the mapper computes
// an even-distribution slice instead.
type Scene struct {
	OutputStart float64      `json:"outputStart" yaml:"outputStart"`
	OutputEnd   float64      `json:"outputEnd" yaml:"outputEnd"`
	SourceStart *float64     `json:"sourceStart,omitempty" yaml:"sourceStart,omitempty"`
	SourceEnd   *float64     `json:"sourceEnd,omitempty" yaml:"sourceEnd,omitempty"`
	Overlay     *TextOverlay `json:"overlay,omitempty" yaml:"overlay,omitempty"`
	QR          *QROverlay   `json:"qr,omitempty" yaml:"qr,omitempty"`
	// Cosmetic filter descriptors are carried through as opaque tags.
	Filters []string `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// SceneDuration returns the scene's length on the output timeline.
func (s *Scene) SceneDuration() float64 { return s.OutputEnd - s.OutputStart }

// TextOverlay is a positioned, styled piece of text. Content may contain
// {{variable}} placeholders resolved against the render's content context.
// X and Y are percentages (0-100) of the output frame and address the
// center of the text block.
type TextOverlay struct {
	Content string     `json:"content" yaml:"content"`
	X       float64    `json:"x" yaml:"x"`
	Y       float64    `json:"y" yaml:"y"`
	Style   *TextStyle `json:"style,omitempty" yaml:"style,omitempty"`
}

// QROverlay places a QR code on the frame, typically a CTA link. Content
// passes through variable resolution like overlay text. Size is a
// percentage of the frame width.
type QROverlay struct {
	Content string  `json:"content" yaml:"content"`
	X       float64 `json:"x" yaml:"x"`
	Y       float64 `json:"y" yaml:"y"`
	Size    float64 `json:"size" yaml:"size"`
}

// TextStyle controls layout and paint of a text overlay. Zero-valued fields
// fall back to the documented defaults via Normalize.
type TextStyle struct {
	FontSize   float64 `json:"fontSize,omitempty" yaml:"fontSize,omitempty"`
	FontWeight string  `json:"fontWeight,omitempty" yaml:"fontWeight,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty" yaml:"fontFamily,omitempty"`
	Color      string  `json:"color,omitempty" yaml:"color,omitempty"`

	Stroke      string  `json:"stroke,omitempty" yaml:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" yaml:"strokeWidth,omitempty"`

	// MaxWidth is a percentage of the frame width; 100 disables wrapping.
	MaxWidth   float64 `json:"maxWidth,omitempty" yaml:"maxWidth,omitempty"`
	LineHeight float64 `json:"lineHeightMultiplier,omitempty" yaml:"lineHeightMultiplier,omitempty"`

	FadeIn  float64 `json:"fadeIn,omitempty" yaml:"fadeIn,omitempty"`
	FadeOut float64 `json:"fadeOut,omitempty" yaml:"fadeOut,omitempty"`

	// Background accepts either a boolean or a color string in template
	// files; BackgroundColor wins over a bare `background: true`.
	Background       BackgroundFlag `json:"background,omitempty" yaml:"background,omitempty"`
	BackgroundColor  string         `json:"backgroundColor,omitempty" yaml:"backgroundColor,omitempty"`
	BackgroundRadius float64        `json:"backgroundRadius,omitempty" yaml:"backgroundRadius,omitempty"`

	TextAlign string `json:"textAlign,omitempty" yaml:"textAlign,omitempty"`
}

// BackgroundFlag models the `boolean | color-string | absent` union.
type BackgroundFlag struct {
	Set     bool
	Enabled bool
	Color   string
}

func (b *BackgroundFlag) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		b.Set = true
		b.Enabled = asBool
		b.Color = ""
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		b.Set = true
		b.Enabled = asString != ""
		b.Color = asString
		return nil
	}
	return fmt.Errorf("background must be a boolean or a color string")
}

func (b BackgroundFlag) MarshalJSON() ([]byte, error) {
	if !b.Set {
		return []byte("null"), nil
	}
	if b.Color != "" {
		return json.Marshal(b.Color)
	}
	return json.Marshal(b.Enabled)
}

func (b *BackgroundFlag) UnmarshalYAML(node *yaml.Node) error {
	var asBool bool
	if err := node.Decode(&asBool); err == nil {
		b.Set = true
		b.Enabled = asBool
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err == nil {
		b.Set = true
		b.Enabled = asString != ""
		b.Color = asString
		return nil
	}
	return fmt.Errorf("background must be a boolean or a color string")
}

// Merged layers s over def: any zero field in s takes the value from def.
// Neither receiver nor argument is mutated.
func (s *TextStyle) Merged(def *TextStyle) *TextStyle {
	if s == nil && def == nil {
		return nil
	}
	if s == nil {
		out := *def
		return &out
	}
	out := *s
	if def == nil {
		return &out
	}
	if out.FontSize == 0 {
		out.FontSize = def.FontSize
	}
	if out.FontWeight == "" {
		out.FontWeight = def.FontWeight
	}
	if out.FontFamily == "" {
		out.FontFamily = def.FontFamily
	}
	if out.Color == "" {
		out.Color = def.Color
	}
	if out.Stroke == "" {
		out.Stroke = def.Stroke
	}
	if out.StrokeWidth == 0 {
		out.StrokeWidth = def.StrokeWidth
	}
	if out.MaxWidth == 0 {
		out.MaxWidth = def.MaxWidth
	}
	if out.LineHeight == 0 {
		out.LineHeight = def.LineHeight
	}
	if out.FadeIn == 0 {
		out.FadeIn = def.FadeIn
	}
	if out.FadeOut == 0 {
		out.FadeOut = def.FadeOut
	}
	if !out.Background.Set {
		out.Background = def.Background
	}
	if out.BackgroundColor == "" {
		out.BackgroundColor = def.BackgroundColor
	}
	if out.BackgroundRadius == 0 {
		out.BackgroundRadius = def.BackgroundRadius
	}
	if out.TextAlign == "" {
		out.TextAlign = def.TextAlign
	}
	return &out
}

// Normalize fills documented defaults into zero-valued fields.
func (s *TextStyle) Normalize() *TextStyle {
	out := &TextStyle{}
	if s != nil {
		*out = *s
	}
	if out.FontSize <= 0 {
		out.FontSize = DefaultFontSize
	}
	if out.MaxWidth <= 0 || out.MaxWidth > 100 {
		out.MaxWidth = DefaultMaxWidth
	}
	if out.LineHeight <= 0 {
		out.LineHeight = DefaultLineHeight
	}
	if out.BackgroundRadius <= 0 {
		out.BackgroundRadius = DefaultBackgroundRadius
	}
	if out.TextAlign == "" {
		out.TextAlign = DefaultTextAlign
	}
	return out
}

// EffectiveStyle resolves the overlay style for a scene: per-scene style
// merged over the template default, then normalized.
func (t *VideoTemplate) EffectiveStyle(scene *Scene) *TextStyle {
	var sceneStyle *TextStyle
	if scene != nil && scene.Overlay != nil {
		sceneStyle = scene.Overlay.Style
	}
	return sceneStyle.Merged(t.DefaultTextStyle).Normalize()
}

// Parse decodes a template from JSON or YAML and validates it.
func Parse(data []byte, format string) (*VideoTemplate, error) {
	var tpl VideoTemplate
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	default:
		if err := json.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// LoadFile reads a template from disk, picking the format by extension.
func LoadFile(path string) (*VideoTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, format)
}
