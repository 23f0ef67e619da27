// Package layout turns a styled overlay into drawable geometry: wrapped
// lines with baseline positions, an optional background box and a fade
// opacity, all measured with real font metrics so preview and final render
// agree pixel for pixel.
package layout

import (
	"image"
	"image/color"
	"math"
	"strings"

	"golang.org/x/image/font"

	"github.com/ivlev/reelforge/internal/template"
)

// Line is one wrapped line with its measured advance width and baseline
// start position in frame pixels.
type Line struct {
	Text  string
	Width int
	X     int
	Y     int
}

// Box is the single rounded background box drawn behind all lines.
type Box struct {
	Rect   image.Rectangle
	Radius int
	Color  color.NRGBA
}

// Text is the fully resolved render plan for one overlay at one moment of
// scene progress. Opacity applies to background, stroke and fill alike.
type Text struct {
	Lines       []Line
	Face        font.Face
	Fill        color.NRGBA
	Stroke      color.NRGBA
	StrokeWidth int
	Background  *Box
	Opacity     float64
}

// Engine owns the font cache. One engine serves a whole process; layout
// itself is stateless.
type Engine struct {
	fonts *fontCache
}

func NewEngine() (*Engine, error) {
	fonts, err := newFontCache()
	if err != nil {
		return nil, err
	}
	return &Engine{fonts: fonts}, nil
}

// Layout computes geometry for already-resolved overlay content. The same
// frame dimensions must be passed for preview and final render; positions
// are percentages of exactly these dimensions. elapsed/sceneDuration drive
// the fade ramp. Empty or whitespace-only content yields a nil layout:
// nothing is drawn, including the background box.
func (e *Engine) Layout(content string, xPct, yPct float64, style *template.TextStyle, frameW, frameH int, elapsed, sceneDuration float64) (*Text, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	style = style.Normalize()

	face, err := e.fonts.Face(style.FontFamily, style.FontWeight, style.FontSize)
	if err != nil {
		return nil, err
	}

	var lines []Line
	maxPx := 0
	wrap := style.MaxWidth < 100
	boxWidth := int(style.MaxWidth / 100 * float64(frameW))
	for _, paragraph := range strings.Split(content, "\n") {
		var wrapped []string
		if wrap {
			wrapped = wrapWords(face, paragraph, boxWidth)
		} else {
			wrapped = []string{paragraph}
		}
		for _, ln := range wrapped {
			w := font.MeasureString(face, ln).Ceil()
			if w > maxPx {
				maxPx = w
			}
			lines = append(lines, Line{Text: ln, Width: w})
		}
	}

	centerX := xPct / 100 * float64(frameW)
	centerY := yPct / 100 * float64(frameH)
	lineHeight := style.FontSize * style.LineHeight
	totalHeight := float64(len(lines)) * lineHeight
	firstBaseline := centerY - totalHeight/2 + lineHeight/2

	blockLeft := centerX - float64(maxPx)/2
	for i := range lines {
		switch style.TextAlign {
		case "left":
			lines[i].X = int(math.Round(blockLeft))
		case "right":
			lines[i].X = int(math.Round(blockLeft + float64(maxPx-lines[i].Width)))
		default:
			lines[i].X = int(math.Round(centerX - float64(lines[i].Width)/2))
		}
		lines[i].Y = int(math.Round(firstBaseline + float64(i)*lineHeight))
	}

	txt := &Text{
		Lines:   lines,
		Face:    face,
		Fill:    ParseColorDefault(style.Color, color.NRGBA{255, 255, 255, 255}),
		Opacity: FadeOpacity(style.FadeIn, style.FadeOut, elapsed, sceneDuration),
	}
	if style.Stroke != "" {
		txt.Stroke = ParseColorDefault(style.Stroke, color.NRGBA{0, 0, 0, 255})
		txt.StrokeWidth = int(math.Round(style.StrokeWidth))
		if txt.StrokeWidth == 0 {
			txt.StrokeWidth = 2
		}
	}
	if bg, ok := backgroundColor(style); ok {
		padX := 0.6 * style.FontSize
		padY := 0.4 * style.FontSize
		txt.Background = &Box{
			Rect: image.Rect(
				int(math.Round(centerX-float64(maxPx)/2-padX)),
				int(math.Round(centerY-totalHeight/2-padY)),
				int(math.Round(centerX+float64(maxPx)/2+padX)),
				int(math.Round(centerY+totalHeight/2+padY)),
			),
			Radius: int(math.Round(style.BackgroundRadius)),
			Color:  bg,
		}
	}
	return txt, nil
}

// backgroundColor resolves the background union: explicit backgroundColor
// wins, then a color carried in the background field itself, then a
// translucent black default for `background: true`.
func backgroundColor(style *template.TextStyle) (color.NRGBA, bool) {
	if !style.Background.Set || !style.Background.Enabled {
		if style.Background.Set || style.BackgroundColor == "" {
			return color.NRGBA{}, false
		}
		// backgroundColor alone implies a box.
		return ParseColorDefault(style.BackgroundColor, color.NRGBA{0, 0, 0, 153}), true
	}
	if style.BackgroundColor != "" {
		return ParseColorDefault(style.BackgroundColor, color.NRGBA{0, 0, 0, 153}), true
	}
	if style.Background.Color != "" {
		return ParseColorDefault(style.Background.Color, color.NRGBA{0, 0, 0, 153}), true
	}
	return color.NRGBA{0, 0, 0, 153}, true
}

// wrapWords greedily packs words into lines no wider than maxPx. A single
// word wider than the box stays on its own line; overflow beats a mid-word
// break.
func wrapWords(face font.Face, text string, maxPx int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if font.MeasureString(face, candidate).Ceil() <= maxPx {
			current = candidate
			continue
		}
		lines = append(lines, current)
		current = word
	}
	return append(lines, current)
}

// FadeOpacity ramps 0→1 over the first fadeIn seconds of a scene and 1→0
// over the last fadeOut seconds. With no fades configured it is always 1.
func FadeOpacity(fadeIn, fadeOut, elapsed, duration float64) float64 {
	opacity := 1.0
	if fadeIn > 0 && elapsed < fadeIn {
		opacity = elapsed / fadeIn
	}
	if fadeOut > 0 && duration > 0 {
		remaining := duration - elapsed
		if remaining < fadeOut {
			out := remaining / fadeOut
			if out < opacity {
				opacity = out
			}
		}
	}
	return clamp01(opacity)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
