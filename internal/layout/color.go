package layout

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

var namedColors = map[string]color.NRGBA{
	"white":       {255, 255, 255, 255},
	"black":       {0, 0, 0, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"yellow":      {255, 255, 0, 255},
	"orange":      {255, 165, 0, 255},
	"purple":      {128, 0, 128, 255},
	"pink":        {255, 192, 203, 255},
	"gray":        {128, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"transparent": {0, 0, 0, 0},
}

// ParseColor understands #rgb, #rrggbb, #rrggbbaa, rgb()/rgba() and a small
// set of CSS color names, matching what template authors actually write.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return color.NRGBA{}, fmt.Errorf("empty color")
	}
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	if strings.HasPrefix(s, "#") {
		return parseHex(s[1:])
	}
	if strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba(") {
		return parseRGBFunc(s)
	}
	return color.NRGBA{}, fmt.Errorf("unsupported color %q", s)
}

// ParseColorDefault falls back to def on empty or malformed input; overlay
// rendering should not abort a render over a bad color string.
func ParseColorDefault(s string, def color.NRGBA) color.NRGBA {
	if s == "" {
		return def
	}
	c, err := ParseColor(s)
	if err != nil {
		return def
	}
	return c
}

func parseHex(h string) (color.NRGBA, error) {
	switch len(h) {
	case 3:
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	case 6, 8:
	default:
		return color.NRGBA{}, fmt.Errorf("bad hex color length %d", len(h))
	}
	v, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("bad hex color: %v", err)
	}
	if len(h) == 8 {
		return color.NRGBA{
			R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v),
		}, nil
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func parseRGBFunc(s string) (color.NRGBA, error) {
	open := strings.IndexByte(s, '(')
	closeIdx := strings.IndexByte(s, ')')
	if open < 0 || closeIdx < open {
		return color.NRGBA{}, fmt.Errorf("malformed rgb() color %q", s)
	}
	parts := strings.Split(s[open+1:closeIdx], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return color.NRGBA{}, fmt.Errorf("rgb() needs 3 or 4 components, got %d", len(parts))
	}
	var vals [3]uint8
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || n < 0 || n > 255 {
			return color.NRGBA{}, fmt.Errorf("bad rgb() component %q", parts[i])
		}
		vals[i] = uint8(n)
	}
	alpha := uint8(255)
	if len(parts) == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil || a < 0 || a > 1 {
			return color.NRGBA{}, fmt.Errorf("bad rgba() alpha %q", parts[3])
		}
		alpha = uint8(a*255 + 0.5)
	}
	return color.NRGBA{R: vals[0], G: vals[1], B: vals[2], A: alpha}, nil
}
