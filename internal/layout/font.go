package layout

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

type faceKey struct {
	family string
	size   float64
	bold   bool
}

// fontCache hands out opentype faces. Faces are cached per (family, size,
// weight) because face construction walks the font tables on every call.
type fontCache struct {
	mu       sync.Mutex
	regular  *opentype.Font
	bold     *opentype.Font
	families map[string]*opentype.Font
	faces    map[faceKey]font.Face
}

func newFontCache() (*fontCache, error) {
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse embedded regular font: %w", err)
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse embedded bold font: %w", err)
	}
	return &fontCache{
		regular:  regular,
		bold:     bold,
		families: make(map[string]*opentype.Font),
		faces:    make(map[faceKey]font.Face),
	}, nil
}

// Face resolves the face for a style. FontFamily may name a .ttf/.otf file
// on disk; anything else falls back to the embedded Go fonts, with
// fontWeight selecting bold.
func (fc *fontCache) Face(family, weight string, size float64) (font.Face, error) {
	if size <= 0 {
		return nil, fmt.Errorf("font size must be positive, got %g", size)
	}
	bold := isBoldWeight(weight)
	key := faceKey{family: family, size: size, bold: bold}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if face, ok := fc.faces[key]; ok {
		return face, nil
	}

	sfnt, err := fc.resolveFont(family, bold)
	if err != nil {
		return nil, err
	}
	face, err := opentype.NewFace(sfnt, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	fc.faces[key] = face
	return face, nil
}

func (fc *fontCache) resolveFont(family string, bold bool) (*opentype.Font, error) {
	family = strings.TrimSpace(family)
	if family != "" && (strings.HasSuffix(family, ".ttf") || strings.HasSuffix(family, ".otf")) {
		if f, ok := fc.families[family]; ok {
			return f, nil
		}
		data, err := os.ReadFile(family)
		if err != nil {
			return nil, fmt.Errorf("read font file %s: %w", family, err)
		}
		f, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse font file %s: %w", family, err)
		}
		fc.families[family] = f
		return f, nil
	}
	if bold {
		return fc.bold, nil
	}
	return fc.regular, nil
}

func isBoldWeight(weight string) bool {
	w := strings.ToLower(strings.TrimSpace(weight))
	switch w {
	case "bold", "bolder", "semibold":
		return true
	}
	if n, err := strconv.Atoi(w); err == nil {
		return n >= 600
	}
	return false
}
