package template

import (
	"errors"
	"fmt"
)

// ErrInvalidTemplate marks structural template errors detected before any
// scheduling starts.
var ErrInvalidTemplate = errors.New("invalid template")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTemplate, fmt.Sprintf(format, args...))
}

// Validate rejects malformed templates up front so the scheduler never sees
// one. Overlapping or non-contiguous scenes are allowed.
func (t *VideoTemplate) Validate() error {
	if t.Duration <= 0 {
		return invalidf("duration must be positive, got %g", t.Duration)
	}
	if len(t.Scenes) == 0 {
		return invalidf("template needs at least one scene")
	}
	for i := range t.Scenes {
		sc := &t.Scenes[i]
		if sc.OutputStart < 0 {
			return invalidf("scene %d: outputStart %g is negative", i, sc.OutputStart)
		}
		if sc.OutputEnd <= sc.OutputStart {
			return invalidf("scene %d: outputEnd %g must be greater than outputStart %g", i, sc.OutputEnd, sc.OutputStart)
		}
		if (sc.SourceStart == nil) != (sc.SourceEnd == nil) {
			return invalidf("scene %d: sourceStart and sourceEnd must be set together", i)
		}
		if sc.SourceStart != nil {
			if *sc.SourceStart < 0 {
				return invalidf("scene %d: sourceStart %g is negative", i, *sc.SourceStart)
			}
			if *sc.SourceEnd <= *sc.SourceStart {
				return invalidf("scene %d: sourceEnd %g must be greater than sourceStart %g", i, *sc.SourceEnd, *sc.SourceStart)
			}
		}
		if err := validateStyle(t.EffectiveStyle(sc), i); err != nil {
			return err
		}
		if sc.QR != nil {
			if sc.QR.Content == "" {
				return invalidf("scene %d: qr overlay needs content", i)
			}
			if sc.QR.Size <= 0 || sc.QR.Size > 100 {
				return invalidf("scene %d: qr size %g must be in (0,100]", i, sc.QR.Size)
			}
		}
	}
	return nil
}

func validateStyle(s *TextStyle, scene int) error {
	if s == nil {
		return nil
	}
	if s.FadeIn < 0 || s.FadeOut < 0 {
		return invalidf("scene %d: fade durations must be non-negative", scene)
	}
	if s.StrokeWidth < 0 {
		return invalidf("scene %d: strokeWidth must be non-negative", scene)
	}
	switch s.TextAlign {
	case "", "left", "center", "right":
	default:
		return invalidf("scene %d: unsupported textAlign %q", scene, s.TextAlign)
	}
	return nil
}
