package source

import (
	"context"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/system"
)

// ImageSource serves a directory of stills (or a single image) as a
// seekable video, each image shown for a fixed number of seconds. It backs
// slideshow-style templates and doubles as a deterministic source in tests.
type ImageSource struct {
	paths    []string
	info     Info
	fps      float64
	perImage float64

	pos     float64
	decoded int // index of the cached frame, -1 when empty
	frame   *image.RGBA
}

// NewImageSource scans path for jpg/png files (sorted by name) and exposes
// them at fps with secondsPerImage of display time each.
func NewImageSource(path string, fps, secondsPerImage float64) (*ImageSource, error) {
	if fps <= 0 {
		return nil, errors.Errorf("fps must be positive, got %g", fps)
	}
	if secondsPerImage <= 0 {
		secondsPerImage = 1
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "stat %s: %v", path, err)
	}

	var paths []string
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, errors.Wrapf(ErrSourceUnavailable, "read dir %s: %v", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".jpg", ".jpeg", ".png":
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(ErrSourceUnavailable, "no images in %s", path)
	}

	f, err := os.Open(paths[0])
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "open %s: %v", paths[0], err)
	}
	cfg, _, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "decode %s: %v", paths[0], err)
	}

	return &ImageSource{
		paths:    paths,
		fps:      fps,
		perImage: secondsPerImage,
		decoded:  -1,
		info: Info{
			Width:    cfg.Width,
			Height:   cfg.Height,
			Duration: float64(len(paths)) * secondsPerImage,
			FPS:      fps,
			Codec:    "still",
		},
	}, nil
}

func (s *ImageSource) Info() Info        { return s.info }
func (s *ImageSource) Position() float64 { return s.pos }

func (s *ImageSource) Seek(_ context.Context, pos float64) error {
	if pos < 0 {
		pos = 0
	}
	s.pos = pos
	return nil
}

// ReadFrame returns the still covering the current position, re-decoding
// only when the position crosses into the next image.
func (s *ImageSource) ReadFrame(_ context.Context) (*image.RGBA, error) {
	idx := int(math.Floor(s.pos / s.perImage))
	if idx >= len(s.paths) {
		idx = len(s.paths) - 1
	}
	if idx != s.decoded {
		if err := s.decode(idx); err != nil {
			return nil, err
		}
	}
	s.pos += 1 / s.fps

	// Hand out a copy so the caller can pool it without tearing the cache.
	out := system.GetImage(s.frame.Rect)
	copy(out.Pix, s.frame.Pix)
	return out, nil
}

func (s *ImageSource) decode(idx int) error {
	f, err := os.Open(s.paths[idx])
	if err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "open %s: %v", s.paths[idx], err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "decode %s: %v", s.paths[idx], err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Rect, img, bounds.Min, draw.Src)
	s.frame = rgba
	s.decoded = idx
	return nil
}

func (s *ImageSource) Close() error {
	s.frame = nil
	s.decoded = -1
	return nil
}
