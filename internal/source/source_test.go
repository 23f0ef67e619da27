package source

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const sampleProbe = `{
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {
      "codec_type": "video",
      "codec_name": "h264",
      "width": 1920,
      "height": 1080,
      "r_frame_rate": "30000/1001",
      "duration": "20.020000"
    }
  ],
  "format": {"duration": "20.062000"}
}`

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(sampleProbe))
	if err != nil {
		t.Fatalf("parseProbe failed: %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("Dimensions %dx%d, want 1920x1080", info.Width, info.Height)
	}
	if info.Codec != "h264" {
		t.Errorf("Codec %q, want h264", info.Codec)
	}
	if math.Abs(info.FPS-29.97) > 0.01 {
		t.Errorf("FPS %g, want ~29.97", info.FPS)
	}
	if math.Abs(info.Duration-20.02) > 0.001 {
		t.Errorf("Duration %g, want stream duration 20.02", info.Duration)
	}
}

func TestParseProbeFormatDurationFallback(t *testing.T) {
	raw := `{
	  "streams": [{"codec_type": "video", "codec_name": "vp9", "width": 640, "height": 360, "r_frame_rate": "25/1"}],
	  "format": {"duration": "7.5"}
	}`
	info, err := parseProbe([]byte(raw))
	if err != nil {
		t.Fatalf("parseProbe failed: %v", err)
	}
	if info.Duration != 7.5 {
		t.Errorf("Duration %g, want format fallback 7.5", info.Duration)
	}
}

func TestParseProbeFrameCountFallback(t *testing.T) {
	raw := `{
	  "streams": [{"codec_type": "video", "codec_name": "h264", "width": 640, "height": 360, "r_frame_rate": "30/1", "nb_frames": "300"}],
	  "format": {}
	}`
	info, err := parseProbe([]byte(raw))
	if err != nil {
		t.Fatalf("parseProbe failed: %v", err)
	}
	if info.Duration != 10 {
		t.Errorf("Duration %g, want 300 frames / 30fps = 10", info.Duration)
	}
}

func TestParseProbeErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"no streams":      `{"streams": [], "format": {}}`,
		"no video stream": `{"streams": [{"codec_type": "audio"}], "format": {}}`,
		"no dimensions":   `{"streams": [{"codec_type": "video", "codec_name": "h264"}], "format": {}}`,
	} {
		if _, err := parseProbe([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"25", 25},
		{"0/0", 0},
		{"bogus", 0},
	}
	for _, tt := range tests {
		if got := parseFrameRate(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseFrameRate(%q) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func writeTestPNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func newTestImageSource(t *testing.T, fps, perImage float64) *ImageSource {
	t.Helper()
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), color.RGBA{255, 0, 0, 255})
	writeTestPNG(t, filepath.Join(dir, "b.png"), color.RGBA{0, 255, 0, 255})
	writeTestPNG(t, filepath.Join(dir, "c.png"), color.RGBA{0, 0, 255, 255})
	s, err := NewImageSource(dir, fps, perImage)
	if err != nil {
		t.Fatalf("NewImageSource failed: %v", err)
	}
	return s
}

func TestImageSourceInfo(t *testing.T) {
	s := newTestImageSource(t, 30, 2)
	defer s.Close()
	info := s.Info()
	if info.Width != 8 || info.Height != 6 {
		t.Errorf("Dimensions %dx%d, want 8x6", info.Width, info.Height)
	}
	if info.Duration != 6 {
		t.Errorf("Duration %g, want 3 images x 2s = 6", info.Duration)
	}
}

func TestImageSourceAdvancesThroughImages(t *testing.T) {
	s := newTestImageSource(t, 10, 1)
	defer s.Close()

	if err := s.Seek(context.Background(), 0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	frame, err := s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Pix[0] != 255 || frame.Pix[1] != 0 {
		t.Errorf("Frame at t=0 should be the first (red) image, got pixel %v", frame.Pix[:4])
	}

	// Read through the first second; the next frame lands in image two.
	for i := 0; i < 9; i++ {
		if _, err := s.ReadFrame(context.Background()); err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
	}
	frame, err = s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Pix[1] != 255 {
		t.Errorf("Frame at t=1 should be the second (green) image, got pixel %v", frame.Pix[:4])
	}
}

func TestImageSourceSeekAndClamp(t *testing.T) {
	s := newTestImageSource(t, 30, 1)
	defer s.Close()

	if err := s.Seek(context.Background(), 2.5); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if s.Position() != 2.5 {
		t.Errorf("Position %g after seek, want 2.5", s.Position())
	}
	frame, err := s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Pix[2] != 255 {
		t.Errorf("Frame at t=2.5 should be the third (blue) image, got pixel %v", frame.Pix[:4])
	}

	// Past the end the last image keeps serving; nothing goes blank.
	if err := s.Seek(context.Background(), 99); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	frame, err = s.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame past end failed: %v", err)
	}
	if frame.Pix[2] != 255 {
		t.Errorf("Frame past end should clamp to the last image, got pixel %v", frame.Pix[:4])
	}
}

func TestImageSourcePositionAdvancesPerFrame(t *testing.T) {
	s := newTestImageSource(t, 25, 1)
	defer s.Close()
	if err := s.Seek(context.Background(), 1.0); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.ReadFrame(context.Background()); err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
	}
	want := 1.0 + 5.0/25.0
	if math.Abs(s.Position()-want) > 1e-9 {
		t.Errorf("Position %g, want %g", s.Position(), want)
	}
}

func TestImageSourceEmptyDir(t *testing.T) {
	if _, err := NewImageSource(t.TempDir(), 30, 1); err == nil {
		t.Error("Expected error for an empty directory")
	}
}
