package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FFmpegEncoder streams raw RGBA frames into ffmpeg's stdin and writes an
// MP4 with +faststart so the result is immediately streamable.
type FFmpegEncoder struct {
	encoderName string
	quality     int
	outDir      string
	logger      *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	path   string
	width  int
	height int
	fps    float64
	frames int64
	active bool
}

// NewFFmpegEncoder writes session files into outDir. encoderName selects
// the H.264 implementation (libx264, h264_nvenc, h264_videotoolbox);
// quality is the encoder's native knob (CRF, CQ or bitrate units).
func NewFFmpegEncoder(outDir, encoderName string, quality int, logger *slog.Logger) *FFmpegEncoder {
	return &FFmpegEncoder{
		encoderName: encoderName,
		quality:     quality,
		outDir:      outDir,
		logger:      logger,
	}
}

func (e *FFmpegEncoder) Start(width, height int, fps float64) error {
	if e.active {
		return ErrSessionActive
	}
	if width <= 0 || height <= 0 || fps <= 0 {
		return errors.Errorf("invalid session geometry %dx%d@%g", width, height, fps)
	}
	if err := os.MkdirAll(e.outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}

	e.path = filepath.Join(e.outDir, fmt.Sprintf("render-%s.mp4", uuid.New().String()))
	args := buildEncodeArgs(width, height, fps, e.encoderName, e.quality, e.path)

	cmd := exec.Command("ffmpeg", args...)
	cmd.Stderr = &e.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "stdin pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start ffmpeg")
	}

	e.cmd = cmd
	e.stdin = stdin
	e.width = width
	e.height = height
	e.fps = fps
	e.frames = 0
	e.stderr.Reset()
	e.active = true

	e.logger.Info("encode session started",
		slog.String("encoder", e.encoderName),
		slog.Int("quality", e.quality),
		slog.String("path", e.path))
	return nil
}

func buildEncodeArgs(width, height int, fps float64, encoderName string, quality int, outPath string) []string {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%g", fps),
		"-i", "-",
		"-pix_fmt", "yuv420p",
		"-c:v", encoderName,
	}

	switch encoderName {
	case "h264_videotoolbox":
		bitrate := quality * 100
		args = append(args, "-b:v", fmt.Sprintf("%dk", bitrate))
	case "h264_nvenc":
		args = append(args, "-cq", fmt.Sprintf("%d", quality))
	default: // libx264
		args = append(args, "-crf", fmt.Sprintf("%d", quality), "-preset", "medium")
	}

	args = append(args, "-movflags", "+faststart", outPath)
	return args
}

// PushFrame writes one frame. The frame must match the session geometry.
func (e *FFmpegEncoder) PushFrame(img *image.RGBA) error {
	if !e.active {
		return errors.New("encoder session not started")
	}
	bounds := img.Bounds()
	if bounds.Dx() != e.width || bounds.Dy() != e.height {
		return errors.Errorf("frame %dx%d does not match session %dx%d",
			bounds.Dx(), bounds.Dy(), e.width, e.height)
	}
	if err := writeRawRGBA(e.stdin, img); err != nil {
		return errors.Wrap(err, "write frame")
	}
	e.frames++
	return nil
}

// writeRawRGBA streams the pixel buffer, repacking only when the stride or
// origin would corrupt the raw layout.
func writeRawRGBA(w io.Writer, img *image.RGBA) error {
	bounds := img.Bounds()
	if img.Stride != bounds.Dx()*4 || bounds.Min.X != 0 || bounds.Min.Y != 0 {
		packed := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(packed, packed.Rect, img, bounds.Min, draw.Src)
		img = packed
	}
	_, err := w.Write(img.Pix)
	return err
}

// Finish closes the input stream, waits for ffmpeg to finalize the file
// and validates the result. A session that pushed no frames or produced an
// empty file is removed and reported as ErrEmptyOutput.
func (e *FFmpegEncoder) Finish() (*Output, error) {
	if !e.active {
		return nil, errors.New("encoder session not started")
	}
	e.active = false

	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		_ = os.Remove(e.path)
		return nil, errors.Wrapf(err, "ffmpeg exited: %s", truncate(e.stderr.String(), 512))
	}

	size, err := validateCapture(e.frames, e.path)
	if err != nil {
		_ = os.Remove(e.path)
		return nil, err
	}

	out := &Output{
		Path:     e.path,
		Size:     size,
		Frames:   e.frames,
		Duration: float64(e.frames) / e.fps,
	}
	e.logger.Info("encode session finished",
		slog.Int64("frames", out.Frames),
		slog.Float64("duration", out.Duration),
		slog.Int64("bytes", out.Size))
	return out, nil
}

// validateCapture rejects sessions that captured nothing. An empty file is
// never reported as success.
func validateCapture(frames int64, path string) (int64, error) {
	if frames == 0 {
		return 0, errors.Wrap(ErrEmptyOutput, "no frames pushed")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(ErrEmptyOutput, "output file missing")
	}
	if fi.Size() == 0 {
		return 0, errors.Wrap(ErrEmptyOutput, "output file has zero bytes")
	}
	return fi.Size(), nil
}

// Abort kills the session and removes the partial file.
func (e *FFmpegEncoder) Abort() {
	if !e.active {
		return
	}
	e.active = false
	_ = e.stdin.Close()
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
		_ = e.cmd.Wait()
	}
	if e.path != "" {
		_ = os.Remove(e.path)
	}
	e.logger.Warn("encode session aborted", slog.Int64("frames", e.frames))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
