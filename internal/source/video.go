package source

import (
	"context"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/system"
)

// DefaultSeekTimeout bounds how long Seek waits for the first frame after
// repositioning before handing control back to the scheduler.
const DefaultSeekTimeout = 2 * time.Second

type frameResult struct {
	img *image.RGBA
	err error
}

// FFmpegSource decodes a video file through an ffmpeg child process that
// writes raw RGBA frames to a pipe at the session frame rate. Seeking
// restarts the process with an input-side -ss, which is the only way to
// reposition a pipe-based decode; the cost is hidden by the scheduler's
// pre-seek window and last-good-frame reuse.
type FFmpegSource struct {
	path        string
	info        Info
	fps         float64
	seekTimeout time.Duration
	logger      *slog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser

	seekPos    float64
	framesRead int64

	// primed holds the first frame after a completed seek; pending holds
	// the in-flight first read when Seek returned before it arrived.
	primed  *image.RGBA
	pending chan frameResult
}

// NewFFmpegSource probes path and prepares a decoder clocked at fps output
// frames per second. No process is started until the first Seek.
func NewFFmpegSource(path string, fps float64, logger *slog.Logger) (*FFmpegSource, error) {
	info, err := Probe(path)
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		return nil, errors.Errorf("fps must be positive, got %g", fps)
	}
	return &FFmpegSource{
		path:        path,
		info:        *info,
		fps:         fps,
		seekTimeout: DefaultSeekTimeout,
		logger:      logger,
	}, nil
}

// SetSeekTimeout overrides the first-frame wait after a seek.
func (s *FFmpegSource) SetSeekTimeout(d time.Duration) {
	if d > 0 {
		s.seekTimeout = d
	}
}

func (s *FFmpegSource) Info() Info { return s.info }

// Position extrapolates the source time from the last seek target and the
// number of frames read since.
func (s *FFmpegSource) Position() float64 {
	return s.seekPos + float64(s.framesRead)/s.fps
}

// Seek restarts the decode process at pos and waits up to the seek timeout
// for the first frame. On timeout the new process keeps decoding in the
// background and ErrSeekTimeout is returned; a later ReadFrame will pick
// the frame up when it lands.
func (s *FFmpegSource) Seek(ctx context.Context, pos float64) error {
	if pos < 0 {
		pos = 0
	}
	s.stopProcess()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(pos, 'f', 3, 64),
		"-i", s.path,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-r", strconv.FormatFloat(s.fps, 'f', -1, 64),
		"-an",
		"pipe:1",
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(ErrSourceUnavailable, "start ffmpeg: %v", err)
	}
	s.cmd = cmd
	s.stdout = stdout
	s.seekPos = pos
	s.framesRead = 0
	s.primed = nil

	pending := make(chan frameResult, 1)
	w, h := s.info.Width, s.info.Height
	go func() {
		img, err := readRaw(stdout, w, h)
		pending <- frameResult{img: img, err: err}
	}()
	s.pending = pending

	timer := time.NewTimer(s.seekTimeout)
	defer timer.Stop()
	select {
	case res := <-pending:
		s.pending = nil
		if res.err != nil {
			return res.err
		}
		s.primed = res.img
		return nil
	case <-timer.C:
		s.logger.Warn("seek still waiting for first frame",
			slog.Float64("position", pos),
			slog.Duration("waited", s.seekTimeout))
		return errors.Wrapf(ErrSeekTimeout, "seek to %.3fs", pos)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame returns the next decoded frame. Frames come from the shared
// image pool; callers return them with system.PutImage after compositing.
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*image.RGBA, error) {
	if s.primed != nil {
		img := s.primed
		s.primed = nil
		s.framesRead++
		return img, nil
	}
	if s.pending != nil {
		select {
		case res := <-s.pending:
			s.pending = nil
			if res.err != nil {
				return nil, res.err
			}
			s.framesRead++
			return res.img, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.stdout == nil {
		return nil, errors.Wrap(ErrSourceUnavailable, "no decode process; seek first")
	}
	img, err := readRaw(s.stdout, s.info.Width, s.info.Height)
	if err != nil {
		return nil, err
	}
	s.framesRead++
	return img, nil
}

func readRaw(r io.Reader, w, h int) (*image.RGBA, error) {
	img := system.GetImage(image.Rect(0, 0, w, h))
	if _, err := io.ReadFull(r, img.Pix); err != nil {
		system.PutImage(img)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(err, "decode stream ended")
		}
		return nil, errors.Wrap(err, "read frame")
	}
	return img, nil
}

func (s *FFmpegSource) stopProcess() {
	if s.pending != nil {
		// Drain the in-flight read so its buffer goes back to the pool.
		go func(ch chan frameResult) {
			if res := <-ch; res.img != nil {
				system.PutImage(res.img)
			}
		}(s.pending)
		s.pending = nil
	}
	if s.primed != nil {
		system.PutImage(s.primed)
		s.primed = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.cmd = nil
	s.stdout = nil
}

func (s *FFmpegSource) Close() error {
	s.stopProcess()
	return nil
}
