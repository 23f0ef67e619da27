// Package timeline drives the render loop. A Session owns one pass over a
// template: it decides when the source seeks versus plays forward,
// corrects drift, pre-seeks ahead of scene cuts, and guarantees the
// compositor always has a frame to draw, then streams composited frames
// into the sink in strictly increasing time order.
package timeline

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/layout"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/mapping"
	"github.com/ivlev/reelforge/internal/source"
	"github.com/ivlev/reelforge/internal/system"
	"github.com/ivlev/reelforge/internal/template"
	"github.com/ivlev/reelforge/internal/variables"
)

// Defaults for the scheduling knobs.
const (
	DefaultSeekTolerance = 0.3 // seconds of drift before a corrective seek
	DefaultPreSeekWindow = 0.1 // seconds before a cut to seek ahead
	DefaultReadProbe     = 10 * time.Millisecond
)

// FrameSink consumes composited frames. The encoder satisfies this; tests
// substitute a recorder.
type FrameSink interface {
	PushFrame(img *image.RGBA) error
}

// Options tunes one session.
type Options struct {
	Width  int
	Height int
	FPS    float64

	// SeekTolerance is how far the live source position may drift from
	// the expected position before a corrective seek is issued.
	SeekTolerance float64

	// PreSeekWindow is how close to a scene boundary the session starts
	// the speculative seek to the next scene's source start.
	PreSeekWindow float64

	// ReadProbe bounds the per-tick wait for a frame while a seek is
	// still settling. Past it the last good frame is shown again.
	ReadProbe time.Duration

	// Loop wraps output time past the template duration (preview mode).
	Loop bool
}

func (o Options) withDefaults() Options {
	if o.SeekTolerance <= 0 {
		o.SeekTolerance = DefaultSeekTolerance
	}
	if o.PreSeekWindow <= 0 {
		o.PreSeekWindow = DefaultPreSeekWindow
	}
	if o.ReadProbe <= 0 {
		o.ReadProbe = DefaultReadProbe
	}
	return o
}

// Session is single-goroutine: Run owns the source and the sink until it
// returns. State is readable from other goroutines.
type Session struct {
	tpl     *template.VideoTemplate
	content variables.ContentContext
	src     source.VideoSource
	sink    FrameSink
	comp    *compositor.Compositor
	layout  *layout.Engine
	index   *mapping.Index
	clock   Clock
	opts    Options
	logger  *slog.Logger

	state        atomic.Int32
	framesPushed int64

	lastSrc      *image.RGBA
	awaiting     bool // seek issued, first frame not yet adopted
	currentScene int
	preSeekedFor int
	lastT        float64

	sceneText map[int]string
	sceneQR   map[int]*compositor.QRPatch
}

// NewSession wires a session. The scene-to-source mapping is computed here
// from the probed source duration and lives exactly as long as the session.
func NewSession(
	tpl *template.VideoTemplate,
	content variables.ContentContext,
	src source.VideoSource,
	sink FrameSink,
	layoutEngine *layout.Engine,
	clock Clock,
	opts Options,
	logger *slog.Logger,
) *Session {
	opts = opts.withDefaults()
	s := &Session{
		tpl:          tpl,
		content:      content,
		src:          src,
		sink:         sink,
		comp:         compositor.New(opts.Width, opts.Height),
		layout:       layoutEngine,
		index:        mapping.NewIndex(mapping.MapScenes(tpl.Scenes, src.Info().Duration)),
		clock:        clock,
		opts:         opts,
		logger:       logging.NewComponentLogger(logger, "timeline"),
		currentScene: -1,
		preSeekedFor: -1,
		sceneText:    make(map[int]string),
		sceneQR:      make(map[int]*compositor.QRPatch),
	}
	s.state.Store(int32(Idle))
	return s
}

// State is safe to read while Run is in flight.
func (s *Session) State() State { return State(s.state.Load()) }

// FramesPushed reports how many frames reached the sink so far.
func (s *Session) FramesPushed() int64 { return atomic.LoadInt64(&s.framesPushed) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run executes the loop until the template duration is reached (or forever
// when looping), the context is cancelled, or a structural error occurs.
// Recoverable per-tick conditions never abort: a missed frame or a slow
// seek falls back to the last good frame.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if s.lastSrc != nil {
			system.PutImage(s.lastSrc)
			s.lastSrc = nil
		}
		if st := s.State(); st != Complete && st != Failed {
			s.setState(Failed)
		}
	}()

	mappings := s.index.Mappings()
	if len(mappings) == 0 {
		s.setState(Failed)
		return errors.New("no scenes to render")
	}

	if err := s.seek(ctx, mappings[0].SourceStart); err != nil {
		s.setState(Failed)
		return errors.Wrap(err, "initial seek")
	}
	s.currentScene = mappings[0].SceneIndex

	for {
		t, err := s.clock.Next(ctx)
		if err != nil {
			s.setState(Failed)
			return err
		}

		if t >= s.tpl.Duration {
			if !s.opts.Loop {
				s.setState(Draining)
				break
			}
			wrapped := math.Mod(t, s.tpl.Duration)
			if wrapped < s.lastT {
				// Force a fresh seek on wraparound.
				s.currentScene = -1
				s.preSeekedFor = -1
			}
			t = wrapped
		}
		s.lastT = t

		if err := s.tick(ctx, t); err != nil {
			s.setState(Failed)
			return err
		}
	}

	s.setState(Complete)
	s.logger.Info("session complete",
		slog.Int64("frames", s.FramesPushed()),
		slog.Float64("duration", s.tpl.Duration))
	return nil
}

func (s *Session) tick(ctx context.Context, t float64) error {
	m, inScene := s.index.Lookup(t)

	if inScene {
		if m.SceneIndex != s.currentScene {
			if err := s.onSceneChange(ctx, m); err != nil {
				return err
			}
		}
		if err := s.advanceSource(ctx, t, m); err != nil {
			return err
		}
	}

	frame := s.comp.NewFrame()
	defer system.PutImage(frame)

	if inScene {
		texts, qr, err := s.overlays(t, m)
		if err != nil {
			return err
		}
		s.comp.Compose(frame, s.lastSrc, qr, texts)
	} else {
		// Gap between scenes: keep the picture, drop the overlays.
		s.comp.Compose(frame, s.lastSrc, nil, nil)
	}

	if err := s.sink.PushFrame(frame); err != nil {
		return errors.Wrap(err, "push frame")
	}
	atomic.AddInt64(&s.framesPushed, 1)
	return nil
}

func (s *Session) onSceneChange(ctx context.Context, m mapping.SceneMapping) error {
	prev := s.currentScene
	s.currentScene = m.SceneIndex

	if s.preSeekedFor == m.SceneIndex {
		// The speculative seek already positioned the source; the cut
		// costs nothing.
		s.preSeekedFor = -1
		s.logger.Debug("scene cut served by pre-seek",
			slog.Int("from", prev), slog.Int("to", m.SceneIndex))
		return nil
	}
	s.preSeekedFor = -1
	return s.seek(ctx, m.SourceStart)
}

// advanceSource obtains this tick's source frame: settle a pending seek,
// correct drift, or read the next frame forward. Every failure path leaves
// lastSrc intact so the compositor never drops to black.
func (s *Session) advanceSource(ctx context.Context, t float64, m mapping.SceneMapping) error {
	if s.awaiting {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ReadProbe)
		img, err := s.src.ReadFrame(probeCtx)
		cancel()
		switch {
		case err == nil:
			s.adopt(img)
			s.awaiting = false
			s.setState(Playing)
		case errors.Is(err, context.DeadlineExceeded):
			// Seek still settling; show the last good frame again.
			return nil
		case errors.Is(err, context.Canceled):
			return err
		default:
			s.logger.Warn("pending frame failed", logging.Error(err))
			s.awaiting = false
		}
		return nil
	}

	// While pre-seeked for the next scene the source is already ahead of
	// this scene's window; hold the last frame until the cut.
	if next, ok := s.index.Next(m.SceneIndex); ok && s.preSeekedFor == next.SceneIndex {
		return nil
	}

	expected := m.SourcePosition(t)
	if math.Abs(s.src.Position()-expected) > s.opts.SeekTolerance {
		s.logger.Debug("drift corrective seek",
			slog.Float64("expected", expected),
			slog.Float64("actual", s.src.Position()))
		if err := s.seek(ctx, expected); err != nil {
			return err
		}
	}

	if !s.awaiting {
		img, err := s.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Debug("frame read failed, reusing last frame", logging.Error(err))
		} else {
			s.adopt(img)
			s.setState(Playing)
		}
	}

	// Speculative seek just before the boundary so the cut lands clean.
	if next, ok := s.index.Next(m.SceneIndex); ok &&
		s.preSeekedFor != next.SceneIndex &&
		m.OutputEnd-t <= s.opts.PreSeekWindow {
		if err := s.seek(ctx, next.SourceStart); err != nil {
			return err
		}
		s.preSeekedFor = next.SceneIndex
	}
	return nil
}

// seek repositions the source and classifies the outcome. A timeout is
// recoverable: the session keeps rendering the last good frame and adopts
// the late frame when it lands. An unavailable source is structural.
func (s *Session) seek(ctx context.Context, pos float64) error {
	s.setState(Seeking)
	err := s.src.Seek(ctx, pos)
	switch {
	case err == nil:
		s.awaiting = false
	case errors.Is(err, source.ErrSeekTimeout):
		s.logger.Warn("seek timeout, holding last frame",
			slog.Float64("position", pos))
		s.awaiting = true
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, source.ErrSourceUnavailable):
		return err
	default:
		s.logger.Warn("seek failed, holding last frame", logging.Error(err))
		s.awaiting = false
	}
	return nil
}

func (s *Session) adopt(img *image.RGBA) {
	if s.lastSrc != nil {
		system.PutImage(s.lastSrc)
	}
	s.lastSrc = img
}

// overlays resolves and lays out the active scene's text and QR code.
// Variable resolution and QR encoding happen once per scene; geometry is
// recomputed per tick because fades depend on scene progress.
func (s *Session) overlays(t float64, m mapping.SceneMapping) ([]*layout.Text, *compositor.QRPatch, error) {
	scene := &s.tpl.Scenes[m.SceneIndex]
	elapsed, duration := m.Progress(t)

	var texts []*layout.Text
	if scene.Overlay != nil {
		resolved, cached := s.sceneText[m.SceneIndex]
		if !cached {
			resolved = variables.Resolve(scene.Overlay.Content, s.content)
			s.sceneText[m.SceneIndex] = resolved
			if missing := variables.Unresolved(scene.Overlay.Content, s.content); len(missing) > 0 {
				s.logger.Warn("unresolved variables render as placeholders",
					slog.Int("scene", m.SceneIndex),
					slog.Any("names", missing))
			}
		}
		txt, err := s.layout.Layout(resolved, scene.Overlay.X, scene.Overlay.Y,
			s.tpl.EffectiveStyle(scene), s.opts.Width, s.opts.Height, elapsed, duration)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "layout scene %d", m.SceneIndex)
		}
		if txt != nil {
			texts = append(texts, txt)
		}
	}

	var qr *compositor.QRPatch
	if scene.QR != nil {
		patch, cached := s.sceneQR[m.SceneIndex]
		if !cached {
			content := variables.Resolve(scene.QR.Content, s.content)
			// Size is a percentage of the frame width.
			sizePx := int(scene.QR.Size / 100 * float64(s.opts.Width))
			var err error
			patch, err = compositor.BuildQR(content, scene.QR.X, scene.QR.Y,
				sizePx, s.opts.Width, s.opts.Height)
			if err != nil {
				s.logger.Warn("qr overlay skipped", logging.Error(err),
					slog.Int("scene", m.SceneIndex))
				patch = nil
			}
			s.sceneQR[m.SceneIndex] = patch
		}
		qr = patch
	}

	return texts, qr, nil
}
