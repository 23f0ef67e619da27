package timeline

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/layout"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/source"
	"github.com/ivlev/reelforge/internal/template"
	"github.com/ivlev/reelforge/internal/variables"
)

// fakeSource is a deterministic VideoSource: solid-colored frames, instant
// seeks unless scripted otherwise.
type fakeSource struct {
	info  source.Info
	pos   float64
	fps   float64
	seeks []float64

	frameColor color.RGBA
	drift      float64 // added to every reported Position

	seekTimeouts int // this many Seeks report ErrSeekTimeout
	notReady     int // this many post-timeout reads report not-ready
	readErrs     int // this many reads fail outright

	reads int
}

func newFakeSource(duration, fps float64) *fakeSource {
	return &fakeSource{
		info:       source.Info{Width: 64, Height: 64, Duration: duration, FPS: fps},
		fps:        fps,
		frameColor: color.RGBA{40, 80, 120, 255},
	}
}

func (f *fakeSource) Info() source.Info { return f.info }

func (f *fakeSource) Position() float64 { return f.pos + f.drift }

func (f *fakeSource) Seek(_ context.Context, pos float64) error {
	f.seeks = append(f.seeks, pos)
	f.pos = pos
	if f.seekTimeouts > 0 {
		f.seekTimeouts--
		return errors.Wrap(source.ErrSeekTimeout, "scripted timeout")
	}
	return nil
}

func (f *fakeSource) ReadFrame(_ context.Context) (*image.RGBA, error) {
	if f.notReady > 0 {
		f.notReady--
		return nil, context.DeadlineExceeded
	}
	if f.readErrs > 0 {
		f.readErrs--
		return nil, errors.New("scripted read failure")
	}
	f.reads++
	f.pos += 1 / f.fps
	img := image.NewRGBA(image.Rect(0, 0, f.info.Width, f.info.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = f.frameColor.R
		img.Pix[i+1] = f.frameColor.G
		img.Pix[i+2] = f.frameColor.B
		img.Pix[i+3] = 255
	}
	return img, nil
}

func (f *fakeSource) Close() error { return nil }

// recordingSink counts frames and keeps copies of a few for inspection.
type recordingSink struct {
	frames  int64
	keep    map[int64]*image.RGBA
	keepAt  []int64
	pushErr error
}

func newRecordingSink(keepAt ...int64) *recordingSink {
	return &recordingSink{keep: make(map[int64]*image.RGBA), keepAt: keepAt}
}

func (r *recordingSink) PushFrame(img *image.RGBA) error {
	if r.pushErr != nil {
		return r.pushErr
	}
	for _, at := range r.keepAt {
		if at == r.frames {
			cp := image.NewRGBA(img.Rect)
			copy(cp.Pix, img.Pix)
			r.keep[at] = cp
		}
	}
	r.frames++
	return nil
}

func testLogger() *slog.Logger {
	return logging.NewWithWriter(io.Discard, slog.LevelError)
}

func testEngine(t *testing.T) *layout.Engine {
	t.Helper()
	e, err := layout.NewEngine()
	if err != nil {
		t.Fatalf("layout engine: %v", err)
	}
	return e
}

func singleSceneTemplate(duration float64) *template.VideoTemplate {
	return &template.VideoTemplate{
		Name:     "one-scene",
		Duration: duration,
		Scenes: []template.Scene{
			{
				OutputStart: 0,
				OutputEnd:   duration,
				Overlay:     &template.TextOverlay{Content: "{{hook}}", X: 50, Y: 50},
			},
		},
	}
}

func runSession(t *testing.T, tpl *template.VideoTemplate, content variables.ContentContext, src source.VideoSource, sink FrameSink, fps float64) *Session {
	t.Helper()
	s := NewSession(tpl, content, src, sink, testEngine(t), NewFrameClock(fps),
		Options{Width: 90, Height: 160, FPS: fps}, testLogger())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return s
}

func TestSingleSceneRendersTextAndCompletes(t *testing.T) {
	fps := 30.0
	src := newFakeSource(40, fps)
	sink := newRecordingSink(0, 150, 299)

	s := runSession(t, singleSceneTemplate(10), variables.ContentContext{"hook": "Hi"}, src, sink, fps)

	if s.State() != Complete {
		t.Errorf("State %v, want Complete", s.State())
	}
	// Exactly duration*fps frames, never one past the end.
	if sink.frames != 300 {
		t.Errorf("Pushed %d frames, want 300 for 10s at 30fps", sink.frames)
	}
	if s.FramesPushed() != 300 {
		t.Errorf("FramesPushed %d, want 300", s.FramesPushed())
	}

	// Text rendered with no fade: full-brightness white pixels in the
	// first, middle and last kept frames alike.
	for _, at := range []int64{0, 150, 299} {
		frame := sink.keep[at]
		if frame == nil {
			t.Fatalf("frame %d was not kept", at)
		}
		white := 0
		for i := 0; i < len(frame.Pix); i += 4 {
			if frame.Pix[i] == 255 && frame.Pix[i+1] == 255 && frame.Pix[i+2] == 255 {
				white++
			}
		}
		if white == 0 {
			t.Errorf("Frame %d has no white text pixels; overlay missing or faded", at)
		}
	}
}

func TestFramesCarrySourcePixels(t *testing.T) {
	fps := 10.0
	src := newFakeSource(30, fps)
	sink := newRecordingSink(5)
	runSession(t, singleSceneTemplate(2), variables.ContentContext{"hook": "x"}, src, sink, fps)

	frame := sink.keep[5]
	if frame == nil {
		t.Fatal("frame 5 missing")
	}
	// A corner pixel away from the overlay carries the source color.
	r, g, b, _ := frame.At(2, 2).RGBA()
	if r>>8 != 40 || g>>8 != 80 || b>>8 != 120 {
		t.Errorf("Corner pixel %d %d %d, want source color 40 80 120", r>>8, g>>8, b>>8)
	}
}

func TestSceneCutUsesPreSeek(t *testing.T) {
	fps := 30.0
	s0, s1 := 2.0, 14.0
	e0, e1 := 7.0, 19.0
	tpl := &template.VideoTemplate{
		Name:     "two-scenes",
		Duration: 10,
		Scenes: []template.Scene{
			{OutputStart: 0, OutputEnd: 5, SourceStart: &s0, SourceEnd: &e0},
			{OutputStart: 5, OutputEnd: 10, SourceStart: &s1, SourceEnd: &e1},
		},
	}
	src := newFakeSource(30, fps)
	sink := newRecordingSink()
	runSession(t, tpl, variables.ContentContext{}, src, sink, fps)

	if len(src.seeks) != 2 {
		t.Fatalf("Expected exactly 2 seeks (initial + pre-seek), got %v", src.seeks)
	}
	if src.seeks[0] != 2.0 {
		t.Errorf("Initial seek to %g, want scene 0 source start 2.0", src.seeks[0])
	}
	if src.seeks[1] != 14.0 {
		t.Errorf("Second seek to %g, want scene 1 source start 14.0", src.seeks[1])
	}
	if sink.frames != 300 {
		t.Errorf("Pushed %d frames, want 300", sink.frames)
	}
}

func TestDriftTriggersCorrectiveSeek(t *testing.T) {
	fps := 30.0
	src := newFakeSource(40, fps)
	src.drift = 1.0 // reported position is a full second ahead
	sink := newRecordingSink()
	runSession(t, singleSceneTemplate(2), variables.ContentContext{"hook": "x"}, src, sink, fps)

	if len(src.seeks) < 2 {
		t.Fatalf("Constant drift beyond tolerance must trigger corrective seeks, got %v", src.seeks)
	}
}

func TestSmallDriftIsTolerated(t *testing.T) {
	fps := 30.0
	src := newFakeSource(40, fps)
	src.drift = 0.2 // inside the 0.3s tolerance
	sink := newRecordingSink()
	runSession(t, singleSceneTemplate(2), variables.ContentContext{"hook": "x"}, src, sink, fps)

	if len(src.seeks) != 1 {
		t.Errorf("Drift within tolerance must not seek, got %v", src.seeks)
	}
}

func TestSeekTimeoutHoldsLastFrame(t *testing.T) {
	fps := 10.0
	src := newFakeSource(40, fps)
	sink := newRecordingSink()

	tpl := singleSceneTemplate(3)
	s := NewSession(tpl, variables.ContentContext{"hook": "x"}, src, sink, testEngine(t),
		NewFrameClock(fps), Options{Width: 90, Height: 160, FPS: fps}, testLogger())

	// The initial seek times out and the first frame takes a few ticks to
	// land; the session must keep producing frames the whole time.
	src.seekTimeouts = 1
	src.notReady = 3

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.State() != Complete {
		t.Errorf("State %v, want Complete; seek timeouts are recoverable", s.State())
	}
	if sink.frames != 30 {
		t.Errorf("Pushed %d frames, want 30; ticks during a slow seek still produce frames", sink.frames)
	}
}

func TestReadFailureIsRecoverable(t *testing.T) {
	fps := 10.0
	src := newFakeSource(40, fps)
	src.readErrs = 4
	sink := newRecordingSink()
	s := runSession(t, singleSceneTemplate(2), variables.ContentContext{"hook": "x"}, src, sink, fps)

	if s.State() != Complete {
		t.Errorf("State %v, want Complete", s.State())
	}
	if sink.frames != 20 {
		t.Errorf("Pushed %d frames, want 20", sink.frames)
	}
}

func TestCancellationFailsSession(t *testing.T) {
	fps := 30.0
	src := newFakeSource(40, fps)
	sink := newRecordingSink()
	s := NewSession(singleSceneTemplate(10), variables.ContentContext{}, src, sink, testEngine(t),
		NewFrameClock(fps), Options{Width: 90, Height: 160, FPS: fps}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatal("Run with cancelled context must fail")
	}
	if s.State() != Failed {
		t.Errorf("State %v, want Failed", s.State())
	}
}

func TestSinkErrorIsStructural(t *testing.T) {
	fps := 30.0
	src := newFakeSource(40, fps)
	sink := newRecordingSink()
	sink.pushErr = errors.New("encoder pipe broke")
	s := NewSession(singleSceneTemplate(10), variables.ContentContext{}, src, sink, testEngine(t),
		NewFrameClock(fps), Options{Width: 90, Height: 160, FPS: fps}, testLogger())

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("A failing sink must abort the session")
	}
	if s.State() != Failed {
		t.Errorf("State %v, want Failed", s.State())
	}
}

func TestUnresolvedVariableRendersPlaceholder(t *testing.T) {
	// The render keeps going; the overlay text becomes "[missing]". We
	// only verify session survival here; placeholder text itself is
	// covered by the variables package.
	fps := 10.0
	src := newFakeSource(40, fps)
	sink := newRecordingSink()
	tpl := singleSceneTemplate(1)
	tpl.Scenes[0].Overlay.Content = "{{missing}}"
	s := runSession(t, tpl, variables.ContentContext{}, src, sink, fps)
	if s.State() != Complete {
		t.Errorf("State %v, want Complete", s.State())
	}
	if sink.frames != 10 {
		t.Errorf("Pushed %d frames, want 10", sink.frames)
	}
}

func TestQRSizeIsPercentOfFrameWidth(t *testing.T) {
	// qr.size=50 on a 1080px frame must produce a ~540px patch, not 50px.
	fps := 30.0
	tpl := singleSceneTemplate(2)
	tpl.Scenes[0].Overlay = nil
	tpl.Scenes[0].QR = &template.QROverlay{Content: "https://example.com", X: 50, Y: 50, Size: 50}
	src := newFakeSource(40, fps)
	s := NewSession(tpl, variables.ContentContext{}, src, newRecordingSink(), testEngine(t),
		NewFrameClock(fps), Options{Width: 1080, Height: 1920, FPS: fps}, testLogger())

	m, ok := s.index.Lookup(0)
	if !ok {
		t.Fatal("scene 0 not active at t=0")
	}
	_, qr, err := s.overlays(0, m)
	if err != nil {
		t.Fatalf("overlays failed: %v", err)
	}
	if qr == nil {
		t.Fatal("QR patch missing")
	}
	if got := qr.Bounds().Dx(); got != 540 {
		t.Errorf("QR patch is %dpx wide on a 1080px frame, want 540 for size=50%%", got)
	}
	center := qr.Bounds().Min.X + qr.Bounds().Dx()/2
	if center != 540 {
		t.Errorf("QR center at x=%d, want 540 for x=50%%", center)
	}
}

func TestEvenDistributionEndToEnd(t *testing.T) {
	// Two 5s scenes, no explicit mapping, 20s source: scene 0 plays
	// source [0,5], scene 1 plays source [10,15].
	fps := 30.0
	tpl := &template.VideoTemplate{
		Name:     "even",
		Duration: 10,
		Scenes: []template.Scene{
			{OutputStart: 0, OutputEnd: 5},
			{OutputStart: 5, OutputEnd: 10},
		},
	}
	src := newFakeSource(20, fps)
	sink := newRecordingSink()
	runSession(t, tpl, variables.ContentContext{}, src, sink, fps)

	if len(src.seeks) != 2 {
		t.Fatalf("Expected 2 seeks, got %v", src.seeks)
	}
	if src.seeks[0] != 0 {
		t.Errorf("Scene 0 seek to %g, want 0", src.seeks[0])
	}
	if math.Abs(src.seeks[1]-10) > 1e-9 {
		t.Errorf("Scene 1 seek to %g, want 10", src.seeks[1])
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		Idle: "idle", Seeking: "seeking", Playing: "playing",
		Draining: "draining", Complete: "complete", Failed: "failed",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("State(%d).String() = %q, want %q", st, st.String(), s)
		}
	}
}

func TestFrameClockDeterminism(t *testing.T) {
	c1 := NewFrameClock(30)
	c2 := NewFrameClock(30)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		t1, _ := c1.Next(ctx)
		t2, _ := c2.Next(ctx)
		if t1 != t2 {
			t.Fatalf("Tick %d differs: %g vs %g", i, t1, t2)
		}
		if want := float64(i) / 30; t1 != want {
			t.Fatalf("Tick %d is %g, want %g", i, t1, want)
		}
	}
}
