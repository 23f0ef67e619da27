// Package engine orchestrates whole renders: template loading, cache
// lookups, source and encoder lifecycle, and the mutual exclusion between
// live preview and final generation.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/reelforge/internal/config"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/layout"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/rendercache"
	"github.com/ivlev/reelforge/internal/source"
	"github.com/ivlev/reelforge/internal/system"
	"github.com/ivlev/reelforge/internal/template"
	"github.com/ivlev/reelforge/internal/timeline"
	"github.com/ivlev/reelforge/internal/variables"
)

// RenderRequest describes one render job.
type RenderRequest struct {
	TemplatePath string
	SourcePath   string
	Content      map[string]any
	OutputPath   string
}

// RenderResult reports a finished job.
type RenderResult struct {
	JobID      string
	OutputPath string
	FromCache  bool
	Frames     int64
	Duration   float64
	Size       int64
	Elapsed    time.Duration
}

// Project binds the pipeline together. The render cache is the only state
// shared across jobs; preview and generation are mutually exclusive per
// project because they compete for the source decode position.
type Project struct {
	cfg    *config.Config
	logger *slog.Logger
	layout *layout.Engine
	cache  *rendercache.Cache

	mu            sync.Mutex
	previewCancel context.CancelFunc
}

func NewProject(cfg *config.Config, logger *slog.Logger) (*Project, error) {
	layoutEngine, err := layout.NewEngine()
	if err != nil {
		return nil, errors.Wrap(err, "layout engine")
	}
	p := &Project{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "engine"),
		layout: layoutEngine,
	}
	if !cfg.NoCache {
		cache, err := rendercache.Open(cfg.CacheDir, cfg.CacheMaxEntries, logger)
		if err != nil {
			return nil, errors.Wrap(err, "open render cache")
		}
		p.cache = cache
	}
	return p, nil
}

// Cache exposes the render cache for CLI inspection; nil when disabled.
func (p *Project) Cache() *rendercache.Cache { return p.cache }

func (p *Project) Close() error {
	p.StopPreview()
	if p.cache != nil {
		return p.cache.Close()
	}
	return nil
}

// Render produces a final video for the request. A cache hit returns the
// stored bytes without touching the pipeline. The render runs under the
// configured wall-clock timeout; exceeding it fails the job.
func (p *Project) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	jobID := uuid.New().String()[:8]
	started := time.Now()
	log := p.logger.With(slog.String("job", jobID))

	tpl, err := template.LoadFile(req.TemplatePath)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s: load template", jobID)
	}
	if err := tpl.Validate(); err != nil {
		return nil, errors.Wrapf(err, "job %s", jobID)
	}
	content := variables.FromAny(req.Content)

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = p.cfg.OutputPath
	}

	var cacheKey string
	if p.cache != nil {
		cacheKey = rendercache.Key(tpl, content)
		if cached, ok, err := p.cache.Get(ctx, cacheKey); err != nil {
			log.Warn("cache lookup failed", logging.Error(err))
		} else if ok {
			if err := copyOutput(cached, outputPath); err != nil {
				return nil, errors.Wrapf(err, "job %s: copy cached output", jobID)
			}
			fi, _ := os.Stat(outputPath)
			var size int64
			if fi != nil {
				size = fi.Size()
			}
			log.Info("cache hit", slog.String("key", cacheKey))
			fmt.Printf("[*] Cache hit, reusing previous render: %s\n", outputPath)
			return &RenderResult{
				JobID:      jobID,
				OutputPath: outputPath,
				FromCache:  true,
				Duration:   tpl.Duration,
				Size:       size,
				Elapsed:    time.Since(started),
			}, nil
		}
	}

	// Generation owns the source; a running preview must go first.
	p.StopPreview()

	src, err := source.NewFFmpegSource(req.SourcePath, p.cfg.FPS, log)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s: open source", jobID)
	}
	defer src.Close()
	src.SetSeekTimeout(p.cfg.SeekTimeout())

	encoderName := p.cfg.VideoEncoder
	if encoderName == "" {
		encoderName = system.GetBestH264Encoder()
	}
	quality := p.cfg.Quality
	if quality == 0 {
		quality = system.DefaultQuality(encoderName)
	}

	enc := encoder.NewFFmpegEncoder(p.cfg.WorkDir, encoderName, quality, log)
	if err := enc.Start(p.cfg.Width, p.cfg.Height, p.cfg.FPS); err != nil {
		return nil, errors.Wrapf(err, "job %s: start encoder", jobID)
	}

	info := src.Info()
	fmt.Printf("[*] Source: %s | %dx%d %.1fs @ %.2f fps\n",
		req.SourcePath, info.Width, info.Height, info.Duration, info.FPS)
	fmt.Printf("[*] Output: %dx%d @ %g fps | encoder %s | %d scenes, %.1fs\n",
		p.cfg.Width, p.cfg.Height, p.cfg.FPS, encoderName, len(tpl.Scenes), tpl.Duration)

	sess := timeline.NewSession(tpl, content, src, enc, p.layout,
		timeline.NewFrameClock(p.cfg.FPS), p.sessionOptions(false), log)

	renderCtx := ctx
	if timeout := p.cfg.RenderTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := sess.Run(renderCtx); err != nil {
		enc.Abort()
		return nil, errors.Wrapf(err, "job %s: render stopped in state %s", jobID, sess.State())
	}

	out, err := enc.Finish()
	if err != nil {
		return nil, errors.Wrapf(err, "job %s: finalize", jobID)
	}
	defer os.Remove(out.Path)

	if p.cache != nil {
		if err := p.cache.Put(ctx, cacheKey, out.Path); err != nil {
			log.Warn("cache store failed", logging.Error(err))
		}
	}
	if err := copyOutput(out.Path, outputPath); err != nil {
		return nil, errors.Wrapf(err, "job %s: write output", jobID)
	}

	elapsed := time.Since(started)
	if p.cfg.ShowStats {
		p.printStats(out, elapsed)
	}
	log.Info("render finished",
		slog.Int64("frames", out.Frames),
		slog.Float64("duration", out.Duration),
		slog.Duration("elapsed", elapsed))

	return &RenderResult{
		JobID:      jobID,
		OutputPath: outputPath,
		Frames:     out.Frames,
		Duration:   out.Duration,
		Size:       out.Size,
		Elapsed:    elapsed,
	}, nil
}

// Preview runs a looping wall-clock session pushing frames into sink until
// ctx is cancelled or StopPreview is called. No timeout applies.
func (p *Project) Preview(ctx context.Context, req RenderRequest, sink timeline.FrameSink) error {
	tpl, err := template.LoadFile(req.TemplatePath)
	if err != nil {
		return errors.Wrap(err, "load template")
	}
	if err := tpl.Validate(); err != nil {
		return err
	}
	content := variables.FromAny(req.Content)

	src, err := source.NewFFmpegSource(req.SourcePath, p.cfg.FPS, p.logger)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer src.Close()
	src.SetSeekTimeout(p.cfg.SeekTimeout())

	p.mu.Lock()
	if p.previewCancel != nil {
		p.previewCancel()
	}
	previewCtx, cancel := context.WithCancel(ctx)
	p.previewCancel = cancel
	p.mu.Unlock()

	clock := timeline.NewWallClock(p.cfg.FPS)
	defer clock.Stop()

	sess := timeline.NewSession(tpl, content, src, sink, p.layout, clock,
		p.sessionOptions(true), p.logger)

	err = sess.Run(previewCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StopPreview cancels a running preview loop, if any.
func (p *Project) StopPreview() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.previewCancel != nil {
		p.previewCancel()
		p.previewCancel = nil
	}
}

// RenderBatch runs several jobs with bounded parallelism. The budget comes
// from CPU count and available memory; one failed job cancels the rest.
func (p *Project) RenderBatch(ctx context.Context, reqs []RenderRequest) ([]*RenderResult, error) {
	results := make([]*RenderResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	workers := system.WorkerBudget(p.cfg.FrameBytes())
	g.SetLimit(workers)
	fmt.Printf("[*] Batch: %d jobs, %d workers\n", len(reqs), workers)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := p.Render(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Project) sessionOptions(loop bool) timeline.Options {
	return timeline.Options{
		Width:         p.cfg.Width,
		Height:        p.cfg.Height,
		FPS:           p.cfg.FPS,
		SeekTolerance: p.cfg.SeekTolerance,
		PreSeekWindow: p.cfg.PreSeekWindow,
		Loop:          loop,
	}
}

func (p *Project) printStats(out *encoder.Output, elapsed time.Duration) {
	effectiveFPS := float64(out.Frames) / elapsed.Seconds()
	fmt.Printf(
		"--- [PERFORMANCE REPORT] ---\n"+
			"Build: %s\n"+
			"Total Time: %.2fs\n"+
			"Frames: %d\n"+
			"Output Duration: %.2fs\n"+
			"Output Size: %.2f MB\n"+
			"Effective FPS: %.2f\n"+
			"----------------------------\n",
		p.cfg.BuildVersion, elapsed.Seconds(), out.Frames, out.Duration,
		float64(out.Size)/1024/1024, effectiveFPS,
	)
}

func copyOutput(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
