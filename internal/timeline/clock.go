package timeline

import (
	"context"
	"time"
)

// Clock paces the render loop. Next blocks until the loop should run its
// next tick and returns the output time for that tick in seconds. Two
// implementations exist: a wall clock for live preview and a frame clock
// for final generation, where every frame must land exactly 1/fps apart
// regardless of how long compositing takes.
type Clock interface {
	Next(ctx context.Context) (float64, error)
}

// WallClock ticks in real time. Output time is measured from the first
// tick, so a slow start does not shift the whole timeline.
type WallClock struct {
	interval time.Duration
	ticker   *time.Ticker
	start    time.Time
}

func NewWallClock(fps float64) *WallClock {
	interval := time.Duration(float64(time.Second) / fps)
	return &WallClock{
		interval: interval,
		ticker:   time.NewTicker(interval),
	}
}

func (c *WallClock) Next(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ticker.C:
		if c.start.IsZero() {
			c.start = time.Now()
			return 0, nil
		}
		return time.Since(c.start).Seconds(), nil
	}
}

// Stop releases the ticker. The clock is unusable afterwards.
func (c *WallClock) Stop() {
	c.ticker.Stop()
}

// FrameClock advances exactly one frame per call with no waiting. It makes
// generation deterministic: the same template and content always produce
// the same tick sequence.
type FrameClock struct {
	fps float64
	n   int64
}

func NewFrameClock(fps float64) *FrameClock {
	return &FrameClock{fps: fps}
}

func (c *FrameClock) Next(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t := float64(c.n) / c.fps
	c.n++
	return t, nil
}
