// Package source provides frame-level access to render inputs. A
// VideoSource hands out RGBA frames at the session frame rate and supports
// seeking to an arbitrary position; the scheduler owns when to seek and
// when to let the source play forward.
package source

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// Sentinel errors. SourceUnavailable is fatal to a render; SeekTimeout is
// not: the scheduler logs it and keeps showing the last good frame.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSeekTimeout       = errors.New("seek timed out")
)

// Info describes a source as probed.
type Info struct {
	Width    int
	Height   int
	Duration float64
	FPS      float64
	Codec    string
}

// VideoSource is a seekable stream of frames. ReadFrame returns frames at
// the source's native geometry; aspect correction is the compositor's job.
// Frames come from the shared image pool and must be returned to it once
// composited.
type VideoSource interface {
	Info() Info

	// Seek positions the stream at pos seconds. A SeekTimeout return
	// means the stream is repositioning but the first frame has not
	// arrived yet; the source remains usable.
	Seek(ctx context.Context, pos float64) error

	// ReadFrame returns the next frame after the current position. While
	// an earlier Seek is still settling, ctx bounds how long to wait for
	// its first frame; ctx.Err() is returned if it is not ready in time
	// and the frame stays claimable by a later call.
	ReadFrame(ctx context.Context) (*image.RGBA, error)

	// Position is the output-side estimate of the current source time.
	Position() float64

	Close() error
}
