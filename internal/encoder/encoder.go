// Package encoder turns a stream of composited RGBA frames into an H.264
// MP4. One session per render; frames are piped raw into an ffmpeg child
// process and the file is finalized on Finish.
package encoder

import (
	"image"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyOutput is fatal: the session finished but produced no
	// usable bytes. The partial file is removed before this is returned.
	ErrEmptyOutput = errors.New("encoder produced empty output")

	// ErrSessionActive guards against starting a session twice.
	ErrSessionActive = errors.New("encoder session already active")
)

// Output describes a finished encode.
type Output struct {
	Path     string
	Size     int64
	Frames   int64
	Duration float64
}

// Encoder accepts frames in strictly increasing timeline order. Finish
// returns the output or an error; after either Finish or Abort the session
// can be started again.
type Encoder interface {
	Start(width, height int, fps float64) error
	PushFrame(img *image.RGBA) error
	Finish() (*Output, error)
	Abort()
}
