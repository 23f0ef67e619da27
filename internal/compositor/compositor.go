// Package compositor paints one output frame per tick: the current source
// frame aspect-filled to the output geometry, then the QR patch, then each
// text overlay (background box, stroke ring, fill). Everything here is
// synchronous pixel work; the scheduler owns timing.
package compositor

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/ivlev/reelforge/internal/layout"
	"github.com/ivlev/reelforge/internal/system"
)

// Compositor renders frames of a fixed output geometry.
type Compositor struct {
	width  int
	height int
	scaler xdraw.Scaler
}

// New builds a compositor for width x height output. ApproxBiLinear keeps
// per-tick scaling cheap enough for a 30 Hz loop.
func New(width, height int) *Compositor {
	return &Compositor{
		width:  width,
		height: height,
		scaler: xdraw.ApproxBiLinear,
	}
}

func (c *Compositor) Width() int  { return c.width }
func (c *Compositor) Height() int { return c.height }

// NewFrame returns a pooled output frame. Callers hand frames back with
// system.PutImage once the encoder has consumed them.
func (c *Compositor) NewFrame() *image.RGBA {
	return system.GetImage(image.Rect(0, 0, c.width, c.height))
}

// Compose paints dst from scratch. src may be nil (black background only,
// used before the first source frame ever arrives); overlays may be empty.
func (c *Compositor) Compose(dst *image.RGBA, src *image.RGBA, qr *QRPatch, texts []*layout.Text) {
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	if src != nil {
		c.aspectFill(dst, src)
	}
	if qr != nil {
		qr.drawOn(dst)
	}
	for _, txt := range texts {
		if txt == nil {
			continue
		}
		drawText(dst, txt)
	}
}

// aspectFill scales src to cover dst completely, cropping the overflow
// symmetrically. A wider-than-target source loses its sides, a taller one
// loses top and bottom; nothing is letterboxed.
func (c *Compositor) aspectFill(dst *image.RGBA, src *image.RGBA) {
	sb := src.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()
	if srcW == 0 || srcH == 0 {
		return
	}

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(c.width) / float64(c.height)

	crop := sb
	if srcAspect > dstAspect {
		cropW := int(math.Round(float64(srcH) * dstAspect))
		offset := (srcW - cropW) / 2
		crop = image.Rect(sb.Min.X+offset, sb.Min.Y, sb.Min.X+offset+cropW, sb.Max.Y)
	} else if srcAspect < dstAspect {
		cropH := int(math.Round(float64(srcW) / dstAspect))
		offset := (srcH - cropH) / 2
		crop = image.Rect(sb.Min.X, sb.Min.Y+offset, sb.Max.X, sb.Min.Y+offset+cropH)
	}

	c.scaler.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)
}

// drawText renders one laid-out overlay: box, then per line a stroke ring
// and the fill on top. Opacity scales every element's alpha.
func drawText(dst *image.RGBA, txt *layout.Text) {
	if txt.Opacity <= 0 {
		return
	}

	if txt.Background != nil {
		fillRoundedRect(dst, txt.Background.Rect, txt.Background.Radius,
			scaleAlpha(txt.Background.Color, txt.Opacity))
	}

	if txt.StrokeWidth > 0 {
		strokeSrc := image.NewUniform(scaleAlpha(txt.Stroke, txt.Opacity))
		w := txt.StrokeWidth
		for dy := -w; dy <= w; dy++ {
			for dx := -w; dx <= w; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				if dx*dx+dy*dy > w*w {
					continue
				}
				for _, ln := range txt.Lines {
					drawString(dst, txt.Face, strokeSrc, ln.Text, ln.X+dx, ln.Y+dy)
				}
			}
		}
	}

	fillSrc := image.NewUniform(scaleAlpha(txt.Fill, txt.Opacity))
	for _, ln := range txt.Lines {
		drawString(dst, txt.Face, fillSrc, ln.Text, ln.X, ln.Y)
	}
}

func drawString(dst *image.RGBA, face font.Face, src image.Image, s string, x, y int) {
	d := font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// fillRoundedRect draws the box row by row, insetting corner rows along a
// quarter circle.
func fillRoundedRect(dst *image.RGBA, rect image.Rectangle, radius int, col color.NRGBA) {
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	maxRadius := rect.Dy() / 2
	if radius > maxRadius {
		radius = maxRadius
	}
	if radius > rect.Dx()/2 {
		radius = rect.Dx() / 2
	}

	src := image.NewUniform(col)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		inset := 0
		if radius > 0 {
			dy := 0
			if y < rect.Min.Y+radius {
				dy = rect.Min.Y + radius - y - 1
			} else if y >= rect.Max.Y-radius {
				dy = y - (rect.Max.Y - radius)
			}
			if dy > 0 {
				inset = radius - int(math.Sqrt(float64(radius*radius-dy*dy)))
			}
		}
		row := image.Rect(rect.Min.X+inset, y, rect.Max.X-inset, y+1)
		draw.Draw(dst, row, src, image.Point{}, draw.Over)
	}
}

func scaleAlpha(c color.NRGBA, opacity float64) color.NRGBA {
	if opacity >= 1 {
		return c
	}
	if opacity < 0 {
		opacity = 0
	}
	c.A = uint8(math.Round(float64(c.A) * opacity))
	return c
}
