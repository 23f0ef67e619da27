package compositor

import (
	"image"
	"image/draw"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/pkg/errors"
)

// QRPatch is a pre-rendered QR code positioned by its center in frame
// pixels. Built once per scene; drawing it is a plain blit.
type QRPatch struct {
	img *image.RGBA
	x   int
	y   int
}

// BuildQR encodes content at sizePx and positions it at percentage
// coordinates of the frame, mirroring how text overlays are placed.
func BuildQR(content string, xPct, yPct float64, sizePx, frameW, frameH int) (*QRPatch, error) {
	if content == "" {
		return nil, errors.New("qr content is empty")
	}
	if sizePx <= 0 {
		sizePx = 256
	}

	code, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	src := code.Image(sizePx)

	bounds := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Rect, src, bounds.Min, draw.Src)

	return &QRPatch{
		img: rgba,
		x:   int(xPct/100*float64(frameW)) - bounds.Dx()/2,
		y:   int(yPct/100*float64(frameH)) - bounds.Dy()/2,
	}, nil
}

func (q *QRPatch) drawOn(dst *image.RGBA) {
	target := q.img.Rect.Add(image.Pt(q.x, q.y))
	draw.Draw(dst, target, q.img, image.Point{}, draw.Over)
}

// Bounds reports where the patch lands on the frame.
func (q *QRPatch) Bounds() image.Rectangle {
	return q.img.Rect.Add(image.Pt(q.x, q.y))
}
