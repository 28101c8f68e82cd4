package imgproc

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Letterbox holds a resized frame together with the parameters needed to
// map detector coordinates back to the original frame.
type Letterbox struct {
	Image  *image.RGBA
	Scale  float64
	ShiftX float64
	ShiftY float64
}

// LetterboxResize fits src into w×h preserving aspect ratio, centering it
// and padding the borders with the given gray value.
func LetterboxResize(src *image.RGBA, w, h int, pad uint8) Letterbox {
	b := src.Bounds()
	rw := float64(w) / float64(b.Dx())
	rh := float64(h) / float64(b.Dy())
	scale := math.Min(rw, rh)
	ww := int(math.Round(scale * float64(b.Dx())))
	hh := int(math.Round(scale * float64(b.Dy())))
	shiftX := float64(w-ww) / 2
	shiftY := float64(h-hh) / 2

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: color.RGBA{R: pad, G: pad, B: pad, A: 255}}, image.Point{}, draw.Src)

	dst := image.Rect(int(shiftX), int(shiftY), int(shiftX)+ww, int(shiftY)+hh)
	xdraw.BiLinear.Scale(out, dst, src, b, xdraw.Src, nil)

	return Letterbox{Image: out, Scale: scale, ShiftX: shiftX, ShiftY: shiftY}
}

// ToOriginalX maps a letterboxed x coordinate back to the source frame.
func (l Letterbox) ToOriginalX(x float64) float64 {
	return (x - l.ShiftX) / l.Scale
}

// ToOriginalY maps a letterboxed y coordinate back to the source frame.
func (l Letterbox) ToOriginalY(y float64) float64 {
	return (y - l.ShiftY) / l.Scale
}
