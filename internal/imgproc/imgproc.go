// Package imgproc contains the pixel-level primitives the recognition
// pipelines are built from: decoding, letterbox resizing, tensor layout
// conversion, affine/perspective warps, sharpness measurement and frame
// annotation.
package imgproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	xdraw "golang.org/x/image/draw"
)

// Decode parses a still frame (JPEG, PNG, BMP or TIFF) into RGBA.
func Decode(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return ToRGBA(img), nil
}

// ToRGBA converts any decoded image to RGBA with a zero-based origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// EncodeJPEG serializes a frame for screenshots and data URIs.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Crop copies the given rectangle (clipped to the frame) into a new image.
func Crop(src *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(src.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), src, r.Min, draw.Src)
	return out
}

// Clone makes an independent copy of a frame.
func Clone(src *image.RGBA) *image.RGBA {
	out := image.NewRGBA(src.Bounds())
	copy(out.Pix, src.Pix)
	return out
}

// Resize scales without preserving aspect ratio. Shrinking uses the
// area-averaging kernel, enlarging bilinear, matching the behavior the
// classifier crops were tuned on.
func Resize(src *image.RGBA, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	b := src.Bounds()
	if w < b.Dx() || h < b.Dy() {
		xdraw.CatmullRom.Scale(out, out.Bounds(), src, b, xdraw.Src, nil)
	} else {
		xdraw.BiLinear.Scale(out, out.Bounds(), src, b, xdraw.Src, nil)
	}
	return out
}

// Gray extracts an 8-bit luma plane (BT.601 weights).
func Gray(src *image.RGBA) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := src.PixOffset(x, y)
			r := uint32(src.Pix[i])
			g := uint32(src.Pix[i+1])
			bl := uint32(src.Pix[i+2])
			out.SetGray(x, y, color.Gray{Y: uint8((299*r + 587*g + 114*bl) / 1000)})
		}
	}
	return out
}
