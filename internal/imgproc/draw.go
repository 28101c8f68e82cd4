package imgproc

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DrawLine draws a straight segment with the given thickness.
func DrawLine(img *image.RGBA, p0, p1 image.Point, col color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	dx := abs(p1.X - p0.X)
	dy := abs(p1.Y - p0.Y)
	sx := 1
	if p0.X > p1.X {
		sx = -1
	}
	sy := 1
	if p0.Y > p1.Y {
		sy = -1
	}
	err := dx - dy
	x, y := p0.X, p0.Y
	for {
		plotThick(img, x, y, col, thickness)
		if x == p1.X && y == p1.Y {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x += sx
		}
		if e2 < dx {
			err += dx
			y += sy
		}
	}
}

// DrawPolyline connects the points in order, optionally closing the loop.
func DrawPolyline(img *image.RGBA, pts []image.Point, closed bool, col color.RGBA, thickness int) {
	if len(pts) < 2 {
		return
	}
	for i := 0; i+1 < len(pts); i++ {
		DrawLine(img, pts[i], pts[i+1], col, thickness)
	}
	if closed {
		DrawLine(img, pts[len(pts)-1], pts[0], col, thickness)
	}
}

// DrawRect outlines a rectangle.
func DrawRect(img *image.RGBA, r image.Rectangle, col color.RGBA, thickness int) {
	DrawPolyline(img, []image.Point{
		{X: r.Min.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Max.Y},
	}, true, col, thickness)
}

// TextHeight is the pixel height of the base OSD font at scale 1.
const TextHeight = 13

// DrawText renders text at an integer scale of the base bitmap font,
// with (x, y) at the text baseline.
func DrawText(img *image.RGBA, text string, x, y, scale int, col color.RGBA) {
	if scale < 1 {
		scale = 1
	}
	if scale == 1 {
		drawer := font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(col),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(x, y),
		}
		drawer.DrawString(text)
		return
	}

	// Render once at scale 1 on a scratch mask, then replicate pixels.
	w := font.MeasureString(basicfont.Face7x13, text).Ceil()
	scratch := image.NewRGBA(image.Rect(0, 0, w, TextHeight+3))
	drawer := font.Drawer{
		Dst:  scratch,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(0, TextHeight-2),
	}
	drawer.DrawString(text)

	top := y - (TextHeight-2)*scale
	for sy := 0; sy < scratch.Bounds().Dy(); sy++ {
		for sx := 0; sx < w; sx++ {
			if scratch.RGBAAt(sx, sy).A == 0 {
				continue
			}
			for oy := 0; oy < scale; oy++ {
				for ox := 0; ox < scale; ox++ {
					px := x + sx*scale + ox
					py := top + sy*scale + oy
					if image.Pt(px, py).In(img.Bounds()) {
						img.SetRGBA(px, py, col)
					}
				}
			}
		}
	}
}

// DrawTextOutlined draws the text twice, a black pass shifted one scaled
// pixel down-right and a colored pass on top. Used for the frame OSD so
// the text stays readable on any background.
func DrawTextOutlined(img *image.RGBA, text string, x, y, scale int, col color.RGBA) {
	DrawText(img, text, x+scale, y+scale, scale, color.RGBA{A: 255})
	DrawText(img, text, x, y, scale, col)
}

func plotThick(img *image.RGBA, x, y int, col color.RGBA, thickness int) {
	half := thickness / 2
	for oy := -half; oy <= half; oy++ {
		for ox := -half; ox <= half; ox++ {
			if image.Pt(x+ox, y+oy).In(img.Bounds()) {
				img.SetRGBA(x+ox, y+oy, col)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
