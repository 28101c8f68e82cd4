package imgproc

import "image"

// LaplacianVariance computes the variance of the 4-neighbor Laplacian of
// the luma plane with the given border cropped. It is the focus measure
// used to reject blurry faces: sharp images produce high variance.
func LaplacianVariance(src *image.RGBA, border int) float64 {
	gray := Gray(src)
	b := gray.Bounds()
	x0 := b.Min.X + border
	y0 := b.Min.Y + border
	x1 := b.Max.X - border
	y1 := b.Max.Y - border
	// The kernel itself needs one more pixel on each side.
	if x1-x0 < 3 || y1-y0 < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := y0 + 1; y < y1-1; y++ {
		for x := x0 + 1; x < x1-1; x++ {
			c := int(gray.GrayAt(x, y).Y)
			lap := float64(int(gray.GrayAt(x-1, y).Y) + int(gray.GrayAt(x+1, y).Y) +
				int(gray.GrayAt(x, y-1).Y) + int(gray.GrayAt(x, y+1).Y) - 4*c)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
