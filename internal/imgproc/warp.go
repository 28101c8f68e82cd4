package imgproc

import (
	"image"
	"math"
)

// Affine is the 2×3 matrix [A B C; D E F] mapping source to destination:
// u = A·x + B·y + C, v = D·x + E·y + F.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// EstimateSimilarity fits the least-squares similarity transform
// (rotation + uniform scale + translation) mapping src points onto dst.
// Needs at least two pairs; returns false for degenerate input.
func EstimateSimilarity(src, dst []PointF) (Affine, bool) {
	if len(src) != len(dst) || len(src) < 2 {
		return Affine{}, false
	}

	// Model: u = a·x − b·y + tx, v = b·x + a·y + ty.
	n := float64(len(src))
	var sx, sy, su, sv, sxx, sxuyv, sxvyu float64
	for i := range src {
		x, y := float64(src[i].X), float64(src[i].Y)
		u, v := float64(dst[i].X), float64(dst[i].Y)
		sx += x
		sy += y
		su += u
		sv += v
		sxx += x*x + y*y
		sxuyv += x*u + y*v
		sxvyu += x*v - y*u
	}

	m := [][]float64{
		{sxx, 0, sx, sy},
		{0, sxx, -sy, sx},
		{sx, -sy, n, 0},
		{sy, sx, 0, n},
	}
	rhs := []float64{sxuyv, sxvyu, su, sv}
	sol, ok := solveLinear(m, rhs)
	if !ok {
		return Affine{}, false
	}

	a, b, tx, ty := sol[0], sol[1], sol[2], sol[3]
	return Affine{A: a, B: -b, C: tx, D: b, E: a, F: ty}, true
}

// Invert returns the inverse affine transform.
func (m Affine) Invert() (Affine, bool) {
	det := m.A*m.E - m.B*m.D
	if det == 0 {
		return Affine{}, false
	}
	ia := m.E / det
	ib := -m.B / det
	id := -m.D / det
	ie := m.A / det
	return Affine{
		A: ia, B: ib, C: -(ia*m.C + ib*m.F),
		D: id, E: ie, F: -(id*m.C + ie*m.F),
	}, true
}

// Apply maps a point through the transform.
func (m Affine) Apply(p PointF) PointF {
	x, y := float64(p.X), float64(p.Y)
	return PointF{
		X: float32(m.A*x + m.B*y + m.C),
		Y: float32(m.D*x + m.E*y + m.F),
	}
}

// WarpAffine renders src through m into a w×h image with bilinear
// sampling and black borders.
func WarpAffine(src *image.RGBA, m Affine, w, h int) *image.RGBA {
	inv, ok := m.Invert()
	if !ok {
		return image.NewRGBA(image.Rect(0, 0, w, h))
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := inv.A*float64(x) + inv.B*float64(y) + inv.C
			sy := inv.D*float64(x) + inv.E*float64(y) + inv.F
			r, g, b, a := bilinearSample(src, sx, sy)
			i := out.PixOffset(x, y)
			out.Pix[i] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = b
			out.Pix[i+3] = a
		}
	}
	return out
}

// Perspective is a row-major 3×3 homography.
type Perspective [9]float64

// GetPerspectiveTransform solves the homography mapping four source
// points onto four destination points.
func GetPerspectiveTransform(src, dst [4]PointF) (Perspective, bool) {
	// Eight unknowns h0..h7 with h8 = 1.
	m := make([][]float64, 8)
	rhs := make([]float64, 8)
	for i := 0; i < 4; i++ {
		x, y := float64(src[i].X), float64(src[i].Y)
		u, v := float64(dst[i].X), float64(dst[i].Y)
		m[i*2] = []float64{x, y, 1, 0, 0, 0, -x * u, -y * u}
		rhs[i*2] = u
		m[i*2+1] = []float64{0, 0, 0, x, y, 1, -x * v, -y * v}
		rhs[i*2+1] = v
	}
	sol, ok := solveLinear(m, rhs)
	if !ok {
		return Perspective{}, false
	}
	var p Perspective
	copy(p[:8], sol)
	p[8] = 1
	return p, true
}

// WarpPerspective renders src through the homography into a w×h image.
func WarpPerspective(src *image.RGBA, p Perspective, w, h int) *image.RGBA {
	inv, ok := p.invert()
	if !ok {
		return image.NewRGBA(image.Rect(0, 0, w, h))
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			den := inv[6]*float64(x) + inv[7]*float64(y) + inv[8]
			if den == 0 {
				continue
			}
			sx := (inv[0]*float64(x) + inv[1]*float64(y) + inv[2]) / den
			sy := (inv[3]*float64(x) + inv[4]*float64(y) + inv[5]) / den
			r, g, b, a := bilinearSample(src, sx, sy)
			i := out.PixOffset(x, y)
			out.Pix[i] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = b
			out.Pix[i+3] = a
		}
	}
	return out
}

func (p Perspective) invert() (Perspective, bool) {
	a, b, c := p[0], p[1], p[2]
	d, e, f := p[3], p[4], p[5]
	g, h, i := p[6], p[7], p[8]
	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if det == 0 {
		return Perspective{}, false
	}
	return Perspective{
		(e*i - f*h) / det, (c*h - b*i) / det, (b*f - c*e) / det,
		(f*g - d*i) / det, (a*i - c*g) / det, (c*d - a*f) / det,
		(d*h - e*g) / det, (b*g - a*h) / det, (a*e - b*d) / det,
	}, true
}

func bilinearSample(src *image.RGBA, x, y float64) (uint8, uint8, uint8, uint8) {
	b := src.Bounds()
	if x < 0 || y < 0 || x > float64(b.Dx()-1) || y > float64(b.Dy()-1) {
		return 0, 0, 0, 0
	}
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 > b.Dx()-1 {
		x1 = x0
	}
	if y1 > b.Dy()-1 {
		y1 = y0
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	mix := func(ch int) uint8 {
		p00 := float64(src.Pix[src.PixOffset(x0, y0)+ch])
		p10 := float64(src.Pix[src.PixOffset(x1, y0)+ch])
		p01 := float64(src.Pix[src.PixOffset(x0, y1)+ch])
		p11 := float64(src.Pix[src.PixOffset(x1, y1)+ch])
		v := p00*(1-fx)*(1-fy) + p10*fx*(1-fy) + p01*(1-fx)*fy + p11*fx*fy
		return uint8(math.Round(v))
	}
	return mix(0), mix(1), mix(2), mix(3)
}

// solveLinear is Gaussian elimination with partial pivoting for the small
// dense systems used by the transform estimators.
func solveLinear(m [][]float64, rhs []float64) ([]float64, bool) {
	n := len(m)
	a := make([][]float64, n)
	for i := range m {
		a[i] = make([]float64, n+1)
		copy(a[i], m[i])
		a[i][n] = rhs[i]
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = a[i][n] / a[i][i]
	}
	return out, true
}
