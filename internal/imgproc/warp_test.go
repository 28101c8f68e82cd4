package imgproc

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateSimilarityRecoversKnownTransform(t *testing.T) {
	// Ground truth: rotate 30 degrees, scale 1.5, translate (10, -5).
	angle := 30 * math.Pi / 180
	scale := 1.5
	a := scale * math.Cos(angle)
	b := scale * math.Sin(angle)
	truth := Affine{A: a, B: -b, C: 10, D: b, E: a, F: -5}

	src := []PointF{{X: 38.3, Y: 51.7}, {X: 73.5, Y: 51.5}, {X: 56.0, Y: 71.7}, {X: 41.5, Y: 92.4}, {X: 70.7, Y: 92.2}}
	dst := make([]PointF, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}

	got, ok := EstimateSimilarity(src, dst)
	require.True(t, ok)
	assert.InDelta(t, truth.A, got.A, 1e-6)
	assert.InDelta(t, truth.B, got.B, 1e-6)
	assert.InDelta(t, truth.C, got.C, 1e-6)
	assert.InDelta(t, truth.D, got.D, 1e-6)
	assert.InDelta(t, truth.E, got.E, 1e-6)
	assert.InDelta(t, truth.F, got.F, 1e-6)
}

func TestAffineInvertRoundTrip(t *testing.T) {
	m := Affine{A: 1.2, B: 0.3, C: 4, D: -0.3, E: 1.2, F: -7}
	inv, ok := m.Invert()
	require.True(t, ok)

	p := PointF{X: 13, Y: 37}
	back := inv.Apply(m.Apply(p))
	assert.InDelta(t, float64(p.X), float64(back.X), 1e-4)
	assert.InDelta(t, float64(p.Y), float64(back.Y), 1e-4)
}

func TestGetPerspectiveTransformMapsCorners(t *testing.T) {
	src := [4]PointF{{X: 10, Y: 20}, {X: 110, Y: 25}, {X: 105, Y: 80}, {X: 12, Y: 78}}
	dst := [4]PointF{{X: 0, Y: 0}, {X: 159, Y: 0}, {X: 159, Y: 33}, {X: 0, Y: 33}}

	p, ok := GetPerspectiveTransform(src, dst)
	require.True(t, ok)

	for i := 0; i < 4; i++ {
		x, y := float64(src[i].X), float64(src[i].Y)
		den := p[6]*x + p[7]*y + p[8]
		u := (p[0]*x + p[1]*y + p[2]) / den
		v := (p[3]*x + p[4]*y + p[5]) / den
		assert.InDelta(t, float64(dst[i].X), u, 1e-6)
		assert.InDelta(t, float64(dst[i].Y), v, 1e-6)
	}
}

func TestWarpAffineIdentityPreservesPixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.SetRGBA(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}

	out := WarpAffine(src, Affine{A: 1, E: 1}, 8, 8)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestLetterboxRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 360))
	lb := LetterboxResize(src, 320, 320, 114)

	require.Equal(t, 320, lb.Image.Bounds().Dx())
	require.Equal(t, 320, lb.Image.Bounds().Dy())
	assert.InDelta(t, 0.5, lb.Scale, 1e-9)
	assert.InDelta(t, 0.0, lb.ShiftX, 1e-9)
	assert.InDelta(t, 70.0, lb.ShiftY, 1e-9)

	// A box at (100,50)-(200,150) in the source lands at scaled+shifted
	// coordinates; mapping back must recover the original.
	x := 100*lb.Scale + lb.ShiftX
	y := 50*lb.Scale + lb.ShiftY
	assert.InDelta(t, 100.0, lb.ToOriginalX(x), 1e-9)
	assert.InDelta(t, 50.0, lb.ToOriginalY(y), 1e-9)
}

func TestLaplacianVarianceOrdersSharpness(t *testing.T) {
	flat := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}

	checker := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			checker.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	assert.Zero(t, LaplacianVariance(flat, 3))
	assert.Greater(t, LaplacianVariance(checker, 3), 1000.0)
}

func TestTensorNormalizations(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, G: 0, B: 127, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 0, G: 255, B: 255, A: 255})

	det := ToTensorCHW(img, NormDetector)
	require.Len(t, det, 6)
	// CHW layout: R plane first.
	assert.InDelta(t, (255.0-127.5)/128.0, float64(det[0]), 1e-5)
	assert.InDelta(t, (0.0-127.5)/128.0, float64(det[1]), 1e-5)

	arc := ToTensorCHW(img, NormArcFace)
	assert.InDelta(t, 1.0, float64(arc[0]), 1e-5)
	assert.InDelta(t, -1.0, float64(arc[1]), 1e-5)

	yolo := ToTensorCHW(img, NormScale)
	assert.InDelta(t, 1.0, float64(yolo[0]), 1e-5)
	assert.InDelta(t, 1.0, float64(yolo[3]), 1e-5) // G plane, second pixel
}

func TestFloat32BytesRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -3.25, 1e-5}
	out := BytesToFloat32(Float32ToBytes(in))
	assert.Equal(t, in, out)
}
