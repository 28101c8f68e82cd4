package imgproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoUSymmetricAndBounded(t *testing.T) {
	a := RectF{X0: 0, Y0: 0, X1: 10, Y1: 10}
	b := RectF{X0: 5, Y0: 5, X1: 15, Y1: 15}

	assert.InDelta(t, IoU(a, b), IoU(b, a), 1e-6)
	assert.InDelta(t, 25.0/175.0, float64(IoU(a, b)), 1e-5)
	assert.InDelta(t, 1.0, float64(IoU(a, a)), 1e-6)
	assert.Zero(t, IoU(a, RectF{X0: 20, Y0: 20, X1: 30, Y1: 30}))
}

func TestIoAMeasuresRightOperandCoverage(t *testing.T) {
	outer := RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}
	inner := RectF{X0: 10, Y0: 10, X1: 20, Y1: 20}

	// inner is fully covered by outer
	assert.InDelta(t, 1.0, float64(IoA(outer, inner)), 1e-6)
	// but outer is only 1% covered by inner
	assert.InDelta(t, 0.01, float64(IoA(inner, outer)), 1e-6)
}

func TestHasIntersectionRequiresStrictOverlap(t *testing.T) {
	a := RectF{X0: 0, Y0: 0, X1: 10, Y1: 10}
	touching := RectF{X0: 10, Y0: 0, X1: 20, Y1: 10}

	assert.False(t, HasIntersection(a, touching))
	assert.True(t, HasIntersection(a, RectF{X0: 9, Y0: 9, X1: 20, Y1: 20}))
}

func TestPolygonAreaAndClip(t *testing.T) {
	square := RectPolygon(RectF{X0: 0, Y0: 0, X1: 10, Y1: 10})
	require.InDelta(t, 100.0, square.Area(), 1e-9)

	// Half-overlapping squares intersect in a 5x10 strip.
	other := RectPolygon(RectF{X0: 5, Y0: 0, X1: 15, Y1: 10})
	assert.InDelta(t, 50.0, IntersectionArea(square, other), 1e-6)

	// Fully contained polygon keeps its own area.
	inner := RectPolygon(RectF{X0: 2, Y0: 2, X1: 4, Y1: 4})
	assert.InDelta(t, 4.0, IntersectionArea(square, inner), 1e-6)

	// Disjoint polygons produce nothing.
	far := RectPolygon(RectF{X0: 50, Y0: 50, X1: 60, Y1: 60})
	assert.Zero(t, IntersectionArea(square, far))
}

func TestClipConvexHandlesWindingDirection(t *testing.T) {
	square := RectPolygon(RectF{X0: 0, Y0: 0, X1: 10, Y1: 10})
	reversed := make(Polygon, len(square))
	for i := range square {
		reversed[i] = square[len(square)-1-i]
	}

	inner := RectPolygon(RectF{X0: 1, Y0: 1, X1: 3, Y1: 3})
	assert.InDelta(t, 4.0, IntersectionArea(reversed, inner), 1e-6)
}

func TestPercentPolygonToAbsolute(t *testing.T) {
	polys := []Polygon{{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}}}
	abs := PercentPolygonToAbsolute(polys, 1920, 1080)

	require.Len(t, abs, 1)
	assert.Equal(t, PointF{X: 1920, Y: 0}, abs[0][1])
	assert.Equal(t, PointF{X: 1920, Y: 1080}, abs[0][2])
}
