package imgproc

import (
	"image"
	"math"
)

// PointF is a point in frame coordinates.
type PointF struct {
	X float32
	Y float32
}

// RectF is an axis-aligned box as (x0,y0)-(x1,y1).
type RectF struct {
	X0 float32
	Y0 float32
	X1 float32
	Y1 float32
}

func (r RectF) Width() float32  { return r.X1 - r.X0 }
func (r RectF) Height() float32 { return r.Y1 - r.Y0 }

func (r RectF) Area() float32 {
	if r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return 0
	}
	return (r.X1 - r.X0) * (r.Y1 - r.Y0)
}

func (r RectF) Intersect(o RectF) RectF {
	out := RectF{
		X0: float32(math.Max(float64(r.X0), float64(o.X0))),
		Y0: float32(math.Max(float64(r.Y0), float64(o.Y0))),
		X1: float32(math.Min(float64(r.X1), float64(o.X1))),
		Y1: float32(math.Min(float64(r.Y1), float64(o.Y1))),
	}
	if out.X1 < out.X0 {
		out.X1 = out.X0
	}
	if out.Y1 < out.Y0 {
		out.Y1 = out.Y0
	}
	return out
}

// HasIntersection reports strict overlap of two boxes.
func HasIntersection(a, b RectF) bool {
	left := math.Max(float64(a.X0), float64(b.X0))
	right := math.Min(float64(a.X1), float64(b.X1))
	top := math.Max(float64(a.Y0), float64(b.Y0))
	bottom := math.Min(float64(a.Y1), float64(b.Y1))
	return left < right && top < bottom
}

// IoU is intersection over union.
func IoU(a, b RectF) float32 {
	inter := a.Intersect(b).Area()
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoA is intersection over the area of b: how much of b is covered by a.
func IoA(a, b RectF) float32 {
	area := b.Area()
	if area <= 0 {
		return 0
	}
	return a.Intersect(b).Area() / area
}

func (r RectF) ToImageRect() image.Rectangle {
	return image.Rect(int(r.X0), int(r.Y0), int(r.X1), int(r.Y1))
}

func (r RectF) Contains(o RectF) bool {
	return o.X0 >= r.X0 && o.Y0 >= r.Y0 && o.X1 <= r.X1 && o.Y1 <= r.Y1
}

// Polygon is a closed sequence of vertices.
type Polygon []PointF

// RectPolygon converts a box into its four corners, clockwise.
func RectPolygon(r RectF) Polygon {
	return Polygon{
		{X: r.X0, Y: r.Y0},
		{X: r.X1, Y: r.Y0},
		{X: r.X1, Y: r.Y1},
		{X: r.X0, Y: r.Y1},
	}
}

// Area is the absolute shoelace area.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	var s float64
	for i := range p {
		j := (i + 1) % len(p)
		s += float64(p[i].X)*float64(p[j].Y) - float64(p[j].X)*float64(p[i].Y)
	}
	return math.Abs(s) / 2
}

// ClipConvex clips the subject polygon against a convex clip polygon
// (Sutherland-Hodgman). Both polygons must be convex for the intersection
// area to be exact.
func ClipConvex(subject, clip Polygon) Polygon {
	if len(subject) < 3 || len(clip) < 3 {
		return nil
	}

	// Clip edges must be traversed in a consistent winding; normalize to
	// counter-clockwise by signed area.
	clip = ccw(clip)

	out := subject
	for i := range clip {
		if len(out) == 0 {
			return nil
		}
		a := clip[i]
		b := clip[(i+1)%len(clip)]
		input := out
		out = nil
		for j := range input {
			cur := input[j]
			prev := input[(j+len(input)-1)%len(input)]
			curIn := inside(a, b, cur)
			prevIn := inside(a, b, prev)
			if curIn {
				if !prevIn {
					out = append(out, segmentIntersect(prev, cur, a, b))
				}
				out = append(out, cur)
			} else if prevIn {
				out = append(out, segmentIntersect(prev, cur, a, b))
			}
		}
	}
	return out
}

// IntersectionArea returns the area of the convex-convex intersection.
func IntersectionArea(a, b Polygon) float64 {
	return ClipConvex(a, b).Area()
}

func ccw(p Polygon) Polygon {
	var s float64
	for i := range p {
		j := (i + 1) % len(p)
		s += float64(p[i].X)*float64(p[j].Y) - float64(p[j].X)*float64(p[i].Y)
	}
	if s >= 0 {
		return p
	}
	out := make(Polygon, len(p))
	for i := range p {
		out[i] = p[len(p)-1-i]
	}
	return out
}

func inside(a, b, p PointF) bool {
	return (float64(b.X)-float64(a.X))*(float64(p.Y)-float64(a.Y))-
		(float64(b.Y)-float64(a.Y))*(float64(p.X)-float64(a.X)) >= 0
}

func segmentIntersect(p1, p2, a, b PointF) PointF {
	x1, y1 := float64(p1.X), float64(p1.Y)
	x2, y2 := float64(p2.X), float64(p2.Y)
	x3, y3 := float64(a.X), float64(a.Y)
	x4, y4 := float64(b.X), float64(b.Y)
	den := (x1-x2)*(y3-y4) - (y1-y2)*(x3-x4)
	if den == 0 {
		return p2
	}
	t := ((x1-x3)*(y3-y4) - (y1-y3)*(x3-x4)) / den
	return PointF{
		X: float32(x1 + t*(x2-x1)),
		Y: float32(y1 + t*(y2-y1)),
	}
}

// Distance is the euclidean distance between two points.
func Distance(a, b PointF) float32 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return float32(math.Sqrt(dx*dx + dy*dy))
}

// PercentPolygonToAbsolute converts polygon vertices given in percents of
// the frame size into pixel coordinates.
func PercentPolygonToAbsolute(polys []Polygon, width, height int) []Polygon {
	out := make([]Polygon, len(polys))
	for i, p := range polys {
		out[i] = make(Polygon, len(p))
		for j, v := range p {
			out[i][j] = PointF{
				X: v.X * float32(width) / 100,
				Y: v.Y * float32(height) / 100,
			}
		}
	}
	return out
}
