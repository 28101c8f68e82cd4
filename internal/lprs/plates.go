package lprs

import (
	"github.com/vframe/recognition/internal/imgproc"
)

// workAreaContainment is the fraction of the plate quad that must fall
// inside a work-area polygon for the plate to count as inside.
const workAreaContainment = 0.999

// duplicatePlateIoU marks plate boxes on two overlapping vehicle crops
// as the same physical plate.
const duplicatePlateIoU = 0.7

// PlateInWorkArea reports whether the plate quad is essentially fully
// contained in one of the work-area polygons. An empty work area admits
// everything.
func PlateInWorkArea(p Plate, frameW, frameH int, workArea []imgproc.Polygon) bool {
	if len(workArea) == 0 {
		return true
	}
	quad := imgproc.Polygon(p.Kpts[:])
	area := quad.Area()
	if area <= 0 {
		return false
	}
	abs := imgproc.PercentPolygonToAbsolute(workArea, frameW, frameH)
	for _, poly := range abs {
		if imgproc.IntersectionArea(quad, poly)/area > workAreaContainment {
			return true
		}
	}
	return false
}

// PlateHeight is the shorter of the two side edges of the plate quad.
// Keypoints run clockwise from the top-left corner.
func PlateHeight(p Plate) float64 {
	left := imgproc.Distance(p.Kpts[0], p.Kpts[3])
	right := imgproc.Distance(p.Kpts[1], p.Kpts[2])
	if left < right {
		return float64(left)
	}
	return float64(right)
}

// FilterPlates drops plates outside the work area or below the minimum
// height.
func FilterPlates(plates []Plate, frameW, frameH int, cfg PlateConfig) []Plate {
	out := plates[:0]
	for _, p := range plates {
		if !PlateInWorkArea(p, frameW, frameH, cfg.WorkArea) {
			continue
		}
		if cfg.MinPlateHeight > 0 && PlateHeight(p) < cfg.MinPlateHeight {
			continue
		}
		out = append(out, p)
	}
	return out
}

// RemoveDuplicatePlates resolves the same physical plate showing up on
// two overlapping vehicle crops. For each plate pair with IoU above the
// duplicate threshold the copy is removed from the vehicle with more
// plates, or from the larger vehicle when the counts are equal.
func RemoveDuplicatePlates(vehicles []Vehicle) {
	for i := 0; i < len(vehicles); i++ {
		for j := i + 1; j < len(vehicles); j++ {
			if !imgproc.HasIntersection(vehicles[i].Rect, vehicles[j].Rect) {
				continue
			}
			removeDuplicatePair(&vehicles[i], &vehicles[j])
		}
	}
}

func removeDuplicatePair(a, b *Vehicle) {
	dropA := make(map[int]bool)
	dropB := make(map[int]bool)
	for pi := range a.Plates {
		for pj := range b.Plates {
			if dropA[pi] || dropB[pj] {
				continue
			}
			if imgproc.IoU(a.Plates[pi].Rect, b.Plates[pj].Rect) <= duplicatePlateIoU {
				continue
			}
			switch {
			case len(a.Plates) > len(b.Plates):
				dropA[pi] = true
			case len(b.Plates) > len(a.Plates):
				dropB[pj] = true
			case a.Rect.Area() > b.Rect.Area():
				dropA[pi] = true
			default:
				dropB[pj] = true
			}
		}
	}
	a.Plates = withoutIndexes(a.Plates, dropA)
	b.Plates = withoutIndexes(b.Plates, dropB)
}

func withoutIndexes(plates []Plate, drop map[int]bool) []Plate {
	if len(drop) == 0 {
		return plates
	}
	out := plates[:0]
	for i, p := range plates {
		if !drop[i] {
			out = append(out, p)
		}
	}
	return out
}

// CullVehicles removes vehicles with no plates that are not special,
// and, when a work area is set, vehicles whose box does not intersect
// any of its polygons.
func CullVehicles(vehicles []Vehicle, frameW, frameH int, workArea []imgproc.Polygon) []Vehicle {
	abs := imgproc.PercentPolygonToAbsolute(workArea, frameW, frameH)
	out := vehicles[:0]
	for _, v := range vehicles {
		if len(v.Plates) == 0 && !v.IsSpecial {
			continue
		}
		if len(abs) > 0 && !rectTouchesAny(v.Rect, abs) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func rectTouchesAny(r imgproc.RectF, polys []imgproc.Polygon) bool {
	rp := imgproc.RectPolygon(r)
	for _, poly := range polys {
		if len(imgproc.ClipConvex(rp, poly)) >= 3 {
			return true
		}
	}
	return false
}
