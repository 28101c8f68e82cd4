package lprs

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
)

// yolo detector outputs lay candidates out column-wise: value(attr, k)
// sits at out[attr*n + k].
const letterboxPad = 114

// Vehicle is one detected vehicle with its classification result.
type Vehicle struct {
	Rect       imgproc.RectF
	Confidence float64
	IsSpecial  bool
	Plates     []Plate
}

// Plate is a detected license plate in frame coordinates.
type Plate struct {
	Rect      imgproc.RectF
	Kpts      [4]imgproc.PointF
	Score     float64
	Class     PlateClass
	Number    string
	NumScore  float64
	Numbers   []PlateNumber
	VehicleID int
}

// PlateNumber is one assembled candidate reading of a plate.
type PlateNumber struct {
	Number string
	Score  float64
}

// PlateClass identifies the plate template used for rectification.
type PlateClass int

const (
	// ClassRu1 is the single-row plate, 520×112 mm.
	ClassRu1 PlateClass = iota
	// ClassRu1a is the two-row plate, 290×170 mm.
	ClassRu1a
)

// Name reports the template identifier used in event payloads.
func (c PlateClass) Name() string {
	if c == ClassRu1a {
		return "ru_1a"
	}
	return "ru_1"
}

// Aspect is height/width of the physical plate.
func (c PlateClass) Aspect() float64 {
	if c == ClassRu1a {
		return 170.0 / 290.0
	}
	return 112.0 / 520.0
}

// DetectVehicles runs the vehicle detector over a full frame. The output
// tensor is [7, n]: rows 0..3 are the box, row 4 carries the vehicle
// class confidence; the remaining class rows are unused.
func DetectVehicles(ctx context.Context, cli *inference.Client, mc ModelConfig, frame *image.RGBA, cfg PlateConfig) ([]Vehicle, error) {
	lb := imgproc.LetterboxResize(frame, mc.InputWidth, mc.InputHeight, letterboxPad)
	tensor := imgproc.ToTensorCHW(lb.Image, imgproc.NormScale)

	out, err := cli.Infer(ctx, inference.Request{
		Server:     mc.Server,
		Model:      mc.ModelName,
		InputName:  mc.InputTensorName,
		OutputName: mc.OutputTensorName,
		Shape:      []int64{1, 3, int64(mc.InputHeight), int64(mc.InputWidth)},
		Data:       tensor,
	})
	if err != nil {
		return nil, err
	}
	n := len(out) / 7
	if n == 0 {
		return nil, fmt.Errorf("vehicle detector: unexpected output length %d", len(out))
	}

	fb := frame.Bounds()
	frameArea := float64(fb.Dx()) * float64(fb.Dy())
	var vehicles []Vehicle
	for k := 0; k < n; k++ {
		conf := float64(out[4*n+k])
		if conf < cfg.VehicleConfidence {
			continue
		}
		r := decodeBox(out, n, k, lb)
		r = clampRect(r, fb.Dx(), fb.Dy())
		if float64(r.Area())/frameArea < cfg.VehicleAreaRatioThreshold {
			continue
		}
		vehicles = append(vehicles, Vehicle{Rect: r, Confidence: conf})
	}
	return nmsVehicles(vehicles, float32(cfg.VehicleIoUThreshold)), nil
}

// ClassifyVehicles runs the vehicle class net on each vehicle crop in
// parallel. A vehicle is special only when the special score both wins
// and clears the confidence bar. Per-crop inference errors leave the
// vehicle non-special rather than failing the frame.
func ClassifyVehicles(ctx context.Context, cli *inference.Client, mc ModelConfig, frame *image.RGBA, vehicles []Vehicle, cfg PlateConfig) {
	var wg sync.WaitGroup
	for i := range vehicles {
		wg.Add(1)
		go func(v *Vehicle) {
			defer wg.Done()
			crop := imgproc.Crop(frame, v.Rect.ToImageRect())
			resized := imgproc.Resize(crop, mc.InputWidth, mc.InputHeight)
			tensor := imgproc.ToTensorCHW(resized, imgproc.NormCentered)
			out, err := cli.Infer(ctx, inference.Request{
				Server:     mc.Server,
				Model:      mc.ModelName,
				InputName:  mc.InputTensorName,
				OutputName: mc.OutputTensorName,
				Shape:      []int64{1, 3, int64(mc.InputHeight), int64(mc.InputWidth)},
				Data:       tensor,
			})
			if err != nil || len(out) < 2 {
				return
			}
			probs := softmax(out[:2])
			v.IsSpecial = probs[1] > probs[0] && float64(probs[1]) > cfg.SpecialConfidence
		}(&vehicles[i])
	}
	wg.Wait()
}

// DetectPlates runs the plate detector over one vehicle crop and maps
// results back to frame coordinates. The output tensor is [14, n]:
// cx, cy, w, h, two class scores and four keypoint pairs.
func DetectPlates(ctx context.Context, cli *inference.Client, mc ModelConfig, frame *image.RGBA, vehicle imgproc.RectF, cfg PlateConfig) ([]Plate, error) {
	crop := imgproc.Crop(frame, vehicle.ToImageRect())
	lb := imgproc.LetterboxResize(crop, mc.InputWidth, mc.InputHeight, letterboxPad)
	tensor := imgproc.ToTensorCHW(lb.Image, imgproc.NormScale)

	out, err := cli.Infer(ctx, inference.Request{
		Server:     mc.Server,
		Model:      mc.ModelName,
		InputName:  mc.InputTensorName,
		OutputName: mc.OutputTensorName,
		Shape:      []int64{1, 3, int64(mc.InputHeight), int64(mc.InputWidth)},
		Data:       tensor,
	})
	if err != nil {
		return nil, err
	}
	n := len(out) / 14
	if n == 0 {
		return nil, fmt.Errorf("plate detector: unexpected output length %d", len(out))
	}

	var plates []Plate
	for k := 0; k < n; k++ {
		s0 := float64(out[4*n+k])
		s1 := float64(out[5*n+k])
		score, class := s0, ClassRu1
		if s1 > s0 {
			score, class = s1, ClassRu1a
		}
		if score < cfg.PlateConfidence {
			continue
		}
		r := decodeBox(out, n, k, lb)
		r.X0 += vehicle.X0
		r.Y0 += vehicle.Y0
		r.X1 += vehicle.X0
		r.Y1 += vehicle.Y0
		p := Plate{Rect: r, Score: score, Class: class}
		for j := 0; j < 4; j++ {
			kx := lb.ToOriginalX(float64(out[(6+2*j)*n+k])) + float64(vehicle.X0)
			ky := lb.ToOriginalY(float64(out[(7+2*j)*n+k])) + float64(vehicle.Y0)
			p.Kpts[j] = imgproc.PointF{X: float32(kx), Y: float32(ky)}
		}
		plates = append(plates, p)
	}
	return nmsPlates(plates), nil
}

func decodeBox(out []float32, n, k int, lb imgproc.Letterbox) imgproc.RectF {
	cx := float64(out[0*n+k])
	cy := float64(out[1*n+k])
	w := float64(out[2*n+k])
	h := float64(out[3*n+k])
	return imgproc.RectF{
		X0: float32(lb.ToOriginalX(cx - w/2)),
		Y0: float32(lb.ToOriginalY(cy - h/2)),
		X1: float32(lb.ToOriginalX(cx + w/2)),
		Y1: float32(lb.ToOriginalY(cy + h/2)),
	}
}

func clampRect(r imgproc.RectF, w, h int) imgproc.RectF {
	if r.X0 < 0 {
		r.X0 = 0
	}
	if r.Y0 < 0 {
		r.Y0 = 0
	}
	if r.X1 > float32(w) {
		r.X1 = float32(w)
	}
	if r.Y1 > float32(h) {
		r.Y1 = float32(h)
	}
	return r
}

func nmsVehicles(dets []Vehicle, iou float32) []Vehicle {
	sort.Slice(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })
	var kept []Vehicle
	for _, d := range dets {
		ok := true
		for _, k := range kept {
			if imgproc.IoU(d.Rect, k.Rect) > iou {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, d)
		}
	}
	return kept
}

// nmsPlates suppresses a lower-scored plate when a higher one has the
// same class and their boxes overlap at all.
func nmsPlates(dets []Plate) []Plate {
	sort.Slice(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
	var kept []Plate
	for _, d := range dets {
		ok := true
		for _, k := range kept {
			if d.Class == k.Class && imgproc.HasIntersection(d.Rect, k.Rect) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, d)
		}
	}
	return kept
}

func softmax(in []float32) []float32 {
	max := in[0]
	for _, v := range in[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(math.Exp(float64(v - max)))
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
