package frs

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
)

// Landmark indexes of the five-point face layout.
const (
	LandmarkRightEye = iota
	LandmarkLeftEye
	LandmarkNose
	LandmarkRightMouth
	LandmarkLeftMouth
	landmarkCount
)

const detectorNMSThreshold = 0.4

// scrfdScale names the detector heads of one stride.
type scrfdScale struct {
	stride int
	scores string
	boxes  string
	kps    string
}

// Head tensor names of the stock SCRFD export.
var scrfdScales = []scrfdScale{
	{stride: 8, scores: "448", boxes: "451", kps: "454"},
	{stride: 16, scores: "471", boxes: "474", kps: "477"},
	{stride: 32, scores: "494", boxes: "497", kps: "500"},
}

// Detection is one face in original frame coordinates.
type Detection struct {
	Rect      imgproc.RectF
	Score     float64
	Landmarks [landmarkCount]imgproc.PointF
}

// DetectFaces runs the face detector and decodes its anchor-free heads
// back to frame coordinates.
func DetectFaces(ctx context.Context, client *inference.Client, cfg ModelConfig, frame *image.RGBA, minScore float64) ([]Detection, error) {
	lb := imgproc.LetterboxResize(frame, cfg.InputWidth, cfg.InputHeight, 0)
	tensor := imgproc.ToTensorCHW(lb.Image, imgproc.NormDetector)

	names := make([]string, 0, len(scrfdScales)*3)
	for _, s := range scrfdScales {
		names = append(names, s.scores, s.boxes, s.kps)
	}
	outs, err := client.InferMulti(ctx, inference.Request{
		Server:    cfg.Server,
		Model:     cfg.ModelName,
		InputName: cfg.InputTensorName,
		Shape:     []int64{1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)},
		Data:      tensor,
	}, names)
	if err != nil {
		return nil, fmt.Errorf("face detect: %w", err)
	}

	frameRect := imgproc.RectF{
		X1: float32(frame.Bounds().Dx()),
		Y1: float32(frame.Bounds().Dy()),
	}

	var dets []Detection
	for _, s := range scrfdScales {
		scores := outs[s.scores]
		boxes := outs[s.boxes]
		kps := outs[s.kps]
		gw := cfg.InputWidth / s.stride
		gh := cfg.InputHeight / s.stride
		cells := gw * gh
		if len(scores) < cells*2 || len(boxes) < cells*2*4 || len(kps) < cells*2*10 {
			return nil, fmt.Errorf("face detect: stride %d output undersized", s.stride)
		}
		for k := 0; k < cells; k++ {
			px := float64(s.stride * (k % gw))
			py := float64(s.stride * (k / gw))
			for a := 0; a < 2; a++ {
				idx := 2*k + a
				score := float64(scores[idx])
				if score < minScore {
					continue
				}
				st := float64(s.stride)
				d := Detection{Score: score}
				d.Rect = imgproc.RectF{
					X0: float32(lb.ToOriginalX(px - float64(boxes[idx*4])*st)),
					Y0: float32(lb.ToOriginalY(py - float64(boxes[idx*4+1])*st)),
					X1: float32(lb.ToOriginalX(px + float64(boxes[idx*4+2])*st)),
					Y1: float32(lb.ToOriginalY(py + float64(boxes[idx*4+3])*st)),
				}
				for j := 0; j < landmarkCount; j++ {
					d.Landmarks[j] = imgproc.PointF{
						X: float32(lb.ToOriginalX(px + float64(kps[idx*10+2*j])*st)),
						Y: float32(lb.ToOriginalY(py + float64(kps[idx*10+2*j+1])*st)),
					}
				}
				d.Rect = clampRect(d.Rect, frameRect)
				dets = append(dets, d)
			}
		}
	}
	return nmsDetections(dets, detectorNMSThreshold), nil
}

func clampRect(r, bounds imgproc.RectF) imgproc.RectF {
	if r.X0 < bounds.X0 {
		r.X0 = bounds.X0
	}
	if r.Y0 < bounds.Y0 {
		r.Y0 = bounds.Y0
	}
	if r.X1 > bounds.X1 {
		r.X1 = bounds.X1
	}
	if r.Y1 > bounds.Y1 {
		r.Y1 = bounds.Y1
	}
	return r
}

// nmsDetections keeps the highest scored detections, greedily dropping
// any later one overlapping a kept one past the IoU threshold.
func nmsDetections(dets []Detection, iouThreshold float32) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
	kept := dets[:0]
	for _, d := range dets {
		drop := false
		for _, k := range kept {
			if imgproc.IoU(k.Rect, d.Rect) > iouThreshold {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, d)
		}
	}
	return kept
}
