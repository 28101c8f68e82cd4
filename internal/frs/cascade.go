package frs

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
)

// Stage identifies how far a face made it through the cascade.
type Stage int

const (
	StageDetected Stage = iota
	StageWorkArea
	StageFrontality
	StageBlur
	StageClass
	StageDescriptor
)

// Rejection comments surfaced on registerFace responses.
const (
	CommentNoFaces          = "No faces found on the image."
	CommentOutOfArea        = "The face is outside the work area."
	CommentNonFrontal       = "The face is not frontal."
	CommentBlurry           = "The face is out of the sharpness range."
	CommentBadClass         = "The face is occluded or masked."
	CommentInferenceError   = "Inference error."
	CommentNewDescriptor    = "A new descriptor has been created."
	CommentDescriptorExists = "The descriptor already exists."
)

// CommentForStage maps the furthest failed stage to its message.
func CommentForStage(s Stage) string {
	switch s {
	case StageWorkArea:
		return CommentOutOfArea
	case StageFrontality:
		return CommentNonFrontal
	case StageBlur:
		return CommentBlurry
	case StageClass:
		return CommentBadClass
	default:
		return CommentNoFaces
	}
}

// Canonical five-point template of the recognizer, in the coordinate
// space of a 112x112 aligned crop.
var canonicalTemplate = [landmarkCount]imgproc.PointF{
	{X: 38.2946, Y: 51.6963},
	{X: 73.5318, Y: 51.5014},
	{X: 56.0252, Y: 71.7366},
	{X: 41.5493, Y: 92.3655},
	{X: 70.7299, Y: 92.2041},
}

const frontalityRatio = 0.62

// IsFrontal checks the landmark geometry: the nose sits strictly
// between and below the eyes, mouth tips flank the nose, and six
// inter-landmark distance ratios all exceed the frontality ratio.
func IsFrontal(lm [landmarkCount]imgproc.PointF) bool {
	re, le := lm[LandmarkRightEye], lm[LandmarkLeftEye]
	nose := lm[LandmarkNose]
	rm, lmth := lm[LandmarkRightMouth], lm[LandmarkLeftMouth]

	if !(nose.X > re.X && nose.X < le.X) {
		return false
	}
	if !(nose.Y > re.Y && nose.Y > le.Y) {
		return false
	}
	if !(re.X < rm.X && le.X > lmth.X) {
		return false
	}

	ratios := [][2]float32{
		{imgproc.Distance(re, nose), imgproc.Distance(le, nose)},
		{imgproc.Distance(rm, nose), imgproc.Distance(lmth, nose)},
		{imgproc.Distance(re, rm), imgproc.Distance(le, lmth)},
		{imgproc.Distance(re, le), imgproc.Distance(rm, lmth)},
		{imgproc.Distance(re, lmth), imgproc.Distance(le, rm)},
		{imgproc.Distance(nose, midpoint(re, le)), imgproc.Distance(nose, midpoint(rm, lmth))},
	}
	for _, r := range ratios {
		lo, hi := r[0], r[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi <= 0 || lo/hi <= frontalityRatio {
			return false
		}
	}
	return true
}

func midpoint(a, b imgproc.PointF) imgproc.PointF {
	return imgproc.PointF{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// AlignFace warps the face to the canonical template scaled to the
// target input size.
func AlignFace(frame *image.RGBA, lm [landmarkCount]imgproc.PointF, w, h int) (*image.RGBA, error) {
	dst := make([]imgproc.PointF, landmarkCount)
	sx := float32(w) / 112.0
	sy := float32(h) / 112.0
	for i, p := range canonicalTemplate {
		dst[i] = imgproc.PointF{X: p.X * sx, Y: p.Y * sy}
	}
	tr, ok := imgproc.EstimateSimilarity(lm[:], dst)
	if !ok {
		return nil, fmt.Errorf("align face: degenerate landmarks")
	}
	return imgproc.WarpAffine(frame, tr, w, h), nil
}

const laplacianBorder = 3

// FocusMeasure is the Laplacian variance of an aligned crop with the
// outer border excluded.
func FocusMeasure(aligned *image.RGBA) float64 {
	return imgproc.LaplacianVariance(aligned, laplacianBorder)
}

// InWorkArea reports whether the face rect lies fully inside the
// margin-shrunk frame and, when polygons are set, inside one of them.
// Polygons come in percent coordinates of the frame.
func InWorkArea(face imgproc.RectF, frameW, frameH int, marginPercent float64, workArea []imgproc.Polygon) bool {
	mx := float32(float64(frameW) * marginPercent / 100)
	my := float32(float64(frameH) * marginPercent / 100)
	inner := imgproc.RectF{X0: mx, Y0: my, X1: float32(frameW) - mx, Y1: float32(frameH) - my}
	if !inner.Contains(face) {
		return false
	}
	if len(workArea) == 0 {
		return true
	}
	corners := []imgproc.PointF{
		{X: face.X0, Y: face.Y0},
		{X: face.X1, Y: face.Y0},
		{X: face.X1, Y: face.Y1},
		{X: face.X0, Y: face.Y1},
	}
	for _, poly := range imgproc.PercentPolygonToAbsolute(workArea, frameW, frameH) {
		all := true
		for _, c := range corners {
			if !pointInPolygon(c, poly) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// pointInPolygon is a ray casting test; boundary points count as in.
func pointInPolygon(p imgproc.PointF, poly imgproc.Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}

// ClassifyFace runs the face class net on its own alignment and
// returns the winning class with its softmax score. Class 0 is a
// plain unobstructed face.
func ClassifyFace(ctx context.Context, client *inference.Client, cfg ModelConfig, frame *image.RGBA, lm [landmarkCount]imgproc.PointF) (int, float64, error) {
	aligned, err := AlignFace(frame, lm, cfg.InputWidth, cfg.InputHeight)
	if err != nil {
		return 0, 0, err
	}
	tensor := imgproc.ToTensorCHW(aligned, imgproc.NormImageNet)
	logits, err := client.Infer(ctx, inference.Request{
		Server:     cfg.Server,
		Model:      cfg.ModelName,
		InputName:  cfg.InputTensorName,
		OutputName: cfg.OutputTensorName,
		Shape:      []int64{1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)},
		Data:       tensor,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("face class: %w", err)
	}
	if cfg.OutputSize > 0 && len(logits) > cfg.OutputSize {
		logits = logits[:cfg.OutputSize]
	}
	if len(logits) == 0 {
		return 0, 0, fmt.Errorf("face class: empty output")
	}
	probs := softmax(logits)
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best, probs[best], nil
}

// ExtractDescriptor aligns to the recognizer input, runs the model and
// returns the L2-normalized embedding.
func ExtractDescriptor(ctx context.Context, client *inference.Client, cfg ModelConfig, aligned *image.RGBA) ([]float32, error) {
	norm := imgproc.NormDetector
	if isArcFace(cfg.ModelName) {
		norm = imgproc.NormArcFace
	}
	tensor := imgproc.ToTensorCHW(aligned, norm)
	out, err := client.Infer(ctx, inference.Request{
		Server:     cfg.Server,
		Model:      cfg.ModelName,
		InputName:  cfg.InputTensorName,
		OutputName: cfg.OutputTensorName,
		Shape:      []int64{1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth)},
		Data:       tensor,
	})
	if err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}
	if cfg.OutputSize > 0 && len(out) != cfg.OutputSize {
		return nil, fmt.Errorf("descriptor: got %d floats, want %d", len(out), cfg.OutputSize)
	}
	vec := make([]float32, len(out))
	copy(vec, out)
	normalizeVector(vec)
	return vec, nil
}

func isArcFace(model string) bool {
	return strings.Contains(strings.ToLower(model), "arcface")
}

func softmax(logits []float32) []float64 {
	maxv := logits[0]
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v - maxv))
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// normalizeVector L2-normalizes in place; a non-positive norm divides
// by 1 so the zero vector stays zero.
func normalizeVector(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm <= 0 {
		norm = 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
