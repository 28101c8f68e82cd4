// Package frs implements the face recognition service: per-stream
// configuration, the detection and recognition cascade, gallery
// matching, the workflow scheduler and event emission.
package frs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/vframe/recognition/internal/imgproc"
)

// ModelConfig addresses one remote model.
type ModelConfig struct {
	Server           string
	ModelName        string
	InputWidth       int
	InputHeight      int
	InputTensorName  string
	OutputTensorName string
	OutputSize       int
}

// FaceConfig is the effective per-stream configuration, built by
// layering tenant common config, tenant default stream config and the
// per-stream override onto the defaults.
type FaceConfig struct {
	Blur                float64
	BlurMax             float64
	Tolerance           float64
	FaceConfidence      float64
	FaceClassConfidence float64
	FaceEnlargeScale    float64
	Margin              float64 // percent of frame shrunk from each side

	MaxCaptureErrorCount int
	CaptureTimeout       time.Duration
	CallbackTimeout      time.Duration
	DelayBetweenFrames   time.Duration
	DelayAfterError      time.Duration
	WorkflowTimeout      time.Duration
	OpenDoorDuration     time.Duration
	UnknownDescriptorTTL time.Duration

	BestQualityIntervalBefore time.Duration
	BestQualityIntervalAfter  time.Duration

	FlagSpawnedDescriptors bool

	Title             string
	TitleHeightRatio  float64
	OSDDateTimeFormat string

	// WorkArea holds polygons in percent coordinates of the frame.
	WorkArea []imgproc.Polygon

	LogsLevel string

	FD ModelConfig // face detector
	FC ModelConfig // face class net
	FR ModelConfig // face recognizer
}

// DefaultFaceConfig returns the baseline every tenant starts from.
func DefaultFaceConfig() FaceConfig {
	return FaceConfig{
		Blur:                300,
		BlurMax:             13000,
		Tolerance:           0.5,
		FaceConfidence:      0.7,
		FaceClassConfidence: 0.7,
		FaceEnlargeScale:    1.5,
		Margin:              5,

		MaxCaptureErrorCount: 3,
		CaptureTimeout:       2 * time.Second,
		CallbackTimeout:      2 * time.Second,
		DelayBetweenFrames:   time.Second,
		DelayAfterError:      30 * time.Second,
		OpenDoorDuration:     10 * time.Second,
		UnknownDescriptorTTL: 60 * time.Second,

		BestQualityIntervalBefore: 5 * time.Second,
		BestQualityIntervalAfter:  2 * time.Second,

		TitleHeightRatio:  0.033,
		OSDDateTimeFormat: "2006-01-02 15:04:05",

		LogsLevel: "info",

		FD: ModelConfig{
			ModelName:        "scrfd",
			InputWidth:       320,
			InputHeight:      320,
			InputTensorName:  "input.1",
			OutputTensorName: "",
		},
		FC: ModelConfig{
			ModelName:        "genet",
			InputWidth:       192,
			InputHeight:      192,
			InputTensorName:  "input.1",
			OutputTensorName: "419",
			OutputSize:       3,
		},
		FR: ModelConfig{
			ModelName:        "arcface",
			InputWidth:       112,
			InputHeight:      112,
			InputTensorName:  "input.1",
			OutputTensorName: "683",
			OutputSize:       512,
		},
	}
}

// ApplyJSON layers recognized keys of a config blob onto the struct.
// Unknown keys are ignored, malformed values keep the previous one.
func (c *FaceConfig) ApplyJSON(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	applyFloat(m, "blur", &c.Blur)
	applyFloat(m, "blur-max", &c.BlurMax)
	applyFloat(m, "tolerance", &c.Tolerance)
	applyFloat(m, "face-confidence", &c.FaceConfidence)
	applyFloat(m, "face-class-confidence", &c.FaceClassConfidence)
	applyFloat(m, "face-enlarge-scale", &c.FaceEnlargeScale)
	applyFloat(m, "margin", &c.Margin)

	applyInt(m, "max-capture-error-count", &c.MaxCaptureErrorCount)
	applySeconds(m, "capture-timeout", &c.CaptureTimeout)
	applySeconds(m, "callback-timeout", &c.CallbackTimeout)
	applySeconds(m, "delay-between-frames", &c.DelayBetweenFrames)
	applySeconds(m, "delay-after-error", &c.DelayAfterError)
	applySeconds(m, "workflow-timeout", &c.WorkflowTimeout)
	applySeconds(m, "open-door-duration", &c.OpenDoorDuration)
	applySeconds(m, "unknown-descriptor-ttl", &c.UnknownDescriptorTTL)
	applySeconds(m, "best-quality-interval-before", &c.BestQualityIntervalBefore)
	applySeconds(m, "best-quality-interval-after", &c.BestQualityIntervalAfter)

	applyBool(m, "flag-spawned-descriptors", &c.FlagSpawnedDescriptors)

	applyString(m, "title", &c.Title)
	applyFloat(m, "title-height-ratio", &c.TitleHeightRatio)
	applyString(m, "osd-datetime-format", &c.OSDDateTimeFormat)
	applyString(m, "logs-level", &c.LogsLevel)

	if v, ok := m["work-area"]; ok {
		if wa := parseWorkArea(v); wa != nil {
			c.WorkArea = wa
		}
	}

	applyModel(m, "fd", &c.FD)
	applyModel(m, "fc", &c.FC)
	applyModel(m, "fr", &c.FR)
}

func applyModel(m map[string]interface{}, kind string, mc *ModelConfig) {
	applyString(m, "dnn-"+kind+"-inference-server", &mc.Server)
	applyString(m, "dnn-"+kind+"-model-name", &mc.ModelName)
	applyInt(m, "dnn-"+kind+"-input-width", &mc.InputWidth)
	applyInt(m, "dnn-"+kind+"-input-height", &mc.InputHeight)
	applyString(m, "dnn-"+kind+"-input-tensor-name", &mc.InputTensorName)
	applyString(m, "dnn-"+kind+"-output-tensor-name", &mc.OutputTensorName)
	applyInt(m, "dnn-"+kind+"-output-size", &mc.OutputSize)
}

func applyFloat(m map[string]interface{}, key string, dst *float64) {
	if f, ok := toFloat(m[key]); ok {
		*dst = f
	}
}

func applyInt(m map[string]interface{}, key string, dst *int) {
	if f, ok := toFloat(m[key]); ok {
		*dst = int(f)
	}
}

func applySeconds(m map[string]interface{}, key string, dst *time.Duration) {
	if f, ok := toFloat(m[key]); ok {
		*dst = time.Duration(f * float64(time.Second))
	}
}

func applyBool(m map[string]interface{}, key string, dst *bool) {
	switch v := m[key].(type) {
	case bool:
		*dst = v
	case float64:
		*dst = v != 0
	case string:
		if v == "true" || v == "1" {
			*dst = true
		} else if v == "false" || v == "0" {
			*dst = false
		}
	}
}

func applyString(m map[string]interface{}, key string, dst *string) {
	if s, ok := m[key].(string); ok && s != "" {
		*dst = s
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, true
		}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func parseWorkArea(v interface{}) []imgproc.Polygon {
	polys, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]imgproc.Polygon, 0, len(polys))
	for _, p := range polys {
		pts, ok := p.([]interface{})
		if !ok {
			return nil
		}
		poly := make(imgproc.Polygon, 0, len(pts))
		for _, pt := range pts {
			pair, ok := pt.([]interface{})
			if !ok || len(pair) != 2 {
				return nil
			}
			x, okx := toFloat(pair[0])
			y, oky := toFloat(pair[1])
			if !okx || !oky {
				return nil
			}
			poly = append(poly, imgproc.PointF{X: float32(x), Y: float32(y)})
		}
		if len(poly) >= 3 {
			out = append(out, poly)
		}
	}
	return out
}
