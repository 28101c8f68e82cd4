// Package lprs implements the license plate recognition service: the
// vehicle/plate/char inference chain, number assembly, the two-stage
// ban machinery and the per-stream workflow loops.
package lprs

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
}

// PlateConfig is the effective per-stream configuration.
type PlateConfig struct {
	ScreenshotURL string
	CallbackURL   string

	VehicleConfidence         float64
	VehicleIoUThreshold       float64
	VehicleAreaRatioThreshold float64
	SpecialConfidence         float64
	PlateConfidence           float64
	CharScore                 float64
	CharIoUThreshold          float64
	MinPlateHeight            float64

	BanDuration     time.Duration
	BanDurationArea time.Duration
	BanIoUThreshold float64

	FlagSaveFailed     bool
	FlagProcessSpecial bool

	MaxCaptureErrorCount int
	CaptureTimeout       time.Duration
	CallbackTimeout      time.Duration
	DelayBetweenFrames   time.Duration
	DelayAfterError      time.Duration
	WorkflowTimeout      time.Duration

	EventLogBefore time.Duration
	EventLogAfter  time.Duration

	// WorkArea holds polygons in percent coordinates of the frame.
	WorkArea []imgproc.Polygon

	VD  ModelConfig // vehicle detector
	VC  ModelConfig // vehicle class net
	LPD ModelConfig // plate detector
	LPR ModelConfig // plate char recognizer
}

// DefaultPlateConfig returns the baseline every stream starts from.
func DefaultPlateConfig() PlateConfig {
	return PlateConfig{
		VehicleConfidence:         0.6,
		VehicleIoUThreshold:       0.45,
		VehicleAreaRatioThreshold: 0.01,
		SpecialConfidence:         0.7,
		PlateConfidence:           0.5,
		CharScore:                 0.4,
		CharIoUThreshold:          0.7,
		MinPlateHeight:            0,

		BanDuration:     60 * time.Second,
		BanDurationArea: 30 * time.Minute,
		BanIoUThreshold: 0.5,

		MaxCaptureErrorCount: 3,
		CaptureTimeout:       2 * time.Second,
		CallbackTimeout:      2 * time.Second,
		DelayBetweenFrames:   time.Second,
		DelayAfterError:      30 * time.Second,

		EventLogBefore: 10 * time.Second,
		EventLogAfter:  2 * time.Second,

		VD: ModelConfig{
			ModelName:        "vdnet",
			InputWidth:       640,
			InputHeight:      640,
			InputTensorName:  "images",
			OutputTensorName: "output0",
		},
		VC: ModelConfig{
			ModelName:        "vcnet",
			InputWidth:       224,
			InputHeight:      224,
			InputTensorName:  "input.1",
			OutputTensorName: "419",
		},
		LPD: ModelConfig{
			ModelName:        "lpdnet",
			InputWidth:       640,
			InputHeight:      640,
			InputTensorName:  "images",
			OutputTensorName: "output0",
		},
		LPR: ModelConfig{
			ModelName:        "lprnet",
			InputWidth:       160,
			InputHeight:      160,
			InputTensorName:  "images",
			OutputTensorName: "output0",
		},
	}
}

// ApplyJSON layers recognized keys of a config blob onto the struct.
// Unknown keys are ignored, malformed values keep the previous one.
func (c *PlateConfig) ApplyJSON(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	applyString(m, "screenshot-url", &c.ScreenshotURL)
	applyString(m, "callback-url", &c.CallbackURL)

	applyFloat(m, "vehicle-confidence", &c.VehicleConfidence)
	applyFloat(m, "vehicle-iou-threshold", &c.VehicleIoUThreshold)
	applyFloat(m, "vehicle-area-ratio-threshold", &c.VehicleAreaRatioThreshold)
	applyFloat(m, "special-confidence", &c.SpecialConfidence)
	applyFloat(m, "plate-confidence", &c.PlateConfidence)
	applyFloat(m, "char-score", &c.CharScore)
	applyFloat(m, "char-iou-threshold", &c.CharIoUThreshold)
	applyFloat(m, "min-plate-height", &c.MinPlateHeight)

	applySeconds(m, "ban-duration", &c.BanDuration)
	applySeconds(m, "ban-duration-area", &c.BanDurationArea)
	applyFloat(m, "ban-iou-threshold", &c.BanIoUThreshold)

	applyBool(m, "flag-save-failed", &c.FlagSaveFailed)
	applyBool(m, "flag-process-special", &c.FlagProcessSpecial)

	applyInt(m, "max-capture-error-count", &c.MaxCaptureErrorCount)
	applySeconds(m, "capture-timeout", &c.CaptureTimeout)
	applySeconds(m, "callback-timeout", &c.CallbackTimeout)
	applySeconds(m, "delay-between-frames", &c.DelayBetweenFrames)
	applySeconds(m, "delay-after-error", &c.DelayAfterError)
	applySeconds(m, "workflow-timeout", &c.WorkflowTimeout)
	applySeconds(m, "event-log-before", &c.EventLogBefore)
	applySeconds(m, "event-log-after", &c.EventLogAfter)

	if v, ok := m["work-area"]; ok {
		if wa := parseWorkArea(v); wa != nil {
			c.WorkArea = wa
		}
	}

	applyModel(m, "vd", &c.VD)
	applyModel(m, "vc", &c.VC)
	applyModel(m, "lpd", &c.LPD)
	applyModel(m, "lpr", &c.LPR)
}

func applyModel(m map[string]interface{}, kind string, mc *ModelConfig) {
	applyString(m, "dnn-"+kind+"-inference-server", &mc.Server)
	applyString(m, "dnn-"+kind+"-model-name", &mc.ModelName)
	applyInt(m, "dnn-"+kind+"-input-width", &mc.InputWidth)
	applyInt(m, "dnn-"+kind+"-input-height", &mc.InputHeight)
	applyString(m, "dnn-"+kind+"-input-tensor-name", &mc.InputTensorName)
	applyString(m, "dnn-"+kind+"-output-tensor-name", &mc.OutputTensorName)
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
