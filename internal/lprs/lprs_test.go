package lprs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vframe/recognition/internal/imgproc"
)

func TestApplyJSONOverridesPlateKeys(t *testing.T) {
	cfg := DefaultPlateConfig()
	cfg.ApplyJSON(json.RawMessage(`{
		"screenshot-url": "http://cam/shot.jpg",
		"vehicle-confidence": 0.75,
		"ban-duration": 120,
		"flag-save-failed": true,
		"min-plate-height": "14.5",
		"dnn-lpr-model-name": "lprnet_v2"
	}`))

	assert.Equal(t, "http://cam/shot.jpg", cfg.ScreenshotURL)
	assert.InDelta(t, 0.75, cfg.VehicleConfidence, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.BanDuration)
	assert.True(t, cfg.FlagSaveFailed)
	assert.InDelta(t, 14.5, cfg.MinPlateHeight, 1e-9)
	assert.Equal(t, "lprnet_v2", cfg.LPR.ModelName)
}

func TestApplyJSONMalformedValuesKeepDefaults(t *testing.T) {
	cfg := DefaultPlateConfig()
	base := DefaultPlateConfig()
	cfg.ApplyJSON(json.RawMessage(`{
		"vehicle-confidence": "not-a-number",
		"work-area": "oops"
	}`))

	assert.Equal(t, base.VehicleConfidence, cfg.VehicleConfidence)
	assert.Nil(t, cfg.WorkArea)
}

func TestValidNumber(t *testing.T) {
	assert.True(t, validNumber("A123BC45"))
	assert.True(t, validNumber("X777XX777"))
	assert.False(t, validNumber("Q123BC45"), "Q is not a plate letter")
	assert.False(t, validNumber("A12BC456"), "digit expected at position 3")
	assert.False(t, validNumber("A123BC4"), "too short")
	assert.False(t, validNumber("A123BC4567"), "too long")
	assert.False(t, validNumber("A1234C45"), "letter expected at position 4")
}

func charAt(x, y float32, label byte, score float64) charBox {
	return charBox{
		rect:  imgproc.RectF{X0: x, Y0: y, X1: x + 10, Y1: y + 14},
		label: label,
		score: score,
	}
}

func TestNmsCharsKeepsAlternativeLabels(t *testing.T) {
	chars := []charBox{
		charAt(0, 0, 'B', 0.9),
		charAt(0, 0, '8', 0.8),
		charAt(1, 0, 'B', 0.7),
	}
	kept := nmsChars(chars, 0.7)

	require.Len(t, kept, 2)
	assert.Equal(t, byte('B'), kept[0].label)
	assert.Equal(t, byte('8'), kept[1].label)
}

func TestSortCharsSingleRowByX(t *testing.T) {
	chars := []charBox{
		charAt(30, 0, '3', 0.9),
		charAt(0, 0, 'A', 0.9),
		charAt(15, 0, '1', 0.9),
	}
	sortChars(chars, ClassRu1)

	assert.Equal(t, byte('A'), chars[0].label)
	assert.Equal(t, byte('1'), chars[1].label)
	assert.Equal(t, byte('3'), chars[2].label)
}

func TestSortCharsTwoRows(t *testing.T) {
	chars := []charBox{
		charAt(0, 60, '7', 0.9),
		charAt(20, 0, '2', 0.9),
		charAt(0, 0, 'A', 0.9),
		charAt(20, 60, '8', 0.9),
	}
	sortChars(chars, ClassRu1a)

	got := make([]byte, 0, 4)
	for _, c := range chars {
		got = append(got, c.label)
	}
	assert.Equal(t, []byte("A278"), got)
}

func TestAssembleNumbersExpandsAlternatives(t *testing.T) {
	// Second position has two overlapping readings.
	chars := []charBox{
		charAt(0, 0, 'A', 0.9),
		charAt(20, 0, 'B', 0.8),
		charAt(20, 0, '8', 0.6),
		charAt(40, 0, '1', 0.7),
	}
	candidates := assembleNumbers(chars, 0.7)

	require.Len(t, candidates, 2)
	numbers := map[string]float64{}
	for _, c := range candidates {
		numbers[c.Number] = c.Score
	}
	assert.InDelta(t, 0.9*0.8*0.7, numbers["AB1"], 1e-9)
	assert.InDelta(t, 0.9*0.6*0.7, numbers["A81"], 1e-9)
}

func TestAssembleNumbersEmptyInput(t *testing.T) {
	assert.Nil(t, assembleNumbers(nil, 0.7))
}

func TestPlateHeightUsesShorterEdge(t *testing.T) {
	p := Plate{Kpts: [4]imgproc.PointF{
		{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 30}, {X: 0, Y: 20},
	}}
	assert.InDelta(t, 20, PlateHeight(p), 1e-6)
}

func TestPlateInWorkArea(t *testing.T) {
	// Work area covers the left half of a 1000x1000 frame.
	area := []imgproc.Polygon{{
		{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 100}, {X: 0, Y: 100},
	}}
	inside := Plate{Kpts: [4]imgproc.PointF{
		{X: 100, Y: 100}, {X: 200, Y: 100}, {X: 200, Y: 140}, {X: 100, Y: 140},
	}}
	straddling := Plate{Kpts: [4]imgproc.PointF{
		{X: 450, Y: 100}, {X: 600, Y: 100}, {X: 600, Y: 140}, {X: 450, Y: 140},
	}}

	assert.True(t, PlateInWorkArea(inside, 1000, 1000, area))
	assert.False(t, PlateInWorkArea(straddling, 1000, 1000, area))
	assert.True(t, PlateInWorkArea(straddling, 1000, 1000, nil), "empty work area admits everything")
}

func TestRemoveDuplicatePlates(t *testing.T) {
	shared := Plate{Rect: imgproc.RectF{X0: 90, Y0: 90, X1: 110, Y1: 100}, Number: "A123BC45"}
	vehicles := []Vehicle{
		{
			Rect:   imgproc.RectF{X0: 0, Y0: 0, X1: 200, Y1: 200},
			Plates: []Plate{shared, {Rect: imgproc.RectF{X0: 10, Y0: 10, X1: 30, Y1: 20}}},
		},
		{
			Rect:   imgproc.RectF{X0: 80, Y0: 80, X1: 250, Y1: 250},
			Plates: []Plate{shared},
		},
	}
	RemoveDuplicatePlates(vehicles)

	assert.Len(t, vehicles[0].Plates, 1, "vehicle with more plates loses the duplicate")
	assert.Len(t, vehicles[1].Plates, 1)
}

func TestCullVehicles(t *testing.T) {
	vehicles := []Vehicle{
		{Rect: imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}},
		{Rect: imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}, IsSpecial: true},
		{
			Rect:   imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100},
			Plates: []Plate{{Number: "A123BC45"}},
		},
	}
	out := CullVehicles(vehicles, 1000, 1000, nil)

	require.Len(t, out, 2)
	assert.True(t, out[0].IsSpecial)
	assert.Len(t, out[1].Plates, 1)
}

func TestCullVehiclesOutsideWorkArea(t *testing.T) {
	area := []imgproc.Polygon{{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
	}}
	vehicles := []Vehicle{{
		Rect:   imgproc.RectF{X0: 500, Y0: 500, X1: 600, Y1: 600},
		Plates: []Plate{{Number: "A123BC45"}},
	}}
	out := CullVehicles(vehicles, 1000, 1000, area)

	assert.Empty(t, out)
}

func TestFetchFrameClampsAttemptCount(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	cfg := DefaultPlateConfig()
	cfg.ScreenshotURL = srv.URL
	cfg.CaptureTimeout = time.Second
	cfg.MaxCaptureErrorCount = 0

	p := &Pipeline{}
	body, err := p.FetchFrame(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), body)
	assert.Equal(t, 1, hits)
}

func TestBanListTwoStage(t *testing.T) {
	cfg := DefaultPlateConfig()
	cfg.BanDuration = time.Minute
	cfg.BanDurationArea = time.Hour
	cfg.BanIoUThreshold = 0.5

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	b := NewBanList()
	b.now = func() time.Time { return now }

	box := imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}
	assert.False(t, b.CheckNumber("1_cam", "A123BC45", box, cfg), "first sighting passes")
	assert.True(t, b.CheckNumber("1_cam", "A123BC45", box, cfg), "second sighting is time-banned")

	// Past the first deadline the ban holds only while the vehicle
	// stays in place.
	now = now.Add(2 * time.Minute)
	assert.True(t, b.CheckNumber("1_cam", "A123BC45", box, cfg), "parked vehicle stays banned")

	now = now.Add(2 * time.Minute)
	moved := imgproc.RectF{X0: 500, Y0: 0, X1: 600, Y1: 100}
	assert.False(t, b.CheckNumber("1_cam", "A123BC45", moved, cfg), "vehicle that moved re-triggers")
}

func TestBanListStreamsAreIndependent(t *testing.T) {
	cfg := DefaultPlateConfig()
	b := NewBanList()
	box := imgproc.RectF{X0: 0, Y0: 0, X1: 10, Y1: 10}

	assert.False(t, b.CheckNumber("1_cam", "A123BC45", box, cfg))
	assert.False(t, b.CheckNumber("2_cam", "A123BC45", box, cfg))
}

func TestBanListSweep(t *testing.T) {
	cfg := DefaultPlateConfig()
	cfg.BanDurationArea = time.Minute

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	b := NewBanList()
	b.now = func() time.Time { return now }
	b.CheckNumber("1_cam", "A123BC45", imgproc.RectF{X1: 10, Y1: 10}, cfg)

	assert.Equal(t, 0, b.Sweep())
	assert.Equal(t, 1, b.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, b.Sweep())
	assert.Equal(t, 0, b.Len())
}

func TestSpecialBan(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	b := NewBanList()
	b.now = func() time.Time { return now }

	assert.False(t, b.SpecialBanned("1_cam"))
	b.BanSpecial("1_cam", time.Minute)
	assert.True(t, b.SpecialBanned("1_cam"))

	now = now.Add(2 * time.Minute)
	assert.False(t, b.SpecialBanned("1_cam"), "expired ban is dropped")
	assert.False(t, b.SpecialBanned("1_cam"))
}

func TestNmsVehiclesKeepsHighestScore(t *testing.T) {
	a := Vehicle{Rect: imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}, Confidence: 0.9}
	bv := Vehicle{Rect: imgproc.RectF{X0: 5, Y0: 5, X1: 105, Y1: 105}, Confidence: 0.8}
	c := Vehicle{Rect: imgproc.RectF{X0: 500, Y0: 500, X1: 600, Y1: 600}, Confidence: 0.7}
	kept := nmsVehicles([]Vehicle{bv, a, c}, 0.45)

	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.7, kept[1].Confidence, 1e-9)
}

func TestNmsPlatesSuppressesSameClassOnly(t *testing.T) {
	a := Plate{Rect: imgproc.RectF{X0: 0, Y0: 0, X1: 20, Y1: 10}, Score: 0.9, Class: ClassRu1}
	b := Plate{Rect: imgproc.RectF{X0: 5, Y0: 0, X1: 25, Y1: 10}, Score: 0.8, Class: ClassRu1}
	c := Plate{Rect: imgproc.RectF{X0: 5, Y0: 0, X1: 25, Y1: 10}, Score: 0.7, Class: ClassRu1a}
	kept := nmsPlates([]Plate{a, b, c})

	require.Len(t, kept, 2)
	assert.Equal(t, ClassRu1, kept[0].Class)
	assert.Equal(t, ClassRu1a, kept[1].Class)
}

func TestPlateClassTemplates(t *testing.T) {
	assert.Equal(t, "ru_1", ClassRu1.Name())
	assert.Equal(t, "ru_1a", ClassRu1a.Name())
	assert.InDelta(t, 112.0/520.0, ClassRu1.Aspect(), 1e-9)
	assert.InDelta(t, 170.0/290.0, ClassRu1a.Aspect(), 1e-9)
}
