package frs

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/imgproc"
)

func TestApplyJSONOverridesRecognizedKeys(t *testing.T) {
	cfg := DefaultFaceConfig()
	cfg.ApplyJSON(json.RawMessage(`{
		"blur": 150,
		"tolerance": 0.62,
		"delay-between-frames": 2.5,
		"flag-spawned-descriptors": true,
		"dnn-fr-model-name": "arcface_r100",
		"dnn-fr-output-size": 512,
		"unknown-key": "ignored",
		"work-area": [[[0,0],[100,0],[100,100],[0,100]]]
	}`))

	assert.Equal(t, 150.0, cfg.Blur)
	assert.Equal(t, 0.62, cfg.Tolerance)
	assert.Equal(t, 2500*time.Millisecond, cfg.DelayBetweenFrames)
	assert.True(t, cfg.FlagSpawnedDescriptors)
	assert.Equal(t, "arcface_r100", cfg.FR.ModelName)
	require.Len(t, cfg.WorkArea, 1)
	assert.Len(t, cfg.WorkArea[0], 4)
	// untouched keys keep their defaults
	assert.Equal(t, 13000.0, cfg.BlurMax)
}

func TestApplyJSONMalformedValuesKeepPrevious(t *testing.T) {
	cfg := DefaultFaceConfig()
	cfg.ApplyJSON(json.RawMessage(`{"blur": "not-a-number", "margin": "7.5"}`))
	assert.Equal(t, 300.0, cfg.Blur)
	assert.Equal(t, 7.5, cfg.Margin)
}

func frontalLandmarks() [landmarkCount]imgproc.PointF {
	// Canonical template is frontal by construction.
	return canonicalTemplate
}

func TestFrontalityAcceptsCanonicalLandmarks(t *testing.T) {
	assert.True(t, IsFrontal(frontalLandmarks()))
}

func TestFrontalityInvariantUnderScaleAndTranslation(t *testing.T) {
	lm := frontalLandmarks()
	var moved [landmarkCount]imgproc.PointF
	for i, p := range lm {
		moved[i] = imgproc.PointF{X: p.X*3.5 + 120, Y: p.Y*3.5 - 40}
	}
	assert.True(t, IsFrontal(moved))
}

func TestFrontalityRejectsProfile(t *testing.T) {
	lm := frontalLandmarks()
	// Push the nose left of the right eye, as in a turned head.
	lm[LandmarkNose].X = lm[LandmarkRightEye].X - 10
	assert.False(t, IsFrontal(lm))
}

func TestInWorkAreaMarginShrinksFrame(t *testing.T) {
	face := imgproc.RectF{X0: 2, Y0: 2, X1: 30, Y1: 30}
	assert.False(t, InWorkArea(face, 640, 480, 5, nil), "face touches the margin band")

	centered := imgproc.RectF{X0: 300, Y0: 200, X1: 360, Y1: 260}
	assert.True(t, InWorkArea(centered, 640, 480, 5, nil))
}

func TestInWorkAreaPolygonContainment(t *testing.T) {
	// Left half of the frame, in percent coordinates.
	poly := []imgproc.Polygon{{
		{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 100}, {X: 0, Y: 100},
	}}
	inLeft := imgproc.RectF{X0: 100, Y0: 100, X1: 200, Y1: 200}
	inRight := imgproc.RectF{X0: 400, Y0: 100, X1: 500, Y1: 200}
	assert.True(t, InWorkArea(inLeft, 640, 480, 0, poly))
	assert.False(t, InWorkArea(inRight, 640, 480, 0, poly))
}

func TestCosineSymmetricAndSelfUnit(t *testing.T) {
	a := []float32{0.6, 0.8, 0, 0}
	b := []float32{0, 1, 0, 0}
	assert.InDelta(t, Cosine(a, b), Cosine(b, a), 1e-6)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-5)
	assert.LessOrEqual(t, Cosine(a, b), 1.0)
}

func TestBestMatchSubstitutesParent(t *testing.T) {
	gallery := []caches.GalleryEntry{
		{IDDescriptor: 5, Vector: []float32{1, 0}, IDParent: 0},
		{IDDescriptor: 9, Vector: []float32{0.99, 0.14}, IDParent: 5},
	}
	m, ok := MatchStreamGallery([]float32{0.99, 0.14}, gallery, 0.5)
	require.True(t, ok)
	assert.Equal(t, int32(5), m.IDDescriptor, "spawned winner must resolve to its parent")
}

func TestMatchStreamGalleryRespectsTolerance(t *testing.T) {
	gallery := []caches.GalleryEntry{{IDDescriptor: 1, Vector: []float32{1, 0}}}
	_, ok := MatchStreamGallery([]float32{0, 1}, gallery, 0.5)
	assert.False(t, ok)
}

func TestSpawnedRingClaimClearsAndMatches(t *testing.T) {
	r := NewSpawnedRing()
	r.Add("1_cam", time.Minute, []float32{1, 0}, []byte{0xff})
	r.Add("1_cam", time.Minute, []float32{0, 1}, []byte{0xfe})

	vec, img, ok := r.Claim("1_cam", []float32{0.9, 0.1}, 0.5)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, []byte{0xff}, img)
	assert.Zero(t, r.Len("1_cam"), "claim must clear the ring")
}

func TestSpawnedRingClaimBelowToleranceStillClears(t *testing.T) {
	r := NewSpawnedRing()
	r.Add("1_cam", time.Minute, []float32{1, 0}, nil)

	_, _, ok := r.Claim("1_cam", []float32{0, 1}, 0.5)
	assert.False(t, ok)
	assert.Zero(t, r.Len("1_cam"))
}

func TestSpawnedRingExpiresByTTL(t *testing.T) {
	r := NewSpawnedRing()
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Add("1_cam", 10*time.Second, []float32{1, 0}, nil)

	r.now = func() time.Time { return base.Add(11 * time.Second) }
	assert.Zero(t, r.Len("1_cam"))
}

func TestEnlargeFaceRectSquareAndClipped(t *testing.T) {
	face := imgproc.RectF{X0: 200, Y0: 200, X1: 240, Y1: 260}
	r := EnlargeFaceRect(face, 640, 480, 1.5)
	assert.InDelta(t, float64(r.Width()), float64(r.Height()), 0.01)
	assert.GreaterOrEqual(t, r.X0, float32(0))

	edge := imgproc.RectF{X0: 0, Y0: 0, X1: 40, Y1: 40}
	clipped := EnlargeFaceRect(edge, 640, 480, 2)
	assert.Equal(t, float32(0), clipped.X0)
	assert.Equal(t, float32(0), clipped.Y0)
}

func TestDoorOpenSuppressesOnlyLastMatchedDescriptor(t *testing.T) {
	p := NewPipeline(nil, nil, nil, nil, nil, nil, nil)
	key := "7_cam1"

	p.noteMatch(key, 42)
	p.RecordDoorOpen(key, time.Minute)

	assert.True(t, p.suppressMatch(key, 42))
	assert.False(t, p.suppressMatch(key, 43))
	assert.False(t, p.suppressMatch(key, 0))
	assert.False(t, p.suppressMatch("7_other", 42))
}

func TestDoorOpenWindowExpires(t *testing.T) {
	p := NewPipeline(nil, nil, nil, nil, nil, nil, nil)
	key := "7_cam1"

	p.noteMatch(key, 5)
	p.RecordDoorOpen(key, -time.Second)
	assert.False(t, p.suppressMatch(key, 5))
}

func TestDoorOpenWithoutPriorMatchSuppressesNothing(t *testing.T) {
	p := NewPipeline(nil, nil, nil, nil, nil, nil, nil)
	p.RecordDoorOpen("7_cam1", time.Minute)
	assert.False(t, p.suppressMatch("7_cam1", 42))
}

func TestPickBestFacePrefersRecognized(t *testing.T) {
	faces := []*faceInfo{
		{vector: []float32{1}, laplacian: 900, matched: false},
		{vector: []float32{1}, laplacian: 300, matched: true},
		{vector: []float32{1}, laplacian: 500, matched: true},
	}
	assert.Equal(t, 2, pickBestFace(faces), "sharpest recognized face wins over sharper unrecognized")
}

func TestPickBestFaceFallsBackToUnrecognized(t *testing.T) {
	faces := []*faceInfo{
		{vector: []float32{1}, laplacian: 100},
		{vector: []float32{1}, laplacian: 700},
		{stage: StageBlur}, // no descriptor
	}
	assert.Equal(t, 1, pickBestFace(faces))
}

func TestPickRegistrationFaceHintRules(t *testing.T) {
	hint := imgproc.RectF{X0: 0, Y0: 0, X1: 100, Y1: 100}
	faces := []*faceInfo{
		{vector: []float32{1}, laplacian: 200, det: Detection{Rect: imgproc.RectF{X0: 10, Y0: 10, X1: 50, Y1: 50}}},
		{vector: []float32{1}, laplacian: 900, det: Detection{Rect: imgproc.RectF{X0: 80, Y0: 80, X1: 200, Y1: 200}}},
	}
	assert.Equal(t, 0, pickRegistrationFace(faces, &hint),
		"a fully contained face beats a sharper partially covered one")

	outside := []*faceInfo{
		{vector: []float32{1}, det: Detection{Rect: imgproc.RectF{X0: 90, Y0: 90, X1: 200, Y1: 200}}},
		{vector: []float32{1}, det: Detection{Rect: imgproc.RectF{X0: 99, Y0: 99, X1: 300, Y1: 300}}},
	}
	assert.Equal(t, 0, pickRegistrationFace(outside, &hint), "max hint coverage wins when nothing is contained")
}

func TestCommentForStage(t *testing.T) {
	assert.Equal(t, CommentOutOfArea, CommentForStage(StageWorkArea))
	assert.Equal(t, CommentNonFrontal, CommentForStage(StageFrontality))
	assert.Equal(t, CommentBlurry, CommentForStage(StageBlur))
	assert.Equal(t, CommentBadClass, CommentForStage(StageClass))
	assert.Equal(t, CommentNoFaces, CommentForStage(StageDetected))
}

func TestDNNStatsPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnn_stats_data.json")

	s := NewDNNStats(path)
	s.RecordFD("1_cam")
	s.RecordFD("1_cam")
	s.RecordFR("1_cam")
	s.RecordFC("2_door")
	require.NoError(t, s.Save())

	loaded := NewDNNStats(path)
	snap := loaded.Snapshot()
	assert.Equal(t, int64(2), snap["1_cam"].FD)
	assert.Equal(t, int64(1), snap["1_cam"].FR)
	assert.Equal(t, int64(1), snap["2_door"].FC)
	assert.Equal(t, int64(2), snap[StatsAllKey].FD)
	assert.Equal(t, int64(1), snap[StatsAllKey].FC)
}

func TestNMSDropsOverlappingLowerScores(t *testing.T) {
	dets := []Detection{
		{Rect: imgproc.RectF{X0: 0, Y0: 0, X1: 10, Y1: 10}, Score: 0.6},
		{Rect: imgproc.RectF{X0: 1, Y0: 1, X1: 11, Y1: 11}, Score: 0.9},
		{Rect: imgproc.RectF{X0: 100, Y0: 100, X1: 110, Y1: 110}, Score: 0.5},
	}
	kept := nmsDetections(dets, 0.4)
	require.Len(t, kept, 2)
	assert.Equal(t, 0.9, kept[0].Score)
	assert.Equal(t, 0.5, kept[1].Score)
}
