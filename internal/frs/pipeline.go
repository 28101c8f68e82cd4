package frs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

// TaskType selects the pipeline entry point.
type TaskType int

const (
	TaskRecognize TaskType = iota
	TaskRegisterDescriptor
	TaskProcessFrame
	TaskTest
)

// TaskData is one unit of pipeline work.
type TaskData struct {
	Type      TaskType
	IDGroup   int32
	StreamKey string
	FrameURL  string
	Hint      *imgproc.RectF // registration bounding hint
	IDSGroup  int32          // restrict sgroup matching, 0 for all
}

// TaskResult carries the synchronous task outcomes back to the API.
type TaskResult struct {
	FaceID        int32
	Rect          imgproc.RectF
	Comments      string
	FaceImage     []byte // JPEG crop of the registered face
	IDDescriptors []int32
}

// faceInfo is the per-detection cascade state.
type faceInfo struct {
	det       Detection
	stage     Stage
	laplacian float64
	faceClass int
	aligned   *image.RGBA
	vector    []float32
	match     Match
	matched   bool
	sgHits    map[int32]Match
}

// Pipeline wires the cascade to the caches, store, artifact writer and
// callback dispatcher.
type Pipeline struct {
	Caches    *caches.FaceCaches
	Store     *store.Store
	Infer     *inference.Client
	Writer    *events.Writer
	Callbacks *events.Callbacks
	Spawned   *SpawnedRing
	Stats     *DNNStats
	Metrics   *metrics.Metrics

	logger *log.Logger

	doorMu    sync.Mutex
	openDoors map[string]doorWindow
	lastMatch map[string]int32
}

// doorWindow suppresses re-emission for one descriptor on one stream
// until the deadline passes.
type doorWindow struct {
	until        time.Time
	idDescriptor int32
}

// NewPipeline builds a pipeline over the shared components.
func NewPipeline(cc *caches.FaceCaches, st *store.Store, inf *inference.Client, w *events.Writer, cb *events.Callbacks, stats *DNNStats, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		Caches:    cc,
		Store:     st,
		Infer:     inf,
		Writer:    w,
		Callbacks: cb,
		Spawned:   NewSpawnedRing(),
		Stats:     stats,
		Metrics:   m,
		logger:    log.New(log.Writer(), "[FRS-WORKFLOW] ", log.LstdFlags),
		openDoors: make(map[string]doorWindow),
		lastMatch: make(map[string]int32),
	}
}

// StreamConfig layers tenant and per-stream overrides on the defaults.
func (p *Pipeline) StreamConfig(s caches.StreamInfo) FaceConfig {
	cfg := DefaultFaceConfig()
	cfg.ApplyJSON(p.Caches.GroupConfig(s.IDGroup))
	cfg.ApplyJSON(s.Config)
	return cfg
}

// GroupFaceConfig layers only the tenant config, for tasks without a
// stream context.
func (p *Pipeline) GroupFaceConfig(idGroup int32) FaceConfig {
	cfg := DefaultFaceConfig()
	cfg.ApplyJSON(p.Caches.GroupConfig(idGroup))
	return cfg
}

// RecordDoorOpen suppresses re-emission of recognized events for the
// descriptor that last matched on the stream, for the given duration.
// Other descriptors keep emitting during the window.
func (p *Pipeline) RecordDoorOpen(key string, d time.Duration) {
	p.doorMu.Lock()
	p.openDoors[key] = doorWindow{
		until:        time.Now().Add(d),
		idDescriptor: p.lastMatch[key],
	}
	p.doorMu.Unlock()
}

func (p *Pipeline) suppressMatch(key string, idDescriptor int32) bool {
	p.doorMu.Lock()
	defer p.doorMu.Unlock()
	w, ok := p.openDoors[key]
	if !ok {
		return false
	}
	if time.Now().After(w.until) {
		delete(p.openDoors, key)
		return false
	}
	return idDescriptor != 0 && w.idDescriptor == idDescriptor
}

func (p *Pipeline) noteMatch(key string, idDescriptor int32) {
	p.doorMu.Lock()
	p.lastMatch[key] = idDescriptor
	p.doorMu.Unlock()
}

// FetchFrame pulls the image bytes for a task: data URIs decode
// locally, everything else is an HTTP GET with bounded retries.
func (p *Pipeline) FetchFrame(ctx context.Context, url string, cfg FaceConfig) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, "base64,")
		if idx < 0 {
			return nil, errors.New("fetch frame: data uri without base64 payload")
		}
		data, err := base64.StdEncoding.DecodeString(url[idx+len("base64,"):])
		if err != nil {
			return nil, fmt.Errorf("fetch frame: %w", err)
		}
		return data, nil
	}

	attempts := cfg.MaxCaptureErrorCount
	if attempts < 1 {
		attempts = 1
	}
	client := &http.Client{Timeout: cfg.CaptureTimeout}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch frame: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK || len(data) == 0 {
			lastErr = fmt.Errorf("status %d, %d bytes", resp.StatusCode, len(data))
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("fetch frame %s: %w", url, lastErr)
}

// runCascade detects faces and drives each through the cascade,
// stopping a face at its first failed stage.
func (p *Pipeline) runCascade(ctx context.Context, cfg FaceConfig, frame *image.RGBA, statsKey string) ([]*faceInfo, error) {
	start := time.Now()
	dets, err := DetectFaces(ctx, p.Infer, cfg.FD, frame, cfg.FaceConfidence)
	if p.Stats != nil {
		p.Stats.RecordFD(statsKey)
	}
	if p.Metrics != nil {
		p.Metrics.RecordInference(cfg.FD.ModelName, statsKey, time.Since(start).Seconds(), err)
	}
	if err != nil {
		return nil, err
	}

	w := frame.Bounds().Dx()
	h := frame.Bounds().Dy()
	faces := make([]*faceInfo, 0, len(dets))
	for _, det := range dets {
		f := &faceInfo{det: det, stage: StageDetected}
		faces = append(faces, f)

		f.stage = StageWorkArea
		if !InWorkArea(det.Rect, w, h, cfg.Margin, cfg.WorkArea) {
			continue
		}
		f.stage = StageFrontality
		if !IsFrontal(det.Landmarks) {
			continue
		}

		f.stage = StageBlur
		aligned, err := AlignFace(frame, det.Landmarks, cfg.FR.InputWidth, cfg.FR.InputHeight)
		if err != nil {
			continue
		}
		f.aligned = aligned
		f.laplacian = FocusMeasure(aligned)
		if f.laplacian < cfg.Blur || f.laplacian > cfg.BlurMax {
			continue
		}

		f.stage = StageClass
		clsStart := time.Now()
		cls, score, err := ClassifyFace(ctx, p.Infer, cfg.FC, frame, det.Landmarks)
		if p.Stats != nil {
			p.Stats.RecordFC(statsKey)
		}
		if p.Metrics != nil {
			p.Metrics.RecordInference(cfg.FC.ModelName, statsKey, time.Since(clsStart).Seconds(), err)
		}
		if err != nil {
			continue
		}
		f.faceClass = cls
		if cls != 0 && score > cfg.FaceClassConfidence {
			continue
		}

		f.stage = StageDescriptor
		frStart := time.Now()
		vec, err := ExtractDescriptor(ctx, p.Infer, cfg.FR, aligned)
		if p.Stats != nil {
			p.Stats.RecordFR(statsKey)
		}
		if p.Metrics != nil {
			p.Metrics.RecordInference(cfg.FR.ModelName, statsKey, time.Since(frStart).Seconds(), err)
		}
		if err != nil {
			f.stage = StageClass
			continue
		}
		f.vector = vec
	}
	return faces, nil
}

// Recognize runs one RECOGNIZE iteration for a live stream.
func (p *Pipeline) Recognize(ctx context.Context, s caches.StreamInfo) error {
	cfg := p.StreamConfig(s)
	key := s.Key()
	start := time.Now()
	defer func() {
		if p.Metrics != nil {
			p.Metrics.RecordPipeline(key, time.Since(start).Seconds())
		}
	}()

	raw, err := p.FetchFrame(ctx, s.URL, cfg)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordFrame(key, "capture_error")
		}
		return err
	}
	frame, err := imgproc.Decode(raw)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordFrame(key, "decode_error")
		}
		return fmt.Errorf("decode frame: %w", err)
	}
	if p.Metrics != nil {
		p.Metrics.RecordFrame(key, "ok")
	}

	faces, err := p.runCascade(ctx, cfg, frame, key)
	if err != nil {
		return err
	}

	gallery := p.Caches.StreamGallery(s.IDVStream)
	sgroups := p.Caches.TenantSpecialGroups(s.IDGroup)
	for _, f := range faces {
		if f.vector == nil {
			continue
		}
		f.match, f.matched = MatchStreamGallery(f.vector, gallery, cfg.Tolerance)
		f.sgHits = MatchSpecialGroups(f.vector, p.Caches, sgroups, cfg.Tolerance)
	}

	best := pickBestFace(faces)
	if best < 0 {
		return nil
	}
	bf := faces[best]

	if cfg.FlagSpawnedDescriptors {
		p.handleSpawned(key, s, cfg, frame, bf)
	}

	if bf.matched && p.suppressMatch(key, bf.match.IDDescriptor) {
		return nil
	}
	if err := p.emitEvent(ctx, s, cfg, frame, faces, best); err != nil {
		return err
	}
	if bf.matched {
		p.noteMatch(key, bf.match.IDDescriptor)
	}
	return nil
}

// pickBestFace prefers the sharpest recognized face; unrecognized
// faces only compete while nothing is recognized.
func pickBestFace(faces []*faceInfo) int {
	best := -1
	bestRecognized := false
	for i, f := range faces {
		if f.vector == nil {
			continue
		}
		switch {
		case f.matched && !bestRecognized:
			best = i
			bestRecognized = true
		case f.matched == bestRecognized:
			if best < 0 || f.laplacian > faces[best].laplacian {
				best = i
			}
		}
	}
	return best
}

// handleSpawned runs the second-chance descriptor machinery for the
// best face of a RECOGNIZE pass.
func (p *Pipeline) handleSpawned(key string, s caches.StreamInfo, cfg FaceConfig, frame *image.RGBA, bf *faceInfo) {
	w := frame.Bounds().Dx()
	h := frame.Bounds().Dy()

	if !bf.matched {
		rect := EnlargeFaceRect(bf.det.Rect, w, h, cfg.FaceEnlargeScale)
		crop := imgproc.Crop(frame, rect.ToImageRect())
		jpg, err := imgproc.EncodeJPEG(crop, 0)
		if err != nil {
			p.logger.Printf("⚠️ Failed to encode spawned crop: %v", err)
			return
		}
		vec := make([]float32, len(bf.vector))
		copy(vec, bf.vector)
		p.Spawned.Add(key, cfg.UnknownDescriptorTTL, vec, jpg)
		return
	}

	vec, img, ok := p.Spawned.Claim(key, bf.vector, cfg.Tolerance)
	if !ok {
		return
	}
	id, err := p.Store.AddFaceDescriptor(store.AddDescriptorParams{
		IDGroup:   s.IDGroup,
		Data:      imgproc.Float32ToBytes(vec),
		IDParent:  bf.match.IDDescriptor,
		MimeType:  "image/jpeg",
		FaceImage: img,
		IDVStream: s.IDVStream,
	})
	if err != nil {
		p.logger.Printf("❌ Failed to persist spawned descriptor: %v", err)
		return
	}
	p.logger.Printf("✅ Spawned descriptor %d persisted, parent %d", id, bf.match.IDDescriptor)
}

// eventFace is the per-face block of the event JSON record.
type eventFace struct {
	Left         int32      `json:"left"`
	Top          int32      `json:"top"`
	Width        int32      `json:"width"`
	Height       int32      `json:"height"`
	Laplacian    float64    `json:"laplacian"`
	Landmarks5   [][]int32  `json:"landmarks5"`
	FaceClass    int        `json:"faceClass"`
	IDDescriptor int32      `json:"idDescriptor,omitempty"`
	IsFrontal    bool       `json:"isFrontal"`
	IsRecognized bool       `json:"isRecognized"`
}

type eventRecord struct {
	IDVStream int32       `json:"idVstream"`
	EventDate time.Time   `json:"eventDate"`
	BestIndex int         `json:"bestFaceIndex"`
	Faces     []eventFace `json:"faces"`
}

// emitEvent writes the screenshot, log row, event json/dat and fires
// the callbacks for one RECOGNIZE pass.
func (p *Pipeline) emitEvent(ctx context.Context, s caches.StreamInfo, cfg FaceConfig, frame *image.RGBA, faces []*faceInfo, best int) error {
	bf := faces[best]
	now := time.Now()
	eventID := strings.ReplaceAll(uuid.NewString(), "-", "")

	annotated := frame
	if cfg.Title != "" || cfg.TitleHeightRatio > 0 {
		annotated = imgproc.Clone(frame)
		drawOSD(annotated, cfg, now)
	}
	jpg, err := imgproc.EncodeJPEG(annotated, 0)
	if err != nil {
		return fmt.Errorf("encode screenshot: %w", err)
	}

	relJPG := events.FaceRelPath(s.IDGroup, eventID, ".jpg")
	if err := p.Writer.SaveFile(relJPG, jpg); err != nil {
		return err
	}
	screenshotURL := p.Writer.URL(relJPG)

	var idDescriptor int32
	if bf.matched {
		idDescriptor = bf.match.IDDescriptor
	}
	idLog, err := p.Store.AddLogFace(store.AddLogFaceParams{
		IDVStream:     s.IDVStream,
		LogDate:       now,
		IDDescriptor:  idDescriptor,
		Quality:       bf.laplacian,
		FaceLeft:      int32(bf.det.Rect.X0),
		FaceTop:       int32(bf.det.Rect.Y0),
		FaceWidth:     int32(bf.det.Rect.Width()),
		FaceHeight:    int32(bf.det.Rect.Height()),
		ScreenshotURL: screenshotURL,
		LogUUID:       eventID,
		CopyData:      store.CopyDataNone,
	})
	if err != nil {
		p.logger.Printf("❌ addLogFace failed: %v", err)
	}

	if bf.matched && s.CallbackURL != "" {
		p.Callbacks.Post(s.CallbackURL, cfg.CallbackTimeout, map[string]interface{}{
			"faceId":  idDescriptor,
			"eventId": idLog,
		})
	}
	if p.Metrics != nil {
		p.Metrics.RecordEvent(s.Key(), "face")
	}

	rec := eventRecord{
		IDVStream: s.IDVStream,
		EventDate: now,
		BestIndex: best,
	}
	for _, f := range faces {
		ef := eventFace{
			Left:         int32(f.det.Rect.X0),
			Top:          int32(f.det.Rect.Y0),
			Width:        int32(f.det.Rect.Width()),
			Height:       int32(f.det.Rect.Height()),
			Laplacian:    f.laplacian,
			FaceClass:    f.faceClass,
			IsFrontal:    f.stage > StageFrontality,
			IsRecognized: f.matched,
		}
		if f.matched {
			ef.IDDescriptor = f.match.IDDescriptor
		}
		for _, lm := range f.det.Landmarks {
			ef.Landmarks5 = append(ef.Landmarks5, []int32{int32(lm.X), int32(lm.Y)})
		}
		rec.Faces = append(rec.Faces, ef)
	}
	if err := p.Writer.SaveJSON(events.FaceRelPath(s.IDGroup, eventID, ".json"), rec); err != nil {
		p.logger.Printf("❌ Failed to write event json: %v", err)
	}

	var dat []byte
	for i, f := range faces {
		if f.vector == nil {
			continue
		}
		dat = append(dat, events.EncodeDatRecord(eventID, int32(i), f.vector)...)
	}
	if len(dat) > 0 {
		if err := p.Writer.SaveFile(events.FaceRelPath(s.IDGroup, eventID, ".dat"), dat); err != nil {
			p.logger.Printf("❌ Failed to write event dat: %v", err)
		}
	}

	p.emitSGroupEvents(s, cfg, bf, screenshotURL, now)
	return nil
}

// emitSGroupEvents fires one callback and DISABLED log row per special
// group hit on the best face.
func (p *Pipeline) emitSGroupEvents(s caches.StreamInfo, cfg FaceConfig, bf *faceInfo, screenshotURL string, now time.Time) {
	for idSGroup, hit := range bf.sgHits {
		sg, ok := p.Caches.SpecialGroupByID(idSGroup)
		if !ok {
			continue
		}
		if _, err := p.Store.AddLogFace(store.AddLogFaceParams{
			IDVStream:     s.IDVStream,
			LogDate:       now,
			IDDescriptor:  hit.IDDescriptor,
			Quality:       bf.laplacian,
			FaceLeft:      int32(bf.det.Rect.X0),
			FaceTop:       int32(bf.det.Rect.Y0),
			FaceWidth:     int32(bf.det.Rect.Width()),
			FaceHeight:    int32(bf.det.Rect.Height()),
			ScreenshotURL: screenshotURL,
			LogUUID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
			CopyData:      store.CopyDataDisabled,
		}); err != nil {
			p.logger.Printf("❌ addLogFace (sgroup %d) failed: %v", idSGroup, err)
		}
		p.Callbacks.Post(sg.CallbackURL, cfg.CallbackTimeout, map[string]interface{}{
			"faceId":     hit.IDDescriptor,
			"screenshot": screenshotURL,
			"date":       now.Format(time.RFC3339),
		})
		if p.Metrics != nil {
			p.Metrics.RecordEvent(s.Key(), "special_group")
		}
	}
}

// drawOSD stamps the datetime and stream title in outlined text.
func drawOSD(frame *image.RGBA, cfg FaceConfig, now time.Time) {
	h := frame.Bounds().Dy()
	scale := int(float64(h) * cfg.TitleHeightRatio / float64(imgproc.TextHeight))
	if scale < 1 {
		scale = 1
	}
	line := now.Format(cfg.OSDDateTimeFormat)
	if cfg.Title != "" {
		line += "  " + cfg.Title
	}
	imgproc.DrawTextOutlined(frame, line, 4, 4, scale, color.RGBA{R: 255, G: 255, B: 255, A: 255})
}

const descriptorDuplicateCos = 0.999
const hintContainmentIoA = 0.999

// RegisterFace handles a REGISTER_DESCRIPTOR task and reports the
// persisted (or reused) descriptor id.
func (p *Pipeline) RegisterFace(ctx context.Context, s caches.StreamInfo, frameURL string, hint *imgproc.RectF) (*TaskResult, error) {
	cfg := p.StreamConfig(s)

	raw, err := p.FetchFrame(ctx, frameURL, cfg)
	if err != nil {
		return nil, err
	}
	frame, err := imgproc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	faces, err := p.runCascade(ctx, cfg, frame, s.Key())
	if err != nil {
		return &TaskResult{FaceID: 0, Comments: CommentInferenceError}, nil
	}
	if len(faces) == 0 {
		return &TaskResult{FaceID: 0, Comments: CommentNoFaces}, nil
	}

	best := pickRegistrationFace(faces, hint)
	if best < 0 || faces[best].vector == nil {
		stage := furthestStage(faces)
		return &TaskResult{FaceID: 0, Comments: CommentForStage(stage)}, nil
	}
	bf := faces[best]

	rect := EnlargeFaceRect(bf.det.Rect, frame.Bounds().Dx(), frame.Bounds().Dy(), cfg.FaceEnlargeScale)
	crop := imgproc.Crop(frame, rect.ToImageRect())
	faceJPG, err := imgproc.EncodeJPEG(crop, 0)
	if err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}

	result := &TaskResult{Rect: bf.det.Rect, FaceImage: faceJPG}

	gallery := p.Caches.StreamGallery(s.IDVStream)
	if best, found := BestMatch(bf.vector, gallery); found && best.Cosine > descriptorDuplicateCos {
		result.FaceID = best.IDDescriptor
		result.Comments = CommentDescriptorExists
		return result, nil
	}

	id, err := p.Store.AddFaceDescriptor(store.AddDescriptorParams{
		IDGroup:   s.IDGroup,
		Data:      imgproc.Float32ToBytes(bf.vector),
		MimeType:  "image/jpeg",
		FaceImage: faceJPG,
		IDVStream: s.IDVStream,
	})
	if err != nil {
		return nil, err
	}
	result.FaceID = id
	result.Comments = CommentNewDescriptor
	return result, nil
}

// pickRegistrationFace prefers faces fully inside the hint (by max
// sharpness), then the face covering the hint best.
func pickRegistrationFace(faces []*faceInfo, hint *imgproc.RectF) int {
	if hint == nil {
		best := -1
		for i, f := range faces {
			if f.vector == nil {
				continue
			}
			if best < 0 || f.laplacian > faces[best].laplacian {
				best = i
			}
		}
		return best
	}

	best := -1
	for i, f := range faces {
		if f.vector == nil {
			continue
		}
		if imgproc.IoA(*hint, f.det.Rect) > hintContainmentIoA {
			if best < 0 || f.laplacian > faces[best].laplacian {
				best = i
			}
		}
	}
	if best >= 0 {
		return best
	}
	var bestIoA float32
	for i, f := range faces {
		if f.vector == nil {
			continue
		}
		if ioa := imgproc.IoA(*hint, f.det.Rect); ioa > bestIoA {
			bestIoA = ioa
			best = i
		}
	}
	return best
}

// furthestStage reports the deepest stage any face reached, for the
// rejection comment.
func furthestStage(faces []*faceInfo) Stage {
	s := StageDetected
	for _, f := range faces {
		if f.stage > s {
			s = f.stage
		}
	}
	return s
}

// ProcessFrame runs the cascade and collects recognized ids in
// detection order with no side effects.
func (p *Pipeline) ProcessFrame(ctx context.Context, s caches.StreamInfo, frameURL string) (*TaskResult, error) {
	cfg := p.StreamConfig(s)

	raw, err := p.FetchFrame(ctx, frameURL, cfg)
	if err != nil {
		return nil, err
	}
	frame, err := imgproc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	faces, err := p.runCascade(ctx, cfg, frame, s.Key())
	if err != nil {
		return nil, err
	}

	gallery := p.Caches.StreamGallery(s.IDVStream)
	result := &TaskResult{}
	for _, f := range faces {
		if f.vector == nil {
			continue
		}
		if m, ok := MatchStreamGallery(f.vector, gallery, cfg.Tolerance); ok {
			result.IDDescriptors = append(result.IDDescriptors, m.IDDescriptor)
		}
	}
	return result, nil
}

// TestImage runs the cascade and writes the aligned crops plus an
// annotated frame into the artifact tree for operator inspection.
func (p *Pipeline) TestImage(ctx context.Context, idGroup int32, frameURL string) (*TaskResult, error) {
	cfg := p.GroupFaceConfig(idGroup)

	raw, err := p.FetchFrame(ctx, frameURL, cfg)
	if err != nil {
		return nil, err
	}
	frame, err := imgproc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	faces, err := p.runCascade(ctx, cfg, frame, fmt.Sprintf("test_%d", idGroup))
	if err != nil {
		return nil, err
	}

	testID := strings.ReplaceAll(uuid.NewString(), "-", "")
	annotated := imgproc.Clone(frame)
	green := color.RGBA{G: 255, A: 255}
	red := color.RGBA{R: 255, A: 255}
	for i, f := range faces {
		imgproc.DrawRect(annotated, f.det.Rect.ToImageRect(), green, 2)
		for _, lm := range f.det.Landmarks {
			imgproc.DrawRect(annotated, image.Rect(int(lm.X)-1, int(lm.Y)-1, int(lm.X)+1, int(lm.Y)+1), red, 1)
		}
		if f.aligned != nil {
			if jpg, err := imgproc.EncodeJPEG(f.aligned, 0); err == nil {
				rel := events.FaceRelPath(idGroup, testID, fmt.Sprintf("_face%d.jpg", i))
				if err := p.Writer.SaveFile(rel, jpg); err != nil {
					p.logger.Printf("⚠️ Failed to save test crop: %v", err)
				}
			}
		}
	}
	if jpg, err := imgproc.EncodeJPEG(annotated, 0); err == nil {
		if err := p.Writer.SaveFile(events.FaceRelPath(idGroup, testID, ".jpg"), jpg); err != nil {
			p.logger.Printf("⚠️ Failed to save test frame: %v", err)
		}
	}

	return &TaskResult{Comments: fmt.Sprintf("%d faces detected", len(faces))}, nil
}

// CommentSGroupFull rejects registrations over the group's descriptor
// quota.
const CommentSGroupFull = "The special group descriptor limit has been reached."

// RegisterSGFace registers a face into a special watch group instead
// of a stream gallery.
func (p *Pipeline) RegisterSGFace(ctx context.Context, sg caches.SpecialGroup, frameURL string, hint *imgproc.RectF) (*TaskResult, error) {
	cfg := p.GroupFaceConfig(sg.IDGroup)

	raw, err := p.FetchFrame(ctx, frameURL, cfg)
	if err != nil {
		return nil, err
	}
	frame, err := imgproc.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	faces, err := p.runCascade(ctx, cfg, frame, fmt.Sprintf("sg_%d", sg.IDSGroup))
	if err != nil {
		return &TaskResult{FaceID: 0, Comments: CommentInferenceError}, nil
	}
	if len(faces) == 0 {
		return &TaskResult{FaceID: 0, Comments: CommentNoFaces}, nil
	}

	best := pickRegistrationFace(faces, hint)
	if best < 0 || faces[best].vector == nil {
		return &TaskResult{FaceID: 0, Comments: CommentForStage(furthestStage(faces))}, nil
	}
	bf := faces[best]

	rect := EnlargeFaceRect(bf.det.Rect, frame.Bounds().Dx(), frame.Bounds().Dy(), cfg.FaceEnlargeScale)
	crop := imgproc.Crop(frame, rect.ToImageRect())
	faceJPG, err := imgproc.EncodeJPEG(crop, 0)
	if err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}

	result := &TaskResult{Rect: bf.det.Rect, FaceImage: faceJPG}

	gallery := p.Caches.SGroupGallery(sg.IDSGroup)
	if m, found := BestMatch(bf.vector, gallery); found && m.Cosine > descriptorDuplicateCos {
		result.FaceID = m.IDDescriptor
		result.Comments = CommentDescriptorExists
		return result, nil
	}

	if n, err := p.Store.CountSGroupFaces(sg.IDSGroup); err != nil {
		return nil, err
	} else if sg.MaxFaces > 0 && n >= sg.MaxFaces {
		return &TaskResult{FaceID: 0, Comments: CommentSGroupFull}, nil
	}

	id, err := p.Store.AddFaceDescriptor(store.AddDescriptorParams{
		IDGroup:   sg.IDGroup,
		Data:      imgproc.Float32ToBytes(bf.vector),
		MimeType:  "image/jpeg",
		FaceImage: faceJPG,
		IDSGroup:  sg.IDSGroup,
	})
	if err != nil {
		return nil, err
	}
	result.FaceID = id
	result.Comments = CommentNewDescriptor
	return result, nil
}
