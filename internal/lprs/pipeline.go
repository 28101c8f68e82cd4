package lprs

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/inference"
	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

// Pipeline runs the full plate recognition pass for one frame and owns
// the event emission side effects.
type Pipeline struct {
	Caches    *caches.PlateCaches
	Store     *store.Store
	Infer     *inference.Client
	Writer    *events.Writer
	Callbacks *events.Callbacks
	Bans      *BanList
	Metrics   *metrics.Metrics

	// FailedRoot is where unreadable-plate frames are kept for triage.
	FailedRoot string

	logger *log.Logger
}

func NewPipeline(c *caches.PlateCaches, st *store.Store, inf *inference.Client, w *events.Writer, cb *events.Callbacks, bans *BanList, m *metrics.Metrics, failedRoot string) *Pipeline {
	return &Pipeline{
		Caches:     c,
		Store:      st,
		Infer:      inf,
		Writer:     w,
		Callbacks:  cb,
		Bans:       bans,
		Metrics:    m,
		FailedRoot: failedRoot,
		logger:     log.New(log.Writer(), "[LPRS-WORKFLOW] ", log.LstdFlags),
	}
}

// StreamConfig layers the stream's stored config onto the defaults. The
// stored blob already carries the tenant default config merged in.
func (p *Pipeline) StreamConfig(stream caches.PlateStream) PlateConfig {
	cfg := DefaultPlateConfig()
	cfg.ApplyJSON(stream.Config)
	return cfg
}

// FetchFrame pulls one screenshot from the camera. Credentials embedded
// in the URL userinfo become basic auth and are stripped from the
// request path.
func (p *Pipeline) FetchFrame(ctx context.Context, cfg PlateConfig) ([]byte, error) {
	u, err := url.Parse(cfg.ScreenshotURL)
	if err != nil {
		return nil, fmt.Errorf("screenshot url: %w", err)
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}

	attempts := cfg.MaxCaptureErrorCount
	if attempts < 1 {
		attempts = 1
	}
	client := &http.Client{Timeout: cfg.CaptureTimeout}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("capture returned status %d", resp.StatusCode)
			continue
		}
		if len(body) == 0 {
			lastErr = fmt.Errorf("capture returned an empty body")
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

type eventPlate struct {
	Box    [4]int  `json:"box"`
	Kpts   [8]int  `json:"kpts"`
	Number string  `json:"number"`
	Score  float64 `json:"score"`
	Type   string  `json:"type"`
}

type eventVehicle struct {
	Box        [4]int       `json:"box"`
	Confidence float64      `json:"confidence"`
	IsSpecial  bool         `json:"isSpecial"`
	Plates     []eventPlate `json:"plates"`
}

type eventInfo struct {
	Vehicles      []eventVehicle `json:"vehicles"`
	ScreenshotURL string         `json:"screenshotUrl"`
	Date          string         `json:"date"`
}

type callbackPlate struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type plateCallback struct {
	StreamID   string          `json:"streamId"`
	Date       string          `json:"date"`
	EventID    int64           `json:"eventId"`
	Plates     []callbackPlate `json:"plates,omitempty"`
	HasSpecial bool            `json:"hasSpecial"`
}

// Recognize runs one frame through the vehicle, class, plate and char
// models and emits at most one event.
func (p *Pipeline) Recognize(ctx context.Context, stream caches.PlateStream) error {
	cfg := p.StreamConfig(stream)
	if cfg.ScreenshotURL == "" {
		return fmt.Errorf("stream %s has no screenshot url", stream.Key())
	}
	started := time.Now()
	key := stream.Key()

	data, err := p.FetchFrame(ctx, cfg)
	if err != nil {
		p.Metrics.RecordFrame(key, "capture_error")
		return fmt.Errorf("capture %s: %w", key, err)
	}
	frame, err := imgproc.Decode(data)
	if err != nil {
		p.Metrics.RecordFrame(key, "decode_error")
		return fmt.Errorf("decode %s: %w", key, err)
	}
	p.Metrics.RecordFrame(key, "ok")
	fb := frame.Bounds()

	vehicles, err := p.detectVehicles(ctx, key, cfg, frame)
	if err != nil {
		return err
	}
	if cfg.FlagProcessSpecial && len(vehicles) > 0 {
		t := time.Now()
		ClassifyVehicles(ctx, p.Infer, cfg.VC, frame, vehicles, cfg)
		p.Metrics.RecordInference(cfg.VC.ModelName, key, time.Since(t).Seconds(), nil)
	}

	for i := range vehicles {
		t := time.Now()
		plates, err := DetectPlates(ctx, p.Infer, cfg.LPD, frame, vehicles[i].Rect, cfg)
		p.Metrics.RecordInference(cfg.LPD.ModelName, key, time.Since(t).Seconds(), err)
		if err != nil {
			return fmt.Errorf("plate detect %s: %w", key, err)
		}
		vehicles[i].Plates = FilterPlates(plates, fb.Dx(), fb.Dy(), cfg)
	}
	RemoveDuplicatePlates(vehicles)
	vehicles = CullVehicles(vehicles, fb.Dx(), fb.Dy(), cfg.WorkArea)

	hasFailed := false
	for vi := range vehicles {
		for pi := range vehicles[vi].Plates {
			t := time.Now()
			err := RecognizePlate(ctx, p.Infer, cfg.LPR, frame, &vehicles[vi].Plates[pi], cfg)
			p.Metrics.RecordInference(cfg.LPR.ModelName, key, time.Since(t).Seconds(), err)
			if err != nil {
				p.logger.Printf("⚠️ Stream %s: plate recognition failed: %v", key, err)
			}
			if vehicles[vi].Plates[pi].Number == "" {
				hasFailed = true
			}
		}
	}

	p.emitEvent(stream, cfg, frame, data, vehicles)

	if hasFailed && cfg.FlagSaveFailed {
		p.saveFailedFrame(stream, cfg, frame, data, vehicles)
	}
	p.Metrics.RecordPipeline(key, time.Since(started).Seconds())
	return nil
}

func (p *Pipeline) detectVehicles(ctx context.Context, key string, cfg PlateConfig, frame *image.RGBA) ([]Vehicle, error) {
	t := time.Now()
	vehicles, err := DetectVehicles(ctx, p.Infer, cfg.VD, frame, cfg)
	p.Metrics.RecordInference(cfg.VD.ModelName, key, time.Since(t).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("vehicle detect %s: %w", key, err)
	}
	return vehicles, nil
}

// emitEvent persists and reports the frame when it carries anything
// reportable: a vehicle with at least one unbanned plate number, or an
// unbanned special vehicle.
func (p *Pipeline) emitEvent(stream caches.PlateStream, cfg PlateConfig, frame *image.RGBA, raw []byte, vehicles []Vehicle) {
	key := stream.Key()
	specialBanned := p.Bans.SpecialBanned(key)

	var evVehicles []eventVehicle
	var cbPlates []callbackPlate
	hasSpecial := false
	for _, v := range vehicles {
		var plates []eventPlate
		for _, pl := range v.Plates {
			if pl.Number == "" {
				continue
			}
			if p.Bans.CheckNumber(key, pl.Number, v.Rect, cfg) {
				continue
			}
			plates = append(plates, eventPlate{
				Box:    rectInts(pl.Rect),
				Kpts:   kptInts(pl.Kpts),
				Number: pl.Number,
				Score:  pl.NumScore,
				Type:   pl.Class.Name(),
			})
			cbPlates = append(cbPlates, callbackPlate{Type: pl.Class.Name(), Number: pl.Number})
		}
		special := v.IsSpecial && !specialBanned
		if len(plates) == 0 && !special {
			continue
		}
		if special {
			hasSpecial = true
		}
		evVehicles = append(evVehicles, eventVehicle{
			Box:        rectInts(v.Rect),
			Confidence: v.Confidence,
			IsSpecial:  v.IsSpecial,
			Plates:     plates,
		})
	}
	if len(evVehicles) == 0 {
		return
	}

	eventUUID := uuid.NewString()
	relPath := events.PlateRelPath(eventUUID, ".jpg")
	now := time.Now()
	info := eventInfo{
		Vehicles:      evVehicles,
		ScreenshotURL: p.Writer.URL(relPath),
		Date:          now.Format(time.RFC3339),
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		p.logger.Printf("❌ Stream %s: marshal event info: %v", key, err)
		return
	}
	idEvent, err := p.Store.AddEventLog(stream.IDVStream, now, infoJSON)
	if err != nil || idEvent < 0 {
		p.logger.Printf("❌ Stream %s: failed to log event: %v", key, err)
		return
	}
	if err := p.Writer.SaveFile(relPath, raw); err != nil {
		p.logger.Printf("❌ Stream %s: %v", key, err)
	}
	p.Metrics.RecordEvent(key, "plate")
	p.logger.Printf("✅ Stream %s: event %d with %d vehicle(s)", key, idEvent, len(evVehicles))

	if cfg.CallbackURL != "" {
		p.Callbacks.Post(cfg.CallbackURL, cfg.CallbackTimeout, plateCallback{
			StreamID:   stream.ExtID,
			Date:       info.Date,
			EventID:    idEvent,
			Plates:     cbPlates,
			HasSpecial: hasSpecial,
		})
	}
	if hasSpecial {
		p.Bans.BanSpecial(key, cfg.BanDuration)
	}
}

// saveFailedFrame keeps the raw frame plus an annotated copy so the
// operators can see why a plate produced no reading.
func (p *Pipeline) saveFailedFrame(stream caches.PlateStream, cfg PlateConfig, frame *image.RGBA, raw []byte, vehicles []Vehicle) {
	id := uuid.NewString()
	dir := filepath.Join(p.FailedRoot, stream.ExtID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		p.logger.Printf("❌ Stream %s: failed frames dir: %v", stream.Key(), err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, id+".jpg"), raw, 0o666); err != nil {
		p.logger.Printf("❌ Stream %s: save failed frame: %v", stream.Key(), err)
		return
	}

	annotated := imgproc.Clone(frame)
	p.drawAnnotations(annotated, cfg, vehicles)
	if data, err := imgproc.EncodeJPEG(annotated, 90); err == nil {
		if err := os.WriteFile(filepath.Join(dir, id+"_draw.jpg"), data, 0o666); err != nil {
			p.logger.Printf("❌ Stream %s: save annotated frame: %v", stream.Key(), err)
		}
	}
}

func (p *Pipeline) drawAnnotations(img *image.RGBA, cfg PlateConfig, vehicles []Vehicle) {
	green := color.RGBA{G: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	red := color.RGBA{R: 255, A: 255}
	orange := color.RGBA{R: 255, G: 165, A: 255}
	purple := color.RGBA{R: 160, B: 240, A: 255}

	b := img.Bounds()
	for _, poly := range imgproc.PercentPolygonToAbsolute(cfg.WorkArea, b.Dx(), b.Dy()) {
		imgproc.DrawPolyline(img, polyPoints(poly), true, green, 2)
	}
	for _, v := range vehicles {
		col := blue
		if v.IsSpecial {
			col = red
		}
		imgproc.DrawRect(img, v.Rect.ToImageRect(), col, 2)
		for _, pl := range v.Plates {
			pcol := orange
			if pl.Number == "" {
				pcol = purple
			}
			imgproc.DrawPolyline(img, polyPoints(pl.Kpts[:]), true, pcol, 2)
			if pl.Number != "" {
				imgproc.DrawTextOutlined(img, pl.Number, int(pl.Rect.X0), int(pl.Rect.Y0)-imgproc.TextHeight, 1, pcol)
			}
		}
	}
}

func polyPoints(poly imgproc.Polygon) []image.Point {
	pts := make([]image.Point, len(poly))
	for i, p := range poly {
		pts[i] = image.Point{X: int(p.X), Y: int(p.Y)}
	}
	return pts
}

func rectInts(r imgproc.RectF) [4]int {
	return [4]int{int(r.X0), int(r.Y0), int(r.X1), int(r.Y1)}
}

func kptInts(kpts [4]imgproc.PointF) [8]int {
	var out [8]int
	for i, k := range kpts {
		out[2*i] = int(k.X)
		out[2*i+1] = int(k.Y)
	}
	return out
}
