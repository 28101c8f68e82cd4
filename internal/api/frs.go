package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/frs"
	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/store"
)

// FRSServer dispatches the face-service admin methods.
type FRSServer struct {
	Caches   *caches.FaceCaches
	Store    *store.Store
	Pipeline *frs.Pipeline
	Workflow *frs.Workflow
	Writer   *events.Writer
	Stats    *frs.DNNStats

	// AllowGroupID, when positive, serves unauthenticated requests
	// under that tenant.
	AllowGroupID int32

	// EventsRoot and ScreenshotsRoot are the artifact trees searched
	// by sgSearchFaces.
	EventsRoot      string
	ScreenshotsRoot string
	DescriptorLen   int

	logger *log.Logger
}

// NewFRSServer wires the face API over the shared components.
func NewFRSServer(cc *caches.FaceCaches, st *store.Store, p *frs.Pipeline, w *frs.Workflow, wr *events.Writer, stats *frs.DNNStats) *FRSServer {
	return &FRSServer{
		Caches:        cc,
		Store:         st,
		Pipeline:      p,
		Workflow:      w,
		Writer:        wr,
		Stats:         stats,
		DescriptorLen: 512,
		logger:        log.New(log.Writer(), "[FRS-API] ", log.LstdFlags),
	}
}

// Router exposes the POST /{method} dispatch surface.
func (s *FRSServer) Router() *mux.Router {
	return newRouter("frs", s.Store, s.handle)
}

// frsHandler runs one method for an authenticated tenant.
type frsHandler func(ctx context.Context, idGroup int32, p Payload) (interface{}, error)

// sgHandler runs one method for an authenticated special group.
type sgHandler func(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error)

func (s *FRSServer) handle(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]
	p, err := decodePayload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if strings.HasPrefix(method, "sg") {
		s.handleSG(w, r, method, p)
		return
	}

	handlers := map[string]frsHandler{
		"addStream":              s.addStream,
		"listStreams":            s.listStreams,
		"motionDetection":        s.motionDetection,
		"doorIsOpen":             s.doorIsOpen,
		"bestQuality":            s.bestQuality,
		"addFaces":               s.addFaces,
		"removeFaces":            s.removeFaces,
		"removeStream":           s.removeStream,
		"listAllFaces":           s.listAllFaces,
		"deleteFaces":            s.deleteFaces,
		"getEvents":              s.getEvents,
		"registerFace":           s.registerFace,
		"testImage":              s.testImage,
		"processFrame":           s.processFrame,
		"addSpecialGroup":        s.addSpecialGroup,
		"updateSpecialGroup":     s.updateSpecialGroup,
		"deleteSpecialGroup":     s.deleteSpecialGroup,
		"listSpecialGroups":      s.listSpecialGroups,
		"saveDnnStatsData":       s.saveDnnStatsData,
		"setCommonConfig":        s.setCommonConfig,
		"getCommonConfig":        s.getCommonConfig,
		"setStreamDefaultConfig": s.setStreamDefaultConfig,
		"getStreamDefaultConfig": s.getStreamDefaultConfig,
	}
	h, ok := handlers[method]
	if !ok {
		writeError(w, notFound(errUnknownMethod))
		return
	}

	idGroup, ok := s.authenticate(r)
	if !ok {
		writeError(w, unauthorized())
		return
	}

	data, err := h(r.Context(), idGroup, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, MessageCompleted, data)
}

func (s *FRSServer) handleSG(w http.ResponseWriter, r *http.Request, method string, p Payload) {
	handlers := map[string]sgHandler{
		"sgRegisterFace": s.sgRegisterFace,
		"sgDeleteFaces":  s.sgDeleteFaces,
		"sgListFaces":    s.sgListFaces,
		"sgUpdateGroup":  s.sgUpdateGroup,
		"sgRenewToken":   s.sgRenewToken,
		"sgSearchFaces":  s.sgSearchFaces,
	}
	h, ok := handlers[method]
	if !ok {
		writeError(w, notFound(errUnknownMethod))
		return
	}

	sg, ok := s.Caches.SpecialGroupByToken(bearerToken(r))
	if !ok {
		writeError(w, unauthorized())
		return
	}

	data, err := h(r.Context(), sg, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, MessageCompleted, data)
}

func (s *FRSServer) authenticate(r *http.Request) (int32, bool) {
	token := bearerToken(r)
	if token == "" {
		if s.AllowGroupID > 0 {
			return s.AllowGroupID, true
		}
		return 0, false
	}
	return s.Caches.GroupByToken(token)
}

// stream resolves a tenant's stream by its external id, falling back
// to the store when the cache has not caught up yet.
func (s *FRSServer) stream(idGroup int32, ext string) (caches.StreamInfo, error) {
	if info, ok := s.Caches.Stream(caches.StreamKey(idGroup, ext)); ok {
		return info, nil
	}
	id, err := s.Store.VStreamID(idGroup, ext)
	if err != nil {
		return caches.StreamInfo{}, serverError()
	}
	if id == 0 {
		return caches.StreamInfo{}, clientError("Member `streamId` is invalid.")
	}
	return caches.StreamInfo{IDVStream: id, IDGroup: idGroup, Ext: ext}, nil
}

func (s *FRSServer) addStream(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	faces, err := p.Int32Slice("faces")
	if err != nil {
		return nil, err
	}

	id, err := s.Store.UpsertVStream(idGroup, p.String("streamId"),
		p.String("url"), p.String("callback"), p.Object("config"))
	if err != nil {
		s.logger.Printf("❌ addStream: %v", err)
		return nil, serverError()
	}
	if len(faces) > 0 {
		if err := s.Store.LinkFacesToStream(id, faces); err != nil {
			s.logger.Printf("❌ addStream link faces: %v", err)
			return nil, serverError()
		}
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) listStreams(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	rows, err := s.Store.ListStreams(idGroup)
	if err != nil {
		return nil, serverError()
	}
	links, err := s.Store.ListAllFaces(idGroup)
	if err != nil {
		return nil, serverError()
	}
	byExt := make(map[string][]int32)
	for _, l := range links {
		byExt[l.VStreamExt] = append(byExt[l.VStreamExt], l.IDDescriptor)
	}

	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		item := map[string]interface{}{"streamId": row.VStreamExt}
		if info, ok := s.Caches.Stream(caches.StreamKey(idGroup, row.VStreamExt)); ok {
			if info.URL != "" {
				item["url"] = info.URL
			}
			if info.CallbackURL != "" {
				item["callback"] = info.CallbackURL
			}
		}
		if len(row.Config) > 0 && string(row.Config) != "{}" {
			item["config"] = json.RawMessage(row.Config)
		}
		if ids := byExt[row.VStreamExt]; len(ids) > 0 {
			item["faces"] = ids
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (s *FRSServer) motionDetection(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	if err := p.Require("start"); err != nil {
		return nil, err
	}
	info, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	if p.Bool("start", false) {
		s.Workflow.Start(info.Key())
	} else {
		s.Workflow.Stop(info.Key())
	}
	return nil, nil
}

func (s *FRSServer) doorIsOpen(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	info, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	cfg := s.Pipeline.StreamConfig(info)
	s.Workflow.Stop(info.Key())
	s.Pipeline.RecordDoorOpen(info.Key(), cfg.OpenDoorDuration)
	return nil, nil
}

func (s *FRSServer) bestQuality(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	var row *store.LogFaceRow

	if id, ok := p.Int("eventId"); ok {
		r, err := s.Store.LogFaceByID(idGroup, id)
		if err != nil {
			return nil, serverError()
		}
		row = r
	} else if p.Has("streamId") && p.Has("date") {
		info, err := s.stream(idGroup, p.String("streamId"))
		if err != nil {
			return nil, err
		}
		date, ok := parseDate(p.String("date"))
		if !ok {
			return nil, clientError("Required members `eventId` or `streamId` and `date` not found or invalid.")
		}
		cfg := s.Pipeline.StreamConfig(info)
		r, err := s.Store.BestQuality(info.IDVStream,
			date.Add(-cfg.BestQualityIntervalBefore), date.Add(cfg.BestQualityIntervalAfter))
		if err != nil {
			return nil, serverError()
		}
		row = r
	} else {
		return nil, clientError("Required members `eventId` or `streamId` and `date` not found or invalid.")
	}

	if row == nil {
		return nil, nil
	}

	if extUUID := p.String("uuid"); extUUID != "" && row.CopyData == store.CopyDataNone &&
		s.groupFlag(idGroup, "flag-copy-event-data") {
		if err := s.Store.ScheduleCopyEvent(row.IDLog, extUUID); err != nil {
			s.logger.Printf("⚠️ Failed to schedule event copy for log %d: %v", row.IDLog, err)
		}
	}

	return map[string]interface{}{
		"screenshot": row.ScreenshotURL,
		"left":       row.FaceLeft,
		"top":        row.FaceTop,
		"width":      row.FaceWidth,
		"height":     row.FaceHeight,
	}, nil
}

// groupFlag reads a boolean key out of the tenant's merged config.
func (s *FRSServer) groupFlag(idGroup int32, key string) bool {
	raw := s.Caches.GroupConfig(idGroup)
	if len(raw) == 0 {
		return false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "t" || v == "true" || v == "1"
	}
	return false
}

func (s *FRSServer) addFaces(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	return s.linkFaces(idGroup, p, s.Store.LinkFacesToStream)
}

func (s *FRSServer) removeFaces(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	return s.linkFaces(idGroup, p, s.Store.UnlinkFacesFromStream)
}

func (s *FRSServer) linkFaces(idGroup int32, p Payload, op func(int32, []int32) error) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	if err := p.RequireArray("faces"); err != nil {
		return nil, err
	}
	faces, err := p.Int32Slice("faces")
	if err != nil {
		return nil, err
	}
	info, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	if err := op(info.IDVStream, faces); err != nil {
		s.logger.Printf("❌ Failed to update stream faces: %v", err)
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) removeStream(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	ext := p.String("streamId")
	if info, ok := s.Caches.Stream(caches.StreamKey(idGroup, ext)); ok {
		s.Workflow.Stop(info.Key())
	}
	if err := s.Store.RemoveVStream(idGroup, ext); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) listAllFaces(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	ext := p.String("streamId")
	links, err := s.Store.ListAllFaces(idGroup)
	if err != nil {
		return nil, serverError()
	}
	var ids []int32
	for _, l := range links {
		if l.VStreamExt == ext {
			ids = append(ids, l.IDDescriptor)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func (s *FRSServer) deleteFaces(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.RequireArray("faces"); err != nil {
		return nil, err
	}
	faces, err := p.Int32Slice("faces")
	if err != nil {
		return nil, err
	}
	if err := s.Store.DeleteFaces(idGroup, faces); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) getEvents(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	for _, member := range []string{"streamId", "dateStart", "dateEnd"} {
		if err := p.Require(member); err != nil {
			return nil, err
		}
	}
	from, ok := parseDate(p.String("dateStart"))
	if !ok {
		return nil, clientError("Required member `dateStart` is invalid.")
	}
	to, ok := parseDate(p.String("dateEnd"))
	if !ok {
		return nil, clientError("Required member `dateEnd` is invalid.")
	}
	info, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	rows, err := s.Store.LogFacesInterval(info.IDVStream, from, to)
	if err != nil {
		return nil, serverError()
	}
	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		item := map[string]interface{}{
			"date":       row.LogDate.Format(dateFormat),
			"quality":    row.Quality,
			"screenshot": row.ScreenshotURL,
			"left":       row.FaceLeft,
			"top":        row.FaceTop,
			"width":      row.FaceWidth,
			"height":     row.FaceHeight,
		}
		if row.IDDescriptor.Valid {
			item["faceId"] = row.IDDescriptor.Int32
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

// faceHint builds the registration bounding hint when all four sides
// arrived.
func faceHint(p Payload) *imgproc.RectF {
	if !p.Has("left") || !p.Has("top") || !p.Has("width") || !p.Has("height") {
		return nil
	}
	left := p.Float("left", 0)
	top := p.Float("top", 0)
	return &imgproc.RectF{
		X0: float32(left),
		Y0: float32(top),
		X1: float32(left + p.Float("width", 0)),
		Y1: float32(top + p.Float("height", 0)),
	}
}

func registrationData(res *frs.TaskResult) map[string]interface{} {
	return map[string]interface{}{
		"faceId": res.FaceID,
		"left":   int(res.Rect.X0),
		"top":    int(res.Rect.Y0),
		"width":  int(res.Rect.Width()),
		"height": int(res.Rect.Height()),
		"faceImage": "data:image/jpeg;base64," +
			base64.StdEncoding.EncodeToString(res.FaceImage),
	}
}

func (s *FRSServer) registerFace(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	info, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	res, err := s.Pipeline.RegisterFace(ctx, info, p.String("url"), faceHint(p))
	if err != nil {
		s.logger.Printf("❌ registerFace: %v", err)
		return nil, serverError()
	}
	if res.FaceID == 0 {
		return nil, clientError("%s", res.Comments)
	}
	s.Caches.RefreshAll()
	return registrationData(res), nil
}

func (s *FRSServer) testImage(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	if _, err := s.stream(idGroup, p.String("streamId")); err != nil {
		return nil, err
	}
	if _, err := s.Pipeline.TestImage(ctx, idGroup, p.String("url")); err != nil {
		s.logger.Printf("❌ testImage: %v", err)
		return nil, serverError()
	}
	return nil, nil
}

func (s *FRSServer) processFrame(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	var info caches.StreamInfo
	if p.Has("streamId") {
		var err error
		info, err = s.stream(idGroup, p.String("streamId"))
		if err != nil {
			return nil, err
		}
	} else if gid, ok := p.Int("groupId"); ok {
		info = caches.StreamInfo{IDGroup: int32(gid)}
	} else {
		return nil, clientError("Required member `streamId` not found.")
	}
	res, err := s.Pipeline.ProcessFrame(ctx, info, p.String("url"))
	if err != nil {
		s.logger.Printf("❌ processFrame: %v", err)
		return nil, serverError()
	}
	if len(res.IDDescriptors) == 0 {
		return nil, nil
	}
	return res.IDDescriptors, nil
}

// defaultSGroupMaxFaces bounds special groups that do not carry their
// own quota.
const defaultSGroupMaxFaces = 100

func (s *FRSServer) sgroupQuota(idGroup int32, p Payload) int32 {
	max := int32(defaultSGroupMaxFaces)
	raw := s.Caches.GroupConfig(idGroup)
	if len(raw) > 0 {
		var m map[string]interface{}
		if json.Unmarshal(raw, &m) == nil {
			if v, ok := m["sg-max-descriptor-count"].(float64); ok && v > 0 {
				max = int32(v)
			}
		}
	}
	n := max
	if v, ok := p.Int("maxDescriptorCount"); ok {
		n = int32(v)
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

func (s *FRSServer) addSpecialGroup(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("groupName"); err != nil {
		return nil, err
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	id, err := s.Store.AddSpecialGroup(idGroup, p.String("groupName"), token,
		p.String("callback"), s.sgroupQuota(idGroup, p))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, clientError("A special group with this name already exists.")
		}
		s.logger.Printf("❌ addSpecialGroup: %v", err)
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return map[string]interface{}{
		"groupId":        id,
		"accessApiToken": token,
	}, nil
}

// ownSpecialGroup checks the groupId member and the tenant's ownership
// of it.
func (s *FRSServer) ownSpecialGroup(idGroup int32, p Payload) (caches.SpecialGroup, error) {
	if err := p.Require("groupId"); err != nil {
		return caches.SpecialGroup{}, err
	}
	id, ok := p.Int("groupId")
	if !ok {
		return caches.SpecialGroup{}, clientError("Member `groupId` is invalid.")
	}
	sg, ok := s.Caches.SpecialGroupByID(int32(id))
	if !ok || sg.IDGroup != idGroup {
		return caches.SpecialGroup{}, clientError("Member `groupId` is invalid.")
	}
	return sg, nil
}

func (s *FRSServer) updateSpecialGroup(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	sg, err := s.ownSpecialGroup(idGroup, p)
	if err != nil {
		return nil, err
	}
	if err := p.Require("callback"); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateSpecialGroupCallback(sg.IDSGroup, p.String("callback")); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) deleteSpecialGroup(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("groupId"); err != nil {
		return nil, err
	}
	id, ok := p.Int("groupId")
	if !ok {
		return nil, clientError("Member `groupId` is invalid.")
	}
	deleted, err := s.Store.DeleteSpecialGroup(int32(id), idGroup)
	if err != nil {
		return nil, serverError()
	}
	if !deleted {
		return nil, clientError("Member `groupId` is invalid.")
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) listSpecialGroups(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	ids := s.Caches.TenantSpecialGroups(idGroup)
	items := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		sg, ok := s.Caches.SpecialGroupByID(id)
		if !ok {
			continue
		}
		item := map[string]interface{}{
			"groupId":            sg.IDSGroup,
			"groupName":          sg.Name,
			"accessApiToken":     sg.Token,
			"maxDescriptorCount": sg.MaxFaces,
		}
		if sg.CallbackURL != "" {
			item["callback"] = sg.CallbackURL
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (s *FRSServer) saveDnnStatsData(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := s.Stats.Save(); err != nil {
		s.logger.Printf("⚠️ Failed to save model stats: %v", err)
		return nil, serverError()
	}
	return nil, nil
}

func (s *FRSServer) setCommonConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, clientError("Body is not a valid JSON object.")
	}
	if err := s.Store.SetCommonConfig(idGroup, raw); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) getCommonConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := s.Store.CommonConfig(idGroup)
	if err != nil {
		return nil, serverError()
	}
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

func (s *FRSServer) setStreamDefaultConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, clientError("Body is not a valid JSON object.")
	}
	if err := s.Store.SetDefaultStreamConfig(idGroup, raw); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) getStreamDefaultConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := s.Store.DefaultStreamConfig(idGroup)
	if err != nil {
		return nil, serverError()
	}
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

func (s *FRSServer) sgRegisterFace(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	res, err := s.Pipeline.RegisterSGFace(ctx, sg, p.String("url"), faceHint(p))
	if err != nil {
		s.logger.Printf("❌ sgRegisterFace: %v", err)
		return nil, serverError()
	}
	if res.FaceID == 0 {
		return nil, clientError("%s", res.Comments)
	}
	s.Caches.RefreshAll()
	return registrationData(res), nil
}

func (s *FRSServer) sgDeleteFaces(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	if err := p.RequireArray("faces"); err != nil {
		return nil, err
	}
	faces, err := p.Int32Slice("faces")
	if err != nil {
		return nil, err
	}
	if err := s.Store.DeleteSGroupFaces(sg.IDSGroup, faces); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) sgListFaces(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	rows, err := s.Store.ListSGroupFaces(sg.IDSGroup)
	if err != nil {
		return nil, serverError()
	}
	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		item := map[string]interface{}{"faceId": row.IDDescriptor}
		if len(row.FaceImage) > 0 {
			mime := row.MimeType
			if mime == "" {
				mime = "image/jpeg"
			}
			item["faceImage"] = "data:" + mime + ";base64," +
				base64.StdEncoding.EncodeToString(row.FaceImage)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (s *FRSServer) sgUpdateGroup(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	if err := p.Require("callback"); err != nil {
		return nil, err
	}
	if err := s.Store.UpdateSpecialGroupCallback(sg.IDSGroup, p.String("callback")); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *FRSServer) sgRenewToken(ctx context.Context, sg caches.SpecialGroup, p Payload) (interface{}, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.Store.RenewSpecialGroupToken(sg.IDSGroup, token); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return map[string]interface{}{"accessApiToken": token}, nil
}
