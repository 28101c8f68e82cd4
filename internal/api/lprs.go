package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/lprs"
	"github.com/vframe/recognition/internal/store"
)

// LPRSServer dispatches the plate-service admin methods.
type LPRSServer struct {
	Caches   *caches.PlateCaches
	Store    *store.Store
	Pipeline *lprs.Pipeline
	Workflow *lprs.Workflow

	// AllowGroupID, when positive, serves unauthenticated requests
	// under that tenant.
	AllowGroupID int32

	logger *log.Logger
}

// NewLPRSServer wires the plate API over the shared components.
func NewLPRSServer(cc *caches.PlateCaches, st *store.Store, p *lprs.Pipeline, w *lprs.Workflow) *LPRSServer {
	return &LPRSServer{
		Caches:   cc,
		Store:    st,
		Pipeline: p,
		Workflow: w,
		logger:   log.New(log.Writer(), "[LPRS-API] ", log.LstdFlags),
	}
}

// Router exposes the POST /{method} dispatch surface.
func (s *LPRSServer) Router() *mux.Router {
	return newRouter("lprs", s.Store, s.handle)
}

type lprsHandler func(ctx context.Context, idGroup int32, p Payload) (interface{}, error)

func (s *LPRSServer) handle(w http.ResponseWriter, r *http.Request) {
	method := mux.Vars(r)["method"]
	p, err := decodePayload(r)
	if err != nil {
		writeError(w, err)
		return
	}

	handlers := map[string]lprsHandler{
		"addStream":              s.addStream,
		"listStreams":            s.listStreams,
		"removeStream":           s.removeStream,
		"startWorkflow":          s.startWorkflow,
		"stopWorkflow":           s.stopWorkflow,
		"getEventData":           s.getEventData,
		"setStreamDefaultConfig": s.setStreamDefaultConfig,
		"getStreamDefaultConfig": s.getStreamDefaultConfig,
	}
	h, ok := handlers[method]
	if !ok {
		writeError(w, notFound("Method not found"))
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
	writeData(w, MessageOK, data)
}

func (s *LPRSServer) authenticate(r *http.Request) (int32, bool) {
	token := bearerToken(r)
	if token == "" {
		if s.AllowGroupID > 0 {
			return s.AllowGroupID, true
		}
		return 0, false
	}
	return s.Caches.GroupByToken(token)
}

func (s *LPRSServer) stream(idGroup int32, ext string) (caches.PlateStream, error) {
	if stream, ok := s.Caches.Stream(caches.StreamKey(idGroup, ext)); ok {
		return stream, nil
	}
	return caches.PlateStream{}, clientError("Member `streamId` is invalid.")
}

func (s *LPRSServer) addStream(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	var cfg json.RawMessage
	if v, ok := p["config"]; ok && v != nil {
		cfg = p.Object("config")
		if cfg == nil {
			return nil, clientError("Invalid member `config`.")
		}
	}
	if _, err := s.Store.UpsertPlateStream(idGroup, p.String("streamId"), cfg); err != nil {
		s.logger.Printf("❌ addStream: %v", err)
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *LPRSServer) listStreams(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	rows, err := s.Store.ListPlateStreams(idGroup)
	if err != nil {
		return nil, serverError()
	}
	items := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		item := map[string]interface{}{"streamId": row.ExtID}
		if len(row.Config) > 0 && string(row.Config) != "{}" {
			item["config"] = json.RawMessage(row.Config)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (s *LPRSServer) removeStream(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	ext := p.String("streamId")
	s.Workflow.Stop(caches.StreamKey(idGroup, ext))
	if err := s.Store.RemovePlateStream(idGroup, ext); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *LPRSServer) startWorkflow(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	stream, err := s.stream(idGroup, p.String("streamId"))
	if err != nil {
		return nil, err
	}
	s.Workflow.Start(stream.Key())
	return nil, nil
}

func (s *LPRSServer) stopWorkflow(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	if err := p.Require("streamId"); err != nil {
		return nil, err
	}
	s.Workflow.Stop(caches.StreamKey(idGroup, p.String("streamId")))
	return nil, nil
}

func (s *LPRSServer) getEventData(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	var row *store.EventLogRow

	if id, ok := p.Int("eventId"); ok {
		r, err := s.Store.EventByID(id)
		if err != nil {
			return nil, serverError()
		}
		if r != nil {
			owner, ok := s.Caches.StreamGroup(r.IDVStream)
			if !ok || owner != idGroup {
				r = nil
			}
		}
		row = r
	} else if p.Has("streamId") && p.Has("date") {
		stream, err := s.stream(idGroup, p.String("streamId"))
		if err != nil {
			return nil, err
		}
		date, ok := parseDate(p.String("date"))
		if !ok {
			return nil, clientError("Member `date` is invalid.")
		}
		cfg := s.Pipeline.StreamConfig(stream)
		r, err := s.Store.NearestEvent(stream.IDVStream, date, cfg.EventLogBefore, cfg.EventLogAfter)
		if err != nil {
			return nil, serverError()
		}
		row = r
	} else {
		return nil, clientError("Member `eventId` or both `streamId` and `date` must exist in the request.")
	}

	if row == nil {
		return nil, nil
	}
	var info map[string]interface{}
	if err := json.Unmarshal(row.Info, &info); err != nil {
		s.logger.Printf("⚠️ Malformed event info for event %d: %v", row.IDEvent, err)
		return nil, serverError()
	}
	info["date"] = row.LogDate.Format(dateFormat)
	return info, nil
}

func (s *LPRSServer) setStreamDefaultConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, clientError("Body is not a valid JSON object.")
	}
	if err := s.Store.MergeDefaultStreamConfig(idGroup, raw); err != nil {
		return nil, serverError()
	}
	s.Caches.RefreshAll()
	return nil, nil
}

func (s *LPRSServer) getStreamDefaultConfig(ctx context.Context, idGroup int32, p Payload) (interface{}, error) {
	raw, err := s.Store.DefaultStreamConfig(idGroup)
	if err != nil {
		return nil, serverError()
	}
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}
