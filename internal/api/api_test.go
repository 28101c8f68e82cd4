package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func postJSON(t *testing.T, srv *httptest.Server, method string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/"+method, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestPayloadRequire(t *testing.T) {
	cases := []struct {
		payload Payload
		want    string
	}{
		{Payload{}, "Required member `streamId` not found."},
		{Payload{"streamId": nil}, "Member `streamId` must not be null."},
		{Payload{"streamId": []interface{}{"a"}}, "Member `streamId` must not be an array."},
		{Payload{"streamId": map[string]interface{}{}}, "Member `streamId` must not be an object."},
		{Payload{"streamId": ""}, "Member `streamId` must not be empty."},
	}
	for _, c := range cases {
		err := c.payload.Require("streamId")
		require.Error(t, err)
		assert.Equal(t, c.want, err.Error())
	}
	assert.NoError(t, Payload{"streamId": "cam1"}.Require("streamId"))
	assert.NoError(t, Payload{"streamId": float64(5)}.Require("streamId"))
}

func TestPayloadRequireArray(t *testing.T) {
	cases := []struct {
		payload Payload
		want    string
	}{
		{Payload{}, "Required array member `faces` not found."},
		{Payload{"faces": nil}, "Member `faces` must not be null."},
		{Payload{"faces": map[string]interface{}{}}, "Member `faces` must not be an object."},
		{Payload{"faces": "x"}, "Member `faces` must be an array."},
		{Payload{"faces": []interface{}{}}, "Array member `faces` must not be empty."},
	}
	for _, c := range cases {
		err := c.payload.RequireArray("faces")
		require.Error(t, err)
		assert.Equal(t, c.want, err.Error())
	}
	assert.NoError(t, Payload{"faces": []interface{}{float64(1)}}.RequireArray("faces"))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/listStreams", nil)
	assert.Equal(t, "", bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(r))
}

func TestParseDate(t *testing.T) {
	d, ok := parseDate("2026-08-26 13:45:00")
	require.True(t, ok)
	assert.Equal(t, 13, d.Hour())

	_, ok = parseDate("not a date")
	assert.False(t, ok)
}

func newFRSServer(t *testing.T) (*FRSServer, sqlmock.Sqlmock) {
	t.Helper()
	st, mock := newMockStore(t)
	s := NewFRSServer(caches.NewFaceCaches(st, nil, 512), st, nil, nil,
		events.NewWriter(t.TempDir(), "http://frs/screenshots/"), nil)
	s.AllowGroupID = 1
	return s, mock
}

func TestHealthz(t *testing.T) {
	s, _ := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "frs", body["service"])
	assert.Equal(t, "connected", body["database"])
}

func TestFRSUnknownMethod(t *testing.T) {
	s, _ := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "bogusMethod", Payload{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Unknown API method", decodeBody(t, resp)["message"])
}

func TestFRSUnauthorizedWithoutToken(t *testing.T) {
	s, _ := newFRSServer(t)
	s.AllowGroupID = 0
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "listStreams", Payload{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFRSValidationMessage(t *testing.T) {
	s, _ := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "addFaces", Payload{"faces": []interface{}{float64(1)}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Required member `streamId` not found.", decodeBody(t, resp)["message"])
}

func TestFRSBestQualityMissingSelectors(t *testing.T) {
	s, _ := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "bestQuality", Payload{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Required members `eventId` or `streamId` and `date` not found or invalid.",
		decodeBody(t, resp)["message"])
}

func TestFRSBestQualityByEventID(t *testing.T) {
	s, mock := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	cols := []string{"id_log", "id_vstream", "log_date", "id_descriptor", "quality",
		"face_left", "face_top", "face_width", "face_height",
		"screenshot_url", "log_uuid", "copy_data", "ext_event_uuid"}
	mock.ExpectQuery("from log_faces").
		WithArgs(int32(1), int64(42)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(42), int32(7), time.Now(), nil, 500.0,
				int32(10), int32(20), int32(100), int32(120),
				"http://frs/screenshots/group_1/a/b/c/d/abcd.jpg", "abcd", int16(0), nil))

	resp := postJSON(t, srv, "bestQuality", Payload{"eventId": float64(42)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "200", body["code"])
	assert.Equal(t, MessageCompleted, body["message"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "http://frs/screenshots/group_1/a/b/c/d/abcd.jpg", data["screenshot"])
	assert.Equal(t, float64(100), data["width"])
}

func TestFRSBestQualityNoRowIsNoContent(t *testing.T) {
	s, mock := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	cols := []string{"id_log", "id_vstream", "log_date", "id_descriptor", "quality",
		"face_left", "face_top", "face_width", "face_height",
		"screenshot_url", "log_uuid", "copy_data", "ext_event_uuid"}
	mock.ExpectQuery("from log_faces").
		WithArgs(int32(1), int64(9)).
		WillReturnRows(sqlmock.NewRows(cols))

	resp := postJSON(t, srv, "bestQuality", Payload{"eventId": float64(9)})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFRSListSpecialGroupsEmptyIsNoContent(t *testing.T) {
	s, _ := newFRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "listSpecialGroups", Payload{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSearchEventTree(t *testing.T) {
	root := t.TempDir()
	s := &FRSServer{
		Writer:        events.NewWriter(t.TempDir(), "http://frs/screenshots/"),
		EventsRoot:    root,
		DescriptorLen: 4,
	}

	groupDir := filepath.Join(root, "group_1")
	require.NoError(t, os.MkdirAll(groupDir, 0o777))

	eventDate := time.Date(2026, 8, 20, 12, 0, 0, 0, time.Local)
	vec := []float32{1, 0, 0, 0}

	dat := events.EncodeDatRecord("aabbccdd", 0, vec)
	require.NoError(t, os.WriteFile(
		filepath.Join(groupDir, eventDate.Format(events.DayLayout)+".dat"), dat, 0o666))
	meta, err := json.Marshal(events.CopiedEvent{EventDate: eventDate, EventUUID: "ext-uuid-1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(groupDir, "aabbccdd.json"), meta, 0o666))

	queries := []caches.GalleryEntry{{IDDescriptor: 11, Vector: vec}}
	start := time.Date(2026, 8, 19, 0, 0, 0, 0, time.Local)
	end := time.Date(2026, 8, 22, 0, 0, 0, 0, time.Local)

	seen := map[string]struct{}{}
	hits := s.searchEventTree(1, queries, 0.5, start, end, seen)
	require.Len(t, hits, 1)
	assert.Equal(t, "aabbccdd", hits[0].item["uuid"])
	assert.Equal(t, "ext-uuid-1", hits[0].item["eventId"])
	assert.Equal(t, int32(11), hits[0].item["faceId"])
	assert.Contains(t, seen, "aabbccdd")

	// Outside the window nothing matches.
	hits = s.searchEventTree(1, queries, 0.5,
		start.AddDate(0, 0, 10), end.AddDate(0, 0, 10), map[string]struct{}{})
	assert.Empty(t, hits)
}

func TestSearchScreenshotTreeSkipsSeenEvents(t *testing.T) {
	root := t.TempDir()
	s := &FRSServer{
		Writer:        events.NewWriter(root, "http://frs/screenshots/"),
		DescriptorLen: 4,
	}

	vec := []float32{0, 1, 0, 0}
	rel := events.FaceRelPath(1, "deadbeef", ".dat")
	require.NoError(t, s.Writer.SaveFile(rel, events.EncodeDatRecord("deadbeef", 0, vec)))

	queries := []caches.GalleryEntry{{IDDescriptor: 3, Vector: vec}}
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)

	hits := s.searchScreenshotTree(1, queries, 0.5, start, end, map[string]struct{}{})
	require.Len(t, hits, 1)
	assert.Equal(t, "deadbeef", hits[0].item["uuid"])

	seen := map[string]struct{}{"deadbeef": {}}
	assert.Empty(t, s.searchScreenshotTree(1, queries, 0.5, start, end, seen))
}

func newLPRSServer(t *testing.T) (*LPRSServer, sqlmock.Sqlmock) {
	t.Helper()
	st, mock := newMockStore(t)
	s := NewLPRSServer(caches.NewPlateCaches(st, nil), st, nil, nil)
	s.AllowGroupID = 1
	return s, mock
}

func TestLPRSUnknownMethod(t *testing.T) {
	s, _ := newLPRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "bogusMethod", Payload{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Method not found", decodeBody(t, resp)["message"])
}

func TestLPRSAddStreamRejectsNonObjectConfig(t *testing.T) {
	s, _ := newLPRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "addStream", Payload{"streamId": "cam1", "config": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid member `config`.", decodeBody(t, resp)["message"])
}

func TestLPRSGetEventDataMissingSelectors(t *testing.T) {
	s, _ := newLPRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp := postJSON(t, srv, "getEventData", Payload{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Member `eventId` or both `streamId` and `date` must exist in the request.",
		decodeBody(t, resp)["message"])
}

func TestLPRSGetEventDataForeignStreamIsNoContent(t *testing.T) {
	s, mock := newLPRSServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	info, _ := json.Marshal(map[string]interface{}{"vehicles": []interface{}{}})
	mock.ExpectQuery("from events_log").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id_event", "id_vstream", "log_date", "info"}).
			AddRow(int64(5), int32(99), time.Now(), info))

	// Stream 99 is unknown to the tenant cache, so ownership fails.
	resp := postJSON(t, srv, "getEventData", Payload{"eventId": float64(5)})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
