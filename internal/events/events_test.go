package events

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaceRelPathFansOutByUUID(t *testing.T) {
	p := FaceRelPath(12, "0f3acdeadbeef0123456789abcdef012", ".jpg")
	assert.Equal(t,
		filepath.Join("group_12", "0", "f", "3", "a", "0f3acdeadbeef0123456789abcdef012.jpg"), p)
}

func TestPlateRelPathKeepsDashes(t *testing.T) {
	p := PlateRelPath("a1b2c3d4-0000-0000-0000-000000000000", ".jpg")
	assert.Equal(t,
		filepath.Join("a", "1", "b", "2", "a1b2c3d4-0000-0000-0000-000000000000.jpg"), p)
}

func TestSaveFileCreatesTreeAndPermissions(t *testing.T) {
	w := NewWriter(t.TempDir(), "https://host/screenshots/")

	rel := FaceRelPath(1, "0123456789abcdef0123456789abcdef", ".jpg")
	require.NoError(t, w.SaveFile(rel, []byte{0xff, 0xd8}))

	info, err := os.Stat(w.Abs(rel))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, "https://host/screenshots/group_1/0/1/2/3/0123456789abcdef0123456789abcdef.jpg", w.URL(rel))
}

func TestAppendFileAccumulates(t *testing.T) {
	w := NewWriter(t.TempDir(), "")

	require.NoError(t, w.AppendFile("group_1/2026-08-26.dat", []byte("ab")))
	require.NoError(t, w.AppendFile("group_1/2026-08-26.dat", []byte("cd")))

	data, err := os.ReadFile(w.Abs("group_1/2026-08-26.dat"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))
}

func TestDatRecordRoundTrip(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef"
	desc := []float32{0.25, -1, 0.5}

	raw := EncodeDatRecord(id, 3, desc)
	raw = append(raw, EncodeDatRecord(id, 4, []float32{1, 2, 3})...)
	raw = append(raw, 0xde, 0xad) // trailing garbage must be ignored

	recs := DecodeDatRecords(raw, 3)
	require.Len(t, recs, 2)
	assert.Equal(t, id, recs[0].EventID)
	assert.Equal(t, int32(3), recs[0].Index)
	assert.Equal(t, desc, recs[0].Descriptor)
	assert.Equal(t, int32(4), recs[1].Index)
}

func TestCallbackPostSyncAcceptsOKAndNoContent(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		got = body
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCallbacks(1, time.Second, nil)
	defer c.Shutdown()

	ok := c.PostSync(srv.URL, map[string]interface{}{"faceId": 5, "eventId": 42})
	assert.True(t, ok)
	assert.JSONEq(t, `{"faceId":5,"eventId":42}`, string(got))
}

func TestCallbackPostSyncRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCallbacks(1, time.Second, nil)
	defer c.Shutdown()

	assert.False(t, c.PostSync(srv.URL, map[string]string{"x": "y"}))
}

func TestCallbackPostSkipsEmptyURL(t *testing.T) {
	c := NewCallbacks(1, time.Second, nil)
	defer c.Shutdown()
	c.Post("", 0, map[string]string{"x": "y"}) // must not panic or queue
}

func TestCallbackPerDeliveryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbacks(1, time.Second, nil)
	defer c.Shutdown()

	// A short per-delivery timeout cuts off the slow endpoint even
	// though the dispatcher default would have waited it out.
	assert.False(t, c.deliver(callbackJob{
		url:     srv.URL,
		payload: []byte(`{}`),
		timeout: 20 * time.Millisecond,
	}))

	// Without a per-delivery timeout the default applies.
	assert.True(t, c.deliver(callbackJob{url: srv.URL, payload: []byte(`{}`)}))
}
