package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o777))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o666))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweepTreeRemovesOnlyExpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "a", "old.jpg"), 5*time.Hour)
	writeAged(t, filepath.Join(root, "a", "old.dat"), 5*time.Hour)
	writeAged(t, filepath.Join(root, "a", "fresh.jpg"), time.Minute)
	writeAged(t, filepath.Join(root, "a", "old.txt"), 5*time.Hour)

	n := sweepTree(root, artifactExts, time.Now().Add(-4*time.Hour))
	assert.Equal(t, 2, n)

	assert.NoFileExists(t, filepath.Join(root, "a", "old.jpg"))
	assert.NoFileExists(t, filepath.Join(root, "a", "old.dat"))
	assert.FileExists(t, filepath.Join(root, "a", "fresh.jpg"))
	assert.FileExists(t, filepath.Join(root, "a", "old.txt"))
}

func TestSweepTreeImageExtsKeepDatFiles(t *testing.T) {
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "old.jpg"), 5*time.Hour)
	writeAged(t, filepath.Join(root, "old.dat"), 5*time.Hour)

	n := sweepTree(root, imageExts, time.Now().Add(-4*time.Hour))
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(root, "old.dat"))
}

func TestCopyEventsMaterializesScheduledRows(t *testing.T) {
	st, mock := newMockStore(t)
	screenshots := events.NewWriter(t.TempDir(), "http://frs/s/")
	eventTree := events.NewWriter(t.TempDir(), "")
	sweeper := NewFaceSweeper(st, screenshots, eventTree)

	logDate := time.Date(2026, 8, 25, 9, 30, 0, 0, time.Local)
	vec := []float32{1, 2, 3, 4}
	require.NoError(t, screenshots.SaveFile(
		events.FaceRelPath(3, "cafe0001", ".dat"),
		events.EncodeDatRecord("cafe0001", 0, vec)))

	mock.ExpectQuery("from log_faces").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_log", "id_group", "log_date", "log_uuid", "ext_event_uuid"}).
			AddRow(int64(77), int32(3), logDate, "cafe0001", "ext-77"))
	mock.ExpectExec("update log_faces").
		WithArgs(int64(77), int16(store.CopyDataDone)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sweeper.CopyEvents()
	require.NoError(t, mock.ExpectationsWereMet())

	daily, err := os.ReadFile(eventTree.Abs(events.EventDatRelPath(3, logDate)))
	require.NoError(t, err)
	recs := events.DecodeDatRecords(daily, 4)
	require.Len(t, recs, 1)
	assert.Equal(t, "cafe0001", recs[0].EventID)
	assert.Equal(t, vec, recs[0].Descriptor)

	raw, err := os.ReadFile(eventTree.Abs(events.EventJSONRelPath(3, "cafe0001")))
	require.NoError(t, err)
	var meta events.CopiedEvent
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "ext-77", meta.EventUUID)
	assert.True(t, meta.EventDate.Equal(logDate))
}

func TestCopyEventsFinalizesMissingArtifacts(t *testing.T) {
	st, mock := newMockStore(t)
	sweeper := NewFaceSweeper(st,
		events.NewWriter(t.TempDir(), ""), events.NewWriter(t.TempDir(), ""))

	// The screenshot .dat is gone; the row must still leave the queue.
	mock.ExpectQuery("from log_faces").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_log", "id_group", "log_date", "log_uuid", "ext_event_uuid"}).
			AddRow(int64(5), int32(1), time.Now(), "feedbeef", "ext-5"))
	mock.ExpectExec("update log_faces").
		WithArgs(int64(5), int16(store.CopyDataDone)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sweeper.CopyEvents()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyEventsRetriesAfterWriteFailure(t *testing.T) {
	st, mock := newMockStore(t)
	screenshots := events.NewWriter(t.TempDir(), "")
	logDate := time.Date(2026, 8, 25, 9, 30, 0, 0, time.Local)
	require.NoError(t, screenshots.SaveFile(
		events.FaceRelPath(3, "cafe0002", ".dat"),
		events.EncodeDatRecord("cafe0002", 0, []float32{1, 2})))

	// The event tree root is a plain file, so every append fails.
	badRoot := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(badRoot, []byte("x"), 0o666))
	sweeper := NewFaceSweeper(st, screenshots, events.NewWriter(badRoot, ""))
	var logged bytes.Buffer
	sweeper.logger = log.New(&logged, "", 0)

	mock.ExpectQuery("from log_faces").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_log", "id_group", "log_date", "log_uuid", "ext_event_uuid"}).
			AddRow(int64(9), int32(3), logDate, "cafe0002", "ext-9"))

	sweeper.CopyEvents()

	// The row stays scheduled; no update may run until the copy lands.
	assert.NotContains(t, logged.String(), "finalize")

	// The next pass still sees the row. Once the tree is writable the
	// copy lands and only then is the row marked done.
	eventTree := events.NewWriter(t.TempDir(), "")
	sweeper.Events = eventTree
	mock.ExpectQuery("from log_faces").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_log", "id_group", "log_date", "log_uuid", "ext_event_uuid"}).
			AddRow(int64(9), int32(3), logDate, "cafe0002", "ext-9"))
	mock.ExpectExec("update log_faces").
		WithArgs(int64(9), int16(store.CopyDataDone)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sweeper.CopyEvents()
	require.NoError(t, mock.ExpectationsWereMet())
	assert.FileExists(t, eventTree.Abs(events.EventDatRelPath(3, logDate)))
}

func TestSweepEventsByFilenameDate(t *testing.T) {
	eventTree := events.NewWriter(t.TempDir(), "")
	sweeper := NewFaceSweeper(nil, nil, eventTree)
	sweeper.EventTTL = 7 * 24 * time.Hour

	oldDay := time.Now().AddDate(0, 0, -10)
	newDay := time.Now().AddDate(0, 0, -1)
	oldDat := eventTree.Abs(events.EventDatRelPath(2, oldDay))
	newDat := eventTree.Abs(events.EventDatRelPath(2, newDay))
	writeAged(t, oldDat, time.Minute)
	writeAged(t, newDat, time.Minute)
	writeAged(t, eventTree.Abs(events.EventJSONRelPath(2, "aaaa")), 10*24*time.Hour)

	sweeper.SweepEvents()

	// The stale daily file goes even though its mtime is fresh.
	assert.NoFileExists(t, oldDat)
	assert.FileExists(t, newDat)
	assert.NoFileExists(t, eventTree.Abs(events.EventJSONRelPath(2, "aaaa")))
}

func TestSchedulerRunsAndStops(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler()
	s.Start(context.Background(), Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run:      func() { runs.Add(1) },
	})
	time.Sleep(60 * time.Millisecond)
	s.Shutdown()

	n := runs.Load()
	assert.Greater(t, n, int32(1))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestSchedulerSkipsDisabledTasks(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler()
	s.Start(context.Background(), Task{Name: "off", Interval: 0, Run: func() { runs.Add(1) }})
	time.Sleep(20 * time.Millisecond)
	s.Shutdown()
	assert.Equal(t, int32(0), runs.Load())
}
