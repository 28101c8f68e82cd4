package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestAddLogFaceReturnsInsertedID(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("insert into log_faces").
		WithArgs(int32(7), sqlmock.AnyArg(), nil, 321.5,
			int32(10), int32(20), int32(100), int32(120),
			"/screenshots/g1/a.jpg", "0f3a", int16(CopyDataNone)).
		WillReturnRows(sqlmock.NewRows([]string{"id_log"}).AddRow(int64(42)))

	id, err := st.AddLogFace(AddLogFaceParams{
		IDVStream:     7,
		LogDate:       time.Now(),
		Quality:       321.5,
		FaceLeft:      10,
		FaceTop:       20,
		FaceWidth:     100,
		FaceHeight:    120,
		ScreenshotURL: "/screenshots/g1/a.jpg",
		LogUUID:       "0f3a",
		CopyData:      CopyDataNone,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddLogFaceReturnsMinusOneOnFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("insert into log_faces").
		WillReturnError(errors.New("connection reset"))

	id, err := st.AddLogFace(AddLogFaceParams{IDVStream: 1, LogDate: time.Now()})
	require.Error(t, err)
	assert.Equal(t, int64(-1), id)
}

func TestBestQualityNoRows(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("from log_faces").
		WillReturnError(errNoRows())

	row, err := st.BestQuality(3, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestVStreamIDMissingStream(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("select id_vstream").
		WithArgs(int32(5), "cam-1").
		WillReturnError(errNoRows())

	id, err := st.VStreamID(5, "cam-1")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestDeleteFacesRunsBothStatementsInOneTx(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update face_descriptors").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("update link_descriptor_vstream").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, st.DeleteFaces(5, []int32{11, 12}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFacesRollsBackOnLinkFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update face_descriptors").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update link_descriptor_vstream").
		WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	require.Error(t, st.DeleteFaces(5, []int32{11}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddFaceDescriptorLinksOnlyRequestedTargets(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into face_descriptors").
		WillReturnRows(sqlmock.NewRows([]string{"id_descriptor"}).AddRow(int32(9)))
	mock.ExpectExec("insert into descriptor_images").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into link_descriptor_vstream").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := st.AddFaceDescriptor(AddDescriptorParams{
		IDGroup:   1,
		Data:      make([]byte, 2048),
		MimeType:  "image/jpeg",
		FaceImage: []byte{0xff, 0xd8},
		IDVStream: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(9), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeDeletedRunsAllTablesInOneTx(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from descriptor_images").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from link_descriptor_vstream").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from link_descriptor_sgroup").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from face_descriptors").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from video_streams").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, st.PurgeDeleted(time.Now().Add(-12*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOldLogFacesKeepsScheduledRows(t *testing.T) {
	st, mock := newMockStore(t)

	cutoff := time.Now().Add(-4 * time.Hour)
	mock.ExpectExec("delete from log_faces").
		WithArgs(cutoff, CopyDataScheduled).
		WillReturnResult(sqlmock.NewResult(0, 17))

	n, err := st.DeleteOldLogFaces(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestNearestEventWindowBounds(t *testing.T) {
	st, mock := newMockStore(t)

	date := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	info := json.RawMessage(`{"vehicles":[]}`)
	mock.ExpectQuery("from events_log").
		WithArgs(int32(2), date.Add(-2*time.Second), date.Add(5*time.Second), date).
		WillReturnRows(sqlmock.NewRows([]string{"id_event", "id_vstream", "log_date", "info"}).
			AddRow(int64(100), int32(2), date, []byte(info)))

	row, err := st.NearestEvent(2, date, 2*time.Second, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(100), row.IDEvent)
	assert.JSONEq(t, string(info), string(row.Info))
}

func TestMergeDefaultStreamConfigCreatesRowFirst(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into default_vstream_config").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update default_vstream_config").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.MergeDefaultStreamConfig(3, json.RawMessage(`{"delay-between-frames":2}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func errNoRows() error { return sql.ErrNoRows }
