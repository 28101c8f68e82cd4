package caches

import (
	"math"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vframe/recognition/internal/imgproc"
	"github.com/vframe/recognition/internal/store"
)

func newMockCaches(t *testing.T) (*FaceCaches, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"))
	return NewFaceCaches(st, nil, 4), mock
}

func descriptorBytes(v []float32) []byte {
	return imgproc.Float32ToBytes(v)
}

func TestNormalizeDescriptorUnitNorm(t *testing.T) {
	v := NormalizeDescriptor([]float32{3, 4, 0, 0})
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestNormalizeDescriptorZeroVectorStaysZero(t *testing.T) {
	v := NormalizeDescriptor([]float32{0, 0, 0, 0})
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestRefreshDescriptorsNormalizesAndTracksParents(t *testing.T) {
	c, mock := newMockCaches(t)

	now := time.Now()
	mock.ExpectQuery("from face_descriptors").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_descriptor", "id_group", "descriptor_data", "id_parent", "flag_deleted", "last_updated"}).
			AddRow(int32(1), int32(1), descriptorBytes([]float32{2, 0, 0, 0}), nil, false, now).
			AddRow(int32(2), int32(1), descriptorBytes([]float32{0, 5, 0, 0}), int32(1), false, now.Add(time.Second)))

	require.NoError(t, c.refreshDescriptors())

	g := c.gallerySnapshotForTest()
	require.Len(t, g, 2)
	assert.InDelta(t, 1.0, float64(g[1].Vector[0]), 1e-6)
	assert.Equal(t, int32(1), c.DescriptorParent(2))
	assert.Equal(t, int32(1), c.DescriptorParent(1))
}

func TestRefreshDescriptorsSkipsWrongLength(t *testing.T) {
	c, mock := newMockCaches(t)

	mock.ExpectQuery("from face_descriptors").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id_descriptor", "id_group", "descriptor_data", "id_parent", "flag_deleted", "last_updated"}).
			AddRow(int32(9), int32(1), descriptorBytes([]float32{1, 2}), nil, false, time.Now()))

	require.NoError(t, c.refreshDescriptors())
	assert.Empty(t, c.gallerySnapshotForTest())
}

func TestRefreshStreamsRemovesDeletedKeys(t *testing.T) {
	c, mock := newMockCaches(t)

	cols := []string{"id_vstream", "id_group", "vstream_ext", "url", "callback_url", "config", "flag_deleted", "last_updated"}
	t0 := time.Now()
	mock.ExpectQuery("from video_streams").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int32(10), int32(1), "cam1", "http://cam/shot", "", []byte("{}"), false, t0))
	require.NoError(t, c.refreshStreams())

	s, ok := c.Stream("1_cam1")
	require.True(t, ok)
	assert.Equal(t, int32(10), s.IDVStream)

	mock.ExpectQuery("from video_streams").
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int32(10), int32(1), "cam1", "http://cam/shot", "", []byte("{}"), true, t0.Add(time.Minute)))
	require.NoError(t, c.refreshStreams())

	_, ok = c.Stream("1_cam1")
	assert.False(t, ok)
	_, ok = c.StreamByID(10)
	assert.False(t, ok)
}

func TestApplyLinksAddAndRemove(t *testing.T) {
	dst := make(map[int32]map[int32]struct{})
	applyLinks(dst, []store.LinkRow{
		{IDDescriptor: 1, IDOwner: 10},
		{IDDescriptor: 2, IDOwner: 10},
	})
	require.Len(t, dst[10], 2)

	applyLinks(dst, []store.LinkRow{
		{IDDescriptor: 1, IDOwner: 10, FlagDeleted: true},
	})
	require.Len(t, dst[10], 1)

	applyLinks(dst, []store.LinkRow{
		{IDDescriptor: 2, IDOwner: 10, FlagDeleted: true},
	})
	_, ok := dst[10]
	assert.False(t, ok, "empty set should vanish")
}

func TestStreamGallerySkipsUnknownDescriptors(t *testing.T) {
	c, _ := newMockCaches(t)

	c.mu.Lock()
	c.descriptors[1] = Descriptor{IDGroup: 1, Vector: []float32{1, 0, 0, 0}}
	c.streamLinks[10] = map[int32]struct{}{1: {}, 99: {}}
	c.mu.Unlock()

	g := c.StreamGallery(10)
	require.Len(t, g, 1)
	assert.Equal(t, int32(1), g[0].IDDescriptor)
}

func TestStreamKeyFormat(t *testing.T) {
	assert.Equal(t, "7_gate-cam", StreamKey(7, "gate-cam"))
}

// gallerySnapshotForTest exposes the descriptor map for assertions.
func (c *FaceCaches) gallerySnapshotForTest() map[int32]Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int32]Descriptor, len(c.descriptors))
	for k, v := range c.descriptors {
		out[k] = v
	}
	return out
}
