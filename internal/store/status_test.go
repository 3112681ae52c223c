package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

func newTestStatusStore(t *testing.T) *StatusStore {
	t.Helper()
	s, err := OpenStatusStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStatusStore_ImageLifecycle(t *testing.T) {
	s := newTestStatusStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetImageState(ctx, "img-1", IndexPending, ""))
	require.NoError(t, s.SetImageState(ctx, "img-2", IndexPending, ""))
	require.NoError(t, s.SetImageState(ctx, "img-1", IndexComplete, ""))

	st, err := s.ImageState(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, IndexComplete, st.State)

	pending, err := s.ImagesInState(ctx, IndexPending, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"img-2"}, pending)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[IndexPending])
	assert.Equal(t, 1, counts[IndexComplete])

	require.NoError(t, s.DeleteImage(ctx, "img-1"))
	_, err = s.ImageState(ctx, "img-1")
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestStatusStore_FailureKeepsError(t *testing.T) {
	s := newTestStatusStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetImageState(ctx, "img-1", IndexFailed, "embedder unreachable"))
	st, err := s.ImageState(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, IndexFailed, st.State)
	assert.Equal(t, "embedder unreachable", st.Error)
}

func TestStatusStore_TaskJournal(t *testing.T) {
	s := newTestStatusStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, TaskRecord{TaskID: "t-1", ImageID: "img-1", State: "pending"}))
	require.NoError(t, s.SaveTask(ctx, TaskRecord{TaskID: "t-2", ImageID: "img-2", State: "pending"}))
	require.NoError(t, s.SaveTask(ctx, TaskRecord{
		TaskID: "t-1", ImageID: "img-1", State: "completed",
		PLYPath: "/data/ply/t-1.ply", PointCount: 1200,
	}))

	got, err := s.Task(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, int64(1200), got.PointCount)
	assert.Equal(t, "/data/ply/t-1.ply", got.PLYPath)

	all, err := s.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTask(ctx, "t-2"))
	_, err = s.Task(ctx, "t-2")
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestStatusStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.db")
	ctx := context.Background()

	s, err := OpenStatusStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetImageState(ctx, "img-1", IndexComplete, ""))
	require.NoError(t, s.Close())

	s2, err := OpenStatusStore(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	st, err := s2.ImageState(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, IndexComplete, st.State)
}
