package pointcloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/store"
)

// fakeService serves /generate and /files/out.ply.
func fakeService(t *testing.T, ply []byte, succeed bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			require.NoError(t, r.ParseMultipartForm(32<<20))
			assert.Equal(t, "url", r.FormValue("return_format"))
			assert.Equal(t, "true", r.FormValue("simplify_ply"))
			_, _, err := r.FormFile("image")
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(GenerateResult{
				Success:     succeed,
				DownloadURL: srv.URL + "/files/out.ply",
				ViewURL:     "/view/abc",
				Error:       map[bool]string{true: "", false: "gpu offline"}[succeed],
			})
		case "/files/out.ply":
			_, _ = w.Write(ply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, *store.StatusStore, string) {
	t.Helper()
	client, err := NewClient(ClientConfig{ServiceURL: srv.URL})
	require.NoError(t, err)

	journal, err := store.OpenStatusStore(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	storage := t.TempDir()
	getImage := func(ctx context.Context, id string) ([]byte, string, error) {
		if id == "missing" {
			return nil, "", aerrors.New(aerrors.KindNotFound, "image not found")
		}
		return []byte("imagebytes"), "image/jpeg", nil
	}
	m, err := NewManager(client, journal, ManagerConfig{
		StoragePath:    storage,
		PollInterval:   time.Millisecond,
		MonitorTimeout: time.Second,
	}, getImage, nil)
	require.NoError(t, err)
	return m, journal, storage
}

func TestCreate_SyncCompletes(t *testing.T) {
	ply := make([]byte, 900) // 900/45 = 20 points
	srv := fakeService(t, ply, true)
	m, _, _ := newTestManager(t, srv)

	task, err := m.Create(context.Background(), "img-1", "balanced", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, int64(900), task.FileSize)
	assert.Equal(t, int64(20), task.PointCount)
	assert.Equal(t, srv.URL+"/view/abc", task.ViewURL, "relative view URL is prefixed")
	assert.Equal(t, DownloadPath(task.ID), task.DownloadURL)

	data, err := os.ReadFile(task.FilePath)
	require.NoError(t, err)
	assert.Equal(t, ply, data)
}

func TestCreate_AsyncReturnsPendingThenCompletes(t *testing.T) {
	srv := fakeService(t, make([]byte, 450), true)
	m, _, _ := newTestManager(t, srv)

	task, err := m.Create(context.Background(), "img-1", "balanced", true)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusPending, StatusProcessing, StatusCompleted}, task.Status)

	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), task.ID)
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreate_ServiceFailure(t *testing.T) {
	srv := fakeService(t, nil, false)
	m, _, _ := newTestManager(t, srv)

	task, err := m.Create(context.Background(), "img-1", "balanced", false)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "gpu offline")
}

func TestCreate_MissingImageFails(t *testing.T) {
	srv := fakeService(t, nil, true)
	m, _, _ := newTestManager(t, srv)

	task, err := m.Create(context.Background(), "missing", "balanced", false)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, task.Status)
}

func TestTransition_NeverRegresses(t *testing.T) {
	srv := fakeService(t, make([]byte, 90), true)
	m, _, _ := newTestManager(t, srv)
	ctx := context.Background()

	task, err := m.Create(ctx, "img-1", "balanced", false)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)

	// An attempt to push the task back to PROCESSING is refused.
	m.transition(ctx, task.ID, func(t *Task) { t.Status = StatusProcessing })
	got, err := m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// Terminal states never flip to the other terminal state either.
	m.transition(ctx, task.ID, func(t *Task) { t.Status = StatusFailed })
	got, err = m.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestGet_JournalRecovery(t *testing.T) {
	srv := fakeService(t, make([]byte, 450), true)
	m, journal, storage := newTestManager(t, srv)
	ctx := context.Background()

	task, err := m.Create(ctx, "img-1", "balanced", false)
	require.NoError(t, err)

	// A second manager over the same journal and storage finds the task.
	client, err := NewClient(ClientConfig{ServiceURL: srv.URL})
	require.NoError(t, err)
	m2, err := NewManager(client, journal, ManagerConfig{StoragePath: storage},
		func(ctx context.Context, id string) ([]byte, string, error) { return nil, "", nil }, nil)
	require.NoError(t, err)

	got, err := m2.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, task.FilePath, got.FilePath)
	assert.Equal(t, int64(450), got.FileSize)
}

func TestGet_DiskReconstruction(t *testing.T) {
	srv := fakeService(t, nil, true)
	m, _, storage := newTestManager(t, srv)
	ctx := context.Background()

	// A PLY exists on disk but neither the map nor the journal knows it.
	dir := filepath.Join(storage, "2026", "01", "18")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost-task.ply"), make([]byte, 90), 0o644))

	got, err := m.Get(ctx, "ghost-task")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(90), got.FileSize)
	assert.Equal(t, int64(2), got.PointCount)
	assert.Empty(t, got.ViewURL, "view URL is not recoverable from disk")

	_, err = m.Get(ctx, "truly-missing")
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestMonitor_EmitsCompletionEvent(t *testing.T) {
	srv := fakeService(t, make([]byte, 450), true)
	m, _, _ := newTestManager(t, srv)
	ctx := context.Background()

	task, err := m.Create(ctx, "img-1", "balanced", true)
	require.NoError(t, err)

	sess := session.NewManager(0).Resolve("chat")
	m.Monitor(ctx, sess, task.ID)

	events := sess.Events()
	require.Len(t, events, 1)
	assert.Equal(t, session.EventPointCloudCompleted, events[0].Event)
	assert.Equal(t, task.ID, events[0].Data["task_id"])
	assert.NotEmpty(t, events[0].Data["view_url"])
}

func TestMonitor_FailureEmitsNothing(t *testing.T) {
	srv := fakeService(t, nil, false)
	m, _, _ := newTestManager(t, srv)
	ctx := context.Background()

	task, _ := m.Create(ctx, "img-1", "balanced", false)
	sess := session.NewManager(0).Resolve("chat")
	m.Monitor(ctx, sess, task.ID)
	assert.Empty(t, sess.Events())
}

func TestDelete_RemovesArtefact(t *testing.T) {
	srv := fakeService(t, make([]byte, 450), true)
	m, _, _ := newTestManager(t, srv)
	ctx := context.Background()

	task, err := m.Create(ctx, "img-1", "balanced", false)
	require.NoError(t, err)

	path, err := m.PLYPath(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, task.ID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = m.Get(ctx, task.ID)
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}
