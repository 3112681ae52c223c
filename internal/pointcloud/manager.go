package pointcloud

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/store"
)

// Status is a task's lifecycle state. Transitions are monotonic under
// the order PENDING < PROCESSING < {COMPLETED, FAILED}; terminal states
// never regress.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// plyBytesPerPoint approximates the simplified-PLY point density; the
// exact count would require parsing the header.
const plyBytesPerPoint = 45

// DefaultPollInterval is the session-monitor probe cadence.
const DefaultPollInterval = 5 * time.Second

// Task is one generation task.
type Task struct {
	ID           string    `json:"task_id"`
	ImageID      string    `json:"image_id"`
	Status       Status    `json:"status"`
	FilePath     string    `json:"file_path,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
	PointCount   int64     `json:"point_count,omitempty"`
	ViewURL      string    `json:"view_url,omitempty"`
	DownloadURL  string    `json:"download_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DownloadPath composes the service-relative download URL for a task.
func DownloadPath(taskID string) string { return "/pointcloud/download/" + taskID }

// Manager owns the task map, drives generations and persists PLY
// artefacts under a date-partitioned tree.
type Manager struct {
	client       *Client
	journal      *store.StatusStore
	storagePath  string
	pollInterval time.Duration
	monitorLimit time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task

	getImage func(ctx context.Context, id string) ([]byte, string, error)
}

// ManagerConfig configures the task manager.
type ManagerConfig struct {
	StoragePath    string
	PollInterval   time.Duration
	MonitorTimeout time.Duration
}

// NewManager creates a task manager. getImage resolves image bytes by
// id (the object store's Get).
func NewManager(client *Client, journal *store.StatusStore, cfg ManagerConfig,
	getImage func(ctx context.Context, id string) ([]byte, string, error), logger *slog.Logger) (*Manager, error) {
	if cfg.StoragePath == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "point-cloud manager requires a storage path")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "create point-cloud storage", err)
	}
	return &Manager{
		client:       client,
		journal:      journal,
		storagePath:  cfg.StoragePath,
		pollInterval: cfg.PollInterval,
		monitorLimit: cfg.MonitorTimeout,
		logger:       logger,
		tasks:        make(map[string]*Task),
		getImage:     getImage,
	}, nil
}

// Create registers a PENDING task and, when async, starts the
// generation in the background. Synchronous callers get the finished
// task directly.
func (m *Manager) Create(ctx context.Context, imageID, quality string, async bool) (*Task, error) {
	if imageID == "" {
		return nil, aerrors.New(aerrors.KindEmptyInput, "image id is empty")
	}
	if quality == "" {
		quality = "balanced"
	}

	task := &Task{
		ID:        uuid.NewString(),
		ImageID:   imageID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	m.journalTask(ctx, task)

	if async {
		go m.run(context.WithoutCancel(ctx), task.ID, imageID, quality)
		return m.snapshot(task.ID), nil
	}
	m.run(ctx, task.ID, imageID, quality)
	t := m.snapshot(task.ID)
	if t.Status == StatusFailed {
		return t, aerrors.New(aerrors.KindUnavailable, t.ErrorMessage)
	}
	return t, nil
}

// run drives one task to a terminal state.
func (m *Manager) run(ctx context.Context, taskID, imageID, quality string) {
	m.transition(ctx, taskID, func(t *Task) { t.Status = StatusProcessing })

	data, _, err := m.getImage(ctx, imageID)
	if err != nil {
		m.fail(ctx, taskID, "image unavailable: "+err.Error())
		return
	}

	result, err := m.client.Generate(ctx, data, imageID+".jpg", quality)
	if err != nil {
		m.fail(ctx, taskID, err.Error())
		return
	}

	ply, err := m.client.Download(ctx, result.DownloadURL)
	if err != nil {
		m.fail(ctx, taskID, "PLY download failed: "+err.Error())
		return
	}

	path, err := m.persistPLY(taskID, ply)
	if err != nil {
		m.fail(ctx, taskID, "PLY persistence failed: "+err.Error())
		return
	}

	viewURL := m.client.ResolveViewURL(result.ViewURL)
	m.transition(ctx, taskID, func(t *Task) {
		t.Status = StatusCompleted
		t.FilePath = path
		t.FileSize = int64(len(ply))
		t.PointCount = int64(len(ply)) / plyBytesPerPoint
		t.ViewURL = viewURL
		t.DownloadURL = DownloadPath(taskID)
	})
	m.logger.Info("point cloud completed", "task_id", taskID, "image_id", imageID, "bytes", len(ply))
}

func (m *Manager) persistPLY(taskID string, data []byte) (string, error) {
	now := time.Now()
	dir := filepath.Join(m.storagePath, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, taskID+".ply")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) fail(ctx context.Context, taskID, msg string) {
	m.logger.Warn("point cloud failed", "task_id", taskID, "error", msg)
	m.transition(ctx, taskID, func(t *Task) {
		t.Status = StatusFailed
		t.ErrorMessage = msg
	})
}

// transition applies fn under the lock, refusing status regressions.
func (m *Manager) transition(ctx context.Context, taskID string, fn func(*Task)) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	before := t.Status
	draft := *t
	fn(&draft)
	if statusRank[draft.Status] < statusRank[before] || (statusRank[before] == 2 && draft.Status != before) {
		m.mu.Unlock()
		m.logger.Warn("refused status regression", "task_id", taskID, "from", before, "to", draft.Status)
		return
	}
	draft.UpdatedAt = time.Now()
	*t = draft
	snapshot := *t
	m.mu.Unlock()

	m.journalTask(ctx, &snapshot)
}

func (m *Manager) journalTask(ctx context.Context, t *Task) {
	if m.journal == nil {
		return
	}
	err := m.journal.SaveTask(ctx, store.TaskRecord{
		TaskID:     t.ID,
		ImageID:    t.ImageID,
		State:      string(t.Status),
		PLYPath:    t.FilePath,
		PointCount: t.PointCount,
		Error:      t.ErrorMessage,
		CreatedAt:  t.CreatedAt,
	})
	if err != nil {
		m.logger.Warn("task journal write failed", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) snapshot(taskID string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[taskID]; ok {
		cp := *t
		return &cp
	}
	return nil
}

// Get looks up a task: the in-memory map first, then the journal, then
// disk reconstruction for PLY files that survived a restart.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if t := m.snapshot(taskID); t != nil {
		return t, nil
	}

	if m.journal != nil {
		if rec, err := m.journal.Task(ctx, taskID); err == nil {
			t := &Task{
				ID:           rec.TaskID,
				ImageID:      rec.ImageID,
				Status:       Status(rec.State),
				FilePath:     rec.PLYPath,
				PointCount:   rec.PointCount,
				ErrorMessage: rec.Error,
				CreatedAt:    rec.CreatedAt,
				UpdatedAt:    rec.UpdatedAt,
			}
			if t.FilePath != "" {
				if info, statErr := os.Stat(t.FilePath); statErr == nil {
					t.FileSize = info.Size()
					t.DownloadURL = DownloadPath(t.ID)
				}
			}
			m.adopt(t)
			return m.snapshot(taskID), nil
		}
	}

	// Disk reconstruction: a PLY on disk proves the task completed even
	// when both the map and journal lost it. The view URL is gone.
	if path := m.findPLY(taskID); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, aerrors.Newf(aerrors.KindNotFound, "point cloud task %s not found", taskID)
		}
		t := &Task{
			ID:          taskID,
			Status:      StatusCompleted,
			FilePath:    path,
			FileSize:    info.Size(),
			PointCount:  info.Size() / plyBytesPerPoint,
			DownloadURL: DownloadPath(taskID),
			CreatedAt:   info.ModTime(),
			UpdatedAt:   info.ModTime(),
		}
		m.adopt(t)
		m.journalTask(ctx, t)
		return m.snapshot(taskID), nil
	}

	return nil, aerrors.Newf(aerrors.KindNotFound, "point cloud task %s not found", taskID)
}

func (m *Manager) adopt(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; !exists {
		m.tasks[t.ID] = t
	}
}

func (m *Manager) findPLY(taskID string) string {
	var found string
	_ = filepath.WalkDir(m.storagePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Name() == taskID+".ply" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// List returns all known tasks, journal included, newest first.
func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	seen := make(map[string]bool)
	var out []*Task

	if m.journal != nil {
		records, err := m.journal.Tasks(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			t, err := m.Get(ctx, rec.TaskID)
			if err != nil {
				continue
			}
			out = append(out, t)
			seen[rec.TaskID] = true
		}
	}

	m.mu.RLock()
	for id, t := range m.tasks {
		if !seen[id] {
			cp := *t
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	return out, nil
}

// Delete removes a task record and its PLY artefact.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	t, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.FilePath != "" {
		if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
			return aerrors.Wrap(aerrors.KindInternal, "remove PLY file", err)
		}
	}
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
	if m.journal != nil {
		return m.journal.DeleteTask(ctx, taskID)
	}
	return nil
}

// PLYPath returns the artefact path for the download endpoint.
func (m *Manager) PLYPath(ctx context.Context, taskID string) (string, error) {
	t, err := m.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Status != StatusCompleted || t.FilePath == "" {
		return "", aerrors.Newf(aerrors.KindNotFound, "point cloud %s has no artefact", taskID)
	}
	return t.FilePath, nil
}

// Monitor polls a task until it completes and appends a system event to
// the session's history. Failures and timeouts are recorded without an
// event, matching the completion-only notification contract.
func (m *Manager) Monitor(ctx context.Context, sess *session.Session, taskID string) {
	deadline := time.Now().Add(m.monitorLimit)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		t, err := m.Get(ctx, taskID)
		if err == nil {
			switch t.Status {
			case StatusCompleted:
				sess.AppendEvent(session.EventPointCloudCompleted,
					"point cloud "+taskID+" is ready",
					map[string]string{
						"task_id":  taskID,
						"view_url": t.ViewURL,
					})
				return
			case StatusFailed:
				m.logger.Info("monitor observed failure", "task_id", taskID, "session", sess.ID)
				return
			}
		}
		if time.Now().After(deadline) {
			m.logger.Info("monitor timed out", "task_id", taskID, "session", sess.ID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
