package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// IndexState tracks where an image is in the embedding pipeline.
type IndexState string

const (
	IndexPending  IndexState = "pending"
	IndexRunning  IndexState = "indexing"
	IndexComplete IndexState = "indexed"
	IndexFailed   IndexState = "failed"
)

// ImageStatus is one row of the indexing ledger.
type ImageStatus struct {
	ImageID   string
	State     IndexState
	Error     string
	UpdatedAt time.Time
}

// TaskRecord is one row of the point-cloud task journal. The journal
// survives restarts so in-flight generations can be reported and
// finished artefacts found on disk can be re-registered.
type TaskRecord struct {
	TaskID     string
	ImageID    string
	State      string
	PLYPath    string
	PointCount int64
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusStore is a small sqlite database holding the per-image indexing
// ledger and the point-cloud task journal. It is the only relational
// state in the system; everything else lives in the vector store or on
// the filesystem.
type StatusStore struct {
	db *sql.DB
}

// OpenStatusStore opens (creating if needed) the status database.
func OpenStatusStore(path string) (*StatusStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &StatusStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StatusStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS image_index_status (
	image_id   TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pointcloud_tasks (
	task_id     TEXT PRIMARY KEY,
	image_id    TEXT NOT NULL,
	state       TEXT NOT NULL,
	ply_path    TEXT NOT NULL DEFAULT '',
	point_count INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_image ON pointcloud_tasks(image_id);
`)
	if err != nil {
		return fmt.Errorf("migrate status db: %w", err)
	}
	return nil
}

// SetImageState upserts an image's indexing state.
func (s *StatusStore) SetImageState(ctx context.Context, imageID string, state IndexState, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO image_index_status (image_id, state, error, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(image_id) DO UPDATE SET state = excluded.state, error = excluded.error, updated_at = excluded.updated_at`,
		imageID, string(state), errMsg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set image state: %w", err)
	}
	return nil
}

// ImageState returns an image's indexing status.
func (s *StatusStore) ImageState(ctx context.Context, imageID string) (*ImageStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, error, updated_at FROM image_index_status WHERE image_id = ?`, imageID)

	var st ImageStatus
	var updated int64
	err := row.Scan(&st.State, &st.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aerrors.Newf(aerrors.KindNotFound, "no index status for image %s", imageID)
	}
	if err != nil {
		return nil, fmt.Errorf("query image state: %w", err)
	}
	st.ImageID = imageID
	st.UpdatedAt = time.Unix(updated, 0)
	return &st, nil
}

// ImagesInState lists image ids currently in the given state, oldest first.
func (s *StatusStore) ImagesInState(ctx context.Context, state IndexState, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id FROM image_index_status WHERE state = ? ORDER BY updated_at ASC LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("query images in state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState returns the number of images per indexing state.
func (s *StatusStore) CountByState(ctx context.Context) (map[IndexState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM image_index_status GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[IndexState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[IndexState(state)] = n
	}
	return out, rows.Err()
}

// DeleteImage removes an image from the indexing ledger.
func (s *StatusStore) DeleteImage(ctx context.Context, imageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM image_index_status WHERE image_id = ?`, imageID)
	return err
}

// SaveTask upserts a point-cloud task record.
func (s *StatusStore) SaveTask(ctx context.Context, t TaskRecord) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pointcloud_tasks (task_id, image_id, state, ply_path, point_count, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	state = excluded.state, ply_path = excluded.ply_path, point_count = excluded.point_count,
	error = excluded.error, updated_at = excluded.updated_at`,
		t.TaskID, t.ImageID, t.State, t.PLYPath, t.PointCount, t.Error,
		t.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Task returns a task record by id.
func (s *StatusStore) Task(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT task_id, image_id, state, ply_path, point_count, error, created_at, updated_at
FROM pointcloud_tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// Tasks lists all task records, newest first.
func (s *StatusStore) Tasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, image_id, state, ply_path, point_count, error, created_at, updated_at
FROM pointcloud_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteTask removes a task record.
func (s *StatusStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pointcloud_tasks WHERE task_id = ?`, taskID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*TaskRecord, error) {
	t, err := scanTaskFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aerrors.New(aerrors.KindNotFound, "point cloud task not found")
	}
	return t, err
}

func scanTaskRows(rows *sql.Rows) (*TaskRecord, error) {
	return scanTaskFrom(rows)
}

func scanTaskFrom(r rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var created, updated int64
	if err := r.Scan(&t.TaskID, &t.ImageID, &t.State, &t.PLYPath, &t.PointCount, &t.Error, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	return &t, nil
}

// Close closes the database.
func (s *StatusStore) Close() error {
	return s.db.Close()
}
