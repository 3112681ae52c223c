// Package objstore persists image bytes on the local filesystem under
// date-partitioned paths keyed by system-generated UUIDs.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// Image format probing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// MaxFileSize is the default upload size limit.
const MaxFileSize = 50 * 1024 * 1024

// allowedExtensions is the closed set of accepted image formats.
var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true,
}

// Record is the stored metadata for one image. Format is "unknown" for
// files that exist on disk but no longer decode.
type Record struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"file_path"`
	Size      int64     `json:"file_size"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a single-process image object store. Lookup is by UUID only;
// original filenames are display metadata. An in-memory index maps ids
// to paths and is rebuilt from the tree on open.
type Store struct {
	root        string
	maxFileSize int64
	logger      *slog.Logger

	mu    sync.RWMutex
	paths map[string]string // id -> absolute path
}

// Options configures a Store.
type Options struct {
	Root        string
	MaxFileSize int64
	Logger      *slog.Logger
}

// Open creates the storage root if needed and indexes existing files.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "object store requires a root directory")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = MaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	s := &Store{
		root:        opts.Root,
		maxFileSize: opts.MaxFileSize,
		logger:      opts.Logger,
		paths:       make(map[string]string),
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex walks the tree and rebuilds the id -> path map.
func (s *Store) reindex() error {
	paths := make(map[string]string)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		if !allowedExtensions[ext] {
			return nil
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return nil
		}
		paths[id] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("index storage tree: %w", err)
	}
	s.mu.Lock()
	s.paths = paths
	s.mu.Unlock()
	return nil
}

// normalizeExt maps a filename to its canonical lowercase extension.
func normalizeExt(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// Put validates and persists image bytes, returning the stored record.
// Validation happens before anything touches disk.
func (s *Store) Put(ctx context.Context, data []byte, originalFilename string) (*Record, error) {
	if len(data) == 0 {
		return nil, aerrors.New(aerrors.KindEmptyInput, "image is empty")
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, aerrors.Newf(aerrors.KindInvalidInput,
			"image exceeds size limit (%d > %d bytes)", len(data), s.maxFileSize)
	}
	ext := normalizeExt(originalFilename)
	if !allowedExtensions[ext] {
		return nil, aerrors.Newf(aerrors.KindInvalidInput, "unsupported image format %q", ext)
	}

	id := uuid.NewString()
	now := time.Now()
	dir := filepath.Join(s.root, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	path := filepath.Join(dir, id+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}

	s.mu.Lock()
	s.paths[id] = path
	s.mu.Unlock()

	rec := &Record{
		ID:        id,
		Filename:  originalFilename,
		Path:      path,
		Size:      int64(len(data)),
		Format:    ext,
		CreatedAt: now,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		rec.Width = cfg.Width
		rec.Height = cfg.Height
	} else {
		s.logger.Warn("stored image did not decode", "id", id, "error", err)
	}
	return rec, nil
}

// PathOf returns the absolute path of an image.
func (s *Store) PathOf(id string) (string, error) {
	s.mu.RLock()
	path, ok := s.paths[id]
	s.mu.RUnlock()
	if !ok {
		return "", aerrors.Newf(aerrors.KindNotFound, "image %s not found", id)
	}
	return path, nil
}

// Get returns the raw bytes and media type of an image.
func (s *Store) Get(ctx context.Context, id string) ([]byte, string, error) {
	path, err := s.PathOf(id)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(id)
			return nil, "", aerrors.Newf(aerrors.KindNotFound, "image %s not found", id)
		}
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return data, mediaType, nil
}

// Stat returns an image's full metadata without its bytes. Files that
// no longer decode still stat with format "unknown".
func (s *Store) Stat(ctx context.Context, id string) (*Record, error) {
	path, err := s.PathOf(id)
	if err != nil {
		return nil, err
	}
	return s.statPath(id, path)
}

func (s *Store) statPath(id, path string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(id)
			return nil, aerrors.Newf(aerrors.KindNotFound, "image %s not found", id)
		}
		return nil, fmt.Errorf("stat image: %w", err)
	}

	rec := &Record{
		ID:        id,
		Filename:  filepath.Base(path),
		Path:      path,
		Size:      info.Size(),
		Format:    "unknown",
		CreatedAt: info.ModTime(),
	}
	f, err := os.Open(path)
	if err == nil {
		if cfg, format, decErr := image.DecodeConfig(f); decErr == nil {
			rec.Width = cfg.Width
			rec.Height = cfg.Height
			rec.Format = format
		}
		_ = f.Close()
	}
	return rec, nil
}

// Delete removes an image. Deleting an absent id returns NotFound; the
// caller may treat that as success for idempotent flows.
func (s *Store) Delete(ctx context.Context, id string) error {
	path, err := s.PathOf(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image: %w", err)
	}
	s.forget(id)
	return nil
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.paths, id)
	s.mu.Unlock()
}

// ListOptions controls List pagination and ordering.
type ListOptions struct {
	Page      int    // 1-based
	PageSize  int
	SortBy    string // "created_at" | "file_size" | "filename"
	SortOrder string // "asc" | "desc"
}

// List scans the storage tree with pagination. Corrupt files appear
// with format "unknown" rather than being hidden.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Record, int, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.paths))
	paths := make(map[string]string, len(s.paths))
	for id, p := range s.paths {
		ids = append(ids, id)
		paths[id] = p
	}
	s.mu.RUnlock()

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.statPath(id, paths[id])
		if err != nil {
			continue // raced with a delete
		}
		records = append(records, rec)
	}

	cmp := func(a, b *Record) int {
		switch opts.SortBy {
		case "file_size":
			switch {
			case a.Size < b.Size:
				return -1
			case a.Size > b.Size:
				return 1
			}
		case "filename":
			return strings.Compare(a.Filename, b.Filename)
		default:
			switch {
			case a.CreatedAt.Before(b.CreatedAt):
				return -1
			case a.CreatedAt.After(b.CreatedAt):
				return 1
			}
		}
		return strings.Compare(a.ID, b.ID)
	}
	desc := opts.SortOrder != "asc"
	sort.Slice(records, func(i, j int) bool {
		c := cmp(records[i], records[j])
		if desc {
			return c > 0
		}
		return c < 0
	})

	total := len(records)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []*Record{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return records[start:end], total, nil
}

// Stats summarises the store.
type Stats struct {
	TotalImages int   `json:"total_images"`
	TotalSize   int64 `json:"total_size"`
}

// Stats returns image count and cumulative size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	paths := make([]string, 0, len(s.paths))
	for _, p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.RUnlock()

	var out Stats
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out.TotalImages++
		out.TotalSize += info.Size()
	}
	return out, nil
}

// IDs returns every stored image id.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.paths))
	for id := range s.paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Refresh re-walks the storage tree, picking up files written by
// external tooling.
func (s *Store) Refresh() error { return s.reindex() }
