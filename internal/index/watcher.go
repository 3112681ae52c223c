package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the storage tree for images dropped in by external
// tooling and schedules indexing for them. Events are debounced because
// copies arrive as bursts of partial writes.
type Watcher struct {
	indexer  *Indexer
	root     string
	debounce time.Duration
	logger   *slog.Logger
	fs       *fsnotify.Watcher
}

// NewWatcher creates a storage-tree watcher.
func NewWatcher(indexer *Indexer, root string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		indexer:  indexer,
		root:     root,
		debounce: debounce,
		logger:   logger,
		fs:       fsw,
	}
	if err := w.watchTree(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree registers the root and every partition directory; fsnotify
// does not recurse on its own.
func (w *Watcher) watchTree() error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// Run processes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fs.Add(event.Name)
					continue
				}
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				if isImagePath(event.Name) {
					pending[event.Name] = time.Now()
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			cutoff := time.Now().Add(-w.debounce)
			for path, seen := range pending {
				if seen.After(cutoff) {
					continue
				}
				delete(pending, path)
				w.schedule(ctx, path)
			}
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	if err := w.indexer.images.Refresh(); err != nil {
		w.logger.Warn("storage refresh failed", "error", err)
		return
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, err := w.indexer.images.PathOf(id); err != nil {
		// Not a UUID-named file the store recognises.
		return
	}
	if _, err := w.indexer.vectors.Get(ctx, id); err == nil {
		return // already indexed
	}
	w.logger.Info("watcher picked up new image", "image_id", id)
	if err := w.indexer.Enqueue(ctx, id, nil, "", nil); err != nil {
		w.logger.Warn("watcher enqueue failed", "image_id", id, "error", err)
	}
}

func isImagePath(path string) bool {
	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".") {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp":
		return true
	}
	return false
}
