package recommend

import (
	"context"
	"log/slog"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/store"
)

// PreviewItem describes one image a pending deletion would remove.
type PreviewItem struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	CreatedAt  time.Time `json:"created_at"`
	FileSize   int64     `json:"file_size"`
	PreviewURL string    `json:"preview_url"`
}

// Outcome reports a confirmed deletion, including partial results.
type Outcome struct {
	DeletedCount int      `json:"deleted_count"`
	FailedCount  int      `json:"failed_count"`
	DeletedIDs   []string `json:"deleted_ids"`
	FailedIDs    []string `json:"failed_ids"`
}

// Deleter runs the two-phase deletion workflow: preview first, then a
// confirmed delete that cascades vector before bytes.
type Deleter struct {
	images  *objstore.Store
	vectors store.VectorStore
	status  *store.StatusStore
	logger  *slog.Logger
}

// NewDeleter creates a deleter. status may be nil.
func NewDeleter(images *objstore.Store, vectors store.VectorStore, status *store.StatusStore, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{images: images, vectors: vectors, status: status, logger: logger}
}

// Preview lists what deleting the given ids would remove. Unknown ids
// are dropped silently so a stale reference never blocks the preview.
func (d *Deleter) Preview(ctx context.Context, ids []string) ([]PreviewItem, error) {
	items := make([]PreviewItem, 0, len(ids))
	for _, id := range ids {
		rec, err := d.images.Stat(ctx, id)
		if err != nil {
			continue
		}
		items = append(items, PreviewItem{
			ID:         rec.ID,
			Filename:   rec.Filename,
			CreatedAt:  rec.CreatedAt,
			FileSize:   rec.Size,
			PreviewURL: search.PreviewURL(rec.ID),
		})
	}
	return items, nil
}

// Delete permanently removes the given images. It refuses to run
// without confirmed=true, and reports per-id outcomes rather than
// aborting on the first failure.
func (d *Deleter) Delete(ctx context.Context, ids []string, confirmed bool, reason string) (*Outcome, error) {
	if !confirmed {
		return nil, aerrors.New(aerrors.KindNotConfirmed,
			"deletion requires explicit confirmation")
	}
	if len(ids) == 0 {
		return nil, aerrors.New(aerrors.KindEmptyInput, "no image ids to delete")
	}

	out := &Outcome{DeletedIDs: []string{}, FailedIDs: []string{}}
	for _, id := range ids {
		if err := d.deleteOne(ctx, id); err != nil {
			d.logger.Warn("image deletion failed", "image_id", id, "error", err)
			out.FailedCount++
			out.FailedIDs = append(out.FailedIDs, id)
			continue
		}
		out.DeletedCount++
		out.DeletedIDs = append(out.DeletedIDs, id)
	}
	d.logger.Info("deletion finished",
		"reason", reason, "deleted", out.DeletedCount, "failed", out.FailedCount)
	return out, nil
}

// deleteOne removes the vector first, then the bytes. Vector deletion
// is idempotent, so an image that was never indexed is not a failure.
func (d *Deleter) deleteOne(ctx context.Context, id string) error {
	if err := d.vectors.Delete(ctx, []string{id}); err != nil {
		return err
	}
	if err := d.images.Delete(ctx, id); err != nil {
		return err
	}
	if d.status != nil {
		if err := d.status.DeleteImage(ctx, id); err != nil {
			d.logger.Warn("status cleanup failed", "image_id", id, "error", err)
		}
	}
	return nil
}
