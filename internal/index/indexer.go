// Package index orchestrates image ingestion: persisting bytes,
// computing embeddings and keeping the vector store in step with the
// object store.
package index

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

// Indexed reports the indexing outcome of an ingest call.
type Indexed string

const (
	IndexedDone       Indexed = "done"
	IndexedProcessing Indexed = "processing"
	IndexedNone       Indexed = "none"
)

// Mode names how indexing ran for an ingest call.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
	ModeNone  Mode = "none"
)

// IngestOptions control one upload.
type IngestOptions struct {
	AutoIndex   bool
	AsyncIndex  bool
	Tags        []string
	Description string
}

// IngestResult is the ingest envelope.
type IngestResult struct {
	Record     *objstore.Record
	Indexed    Indexed
	Mode       Mode
	IndexError string
}

// ReindexReport summarises a ReindexAll pass.
type ReindexReport struct {
	Scanned int
	Indexed int
	Skipped int
	Failed  int
}

// DefaultWorkers bounds concurrent deferred-indexing jobs.
const DefaultWorkers = 4

type job struct {
	imageID     string
	tags        []string
	description string
	extra       map[string]string
}

// Indexer wires the object store, embedder and vector store. Deferred
// jobs run on a bounded worker pool; an unbounded goroutine-per-upload
// scheme would grow without limit under load.
type Indexer struct {
	images  *objstore.Store
	vectors store.VectorStore
	embeds  embed.Embedder
	status  *store.StatusStore
	logger  *slog.Logger

	jobs    chan job
	wg      sync.WaitGroup
	closed  chan struct{}
	closeMu sync.Once
}

// New creates an indexer and starts its worker pool.
func New(images *objstore.Store, vectors store.VectorStore, embeds embed.Embedder,
	status *store.StatusStore, workers int, logger *slog.Logger) *Indexer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		images:  images,
		vectors: vectors,
		embeds:  embeds,
		status:  status,
		logger:  logger,
		jobs:    make(chan job, 256),
		closed:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		ix.wg.Add(1)
		go ix.worker()
	}
	return ix
}

// The jobs channel is never closed; workers drain it after the closed
// signal, so a producer can never hit a send on a closed channel.
func (ix *Indexer) worker() {
	defer ix.wg.Done()
	for {
		select {
		case j := <-ix.jobs:
			ix.runJob(j)
		case <-ix.closed:
			for {
				select {
				case j := <-ix.jobs:
					ix.runJob(j)
				default:
					return
				}
			}
		}
	}
}

func (ix *Indexer) runJob(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := ix.IndexImage(ctx, j.imageID, j.tags, j.description, j.extra); err != nil {
		ix.logger.Warn("deferred indexing failed", "image_id", j.imageID, "error", err)
	}
}

// Close drains the worker pool. Queued jobs still run.
func (ix *Indexer) Close() {
	ix.closeMu.Do(func() {
		close(ix.closed)
	})
	ix.wg.Wait()
}

// Ingest persists the upload and indexes it per the options. Indexing
// failures never roll the stored image back.
func (ix *Indexer) Ingest(ctx context.Context, data []byte, filename string, opts IngestOptions) (*IngestResult, error) {
	rec, err := ix.images.Put(ctx, data, filename)
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Record: rec, Indexed: IndexedNone, Mode: ModeNone}
	if !opts.AutoIndex {
		return res, nil
	}
	if !ix.embeds.Available(ctx) {
		ix.logger.Warn("embedder unavailable, stored without vector", "image_id", rec.ID)
		res.IndexError = "embedding provider unavailable"
		return res, nil
	}

	if opts.AsyncIndex {
		ix.setStatus(ctx, rec.ID, store.IndexPending, "")
		select {
		case ix.jobs <- job{imageID: rec.ID, tags: opts.Tags, description: opts.Description}:
			res.Indexed = IndexedProcessing
			res.Mode = ModeAsync
		default:
			// Queue full: fall through to synchronous indexing rather
			// than dropping the job.
			if err := ix.IndexImage(ctx, rec.ID, opts.Tags, opts.Description, nil); err != nil {
				res.IndexError = err.Error()
			} else {
				res.Indexed = IndexedDone
			}
			res.Mode = ModeSync
		}
		return res, nil
	}

	res.Mode = ModeSync
	if err := ix.IndexImage(ctx, rec.ID, opts.Tags, opts.Description, nil); err != nil {
		res.IndexError = err.Error()
		return res, nil
	}
	res.Indexed = IndexedDone
	return res, nil
}

// IndexImage embeds one stored image and upserts its vector. The bytes
// are flattened to JPEG first, the same rendition query images get, so
// index-time and query-time vectors come from identical pixels.
func (ix *Indexer) IndexImage(ctx context.Context, imageID string, tags []string, description string, extra map[string]string) error {
	ix.setStatus(ctx, imageID, store.IndexRunning, "")

	rec, err := ix.images.Stat(ctx, imageID)
	if err != nil {
		ix.setStatus(ctx, imageID, store.IndexFailed, err.Error())
		return err
	}

	data, _, err := ix.images.Get(ctx, imageID)
	if err != nil {
		ix.setStatus(ctx, imageID, store.IndexFailed, err.Error())
		return err
	}
	flat, contentType, err := objstore.FlattenToJPEG(data)
	if err != nil {
		ix.setStatus(ctx, imageID, store.IndexFailed, err.Error())
		return err
	}

	vec, err := ix.embeds.Embed(ctx, embed.Input{ImageBytes: flat, ContentType: contentType})
	if err != nil {
		ix.setStatus(ctx, imageID, store.IndexFailed, err.Error())
		return err
	}

	payloadExtra := map[string]string{"format": rec.Format}
	for k, v := range extra {
		payloadExtra[k] = v
	}
	point := store.Point{
		ID:     imageID,
		Vector: vec,
		Payload: store.Payload{
			Filename:    rec.Filename,
			Path:        rec.Path,
			CreatedAt:   rec.CreatedAt,
			Tags:        tags,
			Description: description,
			Extra:       payloadExtra,
		},
	}
	if err := ix.vectors.Upsert(ctx, []store.Point{point}); err != nil {
		ix.setStatus(ctx, imageID, store.IndexFailed, err.Error())
		return err
	}
	ix.setStatus(ctx, imageID, store.IndexComplete, "")
	return nil
}

// Enqueue schedules deferred indexing for an already-stored image.
func (ix *Indexer) Enqueue(ctx context.Context, imageID string, tags []string, description string, extra map[string]string) error {
	select {
	case <-ix.closed:
		return aerrors.New(aerrors.KindInternal, "indexer is closed")
	default:
	}
	ix.setStatus(ctx, imageID, store.IndexPending, "")
	select {
	case ix.jobs <- job{imageID: imageID, tags: tags, description: description, extra: extra}:
		return nil
	case <-ix.closed:
		return aerrors.New(aerrors.KindInternal, "indexer is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) setStatus(ctx context.Context, imageID string, state store.IndexState, errMsg string) {
	if ix.status == nil {
		return
	}
	if err := ix.status.SetImageState(ctx, imageID, state, errMsg); err != nil {
		ix.logger.Warn("status write failed", "image_id", imageID, "error", err)
	}
}

// ReindexAll embeds every stored image missing from the vector store.
// A file lock serialises concurrent passes (the CLI and the server may
// both trigger one).
func (ix *Indexer) ReindexAll(ctx context.Context, parallelism int) (*ReindexReport, error) {
	if parallelism <= 0 {
		parallelism = DefaultWorkers
	}

	lock := flock.New(filepath.Join(ix.images.Root(), ".reindex.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "acquire reindex lock", err)
	}
	if !locked {
		return nil, aerrors.New(aerrors.KindUnavailable, "another reindex is already running")
	}
	defer func() { _ = lock.Unlock() }()

	if err := ix.images.Refresh(); err != nil {
		return nil, err
	}

	report := &ReindexReport{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, id := range ix.images.IDs() {
		id := id
		mu.Lock()
		report.Scanned++
		mu.Unlock()

		if _, err := ix.vectors.Get(ctx, id); err == nil {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			err := ix.IndexImage(gctx, id, nil, "", nil)
			mu.Lock()
			if err != nil {
				report.Failed++
			} else {
				report.Indexed++
			}
			mu.Unlock()
			// Individual failures never abort the pass.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	ix.logger.Info("reindex finished",
		"scanned", report.Scanned, "indexed", report.Indexed,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}
