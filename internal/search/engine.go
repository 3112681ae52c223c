// Package search composes the embedder and the vector store into
// semantic, metadata and hybrid image queries.
package search

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

// Month/day queries without a year cannot be expressed as a store
// filter range, so the engine scans. These ceilings bound the work.
const (
	maxScanRecords = 5000
	maxScanTotal   = 20000
)

// DefaultTopK applies when the caller does not specify a limit.
const DefaultTopK = 10

// Result is one search hit, decorated with the image-serving URL.
type Result struct {
	ID         string        `json:"id"`
	Score      float32       `json:"score,omitempty"`
	Payload    store.Payload `json:"payload"`
	PreviewURL string        `json:"preview_url"`
}

// PreviewURL composes the relative serving URL for an image id.
func PreviewURL(id string) string { return "/images/" + id }

// Options tunes a single query.
type Options struct {
	TopK           int
	ScoreThreshold float32
	Tags           []string
}

func (o Options) topK() int {
	if o.TopK <= 0 {
		return DefaultTopK
	}
	return o.TopK
}

// Engine serves all query kinds.
type Engine struct {
	embedder embed.Embedder
	vectors  store.VectorStore
	images   *objstore.Store
	logger   *slog.Logger
}

// NewEngine wires the search engine.
func NewEngine(embedder embed.Embedder, vectors store.VectorStore, images *objstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{embedder: embedder, vectors: vectors, images: images, logger: logger}
}

// ByText runs a semantic text query. The text is embedded with the same
// retrieval instruction used at indexing time so both vectors share a
// space.
func (e *Engine) ByText(ctx context.Context, query string, opts Options) ([]Result, error) {
	if query == "" {
		return nil, aerrors.New(aerrors.KindEmptyInput, "query text is empty")
	}
	vec, err := e.embedder.Embed(ctx, embed.TextInput(query))
	if err != nil {
		return nil, err
	}
	return e.vectorSearch(ctx, vec, opts, "")
}

// ByImageID runs a similarity query seeded by a stored image. The query
// image itself is excluded from the results.
func (e *Engine) ByImageID(ctx context.Context, imageID string, opts Options) ([]Result, error) {
	data, _, err := e.images.Get(ctx, imageID)
	if err != nil {
		return nil, err
	}
	vec, err := e.embedImage(ctx, data, "")
	if err != nil {
		return nil, err
	}
	return e.vectorSearch(ctx, vec, opts, imageID)
}

// ByImageBytes runs a similarity query seeded by uploaded bytes.
func (e *Engine) ByImageBytes(ctx context.Context, data []byte, opts Options) ([]Result, error) {
	vec, err := e.embedImage(ctx, data, "")
	if err != nil {
		return nil, err
	}
	return e.vectorSearch(ctx, vec, opts, "")
}

// Hybrid runs a combined text+image query with a single multimodal
// embedding call.
func (e *Engine) Hybrid(ctx context.Context, text string, imageData []byte, opts Options) ([]Result, error) {
	if text == "" && len(imageData) == 0 {
		return nil, aerrors.New(aerrors.KindEmptyInput, "hybrid query needs text or image content")
	}
	vec, err := e.embedImage(ctx, imageData, text)
	if err != nil {
		return nil, err
	}
	return e.vectorSearch(ctx, vec, opts, "")
}

// embedImage flattens image bytes for the provider and embeds them,
// optionally combined with text in the same call.
func (e *Engine) embedImage(ctx context.Context, data []byte, text string) ([]float32, error) {
	in := embed.Input{Text: text}
	if len(data) > 0 {
		flat, contentType, err := objstore.FlattenToJPEG(data)
		if err != nil {
			return nil, err
		}
		in.ImageBytes = flat
		in.ContentType = contentType
	}
	return e.embedder.Embed(ctx, in)
}

func (e *Engine) vectorSearch(ctx context.Context, vec []float32, opts Options, excludeID string) ([]Result, error) {
	k := opts.topK()
	fetch := k
	if excludeID != "" {
		fetch++
	}
	hits, err := e.vectors.Search(ctx, vec, fetch, store.Filter{TagsAny: opts.Tags})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, k)
	for _, h := range hits {
		if h.ID == excludeID {
			continue
		}
		if opts.ScoreThreshold > 0 && h.Score < opts.ScoreThreshold {
			continue
		}
		results = append(results, Result{
			ID:         h.ID,
			Score:      h.Score,
			Payload:    h.Payload,
			PreviewURL: PreviewURL(h.ID),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// ByMeta runs a metadata-only query. With a fully specified date the
// store filter does the work; month/day-only dates fall back to the
// bounded scan. Results order by created_at descending, id ascending.
func (e *Engine) ByMeta(ctx context.Context, dateText string, tags []string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if dateText == "" && len(tags) == 0 {
		return nil, aerrors.New(aerrors.KindEmptyInput, "metadata query needs a date or tags")
	}

	var date *DateText
	if dateText != "" {
		d, ok := ParseDateText(dateText)
		if !ok {
			return nil, aerrors.Newf(aerrors.KindInvalidInput, "unrecognised date %q", dateText)
		}
		date = &d
	}

	points, err := e.metaCandidates(ctx, date, tags, topK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, Result{ID: p.ID, Payload: p.Payload, PreviewURL: PreviewURL(p.ID)})
	}
	return results, nil
}

// ByTextWithMeta runs a semantic query restricted to metadata-matching
// candidates. Ordering is by semantic score, not creation time.
func (e *Engine) ByTextWithMeta(ctx context.Context, query, dateText string, tags []string, opts Options) ([]Result, error) {
	if query == "" {
		return e.ByMeta(ctx, dateText, tags, opts.topK())
	}
	vec, err := e.embedder.Embed(ctx, embed.TextInput(query))
	if err != nil {
		return nil, err
	}

	filter := store.Filter{TagsAny: tags}

	if dateText != "" {
		date, ok := ParseDateText(dateText)
		if !ok {
			return nil, aerrors.Newf(aerrors.KindInvalidInput, "unrecognised date %q", dateText)
		}
		if date.HasYear() {
			filter.CreatedFrom, filter.CreatedTo = date.DayRange(time.Local)
		} else {
			// Month/day without a year: pre-compute an id allowlist via
			// the bounded scan, then search within it.
			candidates, err := e.metaCandidates(ctx, &date, tags, maxScanRecords)
			if err != nil {
				return nil, err
			}
			if len(candidates) == 0 {
				return []Result{}, nil
			}
			ids := make([]string, len(candidates))
			for i, c := range candidates {
				ids[i] = c.ID
			}
			filter.IDs = ids
		}
	}

	hits, err := e.vectors.Search(ctx, vec, opts.topK(), filter)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if opts.ScoreThreshold > 0 && h.Score < opts.ScoreThreshold {
			continue
		}
		results = append(results, Result{ID: h.ID, Score: h.Score, Payload: h.Payload, PreviewURL: PreviewURL(h.ID)})
	}
	return results, nil
}

// metaCandidates gathers points matching the date and tags, newest
// first, ties broken by id. Month/day-only dates scan under the fetch
// ceilings.
func (e *Engine) metaCandidates(ctx context.Context, date *DateText, tags []string, limit int) ([]store.Point, error) {
	filter := store.Filter{TagsAny: tags}
	if date != nil {
		if date.HasYear() {
			filter.CreatedFrom, filter.CreatedTo = date.DayRange(time.Local)
		} else {
			filter.Month = date.Month
			filter.Day = date.Day
		}
	}

	var (
		matches []store.Point
		offset  int
		scanned int
	)
	for {
		page, err := e.vectors.Scroll(ctx, filter, limit-len(matches), offset)
		if err != nil {
			return nil, err
		}
		matches = append(matches, page.Points...)
		scanned += page.Scanned

		if len(matches) >= limit || page.NextOffset < 0 {
			break
		}
		if len(matches) >= maxScanRecords || scanned >= maxScanTotal {
			e.logger.Warn("metadata scan hit ceiling", "matches", len(matches), "scanned", scanned)
			break
		}
		offset = page.NextOffset
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.Payload.CreatedAt.Equal(b.Payload.CreatedAt) {
			return a.Payload.CreatedAt.After(b.Payload.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// UnifiedQuery is the dispatch envelope for the combined search
// endpoint: the populated fields decide the query kind.
type UnifiedQuery struct {
	QueryText    string
	QueryImageID string
	QueryImage   []byte
	DateText     string
	Options      Options
}

// Unified dispatches to the appropriate query kind. Text queries with
// an embedded date token are split and routed to the hybrid meta path.
func (e *Engine) Unified(ctx context.Context, q UnifiedQuery) ([]Result, error) {
	switch {
	case q.QueryImageID != "" && q.QueryText != "":
		data, _, err := e.images.Get(ctx, q.QueryImageID)
		if err != nil {
			return nil, err
		}
		return e.Hybrid(ctx, q.QueryText, data, q.Options)
	case q.QueryImageID != "":
		return e.ByImageID(ctx, q.QueryImageID, q.Options)
	case len(q.QueryImage) > 0 && q.QueryText != "":
		return e.Hybrid(ctx, q.QueryText, q.QueryImage, q.Options)
	case len(q.QueryImage) > 0:
		return e.ByImageBytes(ctx, q.QueryImage, q.Options)
	case q.QueryText != "":
		dateText := q.DateText
		text := q.QueryText
		if dateText == "" {
			dateText, text = SplitDateAndQuery(q.QueryText)
		}
		if dateText != "" {
			return e.ByTextWithMeta(ctx, text, dateText, q.Options.Tags, q.Options)
		}
		return e.ByText(ctx, text, q.Options)
	case q.DateText != "" || len(q.Options.Tags) > 0:
		return e.ByMeta(ctx, q.DateText, q.Options.Tags, q.Options.topK())
	default:
		return nil, aerrors.New(aerrors.KindEmptyInput, "no query fields populated")
	}
}
