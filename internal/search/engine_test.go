package search

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

// fakeEmbedder returns canned vectors: text inputs resolve through a
// lookup table, image inputs get a fixed vector.
type fakeEmbedder struct {
	texts    map[string][]float32
	imageVec []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, in embed.Input) ([]float32, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.IsImage() {
		return f.imageVec, nil
	}
	if v, ok := f.texts[in.Text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, ins []embed.Input) ([][]float32, error) {
	out := make([][]float32, len(ins))
	for i, in := range ins {
		v, err := f.Embed(ctx, in)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                       { return 4 }
func (f *fakeEmbedder) ModelName() string                     { return "fake" }
func (f *fakeEmbedder) Available(ctx context.Context) bool    { return true }
func (f *fakeEmbedder) Close() error                          { return nil }

var _ embed.Embedder = (*fakeEmbedder)(nil)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	engine  *Engine
	vectors *store.HNSWStore
	images  *objstore.Store
	embed   *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vectors, err := store.NewHNSWStore(store.Config{Dimensions: 4, Collection: "test"})
	require.NoError(t, err)
	images, err := objstore.Open(objstore.Options{Root: t.TempDir()})
	require.NoError(t, err)
	fe := &fakeEmbedder{
		texts:    map[string][]float32{},
		imageVec: []float32{1, 0, 0, 0},
	}
	return &fixture{
		engine:  NewEngine(fe, vectors, images, nil),
		vectors: vectors,
		images:  images,
		embed:   fe,
	}
}

func (f *fixture) addPoint(t *testing.T, id string, vec []float32, created time.Time, tags ...string) {
	t.Helper()
	require.NoError(t, f.vectors.Upsert(context.Background(), []store.Point{{
		ID:     id,
		Vector: vec,
		Payload: store.Payload{
			Filename:  id + ".jpg",
			CreatedAt: created,
			Tags:      tags,
		},
	}}))
}

func TestByText_OrderedAndDecorated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.embed.texts["beach"] = []float32{1, 0, 0, 0}
	f.addPoint(t, "close", []float32{0.95, 0.05, 0, 0}, now)
	f.addPoint(t, "far", []float32{0, 1, 0, 0}, now)

	results, err := f.engine.ByText(ctx, "beach", Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "close", results[0].ID)
	assert.Equal(t, "/images/close", results[0].PreviewURL)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "descending scores")
	}
}

func TestByText_ScoreThreshold(t *testing.T) {
	f := newFixture(t)
	f.embed.texts["beach"] = []float32{1, 0, 0, 0}
	f.addPoint(t, "close", []float32{0.99, 0.01, 0, 0}, time.Now())
	f.addPoint(t, "far", []float32{0, 1, 0, 0}, time.Now())

	results, err := f.engine.ByText(context.Background(), "beach", Options{TopK: 5, ScoreThreshold: 0.9})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].ID)
	assert.GreaterOrEqual(t, results[0].Score, float32(0.9))
}

func TestByText_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ByText(context.Background(), "", Options{})
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))
}

func TestByImageID_ExcludesSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.images.Put(ctx, testPNG(t), "query.png")
	require.NoError(t, err)

	// The stored query image is the top neighbour of its own vector.
	f.addPoint(t, rec.ID, []float32{1, 0, 0, 0}, time.Now())
	f.addPoint(t, "other", []float32{0.9, 0.1, 0, 0}, time.Now())

	results, err := f.engine.ByImageID(ctx, rec.ID, Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotEqual(t, rec.ID, r.ID, "query image never appears in its own results")
	}
	assert.Equal(t, "other", results[0].ID)
}

func TestByImageID_Missing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ByImageID(context.Background(), "00000000-0000-0000-0000-000000000000", Options{})
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestByMeta_AbsoluteAndMonthDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPoint(t, "jan2024", []float32{1, 0, 0, 0}, time.Date(2024, 1, 18, 12, 0, 0, 0, time.Local))
	f.addPoint(t, "jan2025", []float32{1, 0, 0, 0}, time.Date(2025, 1, 18, 12, 0, 0, 0, time.Local))
	f.addPoint(t, "june", []float32{1, 0, 0, 0}, time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local))

	// Month/day matches across years, newest first.
	results, err := f.engine.ByMeta(ctx, "1.18", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "jan2025", results[0].ID)
	assert.Equal(t, "jan2024", results[1].ID)

	// Fully specified date matches only that calendar day.
	results, err = f.engine.ByMeta(ctx, "2025-01-18", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "jan2025", results[0].ID)
}

func TestByMeta_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ByMeta(ctx, "", nil, 10)
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))

	_, err = f.engine.ByMeta(ctx, "not-a-date", nil, 10)
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))
}

func TestByTextWithMeta_RestrictsCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embed.texts["beach"] = []float32{1, 0, 0, 0}
	f.addPoint(t, "jan2024", []float32{0.8, 0.2, 0, 0}, time.Date(2024, 1, 18, 12, 0, 0, 0, time.Local))
	f.addPoint(t, "jan2025", []float32{0.9, 0.1, 0, 0}, time.Date(2025, 1, 18, 12, 0, 0, 0, time.Local))
	f.addPoint(t, "june", []float32{1, 0, 0, 0}, time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local))

	results, err := f.engine.ByTextWithMeta(ctx, "beach", "1.18", nil, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2, "the best semantic match is outside the date window")
	assert.Equal(t, "jan2025", results[0].ID, "ordered by semantic score, not recency")
	assert.Equal(t, "jan2024", results[1].ID)
}

func TestUnified_Dispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embed.texts["海边"] = []float32{1, 0, 0, 0}
	f.addPoint(t, "jan2025", []float32{1, 0, 0, 0}, time.Date(2025, 1, 18, 12, 0, 0, 0, time.Local))
	f.addPoint(t, "june", []float32{0.9, 0.1, 0, 0}, time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local))

	// Text with an embedded date token routes through the meta path.
	results, err := f.engine.Unified(ctx, UnifiedQuery{QueryText: "1.18 海边"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "jan2025", results[0].ID)

	// Plain text routes to semantic search.
	results, err = f.engine.Unified(ctx, UnifiedQuery{QueryText: "海边"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = f.engine.Unified(ctx, UnifiedQuery{})
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))
}
