package objstore

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestPut_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := pngBytes(t, 8, 6, color.White)

	rec, err := s.Put(ctx, data, "holiday.png")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	_, err = uuid.Parse(rec.ID)
	assert.NoError(t, err, "id is a UUID")
	assert.Equal(t, "holiday.png", rec.Filename)
	assert.Equal(t, 8, rec.Width)
	assert.Equal(t, 6, rec.Height)
	assert.Equal(t, "png", rec.Format)

	// Date-partitioned layout YYYY/MM/DD/{uuid}.{ext}.
	now := time.Now()
	wantDir := filepath.Join(s.Root(), now.Format("2006"), now.Format("01"), now.Format("02"))
	assert.Equal(t, wantDir, filepath.Dir(rec.Path))

	got, mediaType, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got, "bytes are bit-identical")
	assert.Equal(t, "image/png", mediaType)
}

func TestPut_RejectsBeforeWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, []byte("data"), "notes.txt")
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))

	_, err = s.Put(ctx, nil, "a.png")
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))

	small, err := Open(Options{Root: t.TempDir(), MaxFileSize: 10})
	require.NoError(t, err)
	_, err = small.Put(ctx, pngBytes(t, 4, 4, color.White), "big.png")
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))

	// Nothing was written by any rejected upload.
	stats, err := small.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalImages)
}

func TestDelete_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, pngBytes(t, 4, 4, color.White), "a.png")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.ID))
	err = s.Delete(ctx, rec.ID)
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err), "second delete reports not found")

	_, _, err = s.Get(ctx, rec.ID)
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestStat_CorruptFileIsObservable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, pngBytes(t, 4, 4, color.White), "a.png")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.Path, []byte("not an image"), 0o644))

	got, err := s.Stat(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", got.Format)
	assert.Equal(t, int64(len("not an image")), got.Size)
}

func TestList_PaginationAndSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, pngBytes(t, 2+i, 2, color.White), fmt.Sprintf("img%d.png", i))
		require.NoError(t, err)
	}

	page1, total, err := s.List(ctx, ListOptions{Page: 1, PageSize: 2, SortBy: "file_size", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.LessOrEqual(t, page1[0].Size, page1[1].Size)

	page3, _, err := s.List(ctx, ListOptions{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	empty, _, err := s.List(ctx, ListOptions{Page: 9, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpen_ReindexesExistingTree(t *testing.T) {
	root := t.TempDir()
	s, err := Open(Options{Root: root})
	require.NoError(t, err)

	rec, err := s.Put(context.Background(), pngBytes(t, 4, 4, color.White), "a.png")
	require.NoError(t, err)

	// A fresh store over the same root finds the file again.
	s2, err := Open(Options{Root: root})
	require.NoError(t, err)
	path, err := s2.PathOf(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, path)
	assert.Equal(t, []string{rec.ID}, s2.IDs())
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data := pngBytes(t, 4, 4, color.White)
	_, err := s.Put(ctx, data, "a.png")
	require.NoError(t, err)
	_, err = s.Put(ctx, data, "b.png")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalImages)
	assert.Equal(t, int64(2*len(data)), stats.TotalSize)
}

func TestFlattenToJPEG(t *testing.T) {
	// Transparent PNG flattens onto white and becomes JPEG.
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, mediaType, err := FlattenToJPEG(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mediaType)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.Greater(t, r, uint32(0xf000), "transparent pixels composite to white")
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))

	_, _, err = FlattenToJPEG([]byte("garbage"))
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))
}
