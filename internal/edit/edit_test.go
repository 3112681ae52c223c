package edit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/store"
)

func testPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fakeEditService(t *testing.T, edited []byte, asURL bool) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/edits":
			var req editRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, len(req.Prompt) > 0)
			assert.Contains(t, req.Image, "data:image/")
			entry := map[string]string{}
			if asURL {
				entry["url"] = srv.URL + "/out.png"
			} else {
				entry["b64_json"] = base64.StdEncoding.EncodeToString(edited)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{entry}})
		case "/out.png":
			_, _ = w.Write(edited)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEditor(t *testing.T, srv *httptest.Server) (*Editor, *objstore.Store, string) {
	t.Helper()
	images, err := objstore.Open(objstore.Options{Root: t.TempDir()})
	require.NoError(t, err)
	rec, err := images.Put(context.Background(), testPNG(t, color.RGBA{R: 255, A: 255}), "sunset.png")
	require.NoError(t, err)

	client, err := NewClient(ClientConfig{Endpoint: srv.URL, APIKey: "k", Model: "editor"})
	require.NoError(t, err)
	return NewEditor(client, images, nil, nil, nil), images, rec.ID
}

func TestApply_SavesInlineResult(t *testing.T) {
	edited := testPNG(t, color.RGBA{G: 255, A: 255})
	srv := fakeEditService(t, edited, false)
	ed, images, srcID := newEditor(t, srv)

	results, err := ed.Apply(context.Background(), srcID, "make it green", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEqual(t, srcID, results[0].ImageID)
	assert.Equal(t, "sunset_edited.png", results[0].Filename)
	assert.Equal(t, "/images/"+results[0].ImageID, results[0].PreviewURL)

	data, _, err := images.Get(context.Background(), results[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, edited, data)
}

func TestApply_FetchesURLResult(t *testing.T) {
	edited := testPNG(t, color.RGBA{B: 255, A: 255})
	srv := fakeEditService(t, edited, true)
	ed, images, srcID := newEditor(t, srv)

	results, err := ed.Apply(context.Background(), srcID, "make it blue", "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	data, _, err := images.Get(context.Background(), results[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, edited, data)
}

func TestApply_MissingImage(t *testing.T) {
	srv := fakeEditService(t, nil, false)
	ed, _, _ := newEditor(t, srv)

	_, err := ed.Apply(context.Background(), "ghost", "anything", "")
	assert.Equal(t, aerrors.KindNotFound, aerrors.KindOf(err))
}

func TestApply_EmptyPrompt(t *testing.T) {
	srv := fakeEditService(t, nil, false)
	ed, _, srcID := newEditor(t, srv)

	_, err := ed.Apply(context.Background(), srcID, "", "")
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, in embed.Input) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (fixedEmbedder) EmbedBatch(ctx context.Context, ins []embed.Input) ([][]float32, error) {
	out := make([][]float32, len(ins))
	for i := range ins {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int                    { return 4 }
func (fixedEmbedder) ModelName() string                  { return "fixed" }
func (fixedEmbedder) Available(ctx context.Context) bool { return true }
func (fixedEmbedder) Close() error                       { return nil }

var _ embed.Embedder = fixedEmbedder{}

func TestApply_StyleProvenance(t *testing.T) {
	edited := testPNG(t, color.RGBA{G: 255, A: 255})
	srv := fakeEditService(t, edited, false)
	ctx := context.Background()

	images, err := objstore.Open(objstore.Options{Root: t.TempDir()})
	require.NoError(t, err)
	rec, err := images.Put(ctx, testPNG(t, color.RGBA{R: 255, A: 255}), "sunset.png")
	require.NoError(t, err)

	vectors, err := store.NewHNSWStore(store.Config{Dimensions: 4, Collection: "test"})
	require.NoError(t, err)
	ix := index.New(images, vectors, fixedEmbedder{}, nil, 1, nil)
	t.Cleanup(ix.Close)

	client, err := NewClient(ClientConfig{Endpoint: srv.URL, APIKey: "k", Model: "editor"})
	require.NoError(t, err)
	ed := NewEditor(client, images, ix, fixedEmbedder{}, nil)

	results, err := ed.Apply(ctx, rec.ID, "paint it like Monet", "watercolor")
	require.NoError(t, err)
	require.Len(t, results, 1)

	var point *store.Point
	require.Eventually(t, func() bool {
		p, err := vectors.Get(ctx, results[0].ImageID)
		if err != nil {
			return false
		}
		point = p
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"watercolor"}, point.Payload.Tags)
	assert.Equal(t, "watercolor", point.Payload.Extra["edit_style"])
	assert.Equal(t, rec.ID, point.Payload.Extra["source_image_id"])
	assert.Equal(t, "paint it like Monet", point.Payload.Extra["edit_prompt"])
	assert.Equal(t, "editor", point.Payload.Extra["edit_model"])
	assert.NotEmpty(t, point.Payload.Extra["edit_time"])
}

func TestClient_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unsupported image"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{Endpoint: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Edit(context.Background(), []byte("x"), "image/png", "do it")
	require.Error(t, err)
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))
}

func TestDerivedFilename(t *testing.T) {
	assert.Equal(t, "a_edited.png", derivedFilename("a.png", 0))
	assert.Equal(t, "a_edited_2.png", derivedFilename("a.png", 1))
	assert.Equal(t, "noext_edited", derivedFilename("noext", 0))
}
