package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

func TestInput_Validate(t *testing.T) {
	assert.NoError(t, TextInput("sunset").Validate())
	assert.NoError(t, ImageInput("/tmp/a.jpg").Validate())
	assert.NoError(t, Input{ImageBytes: []byte{0xFF}}.Validate())

	// Hybrid text+image is allowed.
	assert.NoError(t, Input{Text: "x", ImagePath: "/tmp/a.jpg"}.Validate())

	err := Input{}.Validate()
	assert.Equal(t, aerrors.KindEmptyInput, aerrors.KindOf(err))

	err = Input{ImagePath: "/tmp/a.jpg", ImageBytes: []byte{1}}.Validate()
	assert.Equal(t, aerrors.KindInvalidInput, aerrors.KindOf(err))
}

func TestInput_EffectiveInstruction(t *testing.T) {
	assert.Equal(t, TextInstruction, TextInput("beach").EffectiveInstruction())
	assert.Equal(t, ImageInstruction, ImageInput("/tmp/a.jpg").EffectiveInstruction())
	assert.Equal(t, "custom", Input{Text: "x", Instruction: "custom"}.EffectiveInstruction())
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Zero vector passes through.
	z := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, z)
}

func newLocalTestServer(t *testing.T, dims int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		calls.Add(1)
		var req localRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := localResponse{}
		for range req.Inputs {
			vec := make([]float32, dims)
			vec[0] = 1
			resp.Embeddings = append(resp.Embeddings, vec)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestLocalEmbedder_Batch(t *testing.T) {
	srv, _ := newLocalTestServer(t, 4)
	e, err := NewLocalEmbedder(Config{Endpoint: srv.URL, Dimensions: 4}, nil)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []Input{TextInput("a"), TextInput("b")})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 4)
	assert.True(t, e.Available(context.Background()))
}

func TestLocalEmbedder_HybridSendsTextAndImage(t *testing.T) {
	var gotReq localRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		vec := make([]float32, 4)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(localResponse{Embeddings: [][]float32{vec}})
	}))
	defer srv.Close()

	e, err := NewLocalEmbedder(Config{Endpoint: srv.URL, Dimensions: 4}, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), Input{
		Text:       "海边 日落",
		ImageBytes: []byte{0xFF, 0xD8, 0xFF},
	})
	require.NoError(t, err)
	require.Len(t, gotReq.Inputs, 1)
	assert.Equal(t, "海边 日落", gotReq.Inputs[0].Text, "text rides along with the image")
	assert.NotEmpty(t, gotReq.Inputs[0].ImageBase64)
}

func TestLocalEmbedder_DimensionMismatch(t *testing.T) {
	srv, _ := newLocalTestServer(t, 4)
	e, err := NewLocalEmbedder(Config{Endpoint: srv.URL, Dimensions: 8}, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), TextInput("a"))
	assert.Equal(t, aerrors.KindDimensionMismatch, aerrors.KindOf(err))
}

func TestRemoteEmbedder_SendsDimensionAndInstruction(t *testing.T) {
	var gotReq remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		var resp remoteResponse
		vec := make([]float32, 4)
		vec[0] = 2
		resp.Output.Embeddings = []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{{Index: 0, Embedding: vec}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewRemoteEmbedder(Config{Endpoint: srv.URL, APIKey: "k", Model: "m", Dimensions: 4}, nil)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), TextInput("sunset over the sea"))
	require.NoError(t, err)
	assert.Equal(t, 4, gotReq.Parameters.Dimension)
	require.Len(t, gotReq.Input.Contents, 1)
	assert.Contains(t, gotReq.Input.Contents[0].Text, TextInstruction)
	assert.Contains(t, gotReq.Input.Contents[0].Text, "sunset over the sea")
	// Vector is normalised.
	assert.InDelta(t, 1.0, float64(vec[0]), 1e-6)
}

func TestRemoteEmbedder_RequiresKey(t *testing.T) {
	_, err := NewRemoteEmbedder(Config{Endpoint: "http://x"}, nil)
	assert.Equal(t, aerrors.KindMisconfigured, aerrors.KindOf(err))
}

func TestCachedEmbedder_AvoidsRepeatCalls(t *testing.T) {
	srv, calls := newLocalTestServer(t, 4)
	inner, err := NewLocalEmbedder(Config{Endpoint: srv.URL, Dimensions: 4}, nil)
	require.NoError(t, err)
	e := NewCachedEmbedder(inner, 16)

	ctx := context.Background()
	_, err = e.Embed(ctx, TextInput("repeat"))
	require.NoError(t, err)
	_, err = e.Embed(ctx, TextInput("repeat"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Batch with one cached and one new input forwards only the miss.
	vecs, err := e.EmbedBatch(ctx, []Input{TextInput("repeat"), TextInput("new")})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, int64(2), calls.Load())
}

func TestFactory(t *testing.T) {
	srv, _ := newLocalTestServer(t, 4)

	e, err := New(Config{Provider: "local", Endpoint: srv.URL, Dimensions: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, e.Dimensions())

	_, err = New(Config{Provider: "qdrant"}, nil)
	assert.Equal(t, aerrors.KindMisconfigured, aerrors.KindOf(err))
}
