package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// RemoteEmbedder calls a hosted multimodal embedding API. Images are sent
// inline as base64 data URIs; the requested output dimension is passed as
// a parameter so the service truncates server-side.
type RemoteEmbedder struct {
	client   *http.Client
	endpoint string
	apiKey   string
	model    string
	dims     int
	timeout  time.Duration
	retry    aerrors.RetryConfig
	logger   *slog.Logger
}

var _ Embedder = (*RemoteEmbedder)(nil)

// NewRemoteEmbedder creates an embedder backed by a remote multimodal API.
func NewRemoteEmbedder(cfg Config, logger *slog.Logger) (*RemoteEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "remote embedder requires an API key")
	}
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "remote embedder requires an endpoint")
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteEmbedder{
		client:   &http.Client{},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		dims:     dims,
		timeout:  timeout,
		retry:    aerrors.DefaultRetryConfig(),
		logger:   logger,
	}, nil
}

type remoteContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type remoteRequest struct {
	Model string `json:"model"`
	Input struct {
		Contents []remoteContent `json:"contents"`
	} `json:"input"`
	Parameters struct {
		Dimension int `json:"dimension"`
	} `json:"parameters"`
}

type remoteResponse struct {
	Output struct {
		Embeddings []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"embeddings"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Embed generates an embedding for a single input.
func (e *RemoteEmbedder) Embed(ctx context.Context, in Input) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []Input{in})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds each input with a separate API call. The upstream
// multimodal endpoint accepts one content set per request, so batching
// is sequential; callers needing parallelism fan out above this layer.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, ins []Input) ([][]float32, error) {
	if len(ins) == 0 {
		return [][]float32{}, nil
	}
	out := make([][]float32, len(ins))
	for i, in := range ins {
		if err := in.Validate(); err != nil {
			return nil, err
		}
		vec, err := e.embedOne(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("embed input %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *RemoteEmbedder) embedOne(ctx context.Context, in Input) ([]float32, error) {
	contents, err := e.buildContents(in)
	if err != nil {
		return nil, err
	}

	var req remoteRequest
	req.Model = e.model
	req.Input.Contents = contents
	req.Parameters.Dimension = e.dims

	var vec []float32
	err = aerrors.Retry(ctx, e.retry, func() error {
		v, callErr := e.call(ctx, &req)
		if callErr != nil {
			return callErr
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vec) != e.dims {
		return nil, aerrors.Newf(aerrors.KindDimensionMismatch,
			"provider returned %d dimensions, expected %d", len(vec), e.dims)
	}
	return Normalize(vec), nil
}

// buildContents converts an Input into the wire representation. Image
// content is inlined as a data URI; text rides along with the
// instruction. A hybrid input yields both content entries in one call.
func (e *RemoteEmbedder) buildContents(in Input) ([]remoteContent, error) {
	var contents []remoteContent

	if in.IsImage() {
		data := in.ImageBytes
		contentType := in.ContentType
		if in.ImagePath != "" {
			b, err := os.ReadFile(in.ImagePath)
			if err != nil {
				return nil, aerrors.Wrap(aerrors.KindNotFound,
					fmt.Sprintf("read image %s", in.ImagePath), err)
			}
			data = b
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(in.ImagePath))
			}
		}
		if contentType == "" {
			contentType = "image/jpeg"
		}
		uri := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
		contents = append(contents, remoteContent{Image: uri})
	}
	if in.Text != "" || !in.IsImage() {
		contents = append(contents, remoteContent{Text: in.EffectiveInstruction() + " " + in.Text})
	}
	return contents, nil
}

func (e *RemoteEmbedder) call(ctx context.Context, req *remoteRequest) ([]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "marshal embedding request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build embedding request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "embedding request timed out", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "embedding service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "read embedding response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, aerrors.New(aerrors.KindRateLimited, "embedding service rate limited")
	case resp.StatusCode >= 500:
		return nil, aerrors.Newf(aerrors.KindUnavailable, "embedding service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, aerrors.Newf(aerrors.KindInvalidInput,
			"embedding service rejected request: %d %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed remoteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode embedding response", err)
	}
	if len(parsed.Output.Embeddings) == 0 {
		return nil, aerrors.Newf(aerrors.KindCorruptPayload,
			"embedding response has no vectors (code=%s message=%s)", parsed.Code, parsed.Message)
	}
	if len(parsed.Output.Embeddings) == 1 {
		return parsed.Output.Embeddings[0].Embedding, nil
	}
	// Hybrid input returns one vector per content entry; fuse by mean.
	fused := make([]float32, len(parsed.Output.Embeddings[0].Embedding))
	for _, emb := range parsed.Output.Embeddings {
		if len(emb.Embedding) != len(fused) {
			return nil, aerrors.New(aerrors.KindCorruptPayload, "embedding response vectors disagree on dimension")
		}
		for i, x := range emb.Embedding {
			fused[i] += x
		}
	}
	n := float32(len(parsed.Output.Embeddings))
	for i := range fused {
		fused[i] /= n
	}
	return fused, nil
}

// Dimensions returns the configured vector dimension.
func (e *RemoteEmbedder) Dimensions() int { return e.dims }

// ModelName returns the remote model identifier.
func (e *RemoteEmbedder) ModelName() string { return e.model }

// Available probes the service with a tiny text embedding.
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := e.Embed(probeCtx, TextInput("ping"))
	return err == nil
}

// Close releases idle connections.
func (e *RemoteEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
