package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// LocalEmbedder talks to a self-hosted embedding model server over HTTP.
// The server exposes /embed (batch of instruction-tagged inputs) and
// /health. Unlike the hosted provider it accepts true batches, so
// EmbedBatch is a single round trip.
type LocalEmbedder struct {
	client   *http.Client
	endpoint string
	model    string
	dims     int
	timeout  time.Duration
	logger   *slog.Logger
}

var _ Embedder = (*LocalEmbedder)(nil)

// NewLocalEmbedder creates an embedder backed by a local model server.
func NewLocalEmbedder(cfg Config, logger *slog.Logger) (*LocalEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "local embedder requires an endpoint")
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
	return &LocalEmbedder{
		client:   &http.Client{},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dims:     dims,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

type localItem struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Instruction string `json:"instruction"`
}

type localRequest struct {
	Model     string      `json:"model,omitempty"`
	Inputs    []localItem `json:"inputs"`
	Dimension int         `json:"dimension"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed generates an embedding for a single input.
func (e *LocalEmbedder) Embed(ctx context.Context, in Input) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []Input{in})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all inputs in one request, preserving order.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, ins []Input) ([][]float32, error) {
	if len(ins) == 0 {
		return [][]float32{}, nil
	}

	req := localRequest{Model: e.model, Dimension: e.dims}
	for _, in := range ins {
		if err := in.Validate(); err != nil {
			return nil, err
		}
		// Text rides along even for image items so hybrid inputs embed
		// both modalities in one vector.
		item := localItem{Text: in.Text, Instruction: in.EffectiveInstruction()}
		switch {
		case in.ImagePath != "":
			data, err := os.ReadFile(in.ImagePath)
			if err != nil {
				return nil, aerrors.Wrap(aerrors.KindNotFound,
					fmt.Sprintf("read image %s", in.ImagePath), err)
			}
			item.ImageBase64 = base64.StdEncoding.EncodeToString(data)
		case len(in.ImageBytes) > 0:
			item.ImageBase64 = base64.StdEncoding.EncodeToString(in.ImageBytes)
		}
		req.Inputs = append(req.Inputs, item)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "marshal embedding request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build embedding request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "embedding request timed out", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "embedding server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "read embedding response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, aerrors.Newf(aerrors.KindUnavailable, "embedding server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, aerrors.Newf(aerrors.KindInvalidInput,
			"embedding server rejected request: %d %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed localResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode embedding response", err)
	}
	if parsed.Error != "" {
		return nil, aerrors.Newf(aerrors.KindInternal, "embedding server error: %s", parsed.Error)
	}
	if len(parsed.Embeddings) != len(ins) {
		return nil, aerrors.Newf(aerrors.KindCorruptPayload,
			"embedding server returned %d vectors for %d inputs", len(parsed.Embeddings), len(ins))
	}

	for i, vec := range parsed.Embeddings {
		if len(vec) != e.dims {
			return nil, aerrors.Newf(aerrors.KindDimensionMismatch,
				"vector %d has %d dimensions, expected %d", i, len(vec), e.dims)
		}
		parsed.Embeddings[i] = Normalize(vec)
	}
	return parsed.Embeddings, nil
}

// Dimensions returns the configured vector dimension.
func (e *LocalEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *LocalEmbedder) ModelName() string { return e.model }

// Available checks the server's health endpoint.
func (e *LocalEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (e *LocalEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
