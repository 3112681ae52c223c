// Package edit rewrites stored images with a remote image-edit model
// and saves each result as a new library image.
package edit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/search"
)

// DefaultTimeout bounds one edit-model call.
const DefaultTimeout = 120 * time.Second

// ClientConfig configures the edit-model client.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client calls an OpenAI-compatible image-edit endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	apiKey   string
	model    string
	retry    aerrors.RetryConfig
}

// NewClient creates an edit client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "edit client requires an endpoint")
	}
	if cfg.APIKey == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "edit client requires an API key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		retry:    aerrors.DefaultRetryConfig(),
	}, nil
}

type editRequest struct {
	Model  string `json:"model"`
	Image  string `json:"image"` // data URI
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
}

type editResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Edit sends one image with an instruction and returns the edited
// bytes. Results delivered by URL are fetched before returning.
func (c *Client) Edit(ctx context.Context, data []byte, contentType, prompt string) ([][]byte, error) {
	if prompt == "" {
		return nil, aerrors.New(aerrors.KindEmptyInput, "edit prompt is empty")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	req := &editRequest{
		Model:  c.model,
		Image:  "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Prompt: prompt,
		N:      1,
	}

	var outputs [][]byte
	err := aerrors.Retry(ctx, c.retry, func() error {
		var err error
		outputs, err = c.call(ctx, req)
		return err
	})
	return outputs, err
}

func (c *Client) call(ctx context.Context, req *editRequest) ([][]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "encode edit request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/images/edits", bytes.NewReader(raw))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build edit request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "edit model call", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "edit model call", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "read edit response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, aerrors.New(aerrors.KindRateLimited, "edit model rate limited")
	case resp.StatusCode >= 500:
		return nil, aerrors.Newf(aerrors.KindUnavailable, "edit model returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, aerrors.Newf(aerrors.KindInvalidInput, "edit model rejected request: %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed editResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode edit response", err)
	}
	if parsed.Error != nil {
		return nil, aerrors.Newf(aerrors.KindUnavailable, "edit model error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, aerrors.New(aerrors.KindCorruptPayload, "edit response carries no images")
	}

	outputs := make([][]byte, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		switch {
		case d.B64JSON != "":
			img, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode edited image", err)
			}
			outputs = append(outputs, img)
		case d.URL != "":
			img, err := c.download(ctx, d.URL)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, img)
		default:
			return nil, aerrors.New(aerrors.KindCorruptPayload, "edit result carries neither data nor URL")
		}
	}
	return outputs, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build download request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "download edited image", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, aerrors.Newf(aerrors.KindUnavailable, "edited image download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// Result describes one saved edit output.
type Result struct {
	ImageID    string `json:"image_id"`
	PreviewURL string `json:"preview_url"`
	Filename   string `json:"filename"`
}

// Editor applies edits and feeds the outputs back into the library.
type Editor struct {
	client  *Client
	images  *objstore.Store
	indexer *index.Indexer
	embeds  embed.Embedder
	logger  *slog.Logger
}

// NewEditor creates an editor. indexer may be nil when deferred
// indexing of edit outputs is not wanted.
func NewEditor(client *Client, images *objstore.Store, indexer *index.Indexer, embeds embed.Embedder, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{client: client, images: images, indexer: indexer, embeds: embeds, logger: logger}
}

// Apply edits one stored image and saves every output as a new image.
// Outputs inherit a derived filename, carry provenance metadata in the
// payload extra map, and are queued for indexing. style is an optional
// tag naming the edit style; unset outputs are tagged "edited".
func (e *Editor) Apply(ctx context.Context, imageID, prompt, style string) ([]Result, error) {
	data, contentType, err := e.images.Get(ctx, imageID)
	if err != nil {
		return nil, err
	}
	src, err := e.images.Stat(ctx, imageID)
	if err != nil {
		return nil, err
	}

	outputs, err := e.client.Edit(ctx, data, contentType, prompt)
	if err != nil {
		return nil, err
	}

	tag := style
	if tag == "" {
		tag = "edited"
	}
	styleName := style
	if styleName == "" {
		styleName = "unknown"
	}

	results := make([]Result, 0, len(outputs))
	for i, out := range outputs {
		name := derivedFilename(src.Filename, i)
		rec, err := e.images.Put(ctx, out, name)
		if err != nil {
			return results, err
		}
		if e.indexer != nil && e.embeds != nil && e.embeds.Available(ctx) {
			extra := map[string]string{
				"source_image_id": imageID,
				"edit_prompt":     prompt,
				"edit_style":      styleName,
				"edit_model":      e.client.model,
				"edit_parameters": `{"n":1}`,
				"edit_time":       time.Now().Format(time.RFC3339),
			}
			desc := fmt.Sprintf("edited from %s: %s", imageID, prompt)
			if err := e.indexer.Enqueue(ctx, rec.ID, []string{tag}, desc, extra); err != nil {
				e.logger.Warn("edit output not queued for indexing",
					"image_id", rec.ID, "error", err)
			}
		}
		results = append(results, Result{
			ImageID:    rec.ID,
			PreviewURL: search.PreviewURL(rec.ID),
			Filename:   rec.Filename,
		})
	}
	return results, nil
}

func derivedFilename(original string, n int) string {
	base := original
	ext := ""
	if i := strings.LastIndex(original, "."); i > 0 {
		base, ext = original[:i], original[i:]
	}
	if n == 0 {
		return base + "_edited" + ext
	}
	return fmt.Sprintf("%s_edited_%d%s", base, n+1, ext)
}
