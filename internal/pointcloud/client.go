// Package pointcloud manages 3D point-cloud generation tasks backed by
// an external Gaussian-splatting service.
package pointcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// Default client timeouts.
const (
	DefaultTimeout         = 300 * time.Second
	DefaultDownloadTimeout = 30 * time.Second
)

// GenerateResult is the external service's reply.
type GenerateResult struct {
	Success     bool              `json:"success"`
	DownloadURL string            `json:"download_url"`
	ViewURL     string            `json:"view_url"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Client talks to the external generation service.
type Client struct {
	http            *http.Client
	baseURL         string
	timeout         time.Duration
	downloadTimeout time.Duration
}

// ClientConfig configures the service client.
type ClientConfig struct {
	ServiceURL      string
	Timeout         time.Duration
	DownloadTimeout time.Duration
}

// NewClient creates a generation-service client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServiceURL == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "point-cloud client requires a service URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	return &Client{
		http:            &http.Client{},
		baseURL:         strings.TrimRight(cfg.ServiceURL, "/"),
		timeout:         cfg.Timeout,
		downloadTimeout: cfg.DownloadTimeout,
	}, nil
}

// Generate posts the image as multipart and returns the service's
// verdict. A success=false reply is surfaced as an Unavailable error
// with the service's message.
func (c *Client) Generate(ctx context.Context, imageData []byte, filename, quality string) (*GenerateResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build multipart form", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "write multipart image", err)
	}
	_ = w.WriteField("quality", quality)
	_ = w.WriteField("return_format", "url")
	_ = w.WriteField("simplify_ply", "true")
	if err := w.Close(); err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "close multipart form", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/generate", &body)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build generate request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "point-cloud generation timed out", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "point-cloud service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "read generate response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, aerrors.Newf(aerrors.KindUnavailable,
			"point-cloud service returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result GenerateResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode generate response", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "generation reported failure"
		}
		return nil, aerrors.Newf(aerrors.KindUnavailable, "point-cloud service: %s", msg)
	}
	return &result, nil
}

// Download fetches the generated PLY bytes. Relative URLs are resolved
// against the service base.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build download request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "PLY download timed out", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "PLY download failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, aerrors.Newf(aerrors.KindUnavailable, "PLY download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<30))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "read PLY body", err)
	}
	if len(data) == 0 {
		return nil, aerrors.New(aerrors.KindCorruptPayload, "PLY download is empty")
	}
	return data, nil
}

// ResolveViewURL passes absolute view URLs through and prefixes
// relative ones with the service base.
func (c *Client) ResolveViewURL(viewURL string) string {
	if viewURL == "" {
		return ""
	}
	if strings.HasPrefix(viewURL, "http://") || strings.HasPrefix(viewURL, "https://") {
		return viewURL
	}
	return c.baseURL + "/" + strings.TrimLeft(viewURL, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
