// Package vision calls an OpenAI-compatible multimodal chat model for
// captioning, visual question answering and image analysis.
package vision

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

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// DefaultTimeout bounds one vision-model call.
const DefaultTimeout = 120 * time.Second

// Config configures the vision client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client is a chat-completions client that accepts inline images.
type Client struct {
	http     *http.Client
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	retry    aerrors.RetryConfig
	logger   *slog.Logger
}

// NewClient creates a vision client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "vision client requires an endpoint")
	}
	if cfg.APIKey == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "vision client requires an API key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     &http.Client{},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		timeout:  timeout,
		retry:    aerrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2.0},
		logger:   logger,
	}, nil
}

// Image is one inline image attachment.
type Image struct {
	Data        []byte
	ContentType string
}

// DataURI encodes the image as a base64 data URI.
func (im Image) DataURI() string {
	ct := im.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(im.Data)
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one prompt with inline images and returns the model's
// text reply. The call retries on rate limits and transient failures.
func (c *Client) Complete(ctx context.Context, prompt string, images []Image) (string, error) {
	if prompt == "" {
		return "", aerrors.New(aerrors.KindEmptyInput, "vision prompt is empty")
	}

	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, im := range images {
		part := contentPart{Type: "image_url", ImageURL: &struct {
			URL string `json:"url"`
		}{URL: im.DataURI()}}
		parts = append(parts, part)
	}
	req := chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	}

	var reply string
	err := aerrors.Retry(ctx, c.retry, func() error {
		text, callErr := c.call(ctx, &req)
		if callErr != nil {
			return callErr
		}
		reply = text
		return nil
	})
	return reply, err
}

func (c *Client) call(ctx context.Context, req *chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindInternal, "marshal vision request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindInternal, "build vision request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", aerrors.Wrap(aerrors.KindTimeout, "vision request timed out", err)
		}
		return "", aerrors.Wrap(aerrors.KindUnavailable, "vision model unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindUnavailable, "read vision response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", aerrors.New(aerrors.KindRateLimited, "vision model rate limited")
	case resp.StatusCode >= 500:
		return "", aerrors.Newf(aerrors.KindUnavailable, "vision model returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", aerrors.Newf(aerrors.KindInvalidInput, "vision model rejected request: %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", aerrors.Wrap(aerrors.KindCorruptPayload, "decode vision response", err)
	}
	if parsed.Error != nil {
		return "", aerrors.Newf(aerrors.KindInternal, "vision model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", aerrors.New(aerrors.KindCorruptPayload, "vision response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Caption generates a social-media caption for one image.
func (c *Client) Caption(ctx context.Context, img Image, style, purpose string) (string, error) {
	if style == "" {
		style = "casual"
	}
	if purpose == "" {
		purpose = "social media"
	}
	prompt := fmt.Sprintf(
		"Write a %s caption for this photo, suitable for %s. Reply with the caption only, no preamble.",
		style, purpose)
	return c.Complete(ctx, prompt, []Image{img})
}

// Answer runs single-turn visual question answering.
func (c *Client) Answer(ctx context.Context, img Image, question, extraContext string) (string, error) {
	if question == "" {
		return "", aerrors.New(aerrors.KindEmptyInput, "question is empty")
	}
	prompt := question
	if extraContext != "" {
		prompt = "Context: " + extraContext + "\n\nQuestion: " + question
	}
	return c.Complete(ctx, prompt, []Image{img})
}

// Analyze describes an image's content, scene and notable subjects.
func (c *Client) Analyze(ctx context.Context, img Image) (string, error) {
	prompt := "Describe this photo: the main subjects, the scene, lighting and any notable details. Be concise."
	return c.Complete(ctx, prompt, []Image{img})
}
