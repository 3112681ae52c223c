// Package agent runs the conversational orchestrator: a reasoning
// model drives library tools in a bounded loop, and artefact extractors
// turn its prose replies back into structured references.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// DefaultTimeout bounds one reasoning-model call.
const DefaultTimeout = 60 * time.Second

// ClientConfig configures the chat client.
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client is an OpenAI-compatible chat client with function calling.
type Client struct {
	http     *http.Client
	endpoint string
	apiKey   string
	model    string
	retry    aerrors.RetryConfig
}

// NewClient creates a chat client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "chat client requires an endpoint")
	}
	if cfg.APIKey == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "chat client requires an API key")
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

// FunctionCall is the name/arguments pair of one requested tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ChatMessage is one turn on the wire.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the conversation and returns the model's next message,
// which may carry tool calls instead of text.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, tools []map[string]any) (*ChatMessage, error) {
	req := &chatRequest{Model: c.model, Messages: messages, Tools: tools}

	var msg *ChatMessage
	err := aerrors.Retry(ctx, c.retry, func() error {
		var err error
		msg, err = c.call(ctx, req)
		return err
	})
	return msg, err
}

func (c *Client) call(ctx context.Context, req *chatRequest) (*ChatMessage, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "encode chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInternal, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aerrors.Wrap(aerrors.KindTimeout, "chat model call", err)
		}
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "chat model call", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "read chat response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, aerrors.New(aerrors.KindRateLimited, "chat model rate limited")
	case resp.StatusCode >= 500:
		return nil, aerrors.Newf(aerrors.KindUnavailable, "chat model returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, aerrors.Newf(aerrors.KindInvalidInput, "chat model rejected request: %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, aerrors.Wrap(aerrors.KindCorruptPayload, "decode chat response", err)
	}
	if parsed.Error != nil {
		return nil, aerrors.Newf(aerrors.KindUnavailable, "chat model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, aerrors.New(aerrors.KindCorruptPayload, "chat response carries no choices")
	}
	msg := parsed.Choices[0].Message
	return &msg, nil
}
