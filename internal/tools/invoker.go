package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// SessionHeader carries the conversation id on loopback tool calls so
// tools that touch session state act on the right conversation.
const SessionHeader = "X-Session-ID"

// Invoker executes tools against the service's own HTTP surface. Going
// through HTTP keeps tool behaviour identical whether a call comes from
// the orchestrator or an external client.
type Invoker struct {
	baseURL string
	client  *http.Client
}

// NewInvoker creates an invoker bound to the given base URL.
func NewInvoker(baseURL string, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Invoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Invoke runs one tool call and returns the response body verbatim.
// Error responses still return the body: the orchestrator feeds it back
// to the model as the observation.
func (inv *Invoker) Invoke(ctx context.Context, d Descriptor, args map[string]any, sessionID string) (string, error) {
	path := d.Path
	query := url.Values{}
	body := make(map[string]any)

	for _, p := range d.Params {
		val, ok := args[p.Name]
		if !ok || val == nil {
			if p.Required {
				return "", aerrors.New(aerrors.KindInvalidInput,
					fmt.Sprintf("tool %s: missing required parameter %q", d.Name, p.Name))
			}
			continue
		}
		switch p.Location {
		case InPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(val)))
		case InQuery:
			query.Set(p.Name, fmt.Sprint(val))
		default:
			body[p.Name] = val
		}
	}
	if strings.Contains(path, "{") {
		return "", aerrors.New(aerrors.KindInvalidInput,
			fmt.Sprintf("tool %s: unresolved path parameter in %s", d.Name, path))
	}

	target := inv.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if d.Method != http.MethodGet && len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", aerrors.Wrap(aerrors.KindInternal, "encode tool arguments", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, target, reader)
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindInternal, "build tool request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindUnavailable, "tool call "+d.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", aerrors.Wrap(aerrors.KindCorruptPayload, "read tool response", err)
	}
	text := string(raw)

	if resp.StatusCode >= 500 {
		return text, aerrors.New(aerrors.KindUnavailable,
			fmt.Sprintf("tool %s failed with status %d", d.Name, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return text, aerrors.New(aerrors.KindInvalidInput,
			fmt.Sprintf("tool %s rejected with status %d", d.Name, resp.StatusCode))
	}
	return text, nil
}
