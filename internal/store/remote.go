package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	aerrors "github.com/albumkit/albumd/internal/errors"
)

// RemoteStore talks to an external vector service over HTTP. The wire
// protocol mirrors the VectorStore interface one-to-one: each method is
// a POST under /collections/{name}/points with JSON bodies, so local and
// remote deployments behave identically.
type RemoteStore struct {
	client     *http.Client
	endpoint   string
	collection string
	dims       int
}

var _ VectorStore = (*RemoteStore)(nil)

// NewRemoteStore creates a store client for the given endpoint.
func NewRemoteStore(cfg Config) (*RemoteStore, error) {
	if cfg.Endpoint == "" {
		return nil, aerrors.New(aerrors.KindMisconfigured, "remote vector store requires an endpoint")
	}
	if cfg.Dimensions <= 0 {
		return nil, aerrors.New(aerrors.KindMisconfigured, "vector store requires positive dimensions")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "album"
	}
	return &RemoteStore{
		client:     &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		collection: collection,
		dims:       cfg.Dimensions,
	}, nil
}

type remoteFilter struct {
	TagsAny     []string          `json:"tags_any,omitempty"`
	CreatedFrom *time.Time        `json:"created_from,omitempty"`
	CreatedTo   *time.Time        `json:"created_to,omitempty"`
	Month       int               `json:"month,omitempty"`
	Day         int               `json:"day,omitempty"`
	IDs         []string          `json:"ids,omitempty"`
	FieldEquals map[string]string `json:"field_equals,omitempty"`
}

func encodeFilter(f Filter) remoteFilter {
	rf := remoteFilter{
		TagsAny:     f.TagsAny,
		Month:       int(f.Month),
		Day:         f.Day,
		IDs:         f.IDs,
		FieldEquals: f.FieldEquals,
	}
	if !f.CreatedFrom.IsZero() {
		from := f.CreatedFrom
		rf.CreatedFrom = &from
	}
	if !f.CreatedTo.IsZero() {
		to := f.CreatedTo
		rf.CreatedTo = &to
	}
	return rf
}

type remotePoint struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}

func (r *RemoteStore) url(op string) string {
	return fmt.Sprintf("%s/collections/%s/points/%s", r.endpoint, r.collection, op)
}

func (r *RemoteStore) post(ctx context.Context, url string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return aerrors.Wrap(aerrors.KindInternal, "marshal vector request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return aerrors.Wrap(aerrors.KindInternal, "build vector request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return aerrors.Wrap(aerrors.KindUnavailable, "vector service unreachable", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return aerrors.Wrap(aerrors.KindUnavailable, "read vector response", err)
	}
	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return aerrors.Newf(aerrors.KindNotFound, "vector service: %s", strings.TrimSpace(string(respBody)))
	case httpResp.StatusCode >= 500:
		return aerrors.Newf(aerrors.KindUnavailable, "vector service returned %d", httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return aerrors.Newf(aerrors.KindInvalidInput, "vector service rejected request: %d", httpResp.StatusCode)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, resp); err != nil {
		return aerrors.Wrap(aerrors.KindCorruptPayload, "decode vector response", err)
	}
	return nil
}

// Upsert inserts or replaces points.
func (r *RemoteStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	req := struct {
		Points []remotePoint `json:"points"`
	}{}
	for _, p := range points {
		if len(p.Vector) != r.dims {
			return ErrDimensionMismatch{Expected: r.dims, Got: len(p.Vector)}
		}
		req.Points = append(req.Points, remotePoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
	}
	return r.post(ctx, r.url("upsert"), req, nil)
}

// Search runs a filtered kNN query.
func (r *RemoteStore) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]SearchResult, error) {
	if len(vector) != r.dims {
		return nil, ErrDimensionMismatch{Expected: r.dims, Got: len(vector)}
	}
	req := struct {
		Vector []float32    `json:"vector"`
		Limit  int          `json:"limit"`
		Filter remoteFilter `json:"filter"`
	}{Vector: vector, Limit: k, Filter: encodeFilter(filter)}

	var resp struct {
		Results []SearchResult `json:"results"`
	}
	if err := r.post(ctx, r.url("search"), req, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []SearchResult{}
	}
	return resp.Results, nil
}

// Scroll pages through filtered points.
func (r *RemoteStore) Scroll(ctx context.Context, filter Filter, limit, offset int) (*ScrollPage, error) {
	req := struct {
		Filter remoteFilter `json:"filter"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}{Filter: encodeFilter(filter), Limit: limit, Offset: offset}

	var resp struct {
		Points     []remotePoint `json:"points"`
		NextOffset int           `json:"next_offset"`
		Scanned    int           `json:"scanned"`
	}
	if err := r.post(ctx, r.url("scroll"), req, &resp); err != nil {
		return nil, err
	}
	page := &ScrollPage{NextOffset: resp.NextOffset, Scanned: resp.Scanned}
	for _, p := range resp.Points {
		page.Points = append(page.Points, Point{ID: p.ID, Payload: p.Payload})
	}
	return page, nil
}

// Get fetches one point's payload.
func (r *RemoteStore) Get(ctx context.Context, id string) (*Point, error) {
	req := struct {
		ID string `json:"id"`
	}{ID: id}
	var resp remotePoint
	if err := r.post(ctx, r.url("get"), req, &resp); err != nil {
		return nil, err
	}
	return &Point{ID: resp.ID, Payload: resp.Payload}, nil
}

// Delete removes points by id.
func (r *RemoteStore) Delete(ctx context.Context, ids []string) error {
	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return r.post(ctx, r.url("delete"), req, nil)
}

// SetPayload merges payload fields into a point.
func (r *RemoteStore) SetPayload(ctx context.Context, id string, p Payload) error {
	req := struct {
		ID      string  `json:"id"`
		Payload Payload `json:"payload"`
	}{ID: id, Payload: p}
	return r.post(ctx, r.url("payload"), req, nil)
}

// Count returns the number of matching points.
func (r *RemoteStore) Count(ctx context.Context, filter Filter) (int, error) {
	req := struct {
		Filter remoteFilter `json:"filter"`
	}{Filter: encodeFilter(filter)}
	var resp struct {
		Count int `json:"count"`
	}
	if err := r.post(ctx, r.url("count"), req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Info returns collection metadata.
func (r *RemoteStore) Info(ctx context.Context) (Info, error) {
	var resp Info
	if err := r.post(ctx, r.url("info"), struct{}{}, &resp); err != nil {
		return Info{}, err
	}
	resp.Mode = "remote"
	return resp, nil
}

// Close releases idle connections.
func (r *RemoteStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
