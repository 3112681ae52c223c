package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/search"
)

type searchRequest struct {
	Query          string   `json:"query"`
	ImageID        string   `json:"image_id"`
	ImageURL       string   `json:"image_url"`
	DateText       string   `json:"date_text"`
	Tags           []string `json:"tags"`
	TopK           int      `json:"top_k"`
	ScoreThreshold float32  `json:"score_threshold"`
}

func (req searchRequest) options() search.Options {
	return search.Options{
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Tags:           req.Tags,
	}
}

func (s *Server) writeResults(w http.ResponseWriter, results []search.Result, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.Engine.ByText(r.Context(), req.Query, req.options())
	s.writeResults(w, results, err)
}

func (s *Server) handleSearchByImage(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ImageID == "" {
		s.writeError(w, aerrors.New(aerrors.KindInvalidInput, "image_id is required"))
		return
	}
	results, err := s.Engine.ByImageID(r.Context(), req.ImageID, req.options())
	s.writeResults(w, results, err)
}

// handleSearchUpload searches by a query image that is not in the
// library. The image arrives as multipart and is never stored.
func (s *Server) handleSearchUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(s.MaxUpload); err != nil {
		s.writeError(w, aerrors.Wrap(aerrors.KindInvalidInput, "parse multipart form", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, aerrors.Wrap(aerrors.KindInvalidInput, "missing file field", err))
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, aerrors.Wrap(aerrors.KindInvalidInput, "read upload", err))
		return
	}

	opts := search.Options{TopK: queryInt(r.FormValue("top_k"), 0)}
	var results []search.Result
	if text := r.FormValue("query"); text != "" {
		results, err = s.Engine.Hybrid(r.Context(), text, data, opts)
	} else {
		results, err = s.Engine.ByImageBytes(r.Context(), data, opts)
	}
	s.writeResults(w, results, err)
}

func (s *Server) handleSearchMeta(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.Engine.ByMeta(r.Context(), req.DateText, req.Tags, req.TopK)
	s.writeResults(w, results, err)
}

func (s *Server) handleSearchHybridMeta(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.Engine.ByTextWithMeta(r.Context(), req.Query, req.DateText, req.Tags, req.options())
	s.writeResults(w, results, err)
}

func (s *Server) handleSearchUnified(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	q := search.UnifiedQuery{
		QueryText:    req.Query,
		QueryImageID: req.ImageID,
		DateText:     req.DateText,
		Options:      req.options(),
	}
	if q.QueryImageID == "" && req.ImageURL != "" {
		// A preview URL of our own resolves to the stored image; anything
		// else is fetched.
		if id, ok := strings.CutPrefix(req.ImageURL, "/images/"); ok {
			q.QueryImageID = id
		} else {
			data, err := s.fetchQueryImage(r.Context(), req.ImageURL)
			if err != nil {
				s.writeError(w, err)
				return
			}
			q.QueryImage = data
		}
	}
	results, err := s.Engine.Unified(r.Context(), q)
	s.writeResults(w, results, err)
}

func (s *Server) fetchQueryImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindInvalidInput, "bad image_url", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, aerrors.Wrap(aerrors.KindUnavailable, "fetch query image", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, aerrors.Newf(aerrors.KindInvalidInput, "query image fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, s.MaxUpload))
}
