package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/vision"
)

func (s *Server) handleServeImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, contentType, err := s.Images.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}

// handleUpload ingests a multipart upload. The envelope's "indexed"
// field is true, false or the string "processing" so clients can tell a
// finished index from a deferred one.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(s.MaxUpload); err != nil {
		s.writeError(w, aerrors.Wrap(aerrors.KindInvalidInput, "parse multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
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

	opts := index.IngestOptions{
		AutoIndex:   formBool(r, "auto_index", true),
		AsyncIndex:  formBool(r, "async_index", false),
		Description: r.FormValue("description"),
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Tags = append(opts.Tags, t)
			}
		}
	}

	res, err := s.Indexer.Ingest(r.Context(), data, header.Filename, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var indexed any
	switch res.Indexed {
	case index.IndexedDone:
		indexed = true
	case index.IndexedProcessing:
		indexed = "processing"
	default:
		indexed = false
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"image_id":    res.Record.ID,
		"filename":    res.Record.Filename,
		"preview_url": search.PreviewURL(res.Record.ID),
		"created_at":  res.Record.CreatedAt,
		"indexed":     indexed,
		"index_mode":  string(res.Mode),
		"index_error": res.IndexError,
	})
}

func formBool(r *http.Request, name string, def bool) bool {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := objstore.ListOptions{
		Page:      queryInt(q.Get("page"), 1),
		PageSize:  queryInt(q.Get("page_size"), 20),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("order"),
	}
	records, total, err := s.Images.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]any{
			"id":          rec.ID,
			"filename":    rec.Filename,
			"file_size":   rec.Size,
			"format":      rec.Format,
			"created_at":  rec.CreatedAt,
			"preview_url": search.PreviewURL(rec.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":    items,
		"total":     total,
		"page":      opts.Page,
		"page_size": opts.PageSize,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleImageMeta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.Images.Stat(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meta := map[string]any{
		"id":          rec.ID,
		"filename":    rec.Filename,
		"file_size":   rec.Size,
		"width":       rec.Width,
		"height":      rec.Height,
		"format":      rec.Format,
		"created_at":  rec.CreatedAt,
		"preview_url": search.PreviewURL(rec.ID),
	}
	if point, err := s.Vectors.Get(r.Context(), id); err == nil {
		meta["tags"] = point.Payload.Tags
		meta["description"] = point.Payload.Description
		meta["indexed"] = true
	} else {
		meta["indexed"] = false
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) imageAttachment(r *http.Request) (vision.Image, error) {
	id := chi.URLParam(r, "id")
	data, contentType, err := s.Images.Get(r.Context(), id)
	if err != nil {
		return vision.Image{}, err
	}
	return vision.Image{Data: data, ContentType: contentType}, nil
}

func (s *Server) handleCaption(w http.ResponseWriter, r *http.Request) {
	if s.Vision == nil {
		s.unavailable(w, "vision model")
		return
	}
	var req struct {
		Style   string `json:"style"`
		Purpose string `json:"purpose"`
	}
	if err := decodeJSONOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	img, err := s.imageAttachment(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	caption, err := s.Vision.Caption(r.Context(), img, req.Style, req.Purpose)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "caption": caption})
}

func (s *Server) handleQA(w http.ResponseWriter, r *http.Request) {
	if s.Vision == nil {
		s.unavailable(w, "vision model")
		return
	}
	var req struct {
		Question string `json:"question"`
		Context  string `json:"context"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Question == "" {
		s.writeError(w, aerrors.New(aerrors.KindEmptyInput, "question is empty"))
		return
	}
	img, err := s.imageAttachment(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	answer, err := s.Vision.Answer(r.Context(), img, req.Question, req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "answer": answer})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	if s.Editor == nil {
		s.unavailable(w, "image editing")
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
		Style  string `json:"style_tag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.Editor.Apply(r.Context(), chi.URLParam(r, "id"), req.Prompt, req.Style)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"time": time.Now().Format("2006-01-02 15:04:05"),
	})
}

// handleMetaSchema describes the searchable metadata so the reasoning
// model knows what a metadata query can filter on.
func (s *Server) handleMetaSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fields": []map[string]string{
			{"name": "filename", "type": "string", "description": "Original upload filename."},
			{"name": "created_at", "type": "datetime", "description": "Upload time; drives date searches."},
			{"name": "tags", "type": "array", "description": "User-supplied tags."},
			{"name": "description", "type": "string", "description": "User-supplied description."},
		},
		"date_formats": []string{"2026-01-18", "2026.1.18", "1.18", "1-18", "1月18日"},
		"notes":        "Dates without a year match that month and day in every year.",
	})
}
