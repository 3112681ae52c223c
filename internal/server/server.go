// Package server exposes the photo library over HTTP. The same routes
// back both external clients and the orchestrator's loopback tool
// calls, so behaviour never diverges between the two.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/albumkit/albumd/internal/agent"
	"github.com/albumkit/albumd/internal/edit"
	"github.com/albumkit/albumd/internal/embed"
	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/index"
	"github.com/albumkit/albumd/internal/objstore"
	"github.com/albumkit/albumd/internal/pointcloud"
	"github.com/albumkit/albumd/internal/recommend"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/store"
	"github.com/albumkit/albumd/internal/tools"
	"github.com/albumkit/albumd/internal/vision"
)

// Deps carries everything the HTTP surface needs. Optional features
// (vision, edit, recommendation, chat) may be nil; their routes then
// answer 503.
type Deps struct {
	Images       *objstore.Store
	Vectors      store.VectorStore
	Status       *store.StatusStore
	Embedder     embed.Embedder
	Indexer      *index.Indexer
	Engine       *search.Engine
	Vision       *vision.Client
	Editor       *edit.Editor
	Recommender  *recommend.Recommender
	Deleter      *recommend.Deleter
	PointClouds  *pointcloud.Manager
	Sessions     *session.Manager
	Orchestrator *agent.Orchestrator
	MaxUpload    int64
	Logger       *slog.Logger
}

// Server is the HTTP layer.
type Server struct {
	Deps
}

// New creates a server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUpload <= 0 {
		deps.MaxUpload = 50 << 20
	}
	return &Server{Deps: deps}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/images/{id}", s.handleServeImage)
	r.Get("/pointcloud/download/{task_id}", s.handlePointCloudDownload)

	r.Route("/api", func(r chi.Router) {
		r.Post("/images", s.handleUpload)
		r.Get("/images", s.handleListImages)
		r.Get("/images/{id}/meta", s.handleImageMeta)
		r.Post("/images/{id}/caption", s.handleCaption)
		r.Post("/images/{id}/qa", s.handleQA)
		r.Post("/images/{id}/edit", s.handleEdit)

		r.Post("/search/text", s.handleSearchText)
		r.Post("/search/image", s.handleSearchByImage)
		r.Post("/search/upload", s.handleSearchUpload)
		r.Post("/search/meta", s.handleSearchMeta)
		r.Post("/search/hybrid-meta", s.handleSearchHybridMeta)
		r.Post("/search/unified", s.handleSearchUnified)

		r.Get("/time", s.handleTime)
		r.Get("/meta-schema", s.handleMetaSchema)

		r.Post("/recommend", s.handleRecommend)
		r.Post("/agent/action", s.handleAgentAction)
		r.Post("/chat", s.handleChat)

		r.Post("/pointcloud", s.handlePointCloudCreate)
		r.Get("/pointcloud", s.handlePointCloudList)
		r.Get("/pointcloud/{task_id}", s.handlePointCloudGet)
		r.Delete("/pointcloud/{task_id}", s.handlePointCloudDelete)

		r.Get("/sessions/{session_id}/events", s.handleSessionEvents)
		r.Delete("/sessions/{session_id}", s.handleSessionDelete)

		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Post("/reindex", s.handleReindex)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// sessionID resolves the conversation id: explicit value first, then
// the loopback header, then the default.
func (s *Server) sessionID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if h := r.Header.Get(tools.SessionHeader); h != "" {
		return h
	}
	return session.DefaultSessionID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps error kinds onto HTTP statuses. Client kinds become
// 4xx; everything else is a server-side failure.
func httpStatus(err error) int {
	switch aerrors.KindOf(err) {
	case aerrors.KindNotFound:
		return http.StatusNotFound
	case aerrors.KindNotConfirmed:
		return http.StatusConflict
	case aerrors.KindInvalidInput, aerrors.KindEmptyInput:
		return http.StatusBadRequest
	case aerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case aerrors.KindUnavailable, aerrors.KindRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= 500 {
		s.Logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    string(aerrors.KindOf(err)),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return aerrors.Wrap(aerrors.KindInvalidInput, "decode request body", err)
	}
	return nil
}

// decodeJSONOptional tolerates an absent body for requests whose
// parameters are all optional.
func decodeJSONOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return aerrors.Wrap(aerrors.KindInvalidInput, "decode request body", err)
}

func (s *Server) unavailable(w http.ResponseWriter, feature string) {
	s.writeError(w, aerrors.Newf(aerrors.KindUnavailable, "%s is not configured", feature))
}
