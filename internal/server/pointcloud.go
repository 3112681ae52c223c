package server

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/pointcloud"
)

func (s *Server) handlePointCloudCreate(w http.ResponseWriter, r *http.Request) {
	if s.PointClouds == nil {
		s.unavailable(w, "point-cloud generation")
		return
	}
	var req struct {
		ImageID   string `json:"image_id"`
		Quality   string `json:"quality"`
		AsyncMode *bool  `json:"async_mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ImageID == "" {
		s.writeError(w, aerrors.New(aerrors.KindInvalidInput, "image_id is required"))
		return
	}
	if req.Quality == "" {
		req.Quality = "balanced"
	}
	async := true
	if req.AsyncMode != nil {
		async = *req.AsyncMode
	}

	task, err := s.PointClouds.Create(r.Context(), req.ImageID, req.Quality, async)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if async && s.Sessions != nil {
		sess := s.Sessions.Resolve(s.sessionID(r, ""))
		go s.PointClouds.Monitor(contextWithoutCancel(r), sess, task.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "task": task})
}

func (s *Server) handlePointCloudGet(w http.ResponseWriter, r *http.Request) {
	if s.PointClouds == nil {
		s.unavailable(w, "point-cloud generation")
		return
	}
	task, err := s.PointClouds.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

func (s *Server) handlePointCloudList(w http.ResponseWriter, r *http.Request) {
	if s.PointClouds == nil {
		s.unavailable(w, "point-cloud generation")
		return
	}
	tasks, err := s.PointClouds.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*pointcloud.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": tasks})
}

func (s *Server) handlePointCloudDelete(w http.ResponseWriter, r *http.Request) {
	if s.PointClouds == nil {
		s.unavailable(w, "point-cloud generation")
		return
	}
	if err := s.PointClouds.Delete(r.Context(), chi.URLParam(r, "task_id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePointCloudDownload(w http.ResponseWriter, r *http.Request) {
	if s.PointClouds == nil {
		s.unavailable(w, "point-cloud generation")
		return
	}
	taskID := chi.URLParam(r, "task_id")
	path, err := s.PointClouds.PLYPath(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
