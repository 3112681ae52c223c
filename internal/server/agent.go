package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	aerrors "github.com/albumkit/albumd/internal/errors"
	"github.com/albumkit/albumd/internal/search"
	"github.com/albumkit/albumd/internal/session"
	"github.com/albumkit/albumd/internal/store"
	"github.com/albumkit/albumd/internal/vision"
)

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	if s.Recommender == nil {
		s.unavailable(w, "recommendation")
		return
	}
	var req struct {
		Images         []string `json:"images"`
		UserPreference string   `json:"user_preference"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.Recommender.Judge(r.Context(), req.Images, req.UserPreference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// actionParams is the union of every action's parameters; each branch
// reads its own slice of it.
type actionParams struct {
	ImageIDs  []string `json:"image_ids"`
	Confirmed bool     `json:"confirmed"`
	Reason    string   `json:"reason"`

	QueryText    string   `json:"query_text"`
	QueryImageID string   `json:"query_image_id"`
	TopK         int      `json:"top_k"`
	FilterTags   []string `json:"filter_tags"`

	ImageID     string   `json:"image_id"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// handleAgentAction runs library management actions: search, upload
// (reserved), update, analyze, and two-phase deletion where the preview
// action is free and the destructive one insists on confirmed=true.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string       `json:"action"`
		Parameters actionParams `json:"parameters"`
		Context    string       `json:"context"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	switch req.Action {
	case "search":
		s.actionSearch(w, r, req.Parameters)
	case "upload":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     false,
			"action":      req.Action,
			"message":     "URL上传功能暂未实现，请使用 /api/images 上传接口",
			"suggestions": []string{"通过 POST /api/images 以 multipart 形式上传图片"},
		})
	case "update":
		s.actionUpdate(w, r, req.Parameters)
	case "analyze":
		s.actionAnalyze(w, r, req.Parameters)
	case "delete_images_preview":
		items, err := s.Deleter.Preview(r.Context(), req.Parameters.ImageIDs)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":               true,
			"action":                req.Action,
			"images":                items,
			"requires_confirmation": true,
			"suggestions": []string{
				"确认后将永久删除，无法恢复",
				"如需保留部分照片，请调整 image_ids 后重新预览",
			},
		})
	case "delete_images":
		outcome, err := s.Deleter.Delete(r.Context(),
			req.Parameters.ImageIDs, req.Parameters.Confirmed, req.Parameters.Reason)
		if err != nil {
			s.writeError(w, err)
			return
		}
		suggestions := []string{"可以用自然语言搜索确认照片已不在相册中"}
		if outcome.FailedCount > 0 {
			suggestions = append(suggestions, "部分照片删除失败，可重试 failed_ids 中的条目")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"action":      req.Action,
			"result":      outcome,
			"suggestions": suggestions,
		})
	default:
		s.writeError(w, aerrors.Newf(aerrors.KindInvalidInput, "unknown action %q", req.Action))
	}
}

func (s *Server) actionSearch(w http.ResponseWriter, r *http.Request, p actionParams) {
	results, err := s.Engine.Unified(r.Context(), search.UnifiedQuery{
		QueryText:    p.QueryText,
		QueryImageID: p.QueryImageID,
		Options:      search.Options{TopK: p.TopK, Tags: p.FilterTags},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	var suggestions []string
	switch {
	case len(results) == 0:
		suggestions = []string{"尝试使用不同的关键词搜索", "检查是否有相关标签可以过滤"}
	case len(results) > 10:
		suggestions = []string{"可以添加更具体的描述来缩小搜索范围", "尝试使用标签过滤来精确结果"}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"action":      "search",
		"result":      map[string]any{"total": len(results), "results": results},
		"message":     fmt.Sprintf("找到 %d 张相关图片", len(results)),
		"suggestions": suggestions,
	})
}

func (s *Server) actionUpdate(w http.ResponseWriter, r *http.Request, p actionParams) {
	if p.ImageID == "" {
		s.writeError(w, aerrors.New(aerrors.KindInvalidInput, "update requires image_id"))
		return
	}
	if p.Tags == nil && p.Description == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"action":  "update",
			"message": "未提供任何更新内容",
		})
		return
	}
	patch := store.Payload{Tags: p.Tags, Description: p.Description}
	if err := s.Vectors.SetPayload(r.Context(), p.ImageID, patch); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"action":      "update",
		"message":     "更新成功",
		"suggestions": []string{"更新成功，可以搜索验证更新效果"},
	})
}

func (s *Server) actionAnalyze(w http.ResponseWriter, r *http.Request, p actionParams) {
	if s.Vision == nil {
		s.unavailable(w, "image analysis")
		return
	}
	if p.ImageID == "" {
		s.writeError(w, aerrors.New(aerrors.KindInvalidInput, "analyze requires image_id"))
		return
	}
	data, contentType, err := s.Images.Get(r.Context(), p.ImageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	analysis, err := s.Vision.Analyze(r.Context(), vision.Image{Data: data, ContentType: contentType})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"action":  "analyze",
		"result":  map[string]any{"image_id": p.ImageID, "analysis": analysis},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.Orchestrator == nil {
		s.unavailable(w, "chat")
		return
	}
	var req struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.Orchestrator.Chat(r.Context(), s.sessionID(r, req.SessionID), req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, ok := s.Sessions.Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": []session.Message{}})
		return
	}
	events := sess.Events()
	if events == nil {
		events = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Delete(chi.URLParam(r, "session_id"))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"embedder": map[string]any{
			"model":     s.Embedder.ModelName(),
			"available": s.Embedder.Available(r.Context()),
		},
		"chat_enabled":       s.Orchestrator != nil,
		"vision_enabled":     s.Vision != nil,
		"edit_enabled":       s.Editor != nil,
		"pointcloud_enabled": s.PointClouds != nil,
	}
	if info, err := s.Vectors.Info(r.Context()); err == nil {
		status["vector_store"] = info
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Images.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := map[string]any{
		"total_images": stats.TotalImages,
		"total_size":   stats.TotalSize,
	}
	if s.Status != nil {
		if counts, err := s.Status.CountByState(r.Context()); err == nil {
			out["index_states"] = counts
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parallelism int `json:"parallelism"`
	}
	if err := decodeJSONOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.Indexer.ReindexAll(r.Context(), req.Parallelism)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "report": report})
}

// contextWithoutCancel detaches background work from the request.
func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
