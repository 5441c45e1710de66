package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/neurovisor/control-plane/internal/model"
	"github.com/neurovisor/control-plane/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskRequest is the JSON body for POST /v1/sessions.
type submitTaskRequest struct {
	Task string `json:"task"`
}

// listSessionsResponse wraps the paginated session history response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int               `json:"offset"`
}

// handleSubmitTask runs one task through the agent loop to completion and
// returns the finished Session (spec.md §4.4, §8 end-to-end scenarios).
// The rate limiter is consulted once, at this outermost request boundary
// (spec.md §9 "Open question — rate limiter granularity").
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if err := s.limiter.Allow(); err != nil {
		s.writeError(w, http.StatusTooManyRequests, "throttled")
		return
	}

	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Task == "" {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	sess := model.NewSession(req.Task, s.model, s.sysPrompt, s.maxIterations)
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.logger.Error("create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	runErr := s.loop.Run(r.Context(), sess)
	if err := s.store.UpdateSession(r.Context(), sess); err != nil {
		s.logger.Error("update session", "trace_id", sess.TraceID, "error", err)
	}
	if runErr != nil {
		s.logger.Warn("session failed", "trace_id", sess.TraceID, "error", runErr)
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	sess, err := s.store.GetSession(r.Context(), traceID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
