package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neurovisor/control-plane/internal/model"
	"github.com/neurovisor/control-plane/internal/store"
)

// handleStreamLogs streams a session's tool-call output as Server-Sent
// Events, one line per event. Grounded on the teacher's
// internal/api/logs.go, generalized from per-workload to per-session.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	sess, err := s.store.GetSession(r.Context(), traceID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if sess.Status == model.SessionStatusCompleted || sess.Status == model.SessionStatusFailed {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.loop.Broker().Subscribe(traceID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				w.Write([]byte("event: done\ndata: stream complete\n\n"))
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes line as an SSE data event, splitting multi-line
// strings so each segment gets its own "data:" prefix per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for _, seg := range strings.Split(line, "\n") {
		if _, err := w.Write([]byte("data: " + seg + "\n")); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("\n"))
	return err
}
