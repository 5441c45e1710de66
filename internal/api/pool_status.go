package api

import "net/http"

// poolStatusResponse is the JSON response for GET /v1/pool/status
// (spec.md §8 "reachable pool states" invariant, surfaced for operators).
type poolStatusResponse struct {
	Warm     int `json:"warm"`
	Active   int `json:"active"`
	MaxTotal int `json:"max_total"`
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	warm, active, maxTotal := s.pool.Status()
	s.writeJSON(w, http.StatusOK, poolStatusResponse{
		Warm:     warm,
		Active:   active,
		MaxTotal: maxTotal,
	})
}
