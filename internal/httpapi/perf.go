package httpapi

import "net/http"

// handlePerfLatency reports rolling stage latencies and the per-iteration
// producer/critic breakdown. A server without metrics answers with an
// empty window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		defer s.metrics.ResetLatency()
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencyReport())
}
