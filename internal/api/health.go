package api

import "net/http"

type healthResponse struct {
	Status           string `json:"status"`
	ActiveExecutions int    `json:"active_executions"`
	StoreReachable   bool   `json:"store_reachable"`
}

// handleHealthz reports liveness plus a cheap store probe. A degraded store
// yields 503 so load balancers stop routing submissions here.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		ActiveExecutions: s.registry.Len(),
		StoreReachable:   true,
	}

	if _, err := s.store.CountActive(r.Context()); err != nil {
		s.logger.Error("health store probe failed", "error", err)
		resp.Status = "degraded"
		resp.StoreReachable = false
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}
