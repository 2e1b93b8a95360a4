package api

import (
	"net/http"

	"github.com/lybic/mini-agent/internal/model"
	"github.com/lybic/mini-agent/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	Active            int            `json:"active"`
	RunningExecutions int            `json:"running_executions"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	statuses := []string{
		model.StatusPending,
		model.StatusRunning,
		model.StatusFinished,
		model.StatusError,
		model.StatusCancelled,
	}

	byStatus := make(map[string]int, len(statuses))
	total := 0
	for _, status := range statuses {
		_, count, err := s.store.List(r.Context(), store.ListOptions{Status: status, Limit: 1})
		if err != nil {
			s.logger.Error("count tasks by status", "status", status, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		byStatus[status] = count
		total += count
	}

	active, err := s.store.CountActive(r.Context())
	if err != nil {
		s.logger.Error("count active tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:             total,
		ByStatus:          byStatus,
		Active:            active,
		RunningExecutions: s.registry.Len(),
	})
}
