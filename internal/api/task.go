package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lybic/mini-agent/internal/engine"
	"github.com/lybic/mini-agent/internal/model"
	"github.com/lybic/mini-agent/internal/registry"
	"github.com/lybic/mini-agent/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskRequest is the JSON body for POST /v1/tasks and /v1/tasks/run.
type submitTaskRequest struct {
	Instruction     string `json:"instruction"`
	MaxSteps        *int   `json:"max_steps"`
	EnvironmentRef  string `json:"environment_ref"`
	SandboxID       string `json:"sandbox_id"` // accepted alias for environment_ref
	SystemPrompt    string `json:"system_prompt"`
	ContinueContext bool   `json:"continue_context"`
	// TaskID names the prior task whose context is continued when
	// continue_context is set; otherwise it pins the new record's ID.
	TaskID string `json:"task_id"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// buildTask validates a submission and assembles the record plus run
// options. On failure it writes the error response and returns false.
func (s *Server) buildTask(w http.ResponseWriter, r *http.Request) (*model.TaskRecord, engine.RunOptions, bool) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, engine.RunOptions{}, false
	}

	if req.Instruction == "" {
		s.writeError(w, http.StatusBadRequest, "instruction is required")
		return nil, engine.RunOptions{}, false
	}

	maxSteps := s.defaultMaxSteps
	if req.MaxSteps != nil {
		if *req.MaxSteps <= 0 {
			s.writeError(w, http.StatusBadRequest, "max_steps must be positive")
			return nil, engine.RunOptions{}, false
		}
		maxSteps = *req.MaxSteps
	}
	if s.maxStepLimit > 0 && maxSteps > s.maxStepLimit {
		maxSteps = s.maxStepLimit
	}

	envRef := req.EnvironmentRef
	if envRef == "" {
		envRef = req.SandboxID
	}

	opts := engine.RunOptions{SystemPrompt: req.SystemPrompt}
	taskID := ""

	if req.ContinueContext {
		if req.TaskID == "" {
			s.writeError(w, http.StatusBadRequest, "task_id is required when continue_context is set")
			return nil, engine.RunOptions{}, false
		}
		// The prior task's record is read-only input; the continuation
		// always runs under a fresh ID.
		prior, err := s.store.Get(r.Context(), req.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return nil, engine.RunOptions{}, false
		}
		if err != nil {
			s.logger.Error("get prior task", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load prior task")
			return nil, engine.RunOptions{}, false
		}
		seed, err := model.DecodeSnapshot(prior.ContextSnapshot)
		if err != nil {
			s.logger.Error("decode context snapshot", "task_id", prior.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to restore context")
			return nil, engine.RunOptions{}, false
		}
		opts.Seed = seed
		if envRef == "" {
			envRef = prior.EnvironmentRef
		}
	} else if req.TaskID != "" {
		taskID = req.TaskID
	}

	if taskID == "" {
		taskID = model.NewID()
	}

	if envRef == "" {
		ref, err := s.sandbox.Provision(r.Context())
		if err != nil {
			s.logger.Error("provision sandbox", "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to provision execution environment")
			return nil, engine.RunOptions{}, false
		}
		envRef = ref
	}

	rec := &model.TaskRecord{
		ID:             taskID,
		Status:         model.StatusPending,
		Instruction:    req.Instruction,
		MaxSteps:       maxSteps,
		EnvironmentRef: envRef,
		CreatedAt:      time.Now().UTC(),
	}
	return rec, opts, true
}

// startError maps an engine start failure to an HTTP response.
func (s *Server) startError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "task is already running")
	case errors.Is(err, store.ErrDuplicateID):
		s.writeError(w, http.StatusConflict, "task id already exists")
	default:
		s.logger.Error("start task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start task")
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	rec, opts, ok := s.buildTask(w, r)
	if !ok {
		return
	}

	if err := s.engine.Start(r.Context(), rec, opts, nil); err != nil {
		s.startError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": rec.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	status := r.URL.Query().Get("status")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if status != "" && !model.ValidStatus(status) {
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	tasks, total, err := s.store.List(r.Context(), store.ListOptions{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("delete task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "deleted": "true"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.registry.SignalCancel(id) {
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"task_id":    id,
			"cancelling": true,
		})
		return
	}

	// No active lease: either the task never existed or it already reached
	// a terminal state.
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"task_id":    id,
		"cancelling": false,
		"status":     rec.Status,
	})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	count := s.registry.SignalCancelAll()
	s.writeJSON(w, http.StatusAccepted, map[string]int{"cancelled_count": count})
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

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
