package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lybic/mini-agent/internal/agent"
	"github.com/lybic/mini-agent/internal/engine"
	"github.com/lybic/mini-agent/internal/model"
	"github.com/lybic/mini-agent/internal/registry"
	"github.com/lybic/mini-agent/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	reg := registry.New()
	eng := engine.New(st, reg, &agent.ScriptedModel{StepsUntilDone: 2}, &agent.ScriptedSandbox{}, logger, 0)
	srv := NewServer("127.0.0.1:0", st, reg, eng, &agent.ScriptedSandbox{}, logger, Options{DefaultMaxSteps: 10})

	t.Cleanup(func() {
		reg.SignalCancelAll()
		eng.Wait()
	})
	return srv
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

// pollTask polls GET /v1/tasks/{id} until the task reaches the wanted status.
func pollTask(t *testing.T, srv *Server, id, want string) model.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last model.TaskRecord
	for time.Now().Before(deadline) {
		w := doRequest(srv, http.MethodGet, "/v1/tasks/"+id, nil)
		if w.Code == http.StatusOK {
			decodeBody(t, w, &last)
			if last.Status == want {
				return last
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (last seen %q)", id, want, last.Status)
	return model.TaskRecord{}
}

func TestSubmitTaskLifecycle(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{
		"instruction": "open the settings page",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["task_id"] == "" {
		t.Fatal("expected a task_id in the response")
	}

	rec := pollTask(t, srv, resp["task_id"], model.StatusFinished)
	if rec.FinalOutput == "" {
		t.Error("expected non-empty final output")
	}
	if rec.Stats == nil || rec.Stats.Steps == 0 {
		t.Errorf("expected execution stats, got %+v", rec.Stats)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"missing instruction", map[string]any{"max_steps": 5}},
		{"non-positive max_steps", map[string]any{"instruction": "x", "max_steps": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/v1/tasks", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", w.Code)
	}
}

func TestSubmitDuplicateTaskID(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{"instruction": "first", "task_id": "pinned-1"}
	if w := doRequest(srv, http.MethodPost, "/v1/tasks", body); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	pollTask(t, srv, "pinned-1", model.StatusFinished)

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": "second", "task_id": "pinned-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate task id, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	if w := doRequest(srv, http.MethodGet, "/v1/tasks/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)

	var ids []string
	for _, instruction := range []string{"a", "b", "c"} {
		w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": instruction})
		if w.Code != http.StatusAccepted {
			t.Fatalf("submit: %d", w.Code)
		}
		var resp map[string]string
		decodeBody(t, w, &resp)
		ids = append(ids, resp["task_id"])
	}
	for _, id := range ids {
		pollTask(t, srv, id, model.StatusFinished)
	}

	w := doRequest(srv, http.MethodGet, "/v1/tasks?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp listTasksResponse
	decodeBody(t, w, &resp)
	if resp.Total != 3 || len(resp.Tasks) != 2 {
		t.Errorf("unexpected page: total=%d tasks=%d", resp.Total, len(resp.Tasks))
	}

	w = doRequest(srv, http.MethodGet, "/v1/tasks?status=finished", nil)
	decodeBody(t, w, &resp)
	if resp.Total != 3 {
		t.Errorf("expected 3 finished tasks, got %d", resp.Total)
	}

	if w := doRequest(srv, http.MethodGet, "/v1/tasks?status=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": "x"})
	var resp map[string]string
	decodeBody(t, w, &resp)
	id := resp["task_id"]
	pollTask(t, srv, id, model.StatusFinished)

	if w := doRequest(srv, http.MethodDelete, "/v1/tasks/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodDelete, "/v1/tasks/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t)

	if w := doRequest(srv, http.MethodPost, "/v1/tasks/missing/cancel", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": "x"})
	var resp map[string]string
	decodeBody(t, w, &resp)
	id := resp["task_id"]
	pollTask(t, srv, id, model.StatusFinished)

	// Cancelling a terminal task reports its status instead of signalling.
	cw := doRequest(srv, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil)
	if cw.Code != http.StatusOK {
		t.Fatalf("expected 200 for terminal task, got %d", cw.Code)
	}
	var cancelResp map[string]any
	decodeBody(t, cw, &cancelResp)
	if cancelResp["cancelling"] != false || cancelResp["status"] != model.StatusFinished {
		t.Errorf("unexpected cancel response: %v", cancelResp)
	}
}

func TestCancelAll(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/tasks/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var resp map[string]int
	decodeBody(t, w, &resp)
	if _, ok := resp["cancelled_count"]; !ok {
		t.Errorf("expected cancelled_count in response: %v", resp)
	}
}

func TestContinuation(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": "open the settings page"})
	var resp map[string]string
	decodeBody(t, w, &resp)
	priorID := resp["task_id"]
	prior := pollTask(t, srv, priorID, model.StatusFinished)

	w = doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{
		"instruction":      "now enable dark mode",
		"continue_context": true,
		"task_id":          priorID,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &resp)
	if resp["task_id"] == priorID {
		t.Fatal("continuation must run under a fresh task id")
	}

	cont := pollTask(t, srv, resp["task_id"], model.StatusFinished)
	if cont.EnvironmentRef != prior.EnvironmentRef {
		t.Errorf("expected the prior environment to be reused: %s != %s", cont.EnvironmentRef, prior.EnvironmentRef)
	}

	// The prior record is read-only input for the continuation.
	after := pollTask(t, srv, priorID, model.StatusFinished)
	if after.UpdatedAt != prior.UpdatedAt {
		t.Error("continuation mutated the prior record")
	}

	w = doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{
		"instruction":      "x",
		"continue_context": true,
		"task_id":          "missing",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown prior task, got %d", w.Code)
	}
}

func TestRunTaskStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks/run", "application/json",
		strings.NewReader(`{"instruction":"open the settings page"}`))
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	var events []model.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != model.EventSystem {
		t.Errorf("expected leading system event, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != model.EventFinished {
		t.Errorf("expected terminal finished event, got %s", last.Type)
	}

	rec := pollTask(t, srv, last.TaskID, model.StatusFinished)
	if rec.FinalOutput == "" {
		t.Error("expected the streamed task to persist its final output")
	}
}

func TestRunTaskStreamValidation(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/v1/tasks/run", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 before any stream bytes, got %d", w.Code)
	}
}

func TestCreateSandbox(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/v1/sandboxes", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["environment_ref"] == "" {
		t.Fatal("expected an environment_ref")
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/tasks", map[string]any{"instruction": "x"})
	var submit map[string]string
	decodeBody(t, w, &submit)
	pollTask(t, srv, submit["task_id"], model.StatusFinished)

	sw := doRequest(srv, http.MethodGet, "/v1/stats", nil)
	if sw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", sw.Code)
	}
	var stats statsResponse
	decodeBody(t, sw, &stats)
	if stats.Total != 1 || stats.ByStatus[model.StatusFinished] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp healthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || !resp.StoreReachable {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if resp.ActiveExecutions != 0 {
		t.Errorf("expected no active executions, got %d", resp.ActiveExecutions)
	}
}
