package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/engine"
	"github.com/buildlane/autopilot/internal/runner"
	"github.com/buildlane/autopilot/internal/store"
)

type stubRunner struct{ exitFor map[string]int }

func (r *stubRunner) Run(ctx context.Context, req runner.Request, emit runner.LineFunc) (runner.Result, error) {
	taskID := req.Command[1]
	emit(domain.LogInfo, "line one")
	emit(domain.LogInfo, "line two")
	return runner.Result{ExitCode: r.exitFor[taskID]}, nil
}

type stubTasks struct{ ids []string }

func (s *stubTasks) EligibleTaskIDs(string) ([]string, error) { return s.ids, nil }

type stubAI struct{ check engine.AICheck }

func (s *stubAI) Check(string) (engine.AICheck, error) { return s.check, nil }

type stubRepo struct{ ready bool }

func (s *stubRepo) Ready(string) (bool, error) { return s.ready, nil }

func newTestServer(t *testing.T, tasks []string, exitFor map[string]int) *Server {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if exitFor == nil {
		exitFor = map[string]int{}
	}
	eng := engine.New(engine.Options{
		Store:   st,
		Runner:  &stubRunner{exitFor: exitFor},
		Tasks:   &stubTasks{ids: tasks},
		AI:      &stubAI{check: engine.AICheck{Reason: engine.AIOK}},
		Repo:    &stubRepo{ready: true},
		Planner: &engine.CommandPlanner{Command: []string{"work", "{task}"}},
	})
	t.Cleanup(eng.Close)
	return NewServer(eng, ":0")
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	decoded := map[string]any{}
	json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func waitStatus(t *testing.T, s *Server, projectID, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w, resp := doJSON(t, s, "GET", "/api/projects/"+projectID+"/status", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status request = %d", w.Code)
		}
		if resp["status"] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("project %s never reached status %s", projectID, want)
}

func TestStatusHandler_Idle(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w, resp := doJSON(t, s, "GET", "/api/projects/proj1/status", "")
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}
	if resp["status"] != "IDLE" {
		t.Errorf("status = %v, want IDLE", resp["status"])
	}
}

func TestStartHandler_CreatesRun(t *testing.T) {
	s := newTestServer(t, []string{"t1", "t2"}, nil)

	w, resp := doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201, body %v", w.Code, resp)
	}
	runID, _ := resp["run_id"].(string)
	if runID == "" {
		t.Fatal("response missing run_id")
	}

	waitStatus(t, s, "proj1", "COMPLETED")

	w, details := doJSON(t, s, "GET", "/api/runs/"+runID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("run details = %d", w.Code)
	}
	attempts, _ := details["attempts"].([]any)
	if len(attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(attempts))
	}
}

func TestStartHandler_BlockedWithGuidance(t *testing.T) {
	s := newTestServer(t, nil, nil) // no eligible tasks

	w, resp := doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Status = %d, want 409", w.Code)
	}

	blockers, _ := resp["blockers"].([]any)
	if len(blockers) != 1 {
		t.Fatalf("blockers = %v, want exactly NO_TASKS", resp)
	}
	blocker := blockers[0].(map[string]any)
	if blocker["code"] != "NO_TASKS" {
		t.Errorf("blocker code = %v, want NO_TASKS", blocker["code"])
	}
	guidance, _ := blocker["guidance"].(map[string]any)
	if guidance["title"] == "" || guidance["title"] == nil {
		t.Error("blocker carries no guidance title")
	}
}

func TestRunDetails_FailedAttemptCarriesGuidance(t *testing.T) {
	s := newTestServer(t, []string{"t1"}, map[string]int{"t1": 2})

	w, resp := doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("start = %d", w.Code)
	}
	runID := resp["run_id"].(string)

	waitStatus(t, s, "proj1", "FAILED")

	_, details := doJSON(t, s, "GET", "/api/runs/"+runID, "")
	attempts := details["attempts"].([]any)
	attempt := attempts[0].(map[string]any)
	if attempt["status"] != "failed" {
		t.Fatalf("attempt status = %v, want failed", attempt["status"])
	}
	if _, ok := attempt["guidance"].(map[string]any); !ok {
		t.Error("failed attempt carries no guidance")
	}
}

func TestStopHandler_NoActiveRun(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w, _ := doJSON(t, s, "POST", "/api/projects/proj1/stop", `{"reason":"test"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want 409", w.Code)
	}
}

func TestRetryHandler_NothingToRetry(t *testing.T) {
	s := newTestServer(t, []string{"t1"}, nil)

	doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	waitStatus(t, s, "proj1", "COMPLETED")

	w, _ := doJSON(t, s, "POST", "/api/projects/proj1/retry", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want 409 when nothing failed", w.Code)
	}
}

func TestRerunHandler_FailedMode(t *testing.T) {
	s := newTestServer(t, []string{"t1", "t2"}, map[string]int{"t2": 1})

	_, resp := doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	runID := resp["run_id"].(string)
	waitStatus(t, s, "proj1", "FAILED")

	w, rerun := doJSON(t, s, "POST", "/api/runs/"+runID+"/rerun", `{"mode":"failed","max_parallel":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201, body %v", w.Code, rerun)
	}
	if rerun["tasks"].(float64) != 1 {
		t.Errorf("tasks = %v, want 1", rerun["tasks"])
	}
}

func TestRerunHandler_RejectsBadMode(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w, _ := doJSON(t, s, "POST", "/api/runs/r1/rerun", `{"mode":"everything"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestLogsHandler_CursorPagination(t *testing.T) {
	s := newTestServer(t, []string{"t1"}, nil)

	_, resp := doJSON(t, s, "POST", "/api/projects/proj1/runs", "")
	runID := resp["run_id"].(string)
	waitStatus(t, s, "proj1", "COMPLETED")

	_, details := doJSON(t, s, "GET", "/api/runs/"+runID, "")
	attempts := details["attempts"].([]any)
	attemptID := attempts[0].(map[string]any)["id"].(string)

	w, page := doJSON(t, s, "GET", "/api/attempts/"+attemptID+"/logs?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs = %d", w.Code)
	}
	lines := page["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	next := int64(page["next_cursor"].(float64))
	if next == 0 {
		t.Fatal("next_cursor = 0, want more pages")
	}

	_, page2 := doJSON(t, s, "GET", "/api/attempts/"+attemptID+"/logs?after="+strconv.FormatInt(next, 10)+"&limit=10", "")
	lines2 := page2["lines"].([]any)
	if len(lines2) != 1 {
		t.Errorf("second page lines = %d, want 1", len(lines2))
	}
	if page2["next_cursor"].(float64) != 0 {
		t.Errorf("final next_cursor = %v, want 0", page2["next_cursor"])
	}
}

func TestLogsHandler_UnknownAttempt(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w, _ := doJSON(t, s, "GET", "/api/attempts/nope/logs", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestSSEHub_StopsOnContextCancel(t *testing.T) {
	hub := NewSSEHub()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := make(chan SSEEvent, 1)
	hub.register <- client

	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub loop still running after cancel")
	}

	// Connected clients are closed so their handlers unblock
	select {
	case _, ok := <-client:
		if ok {
			t.Error("client received an event, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("client channel not closed after hub stop")
	}

	// Late broadcasts must not block once the hub is gone
	hub.Broadcast(SSEEvent{Type: "run_finished"})
}
