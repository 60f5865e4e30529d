package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/engine"
	"github.com/buildlane/autopilot/internal/failure"
)

// RunResponse is the API shape of a run
type RunResponse struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	Status         string            `json:"status"`
	StartedAt      string            `json:"started_at"`
	FinishedAt     *string           `json:"finished_at,omitempty"`
	AttemptsCount  int               `json:"attempts_count"`
	FailedAttempts int               `json:"failed_attempts"`
	Error          *failure.Error    `json:"error,omitempty"`
	Guidance       *failure.Guidance `json:"guidance,omitempty"`
}

// AttemptResponse is the API shape of an attempt
type AttemptResponse struct {
	ID            string            `json:"id"`
	TaskID        string            `json:"task_id"`
	RunID         string            `json:"run_id,omitempty"`
	Status        string            `json:"status"`
	QueuedAt      string            `json:"queued_at"`
	StartedAt     *string           `json:"started_at,omitempty"`
	FinishedAt    *string           `json:"finished_at,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	Error         string            `json:"error,omitempty"`
	Guidance      *failure.Guidance `json:"guidance,omitempty"`
	QueuePosition int               `json:"queue_position,omitempty"`
}

// StatusResponse is the derived autopilot status of a project
type StatusResponse struct {
	ProjectID       string       `json:"project_id"`
	Status          string       `json:"status"`
	LatestRun       *RunResponse `json:"latest_run,omitempty"`
	RunningAttempts int          `json:"running_attempts"`
	QueuedAttempts  int          `json:"queued_attempts"`
}

// BlockerResponse is one readiness blocker with remediation guidance
type BlockerResponse struct {
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Meta     map[string]any   `json:"meta,omitempty"`
	Guidance failure.Guidance `json:"guidance"`
}

// StartBlockedResponse is returned when a run cannot start
type StartBlockedResponse struct {
	Blockers []BlockerResponse `json:"blockers"`
}

// LogsResponse is one page of attempt log lines
type LogsResponse struct {
	Lines      []LogLineResponse `json:"lines"`
	NextCursor int64             `json:"next_cursor"`
}

// LogLineResponse is the API shape of a log line
type LogLineResponse struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// RerunRequest is the body of a rerun call
type RerunRequest struct {
	Mode        string   `json:"mode"`
	TaskIDs     []string `json:"task_ids,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func runToResponse(r *domain.RunSummary) *RunResponse {
	resp := &RunResponse{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Status:         string(r.Status),
		StartedAt:      formatTime(r.StartedAt),
		FinishedAt:     formatTimePtr(r.FinishedAt),
		AttemptsCount:  r.AttemptsCount,
		FailedAttempts: r.FailedAttempts,
	}
	if r.ErrorJSON != "" {
		e := failure.Unmarshal(r.ErrorJSON)
		g := failure.GuidanceFor(e)
		resp.Error = e
		resp.Guidance = &g
	}
	return resp
}

func attemptToResponse(a *domain.Attempt) AttemptResponse {
	resp := AttemptResponse{
		ID:         a.ID,
		TaskID:     a.TaskID,
		RunID:      a.RunID,
		Status:     string(a.Status),
		QueuedAt:   formatTime(a.QueuedAt),
		StartedAt:  formatTimePtr(a.StartedAt),
		FinishedAt: formatTimePtr(a.FinishedAt),
		ExitCode:   a.ExitCode,
		Error:      a.ErrorText,
	}
	if a.Status == domain.AttemptFailed {
		g := failure.GuidanceFor(failure.Normalize(a.ErrorText))
		resp.Guidance = &g
	}
	return resp
}

// Blocker codes that are not failure codes still need remediation text
var blockerGuidance = map[string]failure.Guidance{
	engine.BlockerAutopilotRunning: {
		Title:     "Autopilot is already running",
		NextSteps: []string{"Wait for the current run to finish, or stop it first"},
		Severity:  failure.SeverityInfo,
	},
	engine.BlockerNoTasks: {
		Title:     "No eligible tasks",
		NextSteps: []string{"Add tasks or move existing ones back to todo"},
		Severity:  failure.SeverityInfo,
	},
}

func blockerToResponse(b engine.Blocker) BlockerResponse {
	g, ok := blockerGuidance[b.Code]
	if !ok {
		g = failure.GuidanceFor(failure.New(failure.Code(b.Code), b.Message))
	}
	return BlockerResponse{Code: b.Code, Message: b.Message, Meta: b.Meta, Guidance: g}
}

func (s *Server) projectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		projectID := parts[0]

		switch {
		case parts[1] == "status" && r.Method == http.MethodGet:
			s.handleStatus(w, projectID)
		case parts[1] == "runs" && r.Method == http.MethodGet:
			s.handleListRuns(w, r, projectID)
		case parts[1] == "runs" && r.Method == http.MethodPost:
			s.handleStart(w, projectID)
		case parts[1] == "stop" && r.Method == http.MethodPost:
			s.handleStop(w, r, projectID)
		case parts[1] == "retry" && r.Method == http.MethodPost:
			s.handleRetry(w, projectID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, projectID string) {
	status, err := s.engine.ProjectStatus(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatusResponse{ProjectID: projectID, Status: string(status)}
	if latest, err := s.engine.Store().GetLatestRun(projectID); err == nil && latest != nil {
		resp.LatestRun = runToResponse(latest)
	}
	resp.RunningAttempts, _ = s.engine.Store().CountRunningAttempts(projectID)
	resp.QueuedAttempts, _ = s.engine.Store().CountQueuedAttempts(projectID)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, projectID string) {
	run, blockers, err := s.engine.StartRun(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		resp := StartBlockedResponse{}
		for _, b := range blockers {
			resp.Blockers = append(resp.Blockers, blockerToResponse(b))
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id": run.ID,
		"status": string(run.Status),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	err := s.engine.StopRun(projectID, body.Reason)
	if errors.Is(err, engine.ErrNoActiveRun) {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleRetry(w http.ResponseWriter, projectID string) {
	run, err := s.engine.RetryRun(projectID)
	if errors.Is(err, engine.ErrNoTasksToRerun) {
		writeError(w, http.StatusConflict, "no failed tasks to retry")
		return
	}
	if errors.Is(err, engine.ErrNoActiveRun) {
		writeError(w, http.StatusConflict, "no previous run to retry")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, projectID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.engine.Runs().ListRuns(projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]*RunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		parts := strings.Split(path, "/")
		if parts[0] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		runID := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleRunDetails(w, runID)
		case len(parts) == 2 && parts[1] == "rerun" && r.Method == http.MethodPost:
			s.handleRerun(w, r, runID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) handleRunDetails(w http.ResponseWriter, runID string) {
	summary, err := s.engine.Runs().GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	attempts, err := s.engine.Store().ListAttemptsByRun(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attemptResps := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		ar := attemptToResponse(a)
		if a.Status == domain.AttemptQueued {
			if pos, ok, err := s.engine.Scheduler().QueuePosition(a.ID); err == nil && ok {
				ar.QueuePosition = pos
			}
		}
		attemptResps = append(attemptResps, ar)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":      runToResponse(summary),
		"attempts": attemptResps,
	})
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request, runID string) {
	var body RerunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := engine.RerunMode(body.Mode)
	if mode != engine.RerunFailed && mode != engine.RerunSelected {
		writeError(w, http.StatusBadRequest, "mode must be failed or selected")
		return
	}

	run, count, err := s.engine.Rerun(runID, mode, body.TaskIDs, body.MaxParallel)
	if errors.Is(err, engine.ErrNoTasksToRerun) {
		writeError(w, http.StatusConflict, "no tasks match the rerun filter")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id": run.ID,
		"tasks":  count,
	})
}

func (s *Server) attemptsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/attempts/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[0] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		attemptID := parts[0]

		switch {
		case parts[1] == "logs" && r.Method == http.MethodGet:
			s.handleLogs(w, r, attemptID)
		case parts[1] == "follow" && r.Method == http.MethodGet:
			s.handleFollow(w, r, attemptID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, attemptID string) {
	if _, err := s.engine.Store().GetAttempt(attemptID); err != nil {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	lines, next, err := s.engine.Store().ListLogsAfter(attemptID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := LogsResponse{NextCursor: next, Lines: make([]LogLineResponse, 0, len(lines))}
	for _, l := range lines {
		resp.Lines = append(resp.Lines, LogLineResponse{
			ID:        l.ID,
			Timestamp: formatTime(l.Timestamp),
			Level:     string(l.Level),
			Message:   l.Message,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
