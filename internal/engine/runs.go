package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/failure"
	"github.com/buildlane/autopilot/internal/store"
)

// ErrNoTasksToRerun is returned when a rerun's filtered task set is empty
var ErrNoTasksToRerun = errors.New("NO_TASKS_TO_RERUN")

// RerunMode selects which tasks of a prior run to execute again
type RerunMode string

const (
	RerunFailed   RerunMode = "failed"
	RerunSelected RerunMode = "selected"
)

// Rerun parallelism is clamped into this range
const (
	minRerunParallel = 1
	maxRerunParallel = 20
)

// RunManager creates, finishes and queries runs
type RunManager struct {
	store *store.Store
}

// NewRunManager creates a RunManager
func NewRunManager(st *store.Store) *RunManager {
	return &RunManager{store: st}
}

// CreateRun inserts a new run in running state and returns it
func (m *RunManager) CreateRun(projectID string) (*domain.Run, error) {
	run := &domain.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.RunRunning,
		StartedAt: time.Now(),
	}
	if err := m.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return run, nil
}

// FinishRun writes a run's terminal status, serializing the cause through
// the normalizer when one is given. Expected to be called exactly once
// per run; a duplicate finish reports store.ErrRunFinished.
func (m *RunManager) FinishRun(runID string, status domain.RunStatus, cause any) error {
	var errorJSON string
	if cause != nil {
		var err error
		errorJSON, err = failure.Marshal(failure.Normalize(cause))
		if err != nil {
			return err
		}
	}
	return m.store.FinishRun(runID, status, errorJSON)
}

// GetRun returns a run with aggregate attempt counts
func (m *RunManager) GetRun(runID string) (*domain.RunSummary, error) {
	return m.store.GetRun(runID)
}

// ListRuns returns a project's runs newest-first with attempt counts
func (m *RunManager) ListRuns(projectID string, limit int) ([]*domain.RunSummary, error) {
	return m.store.ListRuns(projectID, limit)
}

// LinkAttemptToRun associates an attempt with a run
func (m *RunManager) LinkAttemptToRun(attemptID, runID string) error {
	return m.store.LinkAttemptToRun(attemptID, runID)
}

// BuildRerunTaskIDs selects the tasks of a prior run eligible for a rerun.
// Attempts are deduplicated per task with the latest attempt winning; mode
// failed keeps tasks whose latest attempt failed, mode selected keeps the
// allow-list intersected with tasks actually present in the source run.
func (m *RunManager) BuildRerunTaskIDs(runID string, mode RerunMode, selected []string) ([]string, error) {
	attempts, err := m.store.ListAttemptsByRun(runID)
	if err != nil {
		return nil, fmt.Errorf("listing run attempts: %w", err)
	}

	// Attempts arrive ordered by enqueue time, so the last one seen per
	// task is the latest
	latest := make(map[string]*domain.Attempt)
	var order []string
	for _, a := range attempts {
		if _, seen := latest[a.TaskID]; !seen {
			order = append(order, a.TaskID)
		}
		latest[a.TaskID] = a
	}

	allowed := make(map[string]bool, len(selected))
	for _, id := range selected {
		allowed[id] = true
	}

	var taskIDs []string
	for _, taskID := range order {
		switch mode {
		case RerunFailed:
			if latest[taskID].Status == domain.AttemptFailed {
				taskIDs = append(taskIDs, taskID)
			}
		case RerunSelected:
			if allowed[taskID] {
				taskIDs = append(taskIDs, taskID)
			}
		default:
			return nil, fmt.Errorf("unknown rerun mode %q", mode)
		}
	}
	return taskIDs, nil
}

func clampParallel(n int) int {
	if n < minRerunParallel {
		return minRerunParallel
	}
	if n > maxRerunParallel {
		return maxRerunParallel
	}
	return n
}
