package engine

import (
	"fmt"

	"github.com/buildlane/autopilot/internal/domain"
)

// Blocker codes surfaced by the readiness check
const (
	BlockerAutopilotRunning = "AUTOPILOT_RUNNING"
	BlockerNoTasks          = "NO_TASKS"
	BlockerAINotConfigured  = "AI_NOT_CONFIGURED"
	BlockerBudgetExceeded   = "BUDGET_EXCEEDED"
	BlockerRepoNotReady     = "REPO_NOT_READY"
)

// Blocker is one reason a new run may not start
type Blocker struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Readiness is the aggregated result of all pre-flight checks
type Readiness struct {
	Ready    bool      `json:"ready"`
	Blockers []Blocker `json:"blockers"`
}

// AIReason is the AI collaborator's reason code
type AIReason string

const (
	AIOK             AIReason = "ok"
	AINotConfigured  AIReason = "not_configured"
	AIBudgetExceeded AIReason = "budget_exceeded"
)

// AICheck is the AI-status collaborator's verdict
type AICheck struct {
	Reason   AIReason
	LimitUSD float64
	SpendUSD float64
}

// TaskSource lists a project's eligible (todo or in-progress) tasks.
// Project and task CRUD is an external collaborator.
type TaskSource interface {
	EligibleTaskIDs(projectID string) ([]string, error)
}

// AIStatus reports whether the AI provider can serve a run
type AIStatus interface {
	Check(projectID string) (AICheck, error)
}

// RepoStatus reports whether the project repository is usable
type RepoStatus interface {
	Ready(projectID string) (bool, error)
}

// CheckReadiness runs every pre-flight check and collects all applicable
// blockers; it never short-circuits on the first one.
func (e *Engine) CheckReadiness(projectID string) (Readiness, error) {
	var blockers []Blocker

	status, err := e.ProjectStatus(projectID)
	if err != nil {
		return Readiness{}, fmt.Errorf("deriving status: %w", err)
	}
	if status == domain.StatusRunning {
		blockers = append(blockers, Blocker{
			Code:    BlockerAutopilotRunning,
			Message: "autopilot is already running for this project",
		})
	}

	tasks, err := e.tasks.EligibleTaskIDs(projectID)
	if err != nil {
		return Readiness{}, fmt.Errorf("listing eligible tasks: %w", err)
	}
	if len(tasks) == 0 {
		blockers = append(blockers, Blocker{
			Code:    BlockerNoTasks,
			Message: "no eligible tasks to execute",
		})
	}

	ai, err := e.ai.Check(projectID)
	if err != nil {
		return Readiness{}, fmt.Errorf("checking AI status: %w", err)
	}
	switch ai.Reason {
	case AINotConfigured:
		blockers = append(blockers, Blocker{
			Code:    BlockerAINotConfigured,
			Message: "AI provider is not configured",
		})
	case AIBudgetExceeded:
		blockers = append(blockers, Blocker{
			Code:    BlockerBudgetExceeded,
			Message: "spending budget exceeded",
			Meta:    map[string]any{"limitUSD": ai.LimitUSD, "spendUSD": ai.SpendUSD},
		})
	}

	repoOK, err := e.repo.Ready(projectID)
	if err != nil {
		return Readiness{}, fmt.Errorf("checking repo status: %w", err)
	}
	if !repoOK {
		blockers = append(blockers, Blocker{
			Code:    BlockerRepoNotReady,
			Message: "project repository is not ready",
		})
	}

	return Readiness{Ready: len(blockers) == 0, Blockers: blockers}, nil
}
