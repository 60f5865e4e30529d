package engine

import (
	"github.com/buildlane/autopilot/internal/domain"
)

// DeriveStatus computes a project's externally visible autopilot status as
// a pure function of the latest stored run and its attempt counts. It is
// stateless and idempotent: the same rows always yield the same answer,
// and no in-memory cache is ever consulted.
func DeriveStatus(latest *domain.RunSummary) domain.DerivedStatus {
	if latest == nil {
		return domain.StatusIdle
	}
	switch latest.Status {
	case domain.RunRunning:
		// Zero linked attempts is a tolerated transitional state
		return domain.StatusRunning
	case domain.RunCompleted:
		if latest.FailedAttempts > 0 {
			return domain.StatusFailed
		}
		return domain.StatusCompleted
	case domain.RunFailed:
		return domain.StatusFailed
	case domain.RunCancelled:
		return domain.StatusCancelled
	default:
		return domain.StatusIdle
	}
}

// ProjectStatus derives the current status for a project from stored rows
func (e *Engine) ProjectStatus(projectID string) (domain.DerivedStatus, error) {
	latest, err := e.store.GetLatestRun(projectID)
	if err != nil {
		return domain.StatusIdle, err
	}
	return DeriveStatus(latest), nil
}
