package engine

import (
	"testing"

	"github.com/buildlane/autopilot/internal/domain"
)

func TestDeriveStatus(t *testing.T) {
	summary := func(status domain.RunStatus, attempts, failed int) *domain.RunSummary {
		return &domain.RunSummary{
			Run:            domain.Run{ID: "r1", ProjectID: "p1", Status: status},
			AttemptsCount:  attempts,
			FailedAttempts: failed,
		}
	}

	cases := []struct {
		name   string
		latest *domain.RunSummary
		want   domain.DerivedStatus
	}{
		{"no runs", nil, domain.StatusIdle},
		{"running", summary(domain.RunRunning, 3, 0), domain.StatusRunning},
		{"running with no attempts yet", summary(domain.RunRunning, 0, 0), domain.StatusRunning},
		{"running with failures so far", summary(domain.RunRunning, 3, 1), domain.StatusRunning},
		{"all completed", summary(domain.RunCompleted, 3, 0), domain.StatusCompleted},
		{"completed with failures", summary(domain.RunCompleted, 3, 2), domain.StatusFailed},
		{"run failed", summary(domain.RunFailed, 1, 0), domain.StatusFailed},
		{"cancelled", summary(domain.RunCancelled, 2, 0), domain.StatusCancelled},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DeriveStatus(c.latest); got != c.want {
				t.Errorf("DeriveStatus() = %v, want %v", got, c.want)
			}
			// Idempotent: same rows, same answer
			if got := DeriveStatus(c.latest); got != c.want {
				t.Errorf("second DeriveStatus() = %v, want %v", got, c.want)
			}
		})
	}
}
