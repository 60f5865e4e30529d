// Package janitor prunes finished attempts and their logs and artifacts
// on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/buildlane/autopilot/internal/logging"
	"github.com/buildlane/autopilot/internal/store"
)

// Janitor deletes attempts that reached a terminal status before the
// retention cutoff. Rows belonging to the latest run are always kept so
// the derived status never loses its ground truth.
type Janitor struct {
	store     *store.Store
	schedule  cron.Schedule
	retention time.Duration
	log       *slog.Logger
}

// New creates a Janitor. expr is a standard five-field cron expression.
func New(st *store.Store, expr string, retention time.Duration) (*Janitor, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule: %w", err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	return &Janitor{
		store:     st,
		schedule:  sched,
		retention: retention,
		log:       logging.Logger(),
	}, nil
}

// A running run with no linked attempts older than this is reported as
// stalled during a sweep
const stalledRunAge = 5 * time.Minute

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled cleanup time after now
func (j *Janitor) NextRun(now time.Time) time.Time {
	return j.schedule.Next(now)
}

// Sweep deletes finished attempts older than the retention window and
// returns how many were removed
func (j *Janitor) Sweep() (int64, error) {
	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.store.DeleteFinishedAttemptsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting finished attempts: %w", err)
	}
	if deleted > 0 {
		j.log.Info("cleanup swept finished attempts", "deleted", deleted, "cutoff", cutoff)
	}

	// Runs stuck in running with nothing linked are reported, not fixed
	if stalled, err := j.store.ListStalledRuns(time.Now().Add(-stalledRunAge)); err == nil {
		for _, r := range stalled {
			j.log.Warn("run has been running with no attempts",
				"run_id", r.ID, "project_id", r.ProjectID, "started_at", r.StartedAt)
		}
	}
	return deleted, nil
}

// Run sweeps on the schedule until ctx is done
func (j *Janitor) Run(ctx context.Context) {
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(); err != nil {
				j.log.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}
